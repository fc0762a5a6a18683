package handler

// Response is the envelope every API endpoint returns. Status is "success"
// or "error"; Data carries the subscription, delivery, or verification
// payload; Message explains rejections (bad spec, unknown id, signature
// mismatch) and is omitted on success.
type Response struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func NewSuccessResponse(data interface{}) *Response {
	return &Response{
		Status: "success",
		Data:   data,
	}
}

func NewErrorResponse(message string) *Response {
	return &Response{
		Status:  "error",
		Message: message,
	}
}
