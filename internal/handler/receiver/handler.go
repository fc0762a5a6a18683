package receiver

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sealtrack/webhook-service/internal/handler"
	"github.com/sealtrack/webhook-service/internal/model"
	"github.com/sealtrack/webhook-service/pkg/logger"
	"github.com/sealtrack/webhook-service/pkg/signer"
)

// Handler verifies externally-signed callbacks. It doubles as the
// reference implementation subscribers can mirror to validate what this
// service sends them.
type Handler struct {
	defaultSecret string
	logger        *logger.Logger
}

func NewHandler(defaultSecret string, logger *logger.Logger) *Handler {
	return &Handler{defaultSecret: defaultSecret, logger: logger}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/receiver/callback", h.ReceiveCallback)
}

// ReceiveCallback recomputes the HMAC over the request body and compares it
// against X-Webhook-Signature in constant time. The secret comes from the
// X-Webhook-Secret header, falling back to the configured one.
func (h *Handler) ReceiveCallback(c *gin.Context) {
	signature := c.GetHeader(model.HeaderSignature)
	if signature == "" {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("missing signature header"))
		return
	}

	secret := c.GetHeader(model.HeaderSecret)
	if secret == "" {
		secret = h.defaultSecret
	}
	if secret == "" {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("no secret available for verification"))
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("failed to read request body"))
		return
	}

	if !signer.Verify(secret, body, signature) {
		h.logger.Warn("callback signature mismatch",
			"event", c.GetHeader(model.HeaderEvent),
			"delivery_id", c.GetHeader(model.HeaderDelivery))
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("signature mismatch"))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"verified": true}))
}
