package model

// Reserved outbound webhook headers. Subscription custom headers are merged
// into requests but never override these.
const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderSignature = "X-Webhook-Signature"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderTimestamp = "X-Webhook-Timestamp"

	// HeaderSecret names the shared secret presented to the inbound
	// verification endpoint.
	HeaderSecret = "X-Webhook-Secret"
)
