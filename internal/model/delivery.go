package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSuccess DeliveryStatus = "success"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

// ResponseBodyLimit caps the stored excerpt of a subscriber's response body.
const ResponseBodyLimit = 1000

// Delivery is one attempt lifecycle of sending a single event occurrence to
// a single subscription. The payload is captured at trigger time and never
// rewritten, so the subscriber always sees the state as of the trigger.
// Once Status reaches success or failed the row is immutable.
type Delivery struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	SubscriptionID uuid.UUID       `db:"subscription_id" json:"subscription_id"`
	EventName      string          `db:"event_name" json:"event_name"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	Status         DeliveryStatus  `db:"status" json:"status"`
	Attempts       int             `db:"attempts" json:"attempts"`
	ResponseStatus *int            `db:"response_status" json:"response_status,omitempty"`
	ResponseBody   *string         `db:"response_body" json:"response_body,omitempty"`
	LastError      *string         `db:"last_error" json:"last_error,omitempty"`
	DurationMs     *int64          `db:"duration_ms" json:"duration_ms,omitempty"`
	NextRetryAt    *time.Time      `db:"next_retry_at" json:"next_retry_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether the delivery reached a final state.
func (d *Delivery) Terminal() bool {
	return d.Status == DeliveryStatusSuccess || d.Status == DeliveryStatusFailed
}
