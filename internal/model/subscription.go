package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// RetryPolicy controls how failed deliveries are rescheduled. The delay
// before attempt n+1 is InitialDelayMs * BackoffMultiplier^(n-1).
type RetryPolicy struct {
	MaxAttempts       int     `db:"retry_max_attempts" json:"max_attempts"`
	InitialDelayMs    int     `db:"retry_initial_delay_ms" json:"initial_delay_ms"`
	BackoffMultiplier float64 `db:"retry_backoff_multiplier" json:"backoff_multiplier"`
}

// DefaultRetryPolicy is applied when a subscription is registered without one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelayMs:    1000,
		BackoffMultiplier: 2,
	}
}

// Delay returns the backoff delay scheduled after the given attempt number
// (1-based) has failed.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(p.InitialDelayMs)
	for i := 1; i < attempt; i++ {
		delay *= p.BackoffMultiplier
	}
	return time.Duration(delay) * time.Millisecond
}

// HeaderMap stores subscription custom headers as JSONB.
type HeaderMap map[string]string

func (h HeaderMap) Value() (driver.Value, error) {
	if h == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(h)
}

func (h *HeaderMap) Scan(src interface{}) error {
	if src == nil {
		*h = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported header map source type %T", src)
	}
	return json.Unmarshal(data, h)
}

// Subscription is a registered webhook endpoint belonging to a tenant.
type Subscription struct {
	ID                  uuid.UUID      `db:"id" json:"id"`
	OrganizationID      uuid.UUID      `db:"organization_id" json:"organization_id"`
	Name                string         `db:"name" json:"name"`
	URL                 string         `db:"url" json:"url"`
	Events              pq.StringArray `db:"events" json:"events"`
	Secret              string         `db:"secret" json:"-"`
	Headers             HeaderMap      `db:"headers" json:"headers,omitempty"`
	RetryPolicy         `json:"retry_policy"`
	Active              bool      `db:"active" json:"active"`
	ConsecutiveFailures int       `db:"consecutive_failures" json:"consecutive_failures"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// SubscribedTo reports whether the subscription listens for the event name.
func (s *Subscription) SubscribedTo(eventName string) bool {
	for _, e := range s.Events {
		if e == eventName {
			return true
		}
	}
	return false
}
