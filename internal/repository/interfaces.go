package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sealtrack/webhook-service/internal/model"
)

// ErrNotFound is returned by stores when the requested row does not exist.
var ErrNotFound = errors.New("record not found")

// SubscriptionRepository is the durability boundary for webhook subscriptions.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *model.Subscription) error
	Update(ctx context.Context, sub *model.Subscription) error
	Delete(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*model.Subscription, error)
	List(ctx context.Context, organizationID uuid.UUID) ([]*model.Subscription, error)
	ListActiveForEvent(ctx context.Context, eventName string) ([]*model.Subscription, error)

	// ResetFailures zeroes the consecutive-failure counter after a
	// successful delivery.
	ResetFailures(ctx context.Context, id uuid.UUID) error
	// IncrementFailures bumps the counter and returns the new value so the
	// caller can apply the circuit-breaker rule.
	IncrementFailures(ctx context.Context, id uuid.UUID) (int, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

// DeliveryRepository is the durability boundary for the delivery log.
// Update only applies while the stored row is still pending; terminal rows
// (success/failed) are immutable.
type DeliveryRepository interface {
	Create(ctx context.Context, d *model.Delivery) error
	// CreateBatch persists a fan-out of deliveries in one transaction, so
	// either every matching subscription gets its pending row or none do.
	CreateBatch(ctx context.Context, deliveries []*model.Delivery) error
	Get(ctx context.Context, id uuid.UUID) (*model.Delivery, error)
	Update(ctx context.Context, d *model.Delivery) error
	// Claim marks the start of an attempt in one atomic step: it bumps the
	// attempt counter and moves next_retry_at to the lease deadline, but
	// only while the row is pending and not already leased (next_retry_at
	// absent or due). Exactly one worker across all processes wins a given
	// attempt; if the winner crashes, the lease lapses and the retry scan
	// hands the row out again.
	Claim(ctx context.Context, id uuid.UUID, now, until time.Time) (*model.Delivery, error)
	ListBySubscription(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]*model.Delivery, error)

	// ListDue returns pending deliveries whose scheduled retry time has
	// passed, ordered by next_retry_at.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Delivery, error)
	// ListUnscheduled returns pending deliveries with no retry timestamp
	// created at or before the cutoff: rows orphaned mid-send by a crash,
	// or fresh rows whose wake-up message was lost. The worker's startup
	// recovery sweep passes the current time; the poll loop passes a
	// slightly aged cutoff so it does not race in-flight enqueues.
	ListUnscheduled(ctx context.Context, olderThan time.Time, limit int) ([]*model.Delivery, error)
}
