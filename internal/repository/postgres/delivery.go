package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sealtrack/webhook-service/internal/model"
	"github.com/sealtrack/webhook-service/internal/repository"
)

type deliveryRepository struct {
	BaseRepository
}

func NewDeliveryRepository(base BaseRepository) repository.DeliveryRepository {
	return &deliveryRepository{base}
}

const insertDeliveryQuery = `
	INSERT INTO webhook_deliveries (
		id, subscription_id, event_name, payload, status, attempts,
		next_retry_at, created_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9
	)
`

func deliveryInsertArgs(d *model.Delivery) []interface{} {
	return []interface{}{
		d.ID,
		d.SubscriptionID,
		d.EventName,
		d.Payload,
		d.Status,
		d.Attempts,
		d.NextRetryAt,
		d.CreatedAt,
		d.UpdatedAt,
	}
}

func (r *deliveryRepository) Create(ctx context.Context, d *model.Delivery) error {
	if d == nil {
		return fmt.Errorf("delivery cannot be nil")
	}
	if d.Payload == nil {
		return fmt.Errorf("delivery payload cannot be nil")
	}

	if _, err := r.db.ExecContext(ctx, insertDeliveryQuery, deliveryInsertArgs(d)...); err != nil {
		return fmt.Errorf("failed to create delivery: %w", err)
	}
	return nil
}

func (r *deliveryRepository) CreateBatch(ctx context.Context, deliveries []*model.Delivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, d := range deliveries {
			if d == nil || d.Payload == nil {
				return fmt.Errorf("delivery payload cannot be nil")
			}
			if _, err := tx.ExecContext(ctx, insertDeliveryQuery, deliveryInsertArgs(d)...); err != nil {
				return fmt.Errorf("failed to create delivery: %w", err)
			}
		}
		return nil
	})
}

func (r *deliveryRepository) Get(ctx context.Context, id uuid.UUID) (*model.Delivery, error) {
	query := `
		SELECT id, subscription_id, event_name, payload, status, attempts,
			response_status, response_body, last_error, duration_ms,
			next_retry_at, created_at, updated_at
		FROM webhook_deliveries
		WHERE id = $1
	`
	var d model.Delivery
	if err := r.db.GetContext(ctx, &d, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	return &d, nil
}

// Update persists an attempt outcome. The status guard makes terminal rows
// immutable at the database level, not just in worker logic.
func (r *deliveryRepository) Update(ctx context.Context, d *model.Delivery) error {
	query := `
		UPDATE webhook_deliveries
		SET status = $1, attempts = $2, response_status = $3, response_body = $4,
			last_error = $5, duration_ms = $6, next_retry_at = $7, updated_at = NOW()
		WHERE id = $8 AND status = 'pending'
	`
	_, err := r.db.ExecContext(ctx, query,
		d.Status,
		d.Attempts,
		d.ResponseStatus,
		d.ResponseBody,
		d.LastError,
		d.DurationMs,
		d.NextRetryAt,
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	return nil
}

// Claim wins or loses the attempt in a single statement: the guard on
// next_retry_at rejects rows another worker already leased, and the update
// itself is the lease.
func (r *deliveryRepository) Claim(ctx context.Context, id uuid.UUID, now, until time.Time) (*model.Delivery, error) {
	query := `
		UPDATE webhook_deliveries
		SET attempts = attempts + 1, next_retry_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
			AND (next_retry_at IS NULL OR next_retry_at <= $3)
		RETURNING id, subscription_id, event_name, payload, status, attempts,
			response_status, response_body, last_error, duration_ms,
			next_retry_at, created_at, updated_at
	`
	var d model.Delivery
	if err := r.db.GetContext(ctx, &d, query, id, until, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to claim delivery: %w", err)
	}
	return &d, nil
}

func (r *deliveryRepository) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]*model.Delivery, error) {
	query := `
		SELECT id, subscription_id, event_name, payload, status, attempts,
			response_status, response_body, last_error, duration_ms,
			next_retry_at, created_at, updated_at
		FROM webhook_deliveries
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	var deliveries []*model.Delivery
	if err := r.db.SelectContext(ctx, &deliveries, query, subscriptionID, limit); err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	return deliveries, nil
}

func (r *deliveryRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Delivery, error) {
	query := `
		SELECT id, subscription_id, event_name, payload, status, attempts,
			response_status, response_body, last_error, duration_ms,
			next_retry_at, created_at, updated_at
		FROM webhook_deliveries
		WHERE status = 'pending' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at ASC
		LIMIT $2
	`
	var deliveries []*model.Delivery
	if err := r.db.SelectContext(ctx, &deliveries, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list due deliveries: %w", err)
	}
	return deliveries, nil
}

func (r *deliveryRepository) ListUnscheduled(ctx context.Context, olderThan time.Time, limit int) ([]*model.Delivery, error) {
	query := `
		SELECT id, subscription_id, event_name, payload, status, attempts,
			response_status, response_body, last_error, duration_ms,
			next_retry_at, created_at, updated_at
		FROM webhook_deliveries
		WHERE status = 'pending' AND next_retry_at IS NULL AND created_at <= $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	var deliveries []*model.Delivery
	if err := r.db.SelectContext(ctx, &deliveries, query, olderThan, limit); err != nil {
		return nil, fmt.Errorf("failed to list unscheduled deliveries: %w", err)
	}
	return deliveries, nil
}
