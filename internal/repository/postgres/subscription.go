package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sealtrack/webhook-service/internal/model"
	"github.com/sealtrack/webhook-service/internal/repository"
)

type subscriptionRepository struct {
	BaseRepository
}

func NewSubscriptionRepository(base BaseRepository) repository.SubscriptionRepository {
	return &subscriptionRepository{base}
}

func (r *subscriptionRepository) Create(ctx context.Context, sub *model.Subscription) error {
	if sub == nil {
		return fmt.Errorf("subscription cannot be nil")
	}

	query := `
		INSERT INTO webhook_subscriptions (
			id, organization_id, name, url, events, secret, headers,
			retry_max_attempts, retry_initial_delay_ms, retry_backoff_multiplier,
			active, consecutive_failures, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
	`
	_, err := r.db.ExecContext(ctx, query,
		sub.ID,
		sub.OrganizationID,
		sub.Name,
		sub.URL,
		sub.Events,
		sub.Secret,
		sub.Headers,
		sub.MaxAttempts,
		sub.InitialDelayMs,
		sub.BackoffMultiplier,
		sub.Active,
		sub.ConsecutiveFailures,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (r *subscriptionRepository) Update(ctx context.Context, sub *model.Subscription) error {
	query := `
		UPDATE webhook_subscriptions
		SET name = $1, url = $2, events = $3, secret = $4, headers = $5,
			retry_max_attempts = $6, retry_initial_delay_ms = $7, retry_backoff_multiplier = $8,
			active = $9, consecutive_failures = $10, updated_at = $11
		WHERE id = $12
	`
	result, err := r.db.ExecContext(ctx, query,
		sub.Name,
		sub.URL,
		sub.Events,
		sub.Secret,
		sub.Headers,
		sub.MaxAttempts,
		sub.InitialDelayMs,
		sub.BackoffMultiplier,
		sub.Active,
		sub.ConsecutiveFailures,
		time.Now(),
		sub.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return checkAffected(result)
}

func (r *subscriptionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return checkAffected(result)
}

func (r *subscriptionRepository) Get(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	query := `
		SELECT id, organization_id, name, url, events, secret, headers,
			retry_max_attempts, retry_initial_delay_ms, retry_backoff_multiplier,
			active, consecutive_failures, created_at, updated_at
		FROM webhook_subscriptions
		WHERE id = $1
	`
	var sub model.Subscription
	if err := r.db.GetContext(ctx, &sub, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

func (r *subscriptionRepository) List(ctx context.Context, organizationID uuid.UUID) ([]*model.Subscription, error) {
	query := `
		SELECT id, organization_id, name, url, events, secret, headers,
			retry_max_attempts, retry_initial_delay_ms, retry_backoff_multiplier,
			active, consecutive_failures, created_at, updated_at
		FROM webhook_subscriptions
		WHERE organization_id = $1
		ORDER BY created_at ASC
	`
	var subs []*model.Subscription
	if err := r.db.SelectContext(ctx, &subs, query, organizationID); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

func (r *subscriptionRepository) ListActiveForEvent(ctx context.Context, eventName string) ([]*model.Subscription, error) {
	query := `
		SELECT id, organization_id, name, url, events, secret, headers,
			retry_max_attempts, retry_initial_delay_ms, retry_backoff_multiplier,
			active, consecutive_failures, created_at, updated_at
		FROM webhook_subscriptions
		WHERE active = true AND $1 = ANY(events)
		ORDER BY created_at ASC
	`
	var subs []*model.Subscription
	if err := r.db.SelectContext(ctx, &subs, query, eventName); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions for event: %w", err)
	}
	return subs, nil
}

func (r *subscriptionRepository) ResetFailures(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE webhook_subscriptions
		SET consecutive_failures = 0, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to reset failures: %w", err)
	}
	return checkAffected(result)
}

func (r *subscriptionRepository) IncrementFailures(ctx context.Context, id uuid.UUID) (int, error) {
	query := `
		UPDATE webhook_subscriptions
		SET consecutive_failures = consecutive_failures + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING consecutive_failures
	`
	var failures int
	if err := r.db.QueryRowxContext(ctx, query, id).Scan(&failures); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, repository.ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment failures: %w", err)
	}
	return failures, nil
}

func (r *subscriptionRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	query := `
		UPDATE webhook_subscriptions
		SET active = $1, updated_at = NOW()
		WHERE id = $2
	`
	result, err := r.db.ExecContext(ctx, query, active, id)
	if err != nil {
		return fmt.Errorf("failed to set active flag: %w", err)
	}
	return checkAffected(result)
}

func checkAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return repository.ErrNotFound
	}
	return nil
}
