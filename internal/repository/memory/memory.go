// Package memory provides in-memory implementations of the repository
// interfaces. They back unit tests and local development without postgres,
// and mirror the durability-boundary semantics of the SQL stores: returned
// records are copies, and terminal delivery rows are immutable.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sealtrack/webhook-service/internal/model"
	"github.com/sealtrack/webhook-service/internal/repository"
)

type SubscriptionStore struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*model.Subscription
}

func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{subs: make(map[uuid.UUID]*model.Subscription)}
}

func copySubscription(s *model.Subscription) *model.Subscription {
	out := *s
	out.Events = append(out.Events[:0:0], s.Events...)
	if s.Headers != nil {
		out.Headers = make(model.HeaderMap, len(s.Headers))
		for k, v := range s.Headers {
			out.Headers[k] = v
		}
	}
	return &out
}

func (r *SubscriptionStore) Create(ctx context.Context, sub *model.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID] = copySubscription(sub)
	return nil
}

func (r *SubscriptionStore) Update(ctx context.Context, sub *model.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub.ID]; !ok {
		return repository.ErrNotFound
	}
	r.subs[sub.ID] = copySubscription(sub)
	return nil
}

func (r *SubscriptionStore) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.subs, id)
	return nil
}

func (r *SubscriptionStore) Get(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copySubscription(sub), nil
}

func (r *SubscriptionStore) List(ctx context.Context, organizationID uuid.UUID) ([]*model.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Subscription
	for _, sub := range r.subs {
		if sub.OrganizationID == organizationID {
			out = append(out, copySubscription(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *SubscriptionStore) ListActiveForEvent(ctx context.Context, eventName string) ([]*model.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Subscription
	for _, sub := range r.subs {
		if sub.Active && sub.SubscribedTo(eventName) {
			out = append(out, copySubscription(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *SubscriptionStore) ResetFailures(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return repository.ErrNotFound
	}
	sub.ConsecutiveFailures = 0
	sub.UpdatedAt = time.Now()
	return nil
}

func (r *SubscriptionStore) IncrementFailures(ctx context.Context, id uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	sub.ConsecutiveFailures++
	sub.UpdatedAt = time.Now()
	return sub.ConsecutiveFailures, nil
}

func (r *SubscriptionStore) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return repository.ErrNotFound
	}
	sub.Active = active
	sub.UpdatedAt = time.Now()
	return nil
}

type DeliveryStore struct {
	mu         sync.RWMutex
	deliveries map[uuid.UUID]*model.Delivery
}

func NewDeliveryStore() *DeliveryStore {
	return &DeliveryStore{deliveries: make(map[uuid.UUID]*model.Delivery)}
}

func copyDelivery(d *model.Delivery) *model.Delivery {
	out := *d
	out.Payload = append(out.Payload[:0:0], d.Payload...)
	return &out
}

func (r *DeliveryStore) Create(ctx context.Context, d *model.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries[d.ID] = copyDelivery(d)
	return nil
}

func (r *DeliveryStore) CreateBatch(ctx context.Context, deliveries []*model.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range deliveries {
		r.deliveries[d.ID] = copyDelivery(d)
	}
	return nil
}

func (r *DeliveryStore) Get(ctx context.Context, id uuid.UUID) (*model.Delivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deliveries[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyDelivery(d), nil
}

func (r *DeliveryStore) Update(ctx context.Context, d *model.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.deliveries[d.ID]
	if !ok {
		return repository.ErrNotFound
	}
	// Same guard as the SQL store: terminal rows never change.
	if stored.Terminal() {
		return nil
	}
	updated := copyDelivery(d)
	updated.UpdatedAt = time.Now()
	r.deliveries[d.ID] = updated
	return nil
}

// Claim mirrors the SQL store: the lease check and the attempt increment
// happen under one lock, so only one caller wins a given attempt.
func (r *DeliveryStore) Claim(ctx context.Context, id uuid.UUID, now, until time.Time) (*model.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deliveries[id]
	if !ok || d.Status != model.DeliveryStatusPending {
		return nil, repository.ErrNotFound
	}
	if d.NextRetryAt != nil && d.NextRetryAt.After(now) {
		return nil, repository.ErrNotFound
	}
	d.Attempts++
	lease := until
	d.NextRetryAt = &lease
	d.UpdatedAt = time.Now()
	return copyDelivery(d), nil
}

func (r *DeliveryStore) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]*model.Delivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Delivery
	for _, d := range r.deliveries {
		if d.SubscriptionID == subscriptionID {
			out = append(out, copyDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *DeliveryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Delivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Delivery
	for _, d := range r.deliveries {
		if d.Status == model.DeliveryStatusPending && d.NextRetryAt != nil && !d.NextRetryAt.After(now) {
			out = append(out, copyDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *DeliveryStore) ListUnscheduled(ctx context.Context, olderThan time.Time, limit int) ([]*model.Delivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Delivery
	for _, d := range r.deliveries {
		if d.Status == model.DeliveryStatusPending && d.NextRetryAt == nil && !d.CreatedAt.After(olderThan) {
			out = append(out, copyDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
