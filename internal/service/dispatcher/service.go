package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/sealtrack/webhook-service/internal/model"
	"github.com/sealtrack/webhook-service/internal/repository"
	apperrors "github.com/sealtrack/webhook-service/pkg/errors"
	"github.com/sealtrack/webhook-service/pkg/logger"
	"github.com/sealtrack/webhook-service/pkg/messaging"
	"github.com/sealtrack/webhook-service/pkg/metrics"
)

// Enqueuer hands a persisted delivery to an in-process worker queue.
type Enqueuer interface {
	Enqueue(id uuid.UUID) bool
}

type Config struct {
	// WakeChannel is the redis channel delivery ids are announced on for
	// out-of-process workers. Empty disables publishing.
	WakeChannel string
	CacheTTL    time.Duration
}

// Service fans a domain event out to every active subscription that listens
// for it. Delivery rows are persisted before any enqueue so a crash between
// the two leaves recoverable work for the worker's sweep.
type Service struct {
	subs       repository.SubscriptionRepository
	deliveries repository.DeliveryRepository
	enqueuer   Enqueuer
	broker     messaging.Broker
	cache      *gocache.Cache
	config     Config
	logger     *logger.Logger
	metrics    *metrics.Metrics
}

func NewService(
	subs repository.SubscriptionRepository,
	deliveries repository.DeliveryRepository,
	enqueuer Enqueuer,
	broker messaging.Broker,
	config Config,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *Service {
	ttl := config.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Service{
		subs:       subs,
		deliveries: deliveries,
		enqueuer:   enqueuer,
		broker:     broker,
		cache:      gocache.New(ttl, 2*ttl),
		config:     config,
		logger:     logger,
		metrics:    metrics,
	}
}

// Trigger records one pending delivery per matching active subscription,
// all in one transaction, and queues them for sending. Zero matches is a
// no-op, not an error. The payload is serialized once, here, so every
// subscriber sees the entity state as of the trigger even if it changes
// afterwards.
func (s *Service) Trigger(ctx context.Context, eventName string, payload interface{}) error {
	if eventName == "" {
		return apperrors.NewInvalidSpec("event name cannot be empty", nil)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	matches, err := s.matchSubscriptions(ctx, eventName)
	if err != nil {
		return fmt.Errorf("failed to match subscriptions: %w", err)
	}
	if len(matches) == 0 {
		return nil
	}

	now := time.Now()
	batch := make([]*model.Delivery, 0, len(matches))
	for _, sub := range matches {
		batch = append(batch, &model.Delivery{
			ID:             uuid.New(),
			SubscriptionID: sub.ID,
			EventName:      eventName,
			Payload:        raw,
			Status:         model.DeliveryStatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	if err := s.deliveries.CreateBatch(ctx, batch); err != nil {
		s.metrics.DatabaseOperations.WithLabelValues("create_deliveries", "error").Inc()
		return fmt.Errorf("failed to persist deliveries: %w", err)
	}
	s.metrics.DatabaseOperations.WithLabelValues("create_deliveries", "success").Inc()

	for _, d := range batch {
		s.announce(ctx, d.ID)
	}

	s.logger.Debug("event dispatched", "event", eventName, "matches", len(matches))
	return nil
}

// Replay clones a delivery into a fresh pending row and queues it. Terminal
// rows stay untouched, which keeps the original outcome auditable.
func (s *Service) Replay(ctx context.Context, deliveryID uuid.UUID) (*model.Delivery, error) {
	orig, err := s.deliveries.Get(ctx, deliveryID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFound("delivery", err)
		}
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}

	now := time.Now()
	clone := &model.Delivery{
		ID:             uuid.New(),
		SubscriptionID: orig.SubscriptionID,
		EventName:      orig.EventName,
		Payload:        orig.Payload,
		Status:         model.DeliveryStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.deliveries.Create(ctx, clone); err != nil {
		return nil, fmt.Errorf("failed to create replay delivery: %w", err)
	}

	s.announce(ctx, clone.ID)
	s.logger.Info("delivery replayed",
		"original_id", orig.ID.String(), "replay_id", clone.ID.String())
	return clone, nil
}

// Flush drops the subscription match cache. Called by the registry after
// any subscription write.
func (s *Service) Flush() {
	s.cache.Flush()
}

func (s *Service) matchSubscriptions(ctx context.Context, eventName string) ([]*model.Subscription, error) {
	if cached, ok := s.cache.Get(eventName); ok {
		return cached.([]*model.Subscription), nil
	}

	subs, err := s.subs.ListActiveForEvent(ctx, eventName)
	if err != nil {
		return nil, err
	}
	s.cache.SetDefault(eventName, subs)
	return subs, nil
}

// announce hands the delivery to the local queue and, when configured,
// wakes remote workers over redis. Both paths are best-effort: the poll
// loop picks up anything that slips through.
func (s *Service) announce(ctx context.Context, id uuid.UUID) {
	if s.enqueuer != nil {
		s.enqueuer.Enqueue(id)
	}
	if s.broker != nil && s.config.WakeChannel != "" {
		if err := s.broker.Publish(ctx, s.config.WakeChannel, id.String()); err != nil {
			s.metrics.RedisOperations.WithLabelValues("publish_wake", "error").Inc()
			s.logger.Warn("failed to publish delivery wake-up", "delivery_id", id.String())
			return
		}
		s.metrics.RedisOperations.WithLabelValues("publish_wake", "success").Inc()
	}
}
