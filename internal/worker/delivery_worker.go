package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sealtrack/webhook-service/internal/model"
	"github.com/sealtrack/webhook-service/internal/repository"
	"github.com/sealtrack/webhook-service/pkg/circuitbreaker"
	"github.com/sealtrack/webhook-service/pkg/logger"
	"github.com/sealtrack/webhook-service/pkg/metrics"
	"github.com/sealtrack/webhook-service/pkg/signer"
)

type Config struct {
	Concurrency      int
	QueueSize        int
	BatchSize        int
	PollInterval     time.Duration
	SendTimeout      time.Duration
	BreakerThreshold int
}

// DeliveryWorker drains the queue and performs signed HTTP POSTs with a
// bounded send pool. All per-delivery errors end up in the delivery row;
// the loop itself never fails because one endpoint misbehaves.
type DeliveryWorker struct {
	subs       repository.SubscriptionRepository
	deliveries repository.DeliveryRepository
	queue      *Queue
	breaker    *circuitbreaker.Threshold
	client     *http.Client
	config     Config
	logger     *logger.Logger
	metrics    *metrics.Metrics
	sem        chan struct{}
	wg         sync.WaitGroup
	now        func() time.Time
}

func NewDeliveryWorker(
	subs repository.SubscriptionRepository,
	deliveries repository.DeliveryRepository,
	config Config,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *DeliveryWorker {
	if config.Concurrency <= 0 {
		panic("Concurrency must be greater than 0")
	}
	if config.BatchSize <= 0 {
		panic("BatchSize must be greater than 0")
	}
	if config.PollInterval <= 0 {
		panic("PollInterval must be greater than 0")
	}
	if config.SendTimeout <= 0 {
		panic("SendTimeout must be greater than 0")
	}

	return &DeliveryWorker{
		subs:       subs,
		deliveries: deliveries,
		queue:      NewQueue(config.QueueSize),
		breaker:    circuitbreaker.NewThreshold(config.BreakerThreshold),
		client:     &http.Client{Timeout: config.SendTimeout},
		config:     config,
		logger:     logger,
		metrics:    metrics,
		sem:        make(chan struct{}, config.Concurrency),
		now:        time.Now,
	}
}

// Queue exposes the work queue so the dispatcher can enqueue directly when
// it runs in the same process.
func (w *DeliveryWorker) Queue() *Queue {
	return w.queue
}

// Start runs the worker loop until ctx is cancelled. It first sweeps for
// deliveries orphaned by a previous crash, then alternates between queued
// work and the periodic retry scan.
func (w *DeliveryWorker) Start(ctx context.Context) {
	w.logger.Info("starting delivery worker",
		"concurrency", w.config.Concurrency,
		"poll_interval", w.config.PollInterval.String())

	if err := w.recoverOrphans(ctx); err != nil {
		w.logger.Error(err, "recovery sweep failed")
	}

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("shutting down delivery worker")
			w.wg.Wait()
			return
		case id := <-w.queue.C():
			w.metrics.QueueDepth.Set(float64(w.queue.Len()))
			w.sem <- struct{}{}
			w.wg.Add(1)
			go func(id uuid.UUID) {
				defer w.wg.Done()
				defer func() { <-w.sem }()
				defer w.queue.Done(id)
				w.process(ctx, id)
			}(id)
		case <-ticker.C:
			if err := w.enqueueDue(ctx); err != nil {
				w.logger.Error(err, "failed to scan for due deliveries")
			}
		}
	}
}

// recoverOrphans re-queues pending rows with no scheduled retry: those were
// created (or mid-send) when the previous process died.
func (w *DeliveryWorker) recoverOrphans(ctx context.Context) error {
	orphans, err := w.deliveries.ListUnscheduled(ctx, w.now(), w.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list orphaned deliveries: %w", err)
	}
	for _, d := range orphans {
		w.queue.Enqueue(d.ID)
	}
	if len(orphans) > 0 {
		w.logger.Info("recovered orphaned deliveries", "count", len(orphans))
	}
	return nil
}

// enqueueDue feeds the queue from the durable log: rows whose retry time
// has passed, plus unscheduled rows old enough that their wake-up must have
// been lost.
func (w *DeliveryWorker) enqueueDue(ctx context.Context) error {
	now := w.now()

	due, err := w.deliveries.ListDue(ctx, now, w.config.BatchSize)
	if err != nil {
		w.metrics.DatabaseOperations.WithLabelValues("list_due", "error").Inc()
		return fmt.Errorf("failed to list due deliveries: %w", err)
	}
	w.metrics.DatabaseOperations.WithLabelValues("list_due", "success").Inc()

	stale, err := w.deliveries.ListUnscheduled(ctx, now.Add(-w.config.PollInterval), w.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list stale deliveries: %w", err)
	}

	for _, d := range append(due, stale...) {
		w.queue.Enqueue(d.ID)
	}
	w.metrics.QueueDepth.Set(float64(w.queue.Len()))
	return nil
}

// process performs one delivery attempt end to end. Exclusive ownership of
// the attempt comes from the store-level claim: the queue's dequeue-once
// tracking dedupes within this process, the claim arbitrates across
// processes, and the attempt counter is durable before the POST leaves.
func (w *DeliveryWorker) process(ctx context.Context, id uuid.UUID) {
	now := w.now()
	d, err := w.deliveries.Claim(ctx, id, now, now.Add(w.claimLease()))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Terminal, not yet due, or claimed by another worker.
			return
		}
		w.logger.Error(err, "failed to claim delivery", "delivery_id", id.String())
		return
	}

	sub, err := w.subs.Get(ctx, d.SubscriptionID)
	if err != nil || !sub.Active {
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			w.logger.Error(err, "failed to load subscription", "delivery_id", id.String())
			return
		}
		w.finalize(ctx, d, "subscription inactive")
		return
	}

	outcome := w.send(ctx, d, sub)
	d.ResponseStatus = outcome.status
	d.ResponseBody = outcome.body
	d.DurationMs = &outcome.durationMs

	if outcome.err == nil {
		d.Status = model.DeliveryStatusSuccess
		d.LastError = nil
		d.NextRetryAt = nil
		if err := w.deliveries.Update(ctx, d); err != nil {
			w.logger.Error(err, "failed to record delivery success", "delivery_id", d.ID.String())
		}
		if err := w.subs.ResetFailures(ctx, sub.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			w.logger.Error(err, "failed to reset failure counter", "subscription_id", sub.ID.String())
		}
		w.metrics.DeliveriesSucceeded.Inc()
		w.logger.Debug("delivery succeeded",
			"delivery_id", d.ID.String(), "event", d.EventName, "attempts", d.Attempts)
		return
	}

	w.handleFailure(ctx, d, sub, outcome.err.Error())
}

// claimLease bounds how long a claim shields a delivery from other workers.
// It outlives the send timeout so a live send cannot be stolen; a crashed
// worker's claim lapses and the retry scan hands the row out again.
func (w *DeliveryWorker) claimLease() time.Duration {
	return w.config.SendTimeout + w.config.PollInterval
}

type sendOutcome struct {
	status     *int
	body       *string
	durationMs int64
	err        error
}

// send performs the signed POST. Transport errors and non-2xx responses are
// both returned as outcome errors; they drive the retry path identically.
func (w *DeliveryWorker) send(ctx context.Context, d *model.Delivery, sub *model.Subscription) sendOutcome {
	signature, err := signer.Sign(sub.Secret, d.Payload)
	if err != nil {
		return sendOutcome{err: fmt.Errorf("failed to sign payload: %w", err)}
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, sub.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return sendOutcome{err: fmt.Errorf("failed to build request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(model.HeaderEvent, d.EventName)
	req.Header.Set(model.HeaderSignature, signature)
	req.Header.Set(model.HeaderDelivery, d.ID.String())
	req.Header.Set(model.HeaderTimestamp, w.now().UTC().Format(time.RFC3339))

	for name, value := range sub.Headers {
		if isReservedHeader(name) {
			continue
		}
		req.Header.Set(name, value)
	}

	timer := prometheus.NewTimer(w.metrics.SendDuration)
	start := time.Now()
	resp, err := w.client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	timer.ObserveDuration()

	if err != nil {
		return sendOutcome{durationMs: durationMs, err: err}
	}
	defer resp.Body.Close()

	excerpt := readExcerpt(resp.Body)
	out := sendOutcome{
		status:     &resp.StatusCode,
		body:       &excerpt,
		durationMs: durationMs,
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		out.err = fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return out
}

// handleFailure applies the circuit-breaker rule and either schedules the
// next attempt or finalizes the delivery as failed.
func (w *DeliveryWorker) handleFailure(ctx context.Context, d *model.Delivery, sub *model.Subscription, reason string) {
	failures, err := w.subs.IncrementFailures(ctx, sub.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		w.logger.Error(err, "failed to increment failure counter", "subscription_id", sub.ID.String())
	}
	if err == nil && w.breaker.Exceeded(failures) {
		if err := w.subs.SetActive(ctx, sub.ID, false); err != nil && !errors.Is(err, repository.ErrNotFound) {
			w.logger.Error(err, "failed to deactivate subscription", "subscription_id", sub.ID.String())
		} else {
			w.metrics.BreakerTrips.Inc()
			w.logger.Warn("subscription disabled after sustained failures",
				"subscription_id", sub.ID.String(), "consecutive_failures", failures)
		}
	}

	if d.Attempts >= sub.MaxAttempts {
		w.finalize(ctx, d, reason)
		return
	}

	retryAt := w.now().Add(sub.RetryPolicy.Delay(d.Attempts))
	d.Status = model.DeliveryStatusPending
	d.LastError = &reason
	d.NextRetryAt = &retryAt
	if err := w.deliveries.Update(ctx, d); err != nil {
		w.logger.Error(err, "failed to schedule retry", "delivery_id", d.ID.String())
		return
	}
	w.metrics.DeliveriesRetried.WithLabelValues(d.EventName).Inc()
	w.logger.Debug("delivery retry scheduled",
		"delivery_id", d.ID.String(), "attempt", d.Attempts, "next_retry_at", retryAt.String())
}

// finalize marks a delivery failed; the row stays queryable for diagnosis
// and replay.
func (w *DeliveryWorker) finalize(ctx context.Context, d *model.Delivery, reason string) {
	d.Status = model.DeliveryStatusFailed
	d.LastError = &reason
	d.NextRetryAt = nil
	if err := w.deliveries.Update(ctx, d); err != nil {
		w.logger.Error(err, "failed to record delivery failure", "delivery_id", d.ID.String())
		return
	}
	w.metrics.DeliveriesFailed.Inc()
	w.logger.Warn("delivery failed",
		"delivery_id", d.ID.String(), "event", d.EventName,
		"attempts", d.Attempts, "reason", reason)
}

var reservedHeaders = map[string]struct{}{
	model.HeaderEvent:     {},
	model.HeaderSignature: {},
	model.HeaderDelivery:  {},
	model.HeaderTimestamp: {},
	"Content-Type":        {},
}

func isReservedHeader(name string) bool {
	_, ok := reservedHeaders[http.CanonicalHeaderKey(name)]
	return ok
}

func readExcerpt(r io.Reader) string {
	buf, err := io.ReadAll(io.LimitReader(r, model.ResponseBodyLimit))
	if err != nil {
		return ""
	}
	return string(buf)
}
