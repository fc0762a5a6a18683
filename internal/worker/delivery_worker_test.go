package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/gock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealtrack/webhook-service/internal/model"
	"github.com/sealtrack/webhook-service/internal/repository/memory"
	"github.com/sealtrack/webhook-service/pkg/logger"
	"github.com/sealtrack/webhook-service/pkg/metrics"
	"github.com/sealtrack/webhook-service/pkg/signer"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *logger.Logger {
	return logger.NewLogger(&logger.Config{Level: logger.ErrorLevel, Output: io.Discard})
}

func newTestWorker(t *testing.T, subs *memory.SubscriptionStore, dels *memory.DeliveryStore) *DeliveryWorker {
	t.Helper()
	w := NewDeliveryWorker(subs, dels, Config{
		Concurrency:      2,
		QueueSize:        16,
		BatchSize:        10,
		PollInterval:     time.Second,
		SendTimeout:      2 * time.Second,
		BreakerThreshold: 10,
	}, testLogger(), metrics.New("test"))
	w.now = func() time.Time { return fixedNow }
	return w
}

func newSubscription(url string) *model.Subscription {
	now := time.Now()
	return &model.Subscription{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		Name:           "ops-hooks",
		URL:            url,
		Events:         pq.StringArray{"alerta.created"},
		Secret:         "0123456789abcdef0123456789abcdef",
		RetryPolicy: model.RetryPolicy{
			MaxAttempts:       3,
			InitialDelayMs:    1000,
			BackoffMultiplier: 2,
		},
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newDelivery(subID uuid.UUID) *model.Delivery {
	now := time.Now()
	return &model.Delivery{
		ID:             uuid.New(),
		SubscriptionID: subID,
		EventName:      "alerta.created",
		Payload:        json.RawMessage(`{"id":"a1"}`),
		Status:         model.DeliveryStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestProcessSuccess(t *testing.T) {
	ctx := context.Background()
	subs := memory.NewSubscriptionStore()
	dels := memory.NewDeliveryStore()

	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	sub := newSubscription(server.URL)
	sub.ConsecutiveFailures = 3
	sub.Headers = model.HeaderMap{
		"X-Custom-Tenant": "acme",
		"X-Webhook-Event": "spoofed", // must not override the reserved header
	}
	require.NoError(t, subs.Create(ctx, sub))

	d := newDelivery(sub.ID)
	require.NoError(t, dels.Create(ctx, d))

	w := newTestWorker(t, subs, dels)
	w.process(ctx, d.ID)

	got, err := dels.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusSuccess, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.ResponseStatus)
	assert.Equal(t, http.StatusOK, *got.ResponseStatus)
	require.NotNil(t, got.ResponseBody)
	assert.Equal(t, `{"ok":true}`, *got.ResponseBody)
	assert.Nil(t, got.NextRetryAt)
	assert.Nil(t, got.LastError)
	require.NotNil(t, got.DurationMs)

	// A successful delivery resets the failure counter.
	gotSub, err := subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, gotSub.ConsecutiveFailures)

	// Wire contract headers.
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, "alerta.created", gotHeaders.Get(model.HeaderEvent))
	assert.Equal(t, d.ID.String(), gotHeaders.Get(model.HeaderDelivery))
	assert.Equal(t, fixedNow.Format(time.RFC3339), gotHeaders.Get(model.HeaderTimestamp))
	assert.Equal(t, "acme", gotHeaders.Get("X-Custom-Tenant"))
	assert.True(t, signer.Verify(sub.Secret, []byte(`{"id":"a1"}`), gotHeaders.Get(model.HeaderSignature)))
}

func TestProcessRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	subs := memory.NewSubscriptionStore()
	dels := memory.NewDeliveryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer server.Close()

	sub := newSubscription(server.URL)
	require.NoError(t, subs.Create(ctx, sub))
	d := newDelivery(sub.ID)
	require.NoError(t, dels.Create(ctx, d))

	w := newTestWorker(t, subs, dels)
	clock := fixedNow
	w.now = func() time.Time { return clock }

	// Attempt 1: retry in initialDelay.
	w.process(ctx, d.ID)
	got, err := dels.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.Equal(fixedNow.Add(1000*time.Millisecond)))
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "HTTP 500")

	// Attempt 2, once the scheduled retry is due: delay doubles.
	clock = fixedNow.Add(1000 * time.Millisecond)
	w.process(ctx, d.ID)
	got, err = dels.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusPending, got.Status)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.Equal(clock.Add(2000*time.Millisecond)))

	// Attempt 3: retry budget exhausted.
	clock = fixedNow.Add(3000 * time.Millisecond)
	w.process(ctx, d.ID)
	got, err = dels.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Nil(t, got.NextRetryAt)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "HTTP 500")

	gotSub, err := subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, gotSub.ConsecutiveFailures)
}

func TestProcessTransportFailure(t *testing.T) {
	ctx := context.Background()
	subs := memory.NewSubscriptionStore()
	dels := memory.NewDeliveryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused from here on

	sub := newSubscription(server.URL)
	require.NoError(t, subs.Create(ctx, sub))
	d := newDelivery(sub.ID)
	require.NoError(t, dels.Create(ctx, d))

	w := newTestWorker(t, subs, dels)
	w.process(ctx, d.ID)

	got, err := dels.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.ResponseStatus)
	require.NotNil(t, got.NextRetryAt)
	require.NotNil(t, got.LastError)
	assert.NotEmpty(t, *got.LastError)
}

func TestProcessInactiveSubscription(t *testing.T) {
	ctx := context.Background()
	subs := memory.NewSubscriptionStore()
	dels := memory.NewDeliveryStore()

	sub := newSubscription("http://unused.example.com/hook")
	sub.Active = false
	require.NoError(t, subs.Create(ctx, sub))
	d := newDelivery(sub.ID)
	require.NoError(t, dels.Create(ctx, d))

	w := newTestWorker(t, subs, dels)
	w.process(ctx, d.ID)

	got, err := dels.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "subscription inactive", *got.LastError)
}

func TestProcessMissingSubscription(t *testing.T) {
	ctx := context.Background()
	subs := memory.NewSubscriptionStore()
	dels := memory.NewDeliveryStore()

	d := newDelivery(uuid.New())
	require.NoError(t, dels.Create(ctx, d))

	w := newTestWorker(t, subs, dels)
	w.process(ctx, d.ID)

	got, err := dels.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "subscription inactive", *got.LastError)
}

func TestBreakerTripsOnTenthFailure(t *testing.T) {
	ctx := context.Background()
	subs := memory.NewSubscriptionStore()
	dels := memory.NewDeliveryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	sub := newSubscription(server.URL)
	sub.ConsecutiveFailures = 9
	sub.MaxAttempts = 5
	require.NoError(t, subs.Create(ctx, sub))
	d := newDelivery(sub.ID)
	require.NoError(t, dels.Create(ctx, d))

	w := newTestWorker(t, subs, dels)
	w.process(ctx, d.ID)

	gotSub, err := subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, gotSub.ConsecutiveFailures)
	assert.False(t, gotSub.Active)
}

func TestBreakerHoldsAtNineFailures(t *testing.T) {
	ctx := context.Background()
	subs := memory.NewSubscriptionStore()
	dels := memory.NewDeliveryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	sub := newSubscription(server.URL)
	sub.ConsecutiveFailures = 8
	sub.MaxAttempts = 5
	require.NoError(t, subs.Create(ctx, sub))
	d := newDelivery(sub.ID)
	require.NoError(t, dels.Create(ctx, d))

	w := newTestWorker(t, subs, dels)
	w.process(ctx, d.ID)

	gotSub, err := subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, gotSub.ConsecutiveFailures)
	assert.True(t, gotSub.Active)
}

func TestConcurrentWorkersDeliverOnce(t *testing.T) {
	ctx := context.Background()
	subs := memory.NewSubscriptionStore()
	dels := memory.NewDeliveryStore()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sub := newSubscription(server.URL)
	require.NoError(t, subs.Create(ctx, sub))
	d := newDelivery(sub.ID)
	require.NoError(t, dels.Create(ctx, d))

	// Two workers sharing the stores, as when the embedded worker and a
	// standalone one both receive the same wake-up. The claim lets exactly
	// one of them send.
	w1 := newTestWorker(t, subs, dels)
	w2 := newTestWorker(t, subs, dels)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); w1.process(ctx, d.ID) }()
	go func() { defer wg.Done(); w2.process(ctx, d.ID) }()
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	got, err := dels.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusSuccess, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestAttemptCountPersistedBeforeSend(t *testing.T) {
	ctx := context.Background()
	subs := memory.NewSubscriptionStore()
	dels := memory.NewDeliveryStore()

	var attemptsDuringSend int32
	var deliveryID uuid.UUID
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got, err := dels.Get(r.Context(), deliveryID); err == nil {
			atomic.StoreInt32(&attemptsDuringSend, int32(got.Attempts))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sub := newSubscription(server.URL)
	require.NoError(t, subs.Create(ctx, sub))
	d := newDelivery(sub.ID)
	require.NoError(t, dels.Create(ctx, d))
	deliveryID = d.ID

	w := newTestWorker(t, subs, dels)
	w.process(ctx, d.ID)

	// The counter is durable before the POST leaves, so a crash mid-send
	// cannot replay the attempt under the old count.
	assert.Equal(t, int32(1), atomic.LoadInt32(&attemptsDuringSend))
}

func TestTerminalDeliveryNotReprocessed(t *testing.T) {
	ctx := context.Background()
	subs := memory.NewSubscriptionStore()
	dels := memory.NewDeliveryStore()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sub := newSubscription(server.URL)
	require.NoError(t, subs.Create(ctx, sub))

	d := newDelivery(sub.ID)
	d.Status = model.DeliveryStatusSuccess
	d.Attempts = 1
	require.NoError(t, dels.Create(ctx, d))

	w := newTestWorker(t, subs, dels)
	w.process(ctx, d.ID)

	got, err := dels.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusSuccess, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestResponseBodyTruncated(t *testing.T) {
	ctx := context.Background()
	subs := memory.NewSubscriptionStore()
	dels := memory.NewDeliveryStore()

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(long)
	}))
	defer server.Close()

	sub := newSubscription(server.URL)
	require.NoError(t, subs.Create(ctx, sub))
	d := newDelivery(sub.ID)
	require.NoError(t, dels.Create(ctx, d))

	w := newTestWorker(t, subs, dels)
	w.process(ctx, d.ID)

	got, err := dels.Get(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ResponseBody)
	assert.Len(t, *got.ResponseBody, model.ResponseBodyLimit)
}

func TestRecoverOrphansEnqueuesUnscheduled(t *testing.T) {
	ctx := context.Background()
	subs := memory.NewSubscriptionStore()
	dels := memory.NewDeliveryStore()

	sub := newSubscription("http://unused.example.com/hook")
	require.NoError(t, subs.Create(ctx, sub))

	orphan := newDelivery(sub.ID)
	orphan.CreatedAt = fixedNow.Add(-time.Minute)
	require.NoError(t, dels.Create(ctx, orphan))

	scheduled := newDelivery(sub.ID)
	retryAt := fixedNow.Add(time.Hour)
	scheduled.NextRetryAt = &retryAt
	scheduled.CreatedAt = fixedNow.Add(-time.Minute)
	require.NoError(t, dels.Create(ctx, scheduled))

	w := newTestWorker(t, subs, dels)
	require.NoError(t, w.recoverOrphans(ctx))

	assert.Equal(t, 1, w.queue.Len())
	assert.Equal(t, orphan.ID, <-w.queue.C())
}

func TestEnqueueDuePicksUpScheduledRetries(t *testing.T) {
	ctx := context.Background()
	subs := memory.NewSubscriptionStore()
	dels := memory.NewDeliveryStore()

	sub := newSubscription("http://unused.example.com/hook")
	require.NoError(t, subs.Create(ctx, sub))

	due := newDelivery(sub.ID)
	dueAt := fixedNow.Add(-time.Second)
	due.NextRetryAt = &dueAt
	require.NoError(t, dels.Create(ctx, due))

	notYet := newDelivery(sub.ID)
	laterAt := fixedNow.Add(time.Hour)
	notYet.NextRetryAt = &laterAt
	require.NoError(t, dels.Create(ctx, notYet))

	w := newTestWorker(t, subs, dels)
	require.NoError(t, w.enqueueDue(ctx))

	assert.Equal(t, 1, w.queue.Len())
	assert.Equal(t, due.ID, <-w.queue.C())
}

func TestSendHeaderContract(t *testing.T) {
	defer gock.Off()

	ctx := context.Background()
	subs := memory.NewSubscriptionStore()
	dels := memory.NewDeliveryStore()

	sub := newSubscription("http://hooks.example.com/notify")
	sub.Headers = model.HeaderMap{"X-Tenant": "acme"}
	require.NoError(t, subs.Create(ctx, sub))
	d := newDelivery(sub.ID)
	require.NoError(t, dels.Create(ctx, d))

	expectedSig, err := signer.Sign(sub.Secret, d.Payload)
	require.NoError(t, err)

	gock.New("http://hooks.example.com").
		Post("/notify").
		MatchHeader("Content-Type", "application/json").
		MatchHeader(model.HeaderEvent, "alerta.created").
		MatchHeader(model.HeaderSignature, expectedSig).
		MatchHeader(model.HeaderDelivery, d.ID.String()).
		MatchHeader("X-Tenant", "acme").
		Reply(http.StatusOK).
		JSON(map[string]bool{"ok": true})

	w := newTestWorker(t, subs, dels)
	gock.InterceptClient(w.client)

	w.process(ctx, d.ID)

	got, err := dels.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusSuccess, got.Status)
	assert.True(t, gock.IsDone())
}
