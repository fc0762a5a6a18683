package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealtrack/webhook-service/internal/model"
	"github.com/sealtrack/webhook-service/internal/repository/memory"
	apperrors "github.com/sealtrack/webhook-service/pkg/errors"
	"github.com/sealtrack/webhook-service/pkg/logger"
	"github.com/sealtrack/webhook-service/pkg/metrics"
)

type recordingEnqueuer struct {
	ids []uuid.UUID
}

func (r *recordingEnqueuer) Enqueue(id uuid.UUID) bool {
	r.ids = append(r.ids, id)
	return true
}

func testLogger() *logger.Logger {
	return logger.NewLogger(&logger.Config{Level: logger.ErrorLevel})
}

func newTestService(subs *memory.SubscriptionStore, dels *memory.DeliveryStore, enq Enqueuer) *Service {
	return NewService(subs, dels, enq, nil, Config{CacheTTL: time.Minute}, testLogger(), metrics.New("test"))
}

func seedSubscription(t *testing.T, subs *memory.SubscriptionStore, events []string, active bool) *model.Subscription {
	t.Helper()
	now := time.Now()
	sub := &model.Subscription{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		Name:           "hooks",
		URL:            "https://hooks.example.com/notify",
		Events:         pq.StringArray(events),
		Secret:         "0123456789abcdef0123456789abcdef",
		RetryPolicy:    model.DefaultRetryPolicy(),
		Active:         active,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, subs.Create(context.Background(), sub))
	return sub
}

func TestTriggerFansOutToMatchingSubscriptions(t *testing.T) {
	ctx := context.Background()
	subs := memory.NewSubscriptionStore()
	dels := memory.NewDeliveryStore()
	enq := &recordingEnqueuer{}

	matchA := seedSubscription(t, subs, []string{"alerta.created"}, true)
	matchB := seedSubscription(t, subs, []string{"alerta.created", "shipment.delayed"}, true)
	matchC := seedSubscription(t, subs, []string{"alerta.created"}, true)
	seedSubscription(t, subs, []string{"shipment.delayed"}, true) // wrong event
	seedSubscription(t, subs, []string{"alerta.created"}, false)  // inactive

	svc := newTestService(subs, dels, enq)
	require.NoError(t, svc.Trigger(ctx, "alerta.created", map[string]string{"id": "a1"}))

	assert.Len(t, enq.ids, 3)

	bySub := make(map[uuid.UUID]*model.Delivery)
	for _, id := range enq.ids {
		d, err := dels.Get(ctx, id)
		require.NoError(t, err)
		bySub[d.SubscriptionID] = d
	}
	require.Contains(t, bySub, matchA.ID)
	require.Contains(t, bySub, matchB.ID)
	require.Contains(t, bySub, matchC.ID)

	for _, d := range bySub {
		assert.Equal(t, "alerta.created", d.EventName)
		assert.Equal(t, model.DeliveryStatusPending, d.Status)
		assert.Equal(t, 0, d.Attempts)
		assert.Nil(t, d.NextRetryAt)
		assert.JSONEq(t, `{"id":"a1"}`, string(d.Payload))
	}
}

func TestTriggerZeroMatchesIsNoOp(t *testing.T) {
	ctx := context.Background()
	subs := memory.NewSubscriptionStore()
	dels := memory.NewDeliveryStore()
	enq := &recordingEnqueuer{}

	seedSubscription(t, subs, []string{"shipment.delayed"}, true)

	svc := newTestService(subs, dels, enq)
	require.NoError(t, svc.Trigger(ctx, "alerta.created", map[string]string{"id": "a1"}))

	assert.Empty(t, enq.ids)
}

func TestTriggerRejectsEmptyEventName(t *testing.T) {
	svc := newTestService(memory.NewSubscriptionStore(), memory.NewDeliveryStore(), &recordingEnqueuer{})

	err := svc.Trigger(context.Background(), "", map[string]string{"id": "a1"})
	assert.True(t, apperrors.IsInvalidSpec(err))
}

func TestTriggerCapturesPayloadAtTriggerTime(t *testing.T) {
	ctx := context.Background()
	subs := memory.NewSubscriptionStore()
	dels := memory.NewDeliveryStore()
	enq := &recordingEnqueuer{}

	seedSubscription(t, subs, []string{"alerta.created"}, true)

	svc := newTestService(subs, dels, enq)

	payload := map[string]string{"id": "a1", "status": "open"}
	require.NoError(t, svc.Trigger(ctx, "alerta.created", payload))

	// Mutating the source object after the trigger must not affect the
	// persisted payload.
	payload["status"] = "resolved"

	require.Len(t, enq.ids, 1)
	d, err := dels.Get(ctx, enq.ids[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"a1","status":"open"}`, string(d.Payload))
}

func TestTriggerUsesMatchCacheUntilFlushed(t *testing.T) {
	ctx := context.Background()
	subs := memory.NewSubscriptionStore()
	dels := memory.NewDeliveryStore()
	enq := &recordingEnqueuer{}

	seedSubscription(t, subs, []string{"alerta.created"}, true)

	svc := newTestService(subs, dels, enq)
	require.NoError(t, svc.Trigger(ctx, "alerta.created", map[string]string{"id": "a1"}))
	require.Len(t, enq.ids, 1)

	// A subscription registered after the first trigger is invisible until
	// the cache is flushed.
	seedSubscription(t, subs, []string{"alerta.created"}, true)

	require.NoError(t, svc.Trigger(ctx, "alerta.created", map[string]string{"id": "a2"}))
	assert.Len(t, enq.ids, 2)

	svc.Flush()

	require.NoError(t, svc.Trigger(ctx, "alerta.created", map[string]string{"id": "a3"}))
	assert.Len(t, enq.ids, 4)
}

func TestReplayClonesIntoFreshPendingRow(t *testing.T) {
	ctx := context.Background()
	subs := memory.NewSubscriptionStore()
	dels := memory.NewDeliveryStore()
	enq := &recordingEnqueuer{}

	sub := seedSubscription(t, subs, []string{"alerta.created"}, true)

	lastErr := "HTTP 500"
	now := time.Now()
	orig := &model.Delivery{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		EventName:      "alerta.created",
		Payload:        []byte(`{"id":"a1"}`),
		Status:         model.DeliveryStatusFailed,
		Attempts:       3,
		LastError:      &lastErr,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, dels.Create(ctx, orig))

	svc := newTestService(subs, dels, enq)
	clone, err := svc.Replay(ctx, orig.ID)
	require.NoError(t, err)

	assert.NotEqual(t, orig.ID, clone.ID)
	assert.Equal(t, orig.SubscriptionID, clone.SubscriptionID)
	assert.Equal(t, orig.EventName, clone.EventName)
	assert.Equal(t, model.DeliveryStatusPending, clone.Status)
	assert.Equal(t, 0, clone.Attempts)
	assert.Nil(t, clone.LastError)
	assert.JSONEq(t, string(orig.Payload), string(clone.Payload))

	require.Len(t, enq.ids, 1)
	assert.Equal(t, clone.ID, enq.ids[0])

	// The original row keeps its terminal state.
	got, err := dels.Get(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
}

func TestReplayUnknownDelivery(t *testing.T) {
	svc := newTestService(memory.NewSubscriptionStore(), memory.NewDeliveryStore(), &recordingEnqueuer{})

	_, err := svc.Replay(context.Background(), uuid.New())
	assert.True(t, apperrors.IsNotFound(err))
}
