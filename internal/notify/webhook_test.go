package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/commission-engine/internal/affiliate"
	"github.com/noah-isme/commission-engine/internal/common"
	"github.com/noah-isme/commission-engine/internal/events"
	"github.com/noah-isme/commission-engine/internal/lock"
	"github.com/noah-isme/commission-engine/internal/memstore"
	"github.com/noah-isme/commission-engine/internal/notify"
	"github.com/noah-isme/commission-engine/internal/resilience"
)

func sampleEvent() events.Event {
	return events.Event{
		ID:          uuid.New(),
		Topic:       events.TopicCommissionValidated,
		AggregateID: uuid.New(),
		Payload:     json.RawMessage(`{"status":"validated"}`),
		OccurredAt:  time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestWebhookDeliverSignsPayload(t *testing.T) {
	ev := sampleEvent()
	now := time.Unix(1714557600, 0)
	var got struct {
		headers http.Header
		body    []byte
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.headers = r.Header.Clone()
		got.body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := &notify.Webhook{URL: srv.URL, Secret: "s3cret", Client: srv.Client(), Now: func() time.Time { return now }}
	require.NoError(t, wh.Deliver(context.Background(), ev))

	require.Equal(t, ev.ID.String(), got.headers.Get("X-Event-ID"))
	require.Equal(t, ev.ID.String(), got.headers.Get("X-Idempotency-Key"))
	require.Equal(t, strconv.FormatInt(now.Unix(), 10), got.headers.Get("X-Timestamp"))
	require.Equal(t, notify.ComputeSignature("s3cret", now.Unix(), ev.ID.String(), got.body), got.headers.Get("X-Signature"))

	var env map[string]any
	require.NoError(t, json.Unmarshal(got.body, &env))
	require.Equal(t, events.TopicCommissionValidated, env["topic"])
	require.Equal(t, map[string]any{"status": "validated"}, env["data"])
}

func TestWebhookRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	wh := &notify.Webhook{URL: srv.URL, Client: srv.Client()}
	err := wh.Deliver(context.Background(), sampleEvent())
	require.ErrorIs(t, err, notify.ErrDeliveryRejected)
}

func TestWebhookRefusesPlainHTTPRemoteHost(t *testing.T) {
	wh := &notify.Webhook{URL: "http://partner.example.com/hook"}
	require.Error(t, wh.Deliver(context.Background(), sampleEvent()))
}

func TestWebhookBreakerShortCircuits(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh := &notify.Webhook{
		URL:     srv.URL,
		Client:  srv.Client(),
		Breaker: resilience.NewBreaker("test-webhook", 1, 1, time.Minute),
	}
	require.ErrorIs(t, wh.Deliver(context.Background(), sampleEvent()), notify.ErrDeliveryRejected)
	require.ErrorIs(t, wh.Deliver(context.Background(), sampleEvent()), resilience.ErrOpenCircuit)
	require.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestSchedulerDeduplicatesByEventID(t *testing.T) {
	mr, _ := newRedis(t)
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	defer client.Close()
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: mr.Addr()})
	defer inspector.Close()

	s := notify.Scheduler{Client: client, Queue: "events"}
	ev := sampleEvent()
	require.NoError(t, s.Schedule(context.Background(), ev))
	require.NoError(t, s.Schedule(context.Background(), ev))

	tasks, err := inspector.ListPendingTasks("events")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, notify.TypeEventDelivery, tasks[0].Type)
	require.Equal(t, "event:"+ev.ID.String(), tasks[0].ID)
}

func TestDeliveryWorkerProcessTask(t *testing.T) {
	_, rdb := newRedis(t)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	worker := &notify.DeliveryWorker{
		Webhook: &notify.Webhook{URL: srv.URL, Client: srv.Client()},
		Locker:  lock.Locker{R: rdb},
		Logger:  zerolog.Nop(),
	}
	payload, err := json.Marshal(sampleEvent())
	require.NoError(t, err)
	require.NoError(t, worker.ProcessTask(context.Background(), asynq.NewTask(notify.TypeEventDelivery, payload)))
	require.Equal(t, int32(1), atomic.LoadInt32(&hits))

	err = worker.ProcessTask(context.Background(), asynq.NewTask(notify.TypeEventDelivery, []byte("{")))
	require.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestEmailNotifierPaymentRequestTopics(t *testing.T) {
	db := memstore.New()
	a := db.PutAffiliate(affiliate.Affiliate{Name: "Ada", Email: "ada@example.com"})
	outbox := &common.InMemoryEmail{}
	n := notify.EmailNotifier{Mail: outbox, Affiliates: db.Affiliates(), Enabled: true, From: "payouts@example.com"}

	payload := json.RawMessage(`{"affiliateId":"` + a.ID.String() + `","requestNumber":"PR-000042","totalAmountTtc":"150.50","paymentReference":"VIR-1"}`)
	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, events.Event{Topic: events.TopicPaymentRequestPaid, Payload: payload}))
	require.NoError(t, n.Notify(ctx, events.Event{Topic: events.TopicCommissionCreated, Payload: payload}))

	sent := outbox.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "ada@example.com", sent[0].To)
	require.Equal(t, "Payment request PR-000042 paid", sent[0].Subject)
	require.Contains(t, sent[0].Body, "150.50 EUR")
	require.Contains(t, sent[0].Body, "VIR-1")
}

func TestEmailNotifierDisabled(t *testing.T) {
	outbox := &common.InMemoryEmail{}
	n := notify.EmailNotifier{Mail: outbox, Affiliates: memstore.New().Affiliates()}
	require.NoError(t, n.Notify(context.Background(), events.Event{Topic: events.TopicPaymentRequestCreated, Payload: json.RawMessage(`{}`)}))
	require.Empty(t, outbox.Sent())
}
