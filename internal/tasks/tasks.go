// Package tasks runs order-event ingestion and event delivery on asynq.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/commission-engine/internal/affiliate"
	"github.com/noah-isme/commission-engine/internal/commission"
	"github.com/noah-isme/commission-engine/internal/lock"
	"github.com/noah-isme/commission-engine/internal/notify"
	"github.com/noah-isme/commission-engine/internal/obs"
)

// TypeOrderEvent carries one commission.OrderEvent.
const TypeOrderEvent = "commission:order_event"

const (
	QueueOrders = "orders"
	QueueEvents = "events"
)

// Enqueuer implements commission.EventQueue.
type Enqueuer struct {
	Client    *asynq.Client
	Queue     string
	MaxRetry  int
	Retention time.Duration
}

// EnqueueOrderEvent schedules ev. The same order/status pair is enqueued at
// most once while the task is retained.
func (e Enqueuer) EnqueueOrderEvent(ctx context.Context, ev commission.OrderEvent) error {
	if e.Client == nil {
		return errors.New("tasks: client not configured")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	queue := e.Queue
	if queue == "" {
		queue = QueueOrders
	}
	retention := e.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	opts := []asynq.Option{
		asynq.Queue(queue),
		asynq.TaskID(OrderTaskID(ev)),
		asynq.Retention(retention),
	}
	if e.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(e.MaxRetry))
	}
	_, err = e.Client.EnqueueContext(ctx, asynq.NewTask(TypeOrderEvent, payload), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		obs.IncTaskProcessed(TypeOrderEvent, "duplicate")
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue order event: %w", err)
	}
	return nil
}

// OrderTaskID is the dedup identity of an order event task.
func OrderTaskID(ev commission.OrderEvent) string {
	return "order-event:" + ev.OrderID.String() + ":" + strings.ToLower(strings.TrimSpace(ev.Status))
}

// Ledger is the part of commission.Service the worker drives.
type Ledger interface {
	HandleOrderEvent(ctx context.Context, ev commission.OrderEvent) (commission.Outcome, error)
}

// OrderEventHandler applies queued order events to the ledger. Events of the
// same order are serialised with a Redis lock.
type OrderEventHandler struct {
	Ledger  Ledger
	Locker  lock.Locker
	LockTTL time.Duration
	Logger  zerolog.Logger
}

// ProcessTask implements asynq.Handler.
func (h *OrderEventHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var ev commission.OrderEvent
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		obs.IncTaskProcessed(TypeOrderEvent, "malformed")
		return fmt.Errorf("decode order event: %v: %w", err, asynq.SkipRetry)
	}
	log := obs.LoggerFrom(ctx, h.Logger).With().
		Str("order_id", ev.OrderID.String()).
		Str("status", ev.Status).
		Logger()

	ttl := h.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	var out commission.Outcome
	err := h.Locker.WithLock(ctx, "commission:order:"+ev.OrderID.String(), ttl, func(ctx context.Context) error {
		var err error
		out, err = h.Ledger.HandleOrderEvent(ctx, ev)
		return err
	})
	if errors.Is(err, commission.ErrInvalidEvent) || errors.Is(err, affiliate.ErrNotFound) {
		obs.IncTaskProcessed(TypeOrderEvent, "invalid")
		log.Warn().Err(err).Msg("order event rejected")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		obs.IncTaskProcessed(TypeOrderEvent, "error")
		log.Error().Err(err).Msg("order event failed")
		return err
	}
	obs.IncTaskProcessed(TypeOrderEvent, out.Action)
	log.Info().Str("action", out.Action).Msg("order event applied")
	return nil
}

// NewServeMux routes task types to their handlers. A nil delivery worker
// leaves event deliveries unhandled.
func NewServeMux(orders *OrderEventHandler, deliveries *notify.DeliveryWorker) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	if orders != nil {
		mux.Handle(TypeOrderEvent, orders)
	}
	if deliveries != nil {
		mux.Handle(notify.TypeEventDelivery, deliveries)
	}
	return mux
}

// Queues is the weighted queue set used by the worker. orders overrides the
// order-event queue name.
func Queues(orders string) map[string]int {
	if orders == "" {
		orders = QueueOrders
	}
	return map[string]int{orders: 6, QueueEvents: 3, "default": 1}
}
