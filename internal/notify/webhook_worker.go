package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/commission-engine/internal/events"
	"github.com/noah-isme/commission-engine/internal/lock"
	"github.com/noah-isme/commission-engine/internal/obs"
)

// TypeEventDelivery is the asynq task type carrying one event for the webhook.
const TypeEventDelivery = "events:webhook_delivery"

// Scheduler implements events.DeliveryScheduler by enqueueing one asynq task
// per emitted event.
type Scheduler struct {
	Client   *asynq.Client
	Queue    string
	MaxRetry int
}

// Schedule implements events.DeliveryScheduler.
func (s Scheduler) Schedule(ctx context.Context, ev events.Event) error {
	if s.Client == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	opts := []asynq.Option{
		asynq.TaskID("event:" + ev.ID.String()),
		asynq.Retention(24 * time.Hour),
	}
	if s.Queue != "" {
		opts = append(opts, asynq.Queue(s.Queue))
	}
	if s.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(s.MaxRetry))
	}
	_, err = s.Client.EnqueueContext(ctx, asynq.NewTask(TypeEventDelivery, payload), opts...)
	if err != nil && err != asynq.ErrTaskIDConflict {
		return fmt.Errorf("enqueue delivery: %w", err)
	}
	return nil
}

// DeliveryWorker executes webhook deliveries under a per-event lock.
type DeliveryWorker struct {
	Webhook *Webhook
	Locker  lock.Locker
	LockTTL time.Duration
	Logger  zerolog.Logger
}

// ProcessTask implements asynq.Handler.
func (w *DeliveryWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var ev events.Event
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		obs.IncEventDelivery("malformed")
		return fmt.Errorf("decode event: %v: %w", err, asynq.SkipRetry)
	}
	if w.Webhook == nil || w.Webhook.URL == "" {
		obs.IncEventDelivery("disabled")
		return nil
	}
	log := obs.LoggerFrom(ctx, w.Logger).With().Str("event_id", ev.ID.String()).Str("topic", ev.Topic).Logger()
	ttl := w.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	err := w.Locker.WithLock(ctx, "delivery:"+ev.ID.String(), ttl, func(ctx context.Context) error {
		return w.Webhook.Deliver(ctx, ev)
	})
	if err != nil {
		obs.IncEventDelivery("failed")
		log.Warn().Err(err).Msg("event webhook delivery failed")
		return err
	}
	obs.IncEventDelivery("delivered")
	log.Debug().Msg("event webhook delivered")
	return nil
}
