package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/commission-engine/internal/events"
	"github.com/noah-isme/commission-engine/internal/resilience"
)

// ErrDeliveryRejected is returned when the receiver answers with a non-2xx status.
var ErrDeliveryRejected = errors.New("notify: delivery rejected")

// Webhook posts ledger and settlement events to the configured partner endpoint.
type Webhook struct {
	URL     string
	Secret  string
	Client  *http.Client
	Breaker *resilience.Breaker
	Now     func() time.Time
}

type envelope struct {
	EventID     string          `json:"eventId"`
	Topic       string          `json:"topic"`
	AggregateID string          `json:"aggregateId"`
	Data        json.RawMessage `json:"data"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

// Deliver sends ev once. Retries belong to the caller (the asynq worker).
func (w *Webhook) Deliver(ctx context.Context, ev events.Event) error {
	if err := validateURL(w.URL); err != nil {
		return err
	}
	ctx, span := otel.Tracer("notify.Webhook").Start(ctx, "Webhook.Deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", ev.ID.String()),
		attribute.String("event.topic", ev.Topic),
	)

	send := func(ctx context.Context) error {
		status, err := w.post(ctx, ev)
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status < 200 || status >= 300 {
			return fmt.Errorf("%w: status %d", ErrDeliveryRejected, status)
		}
		return nil
	}
	var err error
	if w.Breaker != nil {
		err = w.Breaker.Do(ctx, send)
	} else {
		err = send(ctx)
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (w *Webhook) post(ctx context.Context, ev events.Event) (int, error) {
	data := ev.Payload
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	body, err := json.Marshal(envelope{
		EventID:     ev.ID.String(),
		Topic:       ev.Topic,
		AggregateID: ev.AggregateID.String(),
		Data:        data,
		OccurredAt:  ev.OccurredAt,
	})
	if err != nil {
		return 0, err
	}
	ts := w.now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "commission-engine-webhooks/1.0")
	req.Header.Set("X-Event-ID", ev.ID.String())
	req.Header.Set("X-Event-Topic", ev.Topic)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Idempotency-Key", ev.ID.String())
	req.Header.Set("X-Signature", ComputeSignature(w.Secret, ts, ev.ID.String(), body))

	client := w.Client
	if client == nil {
		client = HTTPClient(5 * time.Second)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

func (w *Webhook) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if parsed.Host == "" {
		return errors.New("webhook url must include host")
	}
	switch parsed.Scheme {
	case "https":
	case "http":
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" {
			return errors.New("http webhook only allowed for localhost")
		}
	default:
		return errors.New("webhook url must be http or https")
	}
	return nil
}

// ComputeSignature is HMAC-SHA256 over "<ts>.<eventID>.<body>" keyed with the
// shared secret, hex encoded.
func ComputeSignature(secret string, ts int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(eventID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HTTPClient returns a traced client for webhook delivery.
func HTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}
