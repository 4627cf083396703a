package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/commission-engine/internal/affiliate"
	"github.com/noah-isme/commission-engine/internal/common"
	"github.com/noah-isme/commission-engine/internal/events"
)

// EmailNotifier tells affiliates about their payment requests.
type EmailNotifier struct {
	Mail       common.EmailSender
	Affiliates affiliate.Store
	Enabled    bool
	From       string
	Currency   string
}

type requestPayload struct {
	AffiliateID      uuid.UUID       `json:"affiliateId"`
	RequestNumber    string          `json:"requestNumber"`
	TotalAmountTtc   decimal.Decimal `json:"totalAmountTtc"`
	PaymentReference *string         `json:"paymentReference"`
}

// Notify implements events.Notifier. Topics other than payment request
// lifecycle events are ignored.
func (n EmailNotifier) Notify(ctx context.Context, ev events.Event) error {
	if !n.Enabled || n.Mail == nil || n.Affiliates == nil {
		return nil
	}
	switch ev.Topic {
	case events.TopicPaymentRequestCreated, events.TopicPaymentRequestPaid, events.TopicPaymentRequestCancelled:
	default:
		return nil
	}
	var p requestPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("email notify: decode payload: %w", err)
	}
	if p.AffiliateID == uuid.Nil || p.RequestNumber == "" {
		return nil
	}
	a, err := n.Affiliates.GetAffiliate(ctx, p.AffiliateID)
	if err != nil {
		return fmt.Errorf("email notify: load affiliate: %w", err)
	}
	to := strings.TrimSpace(a.Email)
	if to == "" {
		return nil
	}
	return n.Mail.Send(ctx, common.Email{
		From:    n.From,
		To:      to,
		Subject: subjectFor(ev.Topic, p.RequestNumber),
		Body:    n.body(ev.Topic, a.Name, p),
	})
}

func subjectFor(topic, number string) string {
	switch topic {
	case events.TopicPaymentRequestCreated:
		return "Payment request " + number + " received"
	case events.TopicPaymentRequestPaid:
		return "Payment request " + number + " paid"
	default:
		return "Payment request " + number + " cancelled"
	}
}

func (n EmailNotifier) body(topic, name string, p requestPayload) string {
	currency := n.Currency
	if currency == "" {
		currency = "EUR"
	}
	amount := p.TotalAmountTtc.StringFixed(2) + " " + currency
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", name)
	switch topic {
	case events.TopicPaymentRequestCreated:
		fmt.Fprintf(&b, "We received payment request %s for %s. Please upload your invoice to continue.\n", p.RequestNumber, amount)
	case events.TopicPaymentRequestPaid:
		fmt.Fprintf(&b, "Payment request %s for %s has been paid.\n", p.RequestNumber, amount)
		if p.PaymentReference != nil {
			fmt.Fprintf(&b, "Transfer reference: %s\n", *p.PaymentReference)
		}
	default:
		fmt.Fprintf(&b, "Payment request %s was cancelled. The included commissions are payable again.\n", p.RequestNumber)
	}
	return b.String()
}

// LogSender is an EmailSender that writes messages to the log; used until an
// SMTP relay is configured.
type LogSender struct {
	Logger zerolog.Logger
}

// Send implements common.EmailSender.
func (s LogSender) Send(_ context.Context, msg common.Email) error {
	s.Logger.Info().Str("to", msg.To).Str("subject", msg.Subject).Msg("email")
	return nil
}
