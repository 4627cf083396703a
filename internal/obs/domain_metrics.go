package obs

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	domainOnce sync.Once

	// CommissionsCreated counts commissions written to the ledger.
	CommissionsCreated prometheus.Counter
	// CommissionTransitions counts ledger status changes.
	CommissionTransitions *prometheus.CounterVec
	// PaymentRequests counts settlement actions by outcome.
	PaymentRequests *prometheus.CounterVec
	// InvariantViolations counts aborted writes where a stored total disagreed with its items.
	InvariantViolations prometheus.Counter
	// MarginUpdates counts margin assignment outcomes.
	MarginUpdates *prometheus.CounterVec
	// PriceDrift counts order lines whose reported selling price differs from the snapshot.
	PriceDrift prometheus.Counter
	// InvoiceUploads counts invoice upload outcomes.
	InvoiceUploads *prometheus.CounterVec
	// EventDeliveries counts outbound event webhook attempts by outcome.
	EventDeliveries *prometheus.CounterVec
	// TasksProcessed counts background tasks by type and outcome.
	TasksProcessed *prometheus.CounterVec

	payoutOnce      sync.Once
	payoutHistogram metric.Float64Histogram
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		CommissionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commissions_created_total",
			Help:      "Number of commissions recorded from order events.",
		})
		CommissionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commission_transitions_total",
			Help:      "Commission status transitions.",
		}, []string{"from", "to"})
		PaymentRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_requests_total",
			Help:      "Payment request actions by outcome.",
		}, []string{"action", "result"})
		InvariantViolations = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_invariant_violations_total",
			Help:      "Writes aborted because a request total did not match its commissions.",
		})
		MarginUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "margin_updates_total",
			Help:      "Margin assignment attempts by outcome.",
		}, []string{"result"})
		PriceDrift = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_line_price_drift_total",
			Help:      "Order lines whose reported selling price disagreed with the margin snapshot.",
		})
		InvoiceUploads = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoice_uploads_total",
			Help:      "Invoice upload attempts by outcome.",
		}, []string{"result"})
		EventDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_webhook_deliveries_total",
			Help:      "Outbound event webhook attempts by outcome.",
		}, []string{"result"})
		TasksProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_processed_total",
			Help:      "Background tasks processed grouped by type and outcome.",
		}, []string{"type", "result"})

		mustRegisterCollector(reg, CommissionsCreated, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				CommissionsCreated = v
			}
		})
		mustRegisterCollector(reg, CommissionTransitions, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CommissionTransitions = v
			}
		})
		mustRegisterCollector(reg, PaymentRequests, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentRequests = v
			}
		})
		mustRegisterCollector(reg, InvariantViolations, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				InvariantViolations = v
			}
		})
		mustRegisterCollector(reg, MarginUpdates, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				MarginUpdates = v
			}
		})
		mustRegisterCollector(reg, PriceDrift, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				PriceDrift = v
			}
		})
		mustRegisterCollector(reg, InvoiceUploads, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				InvoiceUploads = v
			}
		})
		mustRegisterCollector(reg, EventDeliveries, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				EventDeliveries = v
			}
		})
		mustRegisterCollector(reg, TasksProcessed, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				TasksProcessed = v
			}
		})
	})
}

// The helpers below are safe to call before MustRegisterDomainMetrics; they no-op until then.

func IncCommissionCreated() {
	if CommissionsCreated != nil {
		CommissionsCreated.Inc()
	}
}

func IncCommissionTransition(from, to string) {
	if CommissionTransitions != nil {
		CommissionTransitions.WithLabelValues(from, to).Inc()
	}
}

func IncPaymentRequest(action, result string) {
	if PaymentRequests != nil {
		PaymentRequests.WithLabelValues(action, result).Inc()
	}
}

func IncInvariantViolation() {
	if InvariantViolations != nil {
		InvariantViolations.Inc()
	}
}

func IncMarginUpdate(result string) {
	if MarginUpdates != nil {
		MarginUpdates.WithLabelValues(result).Inc()
	}
}

func IncPriceDrift() {
	if PriceDrift != nil {
		PriceDrift.Inc()
	}
}

func IncInvoiceUpload(result string) {
	if InvoiceUploads != nil {
		InvoiceUploads.WithLabelValues(result).Inc()
	}
}

func IncEventDelivery(result string) {
	if EventDeliveries != nil {
		EventDeliveries.WithLabelValues(result).Inc()
	}
}

func IncTaskProcessed(taskType, result string) {
	if TasksProcessed != nil {
		TasksProcessed.WithLabelValues(taskType, result).Inc()
	}
}

// RecordPayout records a settled payment request amount on the OpenTelemetry meter.
func RecordPayout(ctx context.Context, currency string, amount float64) {
	payoutOnce.Do(func() {
		h, err := otel.Meter("commission-engine/settlement").Float64Histogram(
			"settlement.payout.amount",
			metric.WithDescription("Amount paid out per settled payment request."),
			metric.WithUnit("{currency}"),
		)
		if err == nil {
			payoutHistogram = h
		}
	})
	if payoutHistogram == nil {
		return
	}
	payoutHistogram.Record(ctx, amount, metric.WithAttributes(attribute.String("currency", currency)))
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
