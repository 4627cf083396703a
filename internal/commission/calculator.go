package commission

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/commission-engine/internal/common"
	"github.com/noah-isme/commission-engine/internal/pricing"
)

// OrderLine is one line of an order event, carrying values snapshotted at sale time.
type OrderLine struct {
	ProductID         *uuid.UUID          `json:"productId,omitempty"`
	Quantity          int                 `json:"quantity" validate:"min=1"`
	BasePriceHt       decimal.Decimal     `json:"basePriceHt"`
	MarginRateApplied decimal.Decimal     `json:"marginRateApplied"`
	SellingPriceHt    decimal.Decimal     `json:"sellingPriceHt"`
	TaxRate           decimal.NullDecimal `json:"taxRate"`
}

// OrderEvent is the typed contract of the order service's state-change notifications.
type OrderEvent struct {
	OrderID     uuid.UUID           `json:"orderId"`
	OrderNumber string              `json:"orderNumber" validate:"max=64"`
	AffiliateID uuid.UUID           `json:"affiliateId"`
	SelectionID *uuid.UUID          `json:"selectionId,omitempty"`
	Status      string              `json:"status" validate:"required,max=32"`
	TaxRate     decimal.NullDecimal `json:"taxRate"`
	Lines       []OrderLine         `json:"lines" validate:"omitempty,dive"`
	OccurredAt  time.Time           `json:"occurredAt"`
}

// Validate checks the event once at the boundary. Lines are only required for
// statuses that create a commission.
func (e OrderEvent) Validate() error {
	if err := common.ValidateStruct(e); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if e.OrderID == uuid.Nil {
		return fmt.Errorf("%w: orderId is required", ErrInvalidEvent)
	}
	if e.AffiliateID == uuid.Nil {
		return fmt.Errorf("%w: affiliateId is required", ErrInvalidEvent)
	}
	if e.TaxRate.Valid && !validTaxRate(e.TaxRate.Decimal) {
		return fmt.Errorf("%w: taxRate must be in [0, 1]", ErrInvalidEvent)
	}
	for i, l := range e.Lines {
		if l.BasePriceHt.IsNegative() || l.SellingPriceHt.IsNegative() {
			return fmt.Errorf("%w: line %d: prices must not be negative", ErrInvalidEvent, i)
		}
		if l.MarginRateApplied.IsNegative() || l.MarginRateApplied.GreaterThanOrEqual(decimal.NewFromInt(100)) {
			return fmt.Errorf("%w: line %d: %w", ErrInvalidEvent, i, pricing.ErrInvalidMargin)
		}
		if l.TaxRate.Valid && !validTaxRate(l.TaxRate.Decimal) {
			return fmt.Errorf("%w: line %d: taxRate must be in [0, 1]", ErrInvalidEvent, i)
		}
	}
	return nil
}

// NormalizedStatus returns the trimmed, lower-cased order status.
func (e OrderEvent) NormalizedStatus() string {
	return strings.ToLower(strings.TrimSpace(e.Status))
}

func validTaxRate(r decimal.Decimal) bool {
	return !r.IsNegative() && r.LessThanOrEqual(decimal.NewFromInt(1))
}

// Drift records an order line whose reported selling price disagrees with the
// price the pricing engine derives from the snapshotted base price and margin.
type Drift struct {
	Line     int
	Reported decimal.Decimal
	Derived  decimal.Decimal
}

// Calculation is the result of Calculate.
type Calculation struct {
	Commission Commission
	Drifts     []Drift
}

var (
	driftTolerance = decimal.RequireFromString("0.01")
	hundred        = decimal.NewFromInt(100)
)

// Calculate computes the affiliate commission for an order. The affiliate earns exactly
// the markup it chose; the platform commission is recorded separately and never deducted.
// The TTC total is computed per tax rate so that TTC == HT x (1 + rate) holds for
// single-rate orders without per-line rounding drift.
func Calculate(ev OrderEvent, platformRate, defaultTaxRate decimal.Decimal) (Calculation, error) {
	if len(ev.Lines) == 0 {
		return Calculation{}, fmt.Errorf("%w: at least one line is required", ErrInvalidEvent)
	}
	var (
		calc          Calculation
		lines         = make([]Line, 0, len(ev.Lines))
		orderAmount   decimal.Decimal
		marginHt      decimal.Decimal
		platform      decimal.Decimal
		weightedRate  decimal.Decimal
		baseTotal     decimal.Decimal
		htByTaxRate   = map[string]decimal.Decimal{}
		taxRateByName = map[string]decimal.Decimal{}
	)
	for i, ol := range ev.Lines {
		derived, err := pricing.ComputeSellingPrice(ol.BasePriceHt, ol.MarginRateApplied)
		if err != nil {
			return Calculation{}, fmt.Errorf("%w: line %d: %w", ErrInvalidEvent, i, err)
		}
		selling := ol.SellingPriceHt
		if selling.IsZero() {
			selling = derived.SellingPriceHt
		} else if selling.Sub(derived.SellingPriceHt).Abs().GreaterThan(driftTolerance) {
			calc.Drifts = append(calc.Drifts, Drift{Line: i, Reported: selling, Derived: derived.SellingPriceHt})
		}

		taxRate := defaultTaxRate
		if ev.TaxRate.Valid {
			taxRate = ev.TaxRate.Decimal
		}
		if ol.TaxRate.Valid {
			taxRate = ol.TaxRate.Decimal
		}

		qty := decimal.NewFromInt(int64(ol.Quantity))
		lineBase := ol.BasePriceHt.Mul(qty)
		lineMargin := selling.Sub(ol.BasePriceHt).Mul(qty).Round(2)
		line := Line{
			Quantity:           ol.Quantity,
			BasePriceHt:        ol.BasePriceHt,
			MarginRateApplied:  ol.MarginRateApplied,
			SellingPriceHt:     selling,
			TaxRate:            taxRate,
			MarginHt:           lineMargin,
			MarginTtc:          lineMargin.Mul(decimal.NewFromInt(1).Add(taxRate)).Round(2),
			PlatformCommission: lineBase.Mul(platformRate).Div(hundred).Round(2),
		}
		if ol.ProductID != nil {
			line.ProductID = uuid.NullUUID{UUID: *ol.ProductID, Valid: true}
		}
		lines = append(lines, line)

		orderAmount = orderAmount.Add(selling.Mul(qty))
		marginHt = marginHt.Add(line.MarginHt)
		platform = platform.Add(line.PlatformCommission)
		weightedRate = weightedRate.Add(ol.MarginRateApplied.Mul(lineBase))
		baseTotal = baseTotal.Add(lineBase)

		key := taxRate.String()
		htByTaxRate[key] = htByTaxRate[key].Add(line.MarginHt)
		taxRateByName[key] = taxRate
	}

	keys := make([]string, 0, len(htByTaxRate))
	for k := range htByTaxRate {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var marginTtc decimal.Decimal
	for _, k := range keys {
		marginTtc = marginTtc.Add(htByTaxRate[k].Mul(decimal.NewFromInt(1).Add(taxRateByName[k])).Round(2))
	}

	rate := decimal.Zero
	if baseTotal.IsPositive() {
		rate = weightedRate.Div(baseTotal).Round(1)
	}

	c := Commission{
		OrderID:                ev.OrderID,
		OrderNumber:            strings.TrimSpace(ev.OrderNumber),
		AffiliateID:            ev.AffiliateID,
		OrderAmountHt:          orderAmount.Round(2),
		AffiliateCommission:    marginHt,
		AffiliateCommissionTtc: marginTtc,
		PlatformCommission:     platform,
		MarginRateApplied:      rate,
		Status:                 StatusPending,
		Lines:                  lines,
	}
	if ev.SelectionID != nil {
		c.SelectionID = uuid.NullUUID{UUID: *ev.SelectionID, Valid: true}
	}
	calc.Commission = c
	return calc, nil
}
