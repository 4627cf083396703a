package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidMargin is returned for margin rates outside [0, 100).
	ErrInvalidMargin = errors.New("margin rate must be in [0, 100)")
	// ErrInvalidBasePrice is returned for negative or, when bounding, non-positive base prices.
	ErrInvalidBasePrice = errors.New("invalid base price")
	// ErrInvalidRate is returned for negative platform or buffer rates.
	ErrInvalidRate = errors.New("invalid rate")
)

// MaxMarginCeiling keeps computed bounds away from the singularity at 100%.
var MaxMarginCeiling = decimal.RequireFromString("99.9")

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
	three   = decimal.NewFromInt(3)
)

// Zone classifies a margin rate against the competitiveness breakpoints.
type Zone string

const (
	ZoneGreen  Zone = "green"
	ZoneOrange Zone = "orange"
	ZoneRed    Zone = "red"
)

// Quote is the output of ComputeSellingPrice.
type Quote struct {
	SellingPriceHt decimal.Decimal `json:"sellingPriceHt"`
	GainHt         decimal.Decimal `json:"gainHt"`
}

// ComputeSellingPrice applies a rate-of-selling-price margin to a tax-exclusive base price:
// selling = base / (1 - rate/100), rounded once to cents. The gain is derived from the
// rounded selling price so that selling - base == gain holds exactly.
func ComputeSellingPrice(basePriceHt, marginRate decimal.Decimal) (Quote, error) {
	if basePriceHt.IsNegative() {
		return Quote{}, ErrInvalidBasePrice
	}
	if marginRate.IsNegative() || marginRate.GreaterThanOrEqual(hundred) {
		return Quote{}, ErrInvalidMargin
	}
	divisor := one.Sub(marginRate.Div(hundred))
	selling := basePriceHt.Div(divisor).Round(2)
	return Quote{
		SellingPriceHt: selling,
		GainHt:         selling.Sub(basePriceHt),
	}, nil
}

// BoundsInput carries everything ComputeMarginBounds needs. Rates are percentages.
type BoundsInput struct {
	BasePriceHt decimal.Decimal
	// PublicPriceHt, when positive, replaces the multiplier estimate of the public price.
	PublicPriceHt         decimal.Decimal
	PlatformRate          decimal.Decimal
	MinMargin             decimal.Decimal
	MaxMarginRate         decimal.NullDecimal
	BufferRate            decimal.Decimal
	PublicPriceMultiplier decimal.Decimal
}

// Bounds are the admissible margin range and its competitiveness breakpoints, rounded to one decimal.
type Bounds struct {
	Min       decimal.Decimal `json:"min"`
	Max       decimal.Decimal `json:"max"`
	GreenEnd  decimal.Decimal `json:"greenEnd"`
	OrangeEnd decimal.Decimal `json:"orangeEnd"`
	Suggested decimal.Decimal `json:"suggested"`
}

// ComputeMarginBounds caps the affiliate's margin so the resulting price stays under a
// buffered estimate of the public retail price.
func ComputeMarginBounds(in BoundsInput) (Bounds, error) {
	if !in.BasePriceHt.IsPositive() {
		return Bounds{}, ErrInvalidBasePrice
	}
	if in.PlatformRate.IsNegative() || in.BufferRate.IsNegative() || in.BufferRate.GreaterThanOrEqual(hundred) {
		return Bounds{}, ErrInvalidRate
	}
	if in.MinMargin.IsNegative() || in.MinMargin.GreaterThanOrEqual(hundred) {
		return Bounds{}, ErrInvalidMargin
	}
	multiplier := in.PublicPriceMultiplier
	if !multiplier.IsPositive() {
		multiplier = decimal.RequireFromString("1.5")
	}

	platformPrice := in.BasePriceHt.Mul(one.Add(in.PlatformRate.Div(hundred)))
	publicPrice := in.BasePriceHt.Mul(multiplier)
	if in.PublicPriceHt.IsPositive() {
		publicPrice = in.PublicPriceHt
	}
	ceiling := publicPrice.Mul(one.Sub(in.BufferRate.Div(hundred)))

	minRate := in.MinMargin
	maxRate := decimal.Max(minRate, ceiling.Sub(platformPrice).Div(platformPrice).Mul(hundred))
	if in.MaxMarginRate.Valid && in.MaxMarginRate.Decimal.LessThan(maxRate) {
		maxRate = decimal.Max(minRate, in.MaxMarginRate.Decimal)
	}
	if maxRate.GreaterThan(MaxMarginCeiling) {
		maxRate = decimal.Max(minRate, MaxMarginCeiling)
	}

	third := maxRate.Sub(minRate).Div(three)
	green := minRate.Add(third)
	orange := minRate.Add(third.Mul(decimal.NewFromInt(2)))

	b := Bounds{
		Min:       minRate.Round(1),
		Max:       maxRate.Round(1),
		GreenEnd:  green.Round(1),
		OrangeEnd: orange.Round(1),
	}
	b.Suggested = b.GreenEnd
	return b, nil
}

// Contains reports whether rate lies within [Min, Max].
func (b Bounds) Contains(rate decimal.Decimal) bool {
	return rate.GreaterThanOrEqual(b.Min) && rate.LessThanOrEqual(b.Max)
}

// Zone classifies rate; anything beyond OrangeEnd is red, including out-of-range values.
func (b Bounds) Zone(rate decimal.Decimal) Zone {
	switch {
	case rate.LessThanOrEqual(b.GreenEnd):
		return ZoneGreen
	case rate.LessThanOrEqual(b.OrangeEnd):
		return ZoneOrange
	default:
		return ZoneRed
	}
}
