package affiliate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/commission-engine/internal/pricing"
)

// ErrNotFound is returned when the affiliate record does not exist.
var ErrNotFound = errors.New("affiliate not found")

// Affiliate is the commercial record of an affiliate. Null rates fall back to Defaults.
type Affiliate struct {
	ID                     uuid.UUID           `json:"id"`
	Name                   string              `json:"name"`
	Email                  string              `json:"email"`
	MinMarginFloor         decimal.NullDecimal `json:"minMarginFloor"`
	MaxMarginRate          decimal.NullDecimal `json:"maxMarginRate"`
	PlatformCommissionRate decimal.NullDecimal `json:"platformCommissionRate"`
	DefaultMarginRate      decimal.NullDecimal `json:"defaultMarginRate"`
	CreatedAt              time.Time           `json:"createdAt"`
}

// Defaults are the platform-wide values configured for every affiliate.
type Defaults struct {
	MinMargin             decimal.Decimal
	PlatformRate          decimal.Decimal
	BufferRate            decimal.Decimal
	PublicPriceMultiplier decimal.Decimal
}

// Terms are the effective pricing parameters for one affiliate.
type Terms struct {
	MinMargin             decimal.Decimal
	MaxMarginRate         decimal.NullDecimal
	PlatformRate          decimal.Decimal
	DefaultMarginRate     decimal.NullDecimal
	BufferRate            decimal.Decimal
	PublicPriceMultiplier decimal.Decimal
}

// Resolve merges the affiliate's overrides over the defaults.
func (d Defaults) Resolve(a Affiliate) Terms {
	t := Terms{
		MinMargin:             d.MinMargin,
		MaxMarginRate:         a.MaxMarginRate,
		PlatformRate:          d.PlatformRate,
		DefaultMarginRate:     a.DefaultMarginRate,
		BufferRate:            d.BufferRate,
		PublicPriceMultiplier: d.PublicPriceMultiplier,
	}
	if a.MinMarginFloor.Valid {
		t.MinMargin = a.MinMarginFloor.Decimal
	}
	if a.PlatformCommissionRate.Valid {
		t.PlatformRate = a.PlatformCommissionRate.Decimal
	}
	return t
}

// Bounds computes the margin bounds for a product priced at base (and optionally public).
func (t Terms) Bounds(base decimal.Decimal, public decimal.NullDecimal) (pricing.Bounds, error) {
	in := pricing.BoundsInput{
		BasePriceHt:           base,
		PlatformRate:          t.PlatformRate,
		MinMargin:             t.MinMargin,
		MaxMarginRate:         t.MaxMarginRate,
		BufferRate:            t.BufferRate,
		PublicPriceMultiplier: t.PublicPriceMultiplier,
	}
	if public.Valid {
		in.PublicPriceHt = public.Decimal
	}
	return pricing.ComputeMarginBounds(in)
}

// Store reads affiliate records.
type Store interface {
	GetAffiliate(ctx context.Context, id uuid.UUID) (Affiliate, error)
}

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

func (s *pgStore) GetAffiliate(ctx context.Context, id uuid.UUID) (Affiliate, error) {
	var a Affiliate
	err := s.pool.QueryRow(ctx, `SELECT id, name, email, min_margin_floor, max_margin_rate, platform_commission_rate, default_margin_rate, created_at
FROM affiliates WHERE id = $1`, id).Scan(&a.ID, &a.Name, &a.Email, &a.MinMarginFloor, &a.MaxMarginRate, &a.PlatformCommissionRate, &a.DefaultMarginRate, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Affiliate{}, ErrNotFound
		}
		return Affiliate{}, err
	}
	return a, nil
}
