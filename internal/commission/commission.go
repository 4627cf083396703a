package commission

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when the commission does not exist or is outside the caller's scope.
	ErrNotFound = errors.New("commission: not found")
	// ErrInvalidEvent is returned for order events that fail boundary validation.
	ErrInvalidEvent = errors.New("commission: invalid order event")
)

// Line is the per-order-line breakdown of a commission. Sale-time values are snapshots.
type Line struct {
	ProductID          uuid.NullUUID   `json:"productId"`
	Quantity           int             `json:"quantity"`
	BasePriceHt        decimal.Decimal `json:"basePriceHt"`
	MarginRateApplied  decimal.Decimal `json:"marginRateApplied"`
	SellingPriceHt     decimal.Decimal `json:"sellingPriceHt"`
	TaxRate            decimal.Decimal `json:"taxRate"`
	MarginHt           decimal.Decimal `json:"marginHt"`
	MarginTtc          decimal.Decimal `json:"marginTtc"`
	PlatformCommission decimal.Decimal `json:"platformCommission"`
}

// Commission is the ledger record of what an affiliate earned on one order.
type Commission struct {
	ID                     uuid.UUID       `json:"id"`
	OrderID                uuid.UUID       `json:"orderId"`
	OrderNumber            string          `json:"orderNumber"`
	AffiliateID            uuid.UUID       `json:"affiliateId"`
	SelectionID            uuid.NullUUID   `json:"selectionId"`
	OrderAmountHt          decimal.Decimal `json:"orderAmountHt"`
	AffiliateCommission    decimal.Decimal `json:"affiliateCommission"`
	AffiliateCommissionTtc decimal.Decimal `json:"affiliateCommissionTtc"`
	PlatformCommission     decimal.Decimal `json:"platformCommission"`
	MarginRateApplied      decimal.Decimal `json:"marginRateApplied"`
	Status                 Status          `json:"status"`
	PaymentRequestID       uuid.NullUUID   `json:"paymentRequestId"`
	CreatedAt              time.Time       `json:"createdAt"`
	ValidatedAt            *time.Time      `json:"validatedAt,omitempty"`
	PaidAt                 *time.Time      `json:"paidAt,omitempty"`
	CancelledAt            *time.Time      `json:"cancelledAt,omitempty"`
	Lines                  []Line          `json:"lines,omitempty"`
}

// Filter narrows commission listings. Zero values mean "any".
type Filter struct {
	AffiliateID      uuid.UUID
	Status           Status
	PaymentRequestID uuid.UUID
	Limit            int
	Offset           int
}

// Bucket aggregates commissions of one status.
type Bucket struct {
	Count     int64           `json:"count"`
	AmountHt  decimal.Decimal `json:"amountHt"`
	AmountTtc decimal.Decimal `json:"amountTtc"`
}

// Add folds c into the bucket.
func (b Bucket) Add(c Commission) Bucket {
	return Bucket{
		Count:     b.Count + 1,
		AmountHt:  b.AmountHt.Add(c.AffiliateCommission),
		AmountTtc: b.AmountTtc.Add(c.AffiliateCommissionTtc),
	}
}

// Merge sums two buckets.
func (b Bucket) Merge(o Bucket) Bucket {
	return Bucket{
		Count:     b.Count + o.Count,
		AmountHt:  b.AmountHt.Add(o.AmountHt),
		AmountTtc: b.AmountTtc.Add(o.AmountTtc),
	}
}

// Summary is aggregateByStatus for one affiliate. Total covers every non-cancelled status.
type Summary struct {
	AffiliateID uuid.UUID `json:"affiliateId"`
	Pending     Bucket    `json:"pending"`
	Validated   Bucket    `json:"validated"`
	Requested   Bucket    `json:"requested"`
	Paid        Bucket    `json:"paid"`
	Cancelled   Bucket    `json:"cancelled"`
	Total       Bucket    `json:"total"`
}

// Put stores a per-status bucket and recomputes Total.
func (s *Summary) Put(status Status, b Bucket) {
	switch status {
	case StatusPending:
		s.Pending = b
	case StatusValidated:
		s.Validated = b
	case StatusRequested:
		s.Requested = b
	case StatusPaid:
		s.Paid = b
	case StatusCancelled:
		s.Cancelled = b
	}
	s.Total = s.Pending.Merge(s.Validated).Merge(s.Requested).Merge(s.Paid)
}

// TransitionResult reports a single-commission status change and its side effects.
type TransitionResult struct {
	Commission Commission
	Previous   Status
	// DetachedFrom is the payment request a requested commission was removed from.
	DetachedFrom uuid.NullUUID
	// RequestCancelled is set when detaching left that request empty.
	RequestCancelled bool
}

// Store persists ledger records. Implementations enforce the transition table and
// the request-total invariant inside their transaction boundary.
type Store interface {
	// Create inserts c unless a commission for the same order exists, in which case the
	// existing record is returned with created == false.
	Create(ctx context.Context, c Commission) (Commission, bool, error)
	Get(ctx context.Context, id uuid.UUID) (Commission, error)
	GetByOrder(ctx context.Context, orderID uuid.UUID) (Commission, error)
	List(ctx context.Context, f Filter) ([]Commission, int, error)
	Aggregate(ctx context.Context, affiliateID uuid.UUID) (Summary, error)
	// Transition performs a single-record change to validated or cancelled. Moves to
	// requested and paid belong to the settlement store.
	Transition(ctx context.Context, id uuid.UUID, to Status, at time.Time) (TransitionResult, error)
}
