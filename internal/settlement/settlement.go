package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/commission-engine/internal/commission"
)

var (
	ErrNotFound       = errors.New("settlement: payment request not found")
	ErrEmptySelection = errors.New("settlement: no commissions selected")
	// ErrNotPayable is returned when a selected commission is not in the validated state.
	ErrNotPayable = errors.New("settlement: commission is not payable")
	// ErrAlreadyGrouped is a NotPayable variant for commissions already in another request.
	ErrAlreadyGrouped      = fmt.Errorf("%w: already grouped in a payment request", ErrNotPayable)
	ErrInvalidState        = errors.New("settlement: payment request is not in a state that allows this action")
	ErrFileTooLarge        = errors.New("settlement: file exceeds the size limit")
	ErrUnsupportedFileType = errors.New("settlement: unsupported file type")
	ErrMissingReference    = errors.New("settlement: payment reference is required")
	ErrForbidden           = errors.New("settlement: payment request belongs to another affiliate")
	ErrInvoiceMissing      = errors.New("settlement: no invoice uploaded")
	// ErrInvariantViolation means a request total no longer equals the sum of its commissions.
	ErrInvariantViolation = errors.New("settlement: payment request total does not match its commissions")
)

// Status of a payment request.
type Status string

const (
	StatusPending         Status = "pending"
	StatusInvoiceReceived Status = "invoice_received"
	StatusPaid            Status = "paid"
	StatusCancelled       Status = "cancelled"
)

// ParseStatus validates a status filter value.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(raw); s {
	case StatusPending, StatusInvoiceReceived, StatusPaid, StatusCancelled:
		return s, nil
	}
	return "", fmt.Errorf("unknown payment request status %q", raw)
}

// Cancellable reports whether the request may still be cancelled.
func (s Status) Cancellable() bool {
	return s == StatusPending || s == StatusInvoiceReceived
}

// PaymentRequest groups validated commissions for one payout.
type PaymentRequest struct {
	ID                uuid.UUID               `json:"id"`
	AffiliateID       uuid.UUID               `json:"affiliateId"`
	RequestNumber     string                  `json:"requestNumber"`
	TotalAmountTtc    decimal.Decimal         `json:"totalAmountTtc"`
	Status            Status                  `json:"status"`
	InvoiceFileRef    *string                 `json:"invoiceFileRef,omitempty"`
	InvoiceFileName   *string                 `json:"invoiceFileName,omitempty"`
	InvoiceReceivedAt *time.Time              `json:"invoiceReceivedAt,omitempty"`
	PaymentProofRef   *string                 `json:"paymentProofRef,omitempty"`
	PaymentReference  *string                 `json:"paymentReference,omitempty"`
	PaidAt            *time.Time              `json:"paidAt,omitempty"`
	CancelledAt       *time.Time              `json:"cancelledAt,omitempty"`
	CreatedAt         time.Time               `json:"createdAt"`
	UpdatedAt         time.Time               `json:"updatedAt"`
	Commissions       []commission.Commission `json:"commissions"`
}

// CommissionIDs lists the ids of the grouped commissions.
func (p PaymentRequest) CommissionIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(p.Commissions))
	for _, c := range p.Commissions {
		ids = append(ids, c.ID)
	}
	return ids
}

// CreateParams describes a new payment request.
type CreateParams struct {
	ID            uuid.UUID
	AffiliateID   uuid.UUID
	CommissionIDs []uuid.UUID
	NumberPrefix  string
	At            time.Time
}

// PayParams describes a payout confirmation.
type PayParams struct {
	ID               uuid.UUID
	Reference        string
	ProofRef         *string
	At               time.Time
	AllowFromPending bool
}

// Filter narrows request listings. Zero values mean "any".
type Filter struct {
	AffiliateID uuid.UUID
	Status      Status
	Limit       int
	Offset      int
}

// Store persists payment requests. Each method is one atomic unit that also moves the
// grouped commissions, so the ledger and the request never disagree.
type Store interface {
	CreateRequest(ctx context.Context, p CreateParams) (PaymentRequest, error)
	Get(ctx context.Context, id uuid.UUID) (PaymentRequest, error)
	List(ctx context.Context, f Filter) ([]PaymentRequest, int, error)
	// AttachInvoice moves a pending request to invoice_received. ErrInvalidState when it is not pending.
	AttachInvoice(ctx context.Context, id uuid.UUID, ref, name string, at time.Time) (PaymentRequest, error)
	MarkPaid(ctx context.Context, p PayParams) (PaymentRequest, error)
	Cancel(ctx context.Context, id uuid.UUID, at time.Time) (PaymentRequest, error)
}

// FormatNumber renders a human-readable request number such as PR-202603-00042.
func FormatNumber(prefix string, at time.Time, seq int64) string {
	if prefix == "" {
		prefix = "PR"
	}
	return fmt.Sprintf("%s-%s-%05d", prefix, at.UTC().Format("200601"), seq)
}

// SumTtc is the decimal sum of the commissions' TTC amounts.
func SumTtc(cs []commission.Commission) decimal.Decimal {
	total := decimal.Zero
	for _, c := range cs {
		total = total.Add(c.AffiliateCommissionTtc)
	}
	return total
}

// Dedupe returns ids without duplicates, preserving first occurrence order.
func Dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
