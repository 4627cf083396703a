package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/commission-engine/internal/commission"
	"github.com/noah-isme/commission-engine/internal/settlement"
)

type settlementStore struct{ db *DB }

func (s settlementStore) CreateRequest(_ context.Context, p settlement.CreateParams) (settlement.PaymentRequest, error) {
	ids := settlement.Dedupe(p.CommissionIDs)
	if len(ids) == 0 {
		return settlement.PaymentRequest{}, settlement.ErrEmptySelection
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	total := decimal.Zero
	for _, id := range ids {
		c, ok := s.db.commissions[id]
		if !ok || c.AffiliateID != p.AffiliateID {
			return settlement.PaymentRequest{}, fmt.Errorf("%w: commission %s", commission.ErrNotFound, id)
		}
		switch c.Status {
		case commission.StatusValidated:
		case commission.StatusRequested:
			return settlement.PaymentRequest{}, fmt.Errorf("%w: commission %s", settlement.ErrAlreadyGrouped, id)
		default:
			return settlement.PaymentRequest{}, fmt.Errorf("%w: commission %s is %s", settlement.ErrNotPayable, id, c.Status)
		}
		total = total.Add(c.AffiliateCommissionTtc)
	}

	reqID := p.ID
	if reqID == uuid.Nil {
		reqID = uuid.New()
	}
	items := make([]requestItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, requestItem{commissionID: id, amountTtc: s.db.commissions[id].AffiliateCommissionTtc})
	}
	// Nothing is written until the grouped ledger is known to match the total.
	ledger := total
	for _, c := range s.db.commissions {
		if c.PaymentRequestID.Valid && c.PaymentRequestID.UUID == reqID && c.Status == commission.StatusRequested {
			ledger = ledger.Add(c.AffiliateCommissionTtc)
		}
	}
	if err := compareTotals(reqID, total, ledger, sumItems(items)); err != nil {
		return settlement.PaymentRequest{}, err
	}

	s.db.requestSeq++
	req := settlement.PaymentRequest{
		ID:             reqID,
		AffiliateID:    p.AffiliateID,
		RequestNumber:  settlement.FormatNumber(p.NumberPrefix, p.At, s.db.requestSeq),
		TotalAmountTtc: total,
		Status:         settlement.StatusPending,
		CreatedAt:      p.At,
		UpdatedAt:      p.At,
	}
	for _, id := range ids {
		c := s.db.commissions[id]
		c.Status = commission.StatusRequested
		c.PaymentRequestID = uuid.NullUUID{UUID: req.ID, Valid: true}
		s.db.commissions[id] = c
	}
	s.db.requests[req.ID] = req
	s.db.requestItems[req.ID] = items
	return s.db.withCommissions(req), nil
}

func (s settlementStore) Get(_ context.Context, id uuid.UUID) (settlement.PaymentRequest, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	req, ok := s.db.requests[id]
	if !ok {
		return settlement.PaymentRequest{}, settlement.ErrNotFound
	}
	return s.db.withCommissions(req), nil
}

func (s settlementStore) List(_ context.Context, f settlement.Filter) ([]settlement.PaymentRequest, int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	matched := make([]settlement.PaymentRequest, 0)
	for _, req := range s.db.requests {
		if f.AffiliateID != uuid.Nil && req.AffiliateID != f.AffiliateID {
			continue
		}
		if f.Status != "" && req.Status != f.Status {
			continue
		}
		matched = append(matched, req)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})
	page := paginate(matched, f.Limit, f.Offset)
	out := make([]settlement.PaymentRequest, 0, len(page))
	for _, req := range page {
		out = append(out, s.db.withCommissions(req))
	}
	return out, len(matched), nil
}

func (s settlementStore) AttachInvoice(_ context.Context, id uuid.UUID, ref, name string, at time.Time) (settlement.PaymentRequest, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	req, ok := s.db.requests[id]
	if !ok {
		return settlement.PaymentRequest{}, settlement.ErrNotFound
	}
	if req.Status != settlement.StatusPending {
		return settlement.PaymentRequest{}, fmt.Errorf("%w: request is %s", settlement.ErrInvalidState, req.Status)
	}
	req.Status = settlement.StatusInvoiceReceived
	req.InvoiceFileRef = &ref
	req.InvoiceFileName = &name
	req.InvoiceReceivedAt = &at
	req.UpdatedAt = at
	s.db.requests[id] = req
	return s.db.withCommissions(req), nil
}

func (s settlementStore) MarkPaid(_ context.Context, p settlement.PayParams) (settlement.PaymentRequest, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	req, ok := s.db.requests[p.ID]
	if !ok {
		return settlement.PaymentRequest{}, settlement.ErrNotFound
	}
	allowed := req.Status == settlement.StatusInvoiceReceived || (req.Status == settlement.StatusPending && p.AllowFromPending)
	if !allowed {
		return settlement.PaymentRequest{}, fmt.Errorf("%w: request is %s", settlement.ErrInvalidState, req.Status)
	}
	if err := s.db.checkTotal(req.ID, commission.StatusRequested); err != nil {
		return settlement.PaymentRequest{}, err
	}
	for _, it := range s.db.requestItems[req.ID] {
		c := s.db.commissions[it.commissionID]
		c.Status = commission.StatusPaid
		c.PaidAt = &p.At
		s.db.commissions[c.ID] = c
	}
	reference := p.Reference
	req.Status = settlement.StatusPaid
	req.PaidAt = &p.At
	req.PaymentReference = &reference
	req.PaymentProofRef = p.ProofRef
	req.UpdatedAt = p.At
	s.db.requests[req.ID] = req
	return s.db.withCommissions(req), nil
}

func (s settlementStore) Cancel(_ context.Context, id uuid.UUID, at time.Time) (settlement.PaymentRequest, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	req, ok := s.db.requests[id]
	if !ok {
		return settlement.PaymentRequest{}, settlement.ErrNotFound
	}
	if !req.Status.Cancellable() {
		return settlement.PaymentRequest{}, fmt.Errorf("%w: request is %s", settlement.ErrInvalidState, req.Status)
	}
	for _, it := range s.db.requestItems[id] {
		c := s.db.commissions[it.commissionID]
		if c.Status != commission.StatusRequested || c.PaymentRequestID.UUID != id {
			continue
		}
		c.Status = commission.StatusValidated
		c.PaymentRequestID = uuid.NullUUID{}
		s.db.commissions[c.ID] = c
	}
	req.Status = settlement.StatusCancelled
	req.CancelledAt = &at
	req.UpdatedAt = at
	s.db.requests[id] = req
	return s.db.withCommissions(req), nil
}

// checkTotal compares the stored total with the ledger and the join rows. Callers hold db.mu.
func (db *DB) checkTotal(requestID uuid.UUID, status commission.Status) error {
	req := db.requests[requestID]
	ledger := decimal.Zero
	for _, c := range db.commissions {
		if c.PaymentRequestID.Valid && c.PaymentRequestID.UUID == requestID && c.Status == status {
			ledger = ledger.Add(c.AffiliateCommissionTtc)
		}
	}
	return compareTotals(requestID, req.TotalAmountTtc, ledger, sumItems(db.requestItems[requestID]))
}

func sumItems(items []requestItem) decimal.Decimal {
	sum := decimal.Zero
	for _, it := range items {
		sum = sum.Add(it.amountTtc)
	}
	return sum
}

func compareTotals(requestID uuid.UUID, total, ledger, items decimal.Decimal) error {
	if !ledger.Equal(total) || !items.Equal(total) {
		return fmt.Errorf("%w: request %s total %s, ledger %s, items %s",
			settlement.ErrInvariantViolation, requestID, total, ledger, items)
	}
	return nil
}

// withCommissions attaches the grouped commissions. Callers hold db.mu.
func (db *DB) withCommissions(req settlement.PaymentRequest) settlement.PaymentRequest {
	items := db.requestItems[req.ID]
	req.Commissions = make([]commission.Commission, 0, len(items))
	for _, it := range items {
		c := db.commissions[it.commissionID]
		c.Lines = nil
		req.Commissions = append(req.Commissions, c)
	}
	return req
}

// CorruptRequestTotal overwrites a stored request total. It exists to exercise the
// invariant check.
func (db *DB) CorruptRequestTotal(id uuid.UUID, total decimal.Decimal) {
	db.mu.Lock()
	defer db.mu.Unlock()
	req := db.requests[id]
	req.TotalAmountTtc = total
	db.requests[id] = req
}
