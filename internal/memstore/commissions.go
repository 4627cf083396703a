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

type commissionStore struct{ db *DB }

func (s commissionStore) Create(_ context.Context, c commission.Commission) (commission.Commission, bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if id, ok := s.db.byOrder[c.OrderID]; ok {
		return copyCommission(s.db.commissions[id]), false, nil
	}
	if _, ok := s.db.affiliates[c.AffiliateID]; !ok {
		return commission.Commission{}, false, fmt.Errorf("insert commission: unknown affiliate %s", c.AffiliateID)
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c = copyCommission(c)
	s.db.commissions[c.ID] = c
	s.db.byOrder[c.OrderID] = c.ID
	return copyCommission(c), true, nil
}

func (s commissionStore) Get(_ context.Context, id uuid.UUID) (commission.Commission, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	c, ok := s.db.commissions[id]
	if !ok {
		return commission.Commission{}, commission.ErrNotFound
	}
	return copyCommission(c), nil
}

func (s commissionStore) GetByOrder(_ context.Context, orderID uuid.UUID) (commission.Commission, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	id, ok := s.db.byOrder[orderID]
	if !ok {
		return commission.Commission{}, commission.ErrNotFound
	}
	return copyCommission(s.db.commissions[id]), nil
}

func (s commissionStore) List(_ context.Context, f commission.Filter) ([]commission.Commission, int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var inRequest map[uuid.UUID]bool
	if f.PaymentRequestID != uuid.Nil {
		inRequest = make(map[uuid.UUID]bool)
		for _, it := range s.db.requestItems[f.PaymentRequestID] {
			inRequest[it.commissionID] = true
		}
	}
	matched := make([]commission.Commission, 0)
	for _, c := range s.db.commissions {
		if f.AffiliateID != uuid.Nil && c.AffiliateID != f.AffiliateID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if inRequest != nil && !inRequest[c.ID] {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})
	page := paginate(matched, f.Limit, f.Offset)
	out := make([]commission.Commission, 0, len(page))
	for _, c := range page {
		c.Lines = nil
		out = append(out, c)
	}
	return out, len(matched), nil
}

func (s commissionStore) Aggregate(_ context.Context, affiliateID uuid.UUID) (commission.Summary, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	buckets := make(map[commission.Status]commission.Bucket)
	for _, c := range s.db.commissions {
		if c.AffiliateID == affiliateID {
			buckets[c.Status] = buckets[c.Status].Add(c)
		}
	}
	sum := commission.Summary{AffiliateID: affiliateID}
	for status, b := range buckets {
		sum.Put(status, b)
	}
	return sum, nil
}

func (s commissionStore) Transition(_ context.Context, id uuid.UUID, to commission.Status, at time.Time) (commission.TransitionResult, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cur, ok := s.db.commissions[id]
	if !ok {
		return commission.TransitionResult{}, commission.ErrNotFound
	}
	if err := commission.CheckDirectTransition(cur.Status, to); err != nil {
		return commission.TransitionResult{}, err
	}
	res := commission.TransitionResult{Previous: cur.Status}
	if cur.Status == commission.StatusRequested && cur.PaymentRequestID.Valid {
		cancelled, err := s.db.detach(cur.PaymentRequestID.UUID, cur.ID, at)
		if err != nil {
			return commission.TransitionResult{}, err
		}
		res.DetachedFrom = cur.PaymentRequestID
		res.RequestCancelled = cancelled
	}
	next := cur
	next.Status = to
	next.PaymentRequestID = uuid.NullUUID{}
	switch to {
	case commission.StatusValidated:
		if next.ValidatedAt == nil {
			next.ValidatedAt = &at
		}
	case commission.StatusCancelled:
		next.CancelledAt = &at
	}
	s.db.commissions[id] = next
	res.Commission = copyCommission(next)
	return res, nil
}

// detach removes a commission from an active request and recomputes the request total.
// Callers hold db.mu.
func (db *DB) detach(requestID, commissionID uuid.UUID, at time.Time) (bool, error) {
	req, ok := db.requests[requestID]
	if !ok {
		return false, fmt.Errorf("lock payment request: %w", settlement.ErrNotFound)
	}
	if !req.Status.Cancellable() {
		return false, fmt.Errorf("%w: payment request is %s", commission.ErrInvalidTransition, req.Status)
	}
	items := db.requestItems[requestID]
	kept := items[:0:0]
	total := decimal.Zero
	for _, it := range items {
		if it.commissionID == commissionID {
			continue
		}
		kept = append(kept, it)
		total = total.Add(it.amountTtc)
	}
	db.requestItems[requestID] = kept
	req.TotalAmountTtc = total
	req.UpdatedAt = at
	cancelled := len(kept) == 0
	if cancelled {
		req.Status = settlement.StatusCancelled
		req.CancelledAt = &at
	}
	db.requests[requestID] = req
	return cancelled, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}
