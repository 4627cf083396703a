// Package memstore keeps the whole engine state in process memory. It backs
// STORAGE_DRIVER=memory and the service tests, and mirrors the transactional
// behaviour of the Postgres stores under a single mutex.
package memstore

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/commission-engine/internal/affiliate"
	"github.com/noah-isme/commission-engine/internal/commission"
	"github.com/noah-isme/commission-engine/internal/selection"
	"github.com/noah-isme/commission-engine/internal/settlement"
)

type requestItem struct {
	commissionID uuid.UUID
	amountTtc    decimal.Decimal
}

// DB is the shared in-memory state.
type DB struct {
	mu sync.Mutex

	affiliates  map[uuid.UUID]affiliate.Affiliate
	products    map[uuid.UUID]selection.Product
	selections  map[uuid.UUID]selection.Selection
	items       map[uuid.UUID]selection.Item
	commissions map[uuid.UUID]commission.Commission
	byOrder     map[uuid.UUID]uuid.UUID
	requests    map[uuid.UUID]settlement.PaymentRequest
	// requestItems keeps insertion order per request.
	requestItems map[uuid.UUID][]requestItem
	requestSeq   int64
}

// New returns an empty database.
func New() *DB {
	return &DB{
		affiliates:   make(map[uuid.UUID]affiliate.Affiliate),
		products:     make(map[uuid.UUID]selection.Product),
		selections:   make(map[uuid.UUID]selection.Selection),
		items:        make(map[uuid.UUID]selection.Item),
		commissions:  make(map[uuid.UUID]commission.Commission),
		byOrder:      make(map[uuid.UUID]uuid.UUID),
		requests:     make(map[uuid.UUID]settlement.PaymentRequest),
		requestItems: make(map[uuid.UUID][]requestItem),
	}
}

// Affiliates returns the affiliate.Store view.
func (db *DB) Affiliates() affiliate.Store { return affiliateStore{db} }

// Selections returns the selection.Store view.
func (db *DB) Selections() selection.Store { return selectionStore{db} }

// Commissions returns the commission.Store view.
func (db *DB) Commissions() commission.Store { return commissionStore{db} }

// Settlement returns the settlement.Store view.
func (db *DB) Settlement() settlement.Store { return settlementStore{db} }

// PutAffiliate inserts or replaces an affiliate.
func (db *DB) PutAffiliate(a affiliate.Affiliate) affiliate.Affiliate {
	db.mu.Lock()
	defer db.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	db.affiliates[a.ID] = a
	return a
}

// PutProduct inserts or replaces a product. Replacing simulates a catalog price change.
func (db *DB) PutProduct(p selection.Product) selection.Product {
	db.mu.Lock()
	defer db.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	db.products[p.ID] = p
	return p
}

// PutSelection inserts or replaces a selection.
func (db *DB) PutSelection(s selection.Selection) selection.Selection {
	db.mu.Lock()
	defer db.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	db.selections[s.ID] = s
	return s
}

func copyCommission(c commission.Commission) commission.Commission {
	if c.Lines != nil {
		c.Lines = append([]commission.Line(nil), c.Lines...)
	}
	return c
}
