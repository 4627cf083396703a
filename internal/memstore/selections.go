package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/commission-engine/internal/selection"
)

type selectionStore struct{ db *DB }

func (s selectionStore) GetSelection(_ context.Context, id uuid.UUID) (selection.Selection, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	sel, ok := s.db.selections[id]
	if !ok {
		return selection.Selection{}, selection.ErrNotFound
	}
	return sel, nil
}

func (s selectionStore) GetProduct(_ context.Context, id uuid.UUID) (selection.Product, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	p, ok := s.db.products[id]
	if !ok {
		return selection.Product{}, selection.ErrNotFound
	}
	return p, nil
}

func (s selectionStore) GetItem(_ context.Context, id uuid.UUID) (selection.Snapshot, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.snapshot(id)
}

func (s selectionStore) snapshot(id uuid.UUID) (selection.Snapshot, error) {
	it, ok := s.db.items[id]
	if !ok {
		return selection.Snapshot{}, selection.ErrNotFound
	}
	sel, ok := s.db.selections[it.SelectionID]
	if !ok {
		return selection.Snapshot{}, selection.ErrNotFound
	}
	p, ok := s.db.products[it.ProductID]
	if !ok {
		return selection.Snapshot{}, selection.ErrNotFound
	}
	return selection.Snapshot{Item: it, AffiliateID: sel.AffiliateID, Product: p}, nil
}

func (s selectionStore) ListItems(_ context.Context, selectionID uuid.UUID) ([]selection.Item, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	out := make([]selection.Item, 0)
	for _, it := range s.db.items {
		if it.SelectionID == selectionID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s selectionStore) InsertItem(_ context.Context, item selection.Item) (selection.Item, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.selections[item.SelectionID]; !ok {
		return selection.Item{}, selection.ErrNotFound
	}
	position := 0
	for _, it := range s.db.items {
		if it.SelectionID != item.SelectionID {
			continue
		}
		if it.ProductID == item.ProductID {
			return selection.Item{}, selection.ErrDuplicate
		}
		if it.Position >= position {
			position = it.Position + 1
		}
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	now := time.Now().UTC()
	item.Position = position
	item.CreatedAt, item.UpdatedAt = now, now
	s.db.items[item.ID] = item
	return item, nil
}

func (s selectionStore) DeleteItem(_ context.Context, id uuid.UUID) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.items[id]; !ok {
		return selection.ErrNotFound
	}
	delete(s.db.items, id)
	return nil
}

func (s selectionStore) UpdateMargin(_ context.Context, id uuid.UUID, fn func(selection.Snapshot) (selection.Item, error)) (selection.Item, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	snap, err := s.snapshot(id)
	if err != nil {
		return selection.Item{}, err
	}
	next, err := fn(snap)
	if err != nil {
		return selection.Item{}, err
	}
	it := snap.Item
	it.BasePriceHt = next.BasePriceHt
	it.MarginRate = next.MarginRate
	it.SellingPriceHt = next.SellingPriceHt
	it.UpdatedAt = time.Now().UTC()
	s.db.items[id] = it
	return it, nil
}
