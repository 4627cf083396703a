package memstore

import (
	"context"

	"github.com/google/uuid"

	"github.com/noah-isme/commission-engine/internal/affiliate"
)

type affiliateStore struct{ db *DB }

func (s affiliateStore) GetAffiliate(_ context.Context, id uuid.UUID) (affiliate.Affiliate, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.affiliates[id]
	if !ok {
		return affiliate.Affiliate{}, affiliate.ErrNotFound
	}
	return a, nil
}
