package cache

import "github.com/google/uuid"

// KeyCommissionSummary is the cache key of an affiliate's commission aggregate.
func KeyCommissionSummary(affiliateID uuid.UUID) string {
	return "commission:summary:" + affiliateID.String()
}
