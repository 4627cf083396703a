package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/commission-engine/internal/affiliate"
	"github.com/noah-isme/commission-engine/internal/commission"
	"github.com/noah-isme/commission-engine/internal/memstore"
	"github.com/noah-isme/commission-engine/internal/settlement"
)

func seedValidated(t *testing.T, db *memstore.DB, affiliateID uuid.UUID, amount string) uuid.UUID {
	t.Helper()
	c, created, err := db.Commissions().Create(context.Background(), commission.Commission{
		OrderID:                uuid.New(),
		OrderNumber:            "ORD-" + uuid.NewString()[:8],
		AffiliateID:            affiliateID,
		AffiliateCommission:    decimal.RequireFromString(amount),
		AffiliateCommissionTtc: decimal.RequireFromString(amount),
		Status:                 commission.StatusValidated,
	})
	require.NoError(t, err)
	require.True(t, created)
	return c.ID
}

func TestCreateRequestLeavesStateUntouchedOnFailure(t *testing.T) {
	ctx := context.Background()
	db := memstore.New()
	a := db.PutAffiliate(affiliate.Affiliate{Name: "Ada", Email: "ada@example.com"})
	first := seedValidated(t, db, a.ID, "30")
	second := seedValidated(t, db, a.ID, "45")
	store := db.Settlement()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	req, err := store.CreateRequest(ctx, settlement.CreateParams{
		ID: uuid.New(), AffiliateID: a.ID, CommissionIDs: []uuid.UUID{first}, NumberPrefix: "PR", At: at,
	})
	require.NoError(t, err)

	// a reused request id would fold the earlier commissions into the new ledger
	_, err = store.CreateRequest(ctx, settlement.CreateParams{
		ID: req.ID, AffiliateID: a.ID, CommissionIDs: []uuid.UUID{second}, NumberPrefix: "PR", At: at,
	})
	require.ErrorIs(t, err, settlement.ErrInvariantViolation)

	c, err := db.Commissions().Get(ctx, second)
	require.NoError(t, err)
	require.Equal(t, commission.StatusValidated, c.Status)
	require.False(t, c.PaymentRequestID.Valid)

	got, err := store.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, "30", got.TotalAmountTtc.String())
	require.Equal(t, req.RequestNumber, got.RequestNumber)
	require.Len(t, got.Commissions, 1)
	require.Equal(t, first, got.Commissions[0].ID)

	next, err := store.CreateRequest(ctx, settlement.CreateParams{
		ID: uuid.New(), AffiliateID: a.ID, CommissionIDs: []uuid.UUID{second}, NumberPrefix: "PR", At: at,
	})
	require.NoError(t, err)
	require.Equal(t, "45", next.TotalAmountTtc.String())
	require.NotEqual(t, req.RequestNumber, next.RequestNumber)
}

func TestCreateRequestRejectsMixedSelectionWithoutGrouping(t *testing.T) {
	ctx := context.Background()
	db := memstore.New()
	a := db.PutAffiliate(affiliate.Affiliate{Name: "Ada", Email: "ada@example.com"})
	ok := seedValidated(t, db, a.ID, "10")
	pending, _, err := db.Commissions().Create(ctx, commission.Commission{
		OrderID: uuid.New(), AffiliateID: a.ID, AffiliateCommissionTtc: decimal.NewFromInt(5), Status: commission.StatusPending,
	})
	require.NoError(t, err)

	_, err = db.Settlement().CreateRequest(ctx, settlement.CreateParams{
		ID: uuid.New(), AffiliateID: a.ID, CommissionIDs: []uuid.UUID{ok, pending.ID}, At: time.Now().UTC(),
	})
	require.ErrorIs(t, err, settlement.ErrNotPayable)

	c, err := db.Commissions().Get(ctx, ok)
	require.NoError(t, err)
	require.Equal(t, commission.StatusValidated, c.Status)
	require.False(t, c.PaymentRequestID.Valid)
}
