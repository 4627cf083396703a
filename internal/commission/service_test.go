package commission_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/commission-engine/internal/affiliate"
	"github.com/noah-isme/commission-engine/internal/cache"
	"github.com/noah-isme/commission-engine/internal/commission"
	"github.com/noah-isme/commission-engine/internal/events"
	"github.com/noah-isme/commission-engine/internal/memstore"
	"github.com/noah-isme/commission-engine/internal/settlement"
)

type env struct {
	db        *memstore.DB
	svc       *commission.Service
	events    *events.MemoryStore
	mr        *miniredis.Miniredis
	affiliate affiliate.Affiliate
}

func newEnv(t *testing.T) env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db := memstore.New()
	a := db.PutAffiliate(affiliate.Affiliate{Name: "Ada", Email: "ada@example.com"})
	store := &events.MemoryStore{}
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	svc := &commission.Service{
		Store:      db.Commissions(),
		Affiliates: db.Affiliates(),
		Defaults: affiliate.Defaults{
			MinMargin:             decimal.NewFromInt(1),
			PlatformRate:          decimal.NewFromInt(5),
			BufferRate:            decimal.NewFromInt(5),
			PublicPriceMultiplier: decimal.RequireFromString("1.5"),
		},
		DefaultTaxRate: decimal.RequireFromString("0.20"),
		Cache:          cache.New(client, time.Minute),
		Events:         &events.Bus{Store: store},
		Logger:         zerolog.Nop(),
		Now:            func() time.Time { return now },
	}
	return env{db: db, svc: svc, events: store, mr: mr, affiliate: a}
}

func orderEvent(affiliateID uuid.UUID, status string) commission.OrderEvent {
	return commission.OrderEvent{
		OrderID:     uuid.New(),
		OrderNumber: "ORD-1001",
		AffiliateID: affiliateID,
		Status:      status,
		Lines: []commission.OrderLine{{
			Quantity:          1,
			BasePriceHt:       decimal.NewFromInt(100),
			MarginRateApplied: decimal.NewFromInt(20),
			SellingPriceHt:    decimal.NewFromInt(125),
		}},
	}
}

func TestHandleOrderEventIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ev := orderEvent(e.affiliate.ID, "validated")

	first, err := e.svc.HandleOrderEvent(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, commission.ActionCreated, first.Action)
	require.Equal(t, commission.StatusPending, first.Commission.Status)
	require.Equal(t, "25", first.Commission.AffiliateCommission.String())
	require.Equal(t, "30", first.Commission.AffiliateCommissionTtc.String())
	require.Equal(t, "5", first.Commission.PlatformCommission.String())

	ev.Status = "shipped"
	second, err := e.svc.HandleOrderEvent(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, commission.ActionNoop, second.Action)
	require.Equal(t, first.Commission.ID, second.Commission.ID)

	_, total, err := e.svc.List(ctx, e.affiliate.ID, commission.Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, e.events.Events(events.TopicCommissionCreated), 1)
}

func TestPaidOrderValidatesCommission(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ev := orderEvent(e.affiliate.ID, "paid")

	out, err := e.svc.HandleOrderEvent(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, commission.ActionValidated, out.Action)
	require.Equal(t, commission.StatusValidated, out.Commission.Status)
	require.NotNil(t, out.Commission.ValidatedAt)

	again, err := e.svc.HandleOrderEvent(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, commission.ActionNoop, again.Action)
}

func TestCancelledOrderCancelsCommission(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ev := orderEvent(e.affiliate.ID, "validated")
	_, err := e.svc.HandleOrderEvent(ctx, ev)
	require.NoError(t, err)

	ev.Status = "refunded"
	out, err := e.svc.HandleOrderEvent(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, commission.ActionCancelled, out.Action)
	require.Equal(t, commission.StatusCancelled, out.Commission.Status)

	// terminal states absorb further events
	out, err = e.svc.HandleOrderEvent(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, commission.ActionNoop, out.Action)

	_, err = e.svc.Validate(ctx, out.Commission.ID)
	require.ErrorIs(t, err, commission.ErrInvalidTransition)
}

func TestUnknownStatusIsIgnoredAndUnknownOrderCancelIsNoop(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	out, err := e.svc.HandleOrderEvent(ctx, orderEvent(e.affiliate.ID, "on_hold"))
	require.NoError(t, err)
	require.Equal(t, commission.ActionIgnored, out.Action)

	out, err = e.svc.HandleOrderEvent(ctx, orderEvent(e.affiliate.ID, "cancelled"))
	require.NoError(t, err)
	require.Equal(t, commission.ActionNoop, out.Action)

	_, err = e.svc.HandleOrderEvent(ctx, commission.OrderEvent{Status: "validated"})
	require.ErrorIs(t, err, commission.ErrInvalidEvent)
}

func TestCancellingGroupedCommissionShrinksRequest(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	var ids []uuid.UUID
	for i := 0; i < 2; i++ {
		out, err := e.svc.HandleOrderEvent(ctx, orderEvent(e.affiliate.ID, "paid"))
		require.NoError(t, err)
		ids = append(ids, out.Commission.ID)
	}
	requests := e.db.Settlement()
	req, err := requests.CreateRequest(ctx, settlement.CreateParams{
		ID: uuid.New(), AffiliateID: e.affiliate.ID, CommissionIDs: ids, At: time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, "60", req.TotalAmountTtc.String())

	res, err := e.svc.Cancel(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, commission.StatusRequested, res.Previous)
	require.True(t, res.DetachedFrom.Valid)
	require.False(t, res.RequestCancelled)
	require.False(t, res.Commission.PaymentRequestID.Valid)

	req, err = requests.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, "30", req.TotalAmountTtc.String())
	require.Len(t, req.Commissions, 1)
	require.True(t, req.TotalAmountTtc.Equal(settlement.SumTtc(req.Commissions)))

	res, err = e.svc.Cancel(ctx, ids[1])
	require.NoError(t, err)
	require.True(t, res.RequestCancelled)
	req, err = requests.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, settlement.StatusCancelled, req.Status)
	require.Len(t, e.events.Events(events.TopicPaymentRequestCancelled), 1)
}

func TestSummaryIsCachedAndInvalidated(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	out, err := e.svc.HandleOrderEvent(ctx, orderEvent(e.affiliate.ID, "validated"))
	require.NoError(t, err)

	sum, err := e.svc.Summary(ctx, e.affiliate.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, sum.Pending.Count)
	require.True(t, e.mr.Exists(cache.KeyCommissionSummary(e.affiliate.ID)))

	_, err = e.svc.Validate(ctx, out.Commission.ID)
	require.NoError(t, err)
	require.False(t, e.mr.Exists(cache.KeyCommissionSummary(e.affiliate.ID)))

	sum, err = e.svc.Summary(ctx, e.affiliate.ID)
	require.NoError(t, err)
	require.Zero(t, sum.Pending.Count)
	require.EqualValues(t, 1, sum.Validated.Count)
	require.Equal(t, "30", sum.Validated.AmountTtc.String())
	require.Equal(t, "30", sum.Total.AmountTtc.String())

	// the aggregate matches a recount of the listing
	items, _, err := e.svc.List(ctx, e.affiliate.ID, commission.Filter{Status: commission.StatusValidated})
	require.NoError(t, err)
	recount := decimal.Zero
	for _, c := range items {
		recount = recount.Add(c.AffiliateCommissionTtc)
	}
	require.True(t, recount.Equal(sum.Validated.AmountTtc))
}

func TestGetHidesOtherAffiliates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	out, err := e.svc.HandleOrderEvent(ctx, orderEvent(e.affiliate.ID, "validated"))
	require.NoError(t, err)

	_, err = e.svc.Get(ctx, uuid.New(), out.Commission.ID)
	require.ErrorIs(t, err, commission.ErrNotFound)
	c, err := e.svc.Get(ctx, uuid.Nil, out.Commission.ID)
	require.NoError(t, err)
	require.Len(t, c.Lines, 1)
}
