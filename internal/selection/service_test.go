package selection_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/commission-engine/internal/affiliate"
	"github.com/noah-isme/commission-engine/internal/memstore"
	"github.com/noah-isme/commission-engine/internal/pricing"
	"github.com/noah-isme/commission-engine/internal/selection"
)

type fixture struct {
	db        *memstore.DB
	svc       *selection.Service
	affiliate affiliate.Affiliate
	product   selection.Product
	selection selection.Selection
}

func newFixture(t *testing.T, a affiliate.Affiliate) fixture {
	t.Helper()
	db := memstore.New()
	a = db.PutAffiliate(a)
	product := db.PutProduct(selection.Product{Name: "Lamp", BasePriceHt: decimal.NewFromInt(100)})
	sel := db.PutSelection(selection.Selection{AffiliateID: a.ID, Name: "Spring"})
	svc := &selection.Service{
		Store:      db.Selections(),
		Affiliates: db.Affiliates(),
		Defaults: affiliate.Defaults{
			MinMargin:             decimal.NewFromInt(1),
			PlatformRate:          decimal.NewFromInt(5),
			BufferRate:            decimal.NewFromInt(5),
			PublicPriceMultiplier: decimal.RequireFromString("1.5"),
		},
		Logger: zerolog.Nop(),
	}
	return fixture{db: db, svc: svc, affiliate: a, product: product, selection: sel}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAddItemUsesSuggestedMarginWithoutDefault(t *testing.T) {
	f := newFixture(t, affiliate.Affiliate{Name: "Ada"})
	item, err := f.svc.AddItem(context.Background(), f.affiliate.ID, f.selection.ID, f.product.ID)
	require.NoError(t, err)
	require.Equal(t, "12.6", item.MarginRate.String())
	require.Equal(t, "114.42", item.SellingPriceHt.StringFixed(2))
	require.Zero(t, item.Position)

	_, err = f.svc.AddItem(context.Background(), f.affiliate.ID, f.selection.ID, f.product.ID)
	require.ErrorIs(t, err, selection.ErrDuplicate)
}

func TestAddItemHonoursDefaultMarginInsideBounds(t *testing.T) {
	f := newFixture(t, affiliate.Affiliate{Name: "Ada", DefaultMarginRate: decimal.NewNullDecimal(dec("20"))})
	item, err := f.svc.AddItem(context.Background(), f.affiliate.ID, f.selection.ID, f.product.ID)
	require.NoError(t, err)
	require.True(t, item.MarginRate.Equal(dec("20")))
	require.Equal(t, "125.00", item.SellingPriceHt.StringFixed(2))
}

func TestSetItemMarginAtMaximumRoundTrips(t *testing.T) {
	f := newFixture(t, affiliate.Affiliate{Name: "Ada"})
	ctx := context.Background()
	item, err := f.svc.AddItem(ctx, f.affiliate.ID, f.selection.ID, f.product.ID)
	require.NoError(t, err)

	before, err := f.svc.Bounds(ctx, f.affiliate.ID, item.ID)
	require.NoError(t, err)
	require.Equal(t, "35.7", before.Bounds.Max.String())

	updated, err := f.svc.SetItemMargin(ctx, f.affiliate.ID, item.ID, before.Bounds.Max)
	require.NoError(t, err)
	require.Equal(t, "155.52", updated.SellingPriceHt.StringFixed(2))

	after, err := f.svc.Bounds(ctx, f.affiliate.ID, item.ID)
	require.NoError(t, err)
	require.True(t, after.Bounds.Contains(after.Item.MarginRate))
	require.Equal(t, pricing.ZoneRed, after.Zone)

	quote, err := pricing.ComputeSellingPrice(after.Item.BasePriceHt, after.Item.MarginRate)
	require.NoError(t, err)
	require.True(t, quote.SellingPriceHt.Equal(after.Item.SellingPriceHt))
}

func TestSetItemMarginRejectsOutOfBounds(t *testing.T) {
	f := newFixture(t, affiliate.Affiliate{Name: "Ada"})
	ctx := context.Background()
	item, err := f.svc.AddItem(ctx, f.affiliate.ID, f.selection.ID, f.product.ID)
	require.NoError(t, err)

	for _, rate := range []string{"35.8", "0.5"} {
		_, err := f.svc.SetItemMargin(ctx, f.affiliate.ID, item.ID, dec(rate))
		require.ErrorIs(t, err, selection.ErrOutOfBounds, rate)
	}
	_, err = f.svc.SetItemMargin(ctx, f.affiliate.ID, item.ID, dec("100"))
	require.ErrorIs(t, err, pricing.ErrInvalidMargin)

	snap, err := f.db.Selections().GetItem(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, snap.Item.MarginRate.Equal(item.MarginRate), "rejected updates must not write")
}

func TestSetItemMarginUsesLiveProductPrice(t *testing.T) {
	f := newFixture(t, affiliate.Affiliate{Name: "Ada"})
	ctx := context.Background()
	item, err := f.svc.AddItem(ctx, f.affiliate.ID, f.selection.ID, f.product.ID)
	require.NoError(t, err)

	f.product.BasePriceHt = decimal.NewFromInt(200)
	f.db.PutProduct(f.product)

	updated, err := f.svc.SetItemMargin(ctx, f.affiliate.ID, item.ID, dec("30"))
	require.NoError(t, err)
	require.True(t, updated.BasePriceHt.Equal(decimal.NewFromInt(200)))
	require.Equal(t, "285.71", updated.SellingPriceHt.StringFixed(2))
}

func TestOwnershipIsEnforced(t *testing.T) {
	f := newFixture(t, affiliate.Affiliate{Name: "Ada"})
	ctx := context.Background()
	item, err := f.svc.AddItem(ctx, f.affiliate.ID, f.selection.ID, f.product.ID)
	require.NoError(t, err)
	stranger := uuid.New()

	_, err = f.svc.SetItemMargin(ctx, stranger, item.ID, dec("10"))
	require.ErrorIs(t, err, selection.ErrForbidden)
	_, err = f.svc.Bounds(ctx, stranger, item.ID)
	require.ErrorIs(t, err, selection.ErrForbidden)
	require.ErrorIs(t, f.svc.RemoveItem(ctx, stranger, item.ID), selection.ErrForbidden)
	_, err = f.svc.ListItems(ctx, stranger, f.selection.ID)
	require.ErrorIs(t, err, selection.ErrForbidden)

	// operators act on any selection
	_, err = f.svc.SetItemMargin(ctx, uuid.Nil, item.ID, dec("10"))
	require.NoError(t, err)
	require.NoError(t, f.svc.RemoveItem(ctx, uuid.Nil, item.ID))
	items, err := f.svc.ListItems(ctx, f.affiliate.ID, f.selection.ID)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestAffiliateCapNarrowsBounds(t *testing.T) {
	f := newFixture(t, affiliate.Affiliate{Name: "Ada", MaxMarginRate: decimal.NewNullDecimal(dec("20"))})
	b, err := f.svc.ProductBounds(context.Background(), f.affiliate.ID, f.product.ID)
	require.NoError(t, err)
	require.Equal(t, "20", b.Max.String())
	require.Equal(t, "7.3", b.GreenEnd.String())
	require.Equal(t, "13.7", b.OrangeEnd.String())
}
