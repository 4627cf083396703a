package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, d(want).Equal(got), "want %s got %s", want, got)
}

func defaultInput(base string) BoundsInput {
	return BoundsInput{
		BasePriceHt:           d(base),
		PlatformRate:          d("5"),
		MinMargin:             d("1"),
		BufferRate:            d("5"),
		PublicPriceMultiplier: d("1.5"),
	}
}

func TestComputeSellingPriceExample(t *testing.T) {
	q, err := ComputeSellingPrice(d("100.00"), d("20"))
	require.NoError(t, err)
	requireDecimal(t, "125.00", q.SellingPriceHt)
	requireDecimal(t, "25.00", q.GainHt)
}

func TestComputeSellingPriceRoundsOnce(t *testing.T) {
	q, err := ComputeSellingPrice(d("10"), d("33.3"))
	require.NoError(t, err)
	// 10 / 0.667 = 14.9925...
	requireDecimal(t, "14.99", q.SellingPriceHt)
	requireDecimal(t, "4.99", q.GainHt)
}

func TestComputeSellingPriceRejectsInvalidMargin(t *testing.T) {
	for _, rate := range []string{"100", "150", "-0.1"} {
		_, err := ComputeSellingPrice(d("10"), d(rate))
		require.ErrorIs(t, err, ErrInvalidMargin, rate)
	}
	_, err := ComputeSellingPrice(d("-1"), d("10"))
	require.ErrorIs(t, err, ErrInvalidBasePrice)
}

func TestComputeSellingPriceProperties(t *testing.T) {
	bases := []string{"1", "9.99", "19.90", "100", "1234.56", "99999.99"}
	rates := []string{"1", "5", "12.5", "33.3", "50", "75.5", "99", "99.9"}
	for _, b := range bases {
		for _, r := range rates {
			first, err := ComputeSellingPrice(d(b), d(r))
			require.NoError(t, err)
			second, err := ComputeSellingPrice(d(b), d(r))
			require.NoError(t, err)

			require.True(t, first.SellingPriceHt.GreaterThan(d(b)), "%s @ %s", b, r)
			require.True(t, first.GainHt.Equal(first.SellingPriceHt.Sub(d(b))))
			require.Equal(t, first.SellingPriceHt.String(), second.SellingPriceHt.String())
			require.Equal(t, first.GainHt.String(), second.GainHt.String())
		}
	}
}

func TestComputeMarginBoundsWorkedExample(t *testing.T) {
	b, err := ComputeMarginBounds(defaultInput("100"))
	require.NoError(t, err)
	requireDecimal(t, "1", b.Min)
	requireDecimal(t, "35.7", b.Max)
	requireDecimal(t, "12.6", b.GreenEnd)
	requireDecimal(t, "24.1", b.OrangeEnd)
	requireDecimal(t, "12.6", b.Suggested)
}

func TestComputeMarginBoundsPublicPriceOverride(t *testing.T) {
	in := defaultInput("100")
	in.PublicPriceHt = d("120")
	b, err := ComputeMarginBounds(in)
	require.NoError(t, err)
	requireDecimal(t, "8.6", b.Max)
}

func TestComputeMarginBoundsCollapsesToFloor(t *testing.T) {
	in := defaultInput("100")
	in.PublicPriceHt = d("100")
	b, err := ComputeMarginBounds(in)
	require.NoError(t, err)
	requireDecimal(t, "1", b.Max)
	requireDecimal(t, "1", b.GreenEnd)
	requireDecimal(t, "1", b.OrangeEnd)
	require.True(t, b.Contains(d("1")))
	require.False(t, b.Contains(d("1.1")))
}

func TestComputeMarginBoundsAffiliateCap(t *testing.T) {
	in := defaultInput("100")
	in.MaxMarginRate = decimal.NewNullDecimal(d("20"))
	b, err := ComputeMarginBounds(in)
	require.NoError(t, err)
	requireDecimal(t, "20", b.Max)
	requireDecimal(t, "7.3", b.GreenEnd)
	requireDecimal(t, "13.7", b.OrangeEnd)

	in.MaxMarginRate = decimal.NewNullDecimal(d("0.5"))
	b, err = ComputeMarginBounds(in)
	require.NoError(t, err)
	requireDecimal(t, "1", b.Max)
}

func TestComputeMarginBoundsHighMultiplierStaysBelowHundred(t *testing.T) {
	in := defaultInput("100")
	in.PublicPriceMultiplier = d("1000")
	b, err := ComputeMarginBounds(in)
	require.NoError(t, err)
	requireDecimal(t, "99.9", b.Max)
	_, err = ComputeSellingPrice(d("100"), b.Max)
	require.NoError(t, err)
}

func TestComputeMarginBoundsOrdering(t *testing.T) {
	bases := []string{"0.5", "3", "19.99", "100", "2500"}
	platform := []string{"0", "5", "15", "40"}
	floors := []string{"0", "1", "7.25", "30"}
	for _, base := range bases {
		for _, p := range platform {
			for _, f := range floors {
				in := defaultInput(base)
				in.PlatformRate = d(p)
				in.MinMargin = d(f)
				b, err := ComputeMarginBounds(in)
				require.NoError(t, err)
				require.True(t, b.Min.LessThanOrEqual(b.GreenEnd), "%+v", b)
				require.True(t, b.GreenEnd.LessThanOrEqual(b.OrangeEnd), "%+v", b)
				require.True(t, b.OrangeEnd.LessThanOrEqual(b.Max), "%+v", b)
			}
		}
	}
}

func TestComputeMarginBoundsRejectsBadInput(t *testing.T) {
	_, err := ComputeMarginBounds(defaultInput("0"))
	require.ErrorIs(t, err, ErrInvalidBasePrice)

	in := defaultInput("10")
	in.PlatformRate = d("-1")
	_, err = ComputeMarginBounds(in)
	require.ErrorIs(t, err, ErrInvalidRate)
}

func TestBoundsZone(t *testing.T) {
	b, err := ComputeMarginBounds(defaultInput("100"))
	require.NoError(t, err)
	require.Equal(t, ZoneGreen, b.Zone(d("5")))
	require.Equal(t, ZoneGreen, b.Zone(d("12.6")))
	require.Equal(t, ZoneOrange, b.Zone(d("20")))
	require.Equal(t, ZoneRed, b.Zone(d("30")))
}
