package stats

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giftscan/giftscan/internal/models"
	"github.com/giftscan/giftscan/internal/store"
)

func TestTrend(t *testing.T) {
	cases := []struct {
		name   string
		floors []float64
		want   string
	}{
		{"too few points", []float64{100, 100, 100, 100, 100}, "unknown"},
		{"flat", []float64{100, 100, 100, 100, 100, 100}, "stable"},
		{"up", []float64{100, 100, 100, 110, 110, 110}, "up"},
		{"down", []float64{100, 100, 100, 90, 90, 90}, "down"},
		{"within threshold", []float64{100, 100, 100, 104, 104, 104}, "stable"},
		{"exactly five percent stays stable", []float64{100, 100, 100, 105, 105, 105}, "stable"},
		{"zero old median", []float64{0, 0, 0, 50, 50, 50}, "unknown"},
		{"medians ignore outliers", []float64{100, 500, 100, 110, 110, 110}, "up"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Trend(tc.floors))
		})
	}
}

func TestLiquidity(t *testing.T) {
	assert.Equal(t, 0.5, Liquidity(5, 10))
	assert.Equal(t, 1.0, Liquidity(20, 10), "clipped at 1.0")
	assert.Equal(t, 0.0, Liquidity(0, 10))
	assert.Equal(t, 1.0, Liquidity(3, 0), "zero active listings must not divide by zero")
}

func listing(slug string, tier models.RarityTier, price int64) models.Listing {
	return models.Listing{
		ItemID:      slug + "-" + string(tier) + "-" + decimal.NewFromInt(price).String(),
		GiftSlug:    slug,
		Tier:        tier,
		Price:       decimal.NewFromInt(price),
		Marketplace: "Tonnel",
	}
}

func sale(slug string, price int64, detectedAt time.Time) models.Sale {
	return models.Sale{
		GiftSlug:    slug,
		ItemID:      "sold-" + slug,
		Tier:        models.TierCommon,
		Price:       decimal.NewFromInt(price),
		Marketplace: "Tonnel",
		DetectedAt:  detectedAt,
	}
}

func tierSale(slug string, tier models.RarityTier, price int64, detectedAt time.Time) models.Sale {
	s := sale(slug, price, detectedAt)
	s.Tier = tier
	return s
}

func TestCompute(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	listings := []models.Listing{
		listing("lollipop", models.TierCommon, 100),
		listing("lollipop", models.TierCommon, 120),
		listing("lollipop", models.TierRare, 250),
		listing("lollipop", models.TierUltraRare, 600),
	}
	sales := []models.Sale{
		sale("lollipop", 110, now.Add(-2*24*time.Hour)),
		sale("lollipop", 90, now.Add(-4*24*time.Hour)),
		sale("lollipop", 130, now.Add(-20*24*time.Hour)), // outside the 7d window
	}

	cs := Compute("lollipop", "Lollipop", listings, sales, now)

	assert.Equal(t, 4, cs.ActiveListings)
	require.NotNil(t, cs.FloorPrice)
	assert.True(t, cs.FloorPrice.Equal(decimal.NewFromInt(100)))
	require.NotNil(t, cs.AvgListingPrice)
	assert.True(t, cs.AvgListingPrice.Equal(decimal.RequireFromString("267.5")))

	assert.Equal(t, 2, cs.Sales7d)
	assert.Equal(t, 3, cs.Sales30d)
	require.NotNil(t, cs.AvgSalePrice7d)
	assert.True(t, cs.AvgSalePrice7d.Equal(decimal.NewFromInt(100)))
	require.NotNil(t, cs.MedianSalePrice7d)
	assert.True(t, cs.MedianSalePrice7d.Equal(decimal.NewFromInt(100)))

	require.NotNil(t, cs.LastSaleDaysAgo)
	assert.Equal(t, 2, *cs.LastSaleDaysAgo)

	assert.Equal(t, 0.5, cs.LiquidityScore)
	require.NotNil(t, cs.DaysOfInventory)
	assert.InDelta(t, 14.0, *cs.DaysOfInventory, 1e-9, "4 active / (2 sales / 7 days)")
}

func TestComputeNoSalesLeavesInventoryUnbounded(t *testing.T) {
	now := time.Now()
	cs := Compute("snowman", "Snowman", []models.Listing{listing("snowman", models.TierCommon, 50)}, nil, now)

	assert.Nil(t, cs.DaysOfInventory)
	assert.Nil(t, cs.LastSaleDaysAgo)
	assert.Nil(t, cs.AvgSalePrice7d)
	assert.Equal(t, 0.0, cs.LiquidityScore)
}

func TestComputeRarityBreakdown(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	listings := []models.Listing{
		listing("lollipop", models.TierCommon, 100),
		listing("lollipop", models.TierRare, 250),
		listing("lollipop", models.TierRare, 300),
		listing("lollipop", models.TierUltraRare, 600),
	}
	sales := []models.Sale{
		tierSale("lollipop", models.TierRare, 240, now.Add(-2*24*time.Hour)),
		tierSale("lollipop", models.TierRare, 280, now.Add(-10*24*time.Hour)),
		tierSale("lollipop", models.TierRare, 260, now.Add(-25*24*time.Hour)),
	}
	cs := Compute("lollipop", "Lollipop", listings, sales, now)

	require.Len(t, cs.RarityBreakdown, 3)
	ultra := cs.RarityBreakdown[0]
	assert.Equal(t, models.TierUltraRare, ultra.Tier, "rarest first")
	require.NotNil(t, ultra.PremiumVsCommon)
	assert.InDelta(t, 6.0, *ultra.PremiumVsCommon, 1e-9)
	assert.Equal(t, 0, ultra.Sales30d, "no ultra sales in the window")
	assert.Nil(t, ultra.MedianSalePrice30d)

	rare := cs.RarityBreakdown[1]
	assert.Equal(t, models.TierRare, rare.Tier)
	assert.Equal(t, 2, rare.ActiveListings)
	assert.True(t, rare.FloorPrice.Equal(decimal.NewFromInt(250)), "tier floor is the cheapest rare")
	require.NotNil(t, rare.PremiumVsCommon)
	assert.InDelta(t, 2.5, *rare.PremiumVsCommon, 1e-9)
	assert.Equal(t, 3, rare.Sales30d)
	require.NotNil(t, rare.MedianSalePrice30d)
	assert.True(t, rare.MedianSalePrice30d.Equal(decimal.NewFromInt(260)))

	common := cs.RarityBreakdown[2]
	assert.Equal(t, models.TierCommon, common.Tier)
	assert.Nil(t, common.PremiumVsCommon, "common has no premium over itself")
	assert.Equal(t, 0, common.Sales30d)
}

func TestComputeRarityBreakdownSoldOutTier(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	listings := []models.Listing{listing("lollipop", models.TierCommon, 100)}
	sales := []models.Sale{tierSale("lollipop", models.TierUltraRare, 900, now.Add(-24*time.Hour))}

	cs := Compute("lollipop", "Lollipop", listings, sales, now)

	require.Len(t, cs.RarityBreakdown, 2)
	ultra := cs.RarityBreakdown[0]
	assert.Equal(t, models.TierUltraRare, ultra.Tier)
	assert.Equal(t, 0, ultra.ActiveListings, "the tier row survives on sales alone")
	assert.Equal(t, 1, ultra.Sales30d)
	require.NotNil(t, ultra.MedianSalePrice30d)
	assert.True(t, ultra.MedianSalePrice30d.Equal(decimal.NewFromInt(900)))
	assert.Nil(t, ultra.PremiumVsCommon, "no premium without a live floor")
}

type fakeReader struct {
	gifts    []models.Gift
	listings map[string][]models.Listing
	sales    map[string][]models.Sale
	series   map[string][]store.FloorPoint
}

func (f *fakeReader) Gifts(context.Context) ([]models.Gift, error) { return f.gifts, nil }

func (f *fakeReader) ActiveListingsFor(_ context.Context, slug string) ([]models.Listing, error) {
	return f.listings[slug], nil
}

func (f *fakeReader) SalesForSlugSince(_ context.Context, slug string, _ time.Time) ([]models.Sale, error) {
	return f.sales[slug], nil
}

func (f *fakeReader) FloorSeries(_ context.Context, slug string, _ time.Time) ([]store.FloorPoint, error) {
	return f.series[slug], nil
}

func TestStatsAllSortsByLiquidity(t *testing.T) {
	now := time.Now()
	db := &fakeReader{
		gifts: []models.Gift{
			{Slug: "slowmover", Name: "Slow Mover"},
			{Slug: "hotcake", Name: "Hot Cake"},
		},
		listings: map[string][]models.Listing{
			"slowmover": {listing("slowmover", models.TierCommon, 40)},
			"hotcake":   {listing("hotcake", models.TierCommon, 80)},
		},
		sales: map[string][]models.Sale{
			"hotcake": {sale("hotcake", 85, now.Add(-time.Hour))},
		},
	}
	svc := NewService(db, zerolog.Nop())

	all, err := svc.StatsAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "hotcake", all[0].Slug, "the liquid collection ranks first")
	assert.Equal(t, "unknown", all[0].PriceTrend7d, "no floor series yet")
}

func TestStatsForFeedsFloorSeriesIntoTrend(t *testing.T) {
	db := &fakeReader{
		listings: map[string][]models.Listing{"lollipop": {listing("lollipop", models.TierCommon, 112)}},
		series: map[string][]store.FloorPoint{
			"lollipop": {
				{Floor: 100}, {Floor: 100}, {Floor: 100},
				{Floor: 112}, {Floor: 112}, {Floor: 112},
			},
		},
	}
	svc := NewService(db, zerolog.Nop())

	cs, err := svc.StatsFor(context.Background(), "lollipop", "Lollipop")
	require.NoError(t, err)
	assert.Equal(t, "up", cs.PriceTrend7d)
}
