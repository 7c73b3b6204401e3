package detector

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giftscan/giftscan/internal/models"
	"github.com/giftscan/giftscan/internal/valuation"
)

func listing(id string, slug string, tier models.RarityTier, price int64) models.Listing {
	return models.Listing{
		ItemID:      id,
		GiftSlug:    slug,
		Tier:        tier,
		Price:       decimal.NewFromInt(price),
		Marketplace: "GetGems",
		FirstSeenAt: time.Now().Add(-time.Hour),
		LastSeenAt:  time.Now(),
	}
}

func TestRareAtFloorWithPremiumFallback(t *testing.T) {
	d := NewRareFloorDetector(&fakeValues{}, zerolog.Nop())

	active := []models.Listing{
		listing("c1", "plushpepe", models.TierCommon, 100),
		listing("r1", "plushpepe", models.TierRare, 120),
	}

	deals, err := d.Detect(context.Background(), active)
	require.NoError(t, err)
	require.Len(t, deals, 1)

	deal := deals[0]
	assert.Equal(t, KindRareAtFloor, deal.Kind)
	assert.Equal(t, "r1", deal.ItemID)
	// Expected = 100 common floor x 2.5 rare premium = 250; discount 52%.
	assert.True(t, deal.SellPrice.Equal(decimal.NewFromInt(250)), "got %s", deal.SellPrice)
	assert.True(t, deal.Spread.Equal(decimal.NewFromInt(130)))
}

func TestRareAtFloorCooldownSuppressesRepeat(t *testing.T) {
	d := NewRareFloorDetector(&fakeValues{}, zerolog.Nop())

	active := []models.Listing{
		listing("c1", "plushpepe", models.TierCommon, 100),
		listing("r1", "plushpepe", models.TierRare, 120),
	}

	first, err := d.Detect(context.Background(), active)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := d.Detect(context.Background(), active)
	require.NoError(t, err)
	assert.Empty(t, second, "repeat within the cooldown fires nothing")

	// After the cooldown lapses the alert may fire again.
	base := time.Now().Add(RareAlertCooldown + time.Minute)
	d.now = func() time.Time { return base }
	third, err := d.Detect(context.Background(), active)
	require.NoError(t, err)
	assert.Len(t, third, 1)
}

func TestRareAtFloorPrefersMedianWithEnoughSales(t *testing.T) {
	values := &fakeValues{values: map[string]*valuation.FairValue{
		"plushpepe/rare": {Median: decimal.NewFromInt(200), SaleCount: 5, Confidence: 0.5},
	}}
	d := NewRareFloorDetector(values, zerolog.Nop())

	active := []models.Listing{
		listing("c1", "plushpepe", models.TierCommon, 100),
		listing("r1", "plushpepe", models.TierRare, 120),
	}

	deals, err := d.Detect(context.Background(), active)
	require.NoError(t, err)
	require.Len(t, deals, 1)
	assert.True(t, deals[0].SellPrice.Equal(decimal.NewFromInt(200)), "median outranks the premium heuristic")
}

func TestRareAtFloorThinMedianFallsBack(t *testing.T) {
	values := &fakeValues{values: map[string]*valuation.FairValue{
		"plushpepe/rare": {Median: decimal.NewFromInt(200), SaleCount: 2, Confidence: 0.2},
	}}
	d := NewRareFloorDetector(values, zerolog.Nop())

	active := []models.Listing{
		listing("c1", "plushpepe", models.TierCommon, 100),
		listing("r1", "plushpepe", models.TierRare, 120),
	}

	deals, err := d.Detect(context.Background(), active)
	require.NoError(t, err)
	require.Len(t, deals, 1)
	assert.True(t, deals[0].SellPrice.Equal(decimal.NewFromInt(250)), "two sales are not enough to trust the median")
}

func TestRareAtFloorDiscountBelowThreshold(t *testing.T) {
	d := NewRareFloorDetector(&fakeValues{}, zerolog.Nop())

	// Expected 250, listed at 200: discount 20% < 30%.
	active := []models.Listing{
		listing("c1", "plushpepe", models.TierCommon, 100),
		listing("r1", "plushpepe", models.TierRare, 200),
	}

	deals, err := d.Detect(context.Background(), active)
	require.NoError(t, err)
	assert.Empty(t, deals)
}

func TestRareAtFloorLooserThresholdForDigest(t *testing.T) {
	d := NewRareFloorDetector(&fakeValues{}, zerolog.Nop())

	active := []models.Listing{
		listing("c1", "plushpepe", models.TierCommon, 100),
		listing("r1", "plushpepe", models.TierRare, 200),
	}

	deals, err := d.Find(context.Background(), active, 0.15)
	require.NoError(t, err)
	assert.Len(t, deals, 1, "20%% discount passes the digest's 15%% threshold")
}

func TestRareAtFloorNoCommonFloorNoHeuristic(t *testing.T) {
	d := NewRareFloorDetector(&fakeValues{}, zerolog.Nop())

	active := []models.Listing{listing("r1", "plushpepe", models.TierRare, 120)}

	deals, err := d.Detect(context.Background(), active)
	require.NoError(t, err)
	assert.Empty(t, deals, "no sales and no common floor leaves nothing to compare against")
}
