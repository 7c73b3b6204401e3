package detector

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/giftscan/giftscan/internal/models"
	"github.com/giftscan/giftscan/internal/valuation"
)

// DefaultRareDiscount is the minimum relative discount for a rare-at-
// floor alert. The digest reuses the finder with a looser threshold.
const DefaultRareDiscount = 0.30

// RareAlertCooldown suppresses repeat alerts for one item.
const RareAlertCooldown = 4 * time.Hour

// Sales needed before a tier median outranks the premium heuristic.
const minSalesForMedian = 3

// defaultPremium is the expected price multiple over the common floor
// when a tier has no trustworthy sale history.
var defaultPremium = map[models.RarityTier]decimal.Decimal{
	models.TierUltraRare: decimal.RequireFromString("5.0"),
	models.TierRare:      decimal.RequireFromString("2.5"),
	models.TierUncommon:  decimal.RequireFromString("1.3"),
	models.TierCommon:    decimal.RequireFromString("1.0"),
}

// RareFloorDetector hunts rare and ultra-rare listings priced near the
// common-tier floor of their collection.
type RareFloorDetector struct {
	values FairValuer
	log    zerolog.Logger

	mu    sync.Mutex
	fired map[string]time.Time

	now func() time.Time
}

func NewRareFloorDetector(values FairValuer, log zerolog.Logger) *RareFloorDetector {
	return &RareFloorDetector{
		values: values,
		log:    log.With().Str("component", "rare_floor").Logger(),
		fired:  make(map[string]time.Time),
		now:    time.Now,
	}
}

// Detect runs once per tick over the active listings and applies the
// per-item cooldown.
func (d *RareFloorDetector) Detect(ctx context.Context, active []models.Listing) ([]Deal, error) {
	candidates, err := d.Find(ctx, active, DefaultRareDiscount)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()

	var out []Deal
	for _, deal := range candidates {
		if firedAt, ok := d.fired[deal.ItemID]; ok && now.Sub(firedAt) < RareAlertCooldown {
			continue
		}
		d.fired[deal.ItemID] = now
		out = append(out, deal)
	}

	// Drop expired cooldown entries so the map does not grow unbounded.
	for id, firedAt := range d.fired {
		if now.Sub(firedAt) >= RareAlertCooldown {
			delete(d.fired, id)
		}
	}

	return out, nil
}

// Find returns every rare/ultra-rare listing whose discount against its
// expected price meets the threshold. No cooldown; the digest calls this
// directly with its own threshold.
func (d *RareFloorDetector) Find(ctx context.Context, active []models.Listing, minDiscount float64) ([]Deal, error) {
	commonFloors := commonFloorBySlug(active)
	threshold := decimal.NewFromFloat(minDiscount)

	var out []Deal
	for _, l := range active {
		if l.Tier != models.TierRare && l.Tier != models.TierUltraRare {
			continue
		}
		if !l.Price.IsPositive() {
			continue
		}

		expected, err := d.expectedPrice(ctx, l, commonFloors[l.GiftSlug])
		if err != nil {
			return nil, err
		}
		if expected == nil || expected.LessThanOrEqual(l.Price) {
			continue
		}

		discount := expected.Sub(l.Price).Div(*expected)
		if discount.LessThan(threshold) {
			continue
		}

		out = append(out, Deal{
			ID:         uuid.New(),
			Kind:       KindRareAtFloor,
			Slug:       l.GiftSlug,
			Tier:       l.Tier,
			BuySource:  l.Marketplace,
			BuyPrice:   l.Price,
			SellSource: SellSourceMarketAvg,
			SellPrice:  *expected,
			Spread:     expected.Sub(l.Price),
			ItemID:     l.ItemID,
			Serial:     l.Serial,
			DetectedAt: d.now(),
		})
	}
	return out, nil
}

// expectedPrice is the tier's 30-day sale median when at least three
// sales back it, otherwise the common floor scaled by the tier premium.
func (d *RareFloorDetector) expectedPrice(ctx context.Context, l models.Listing, commonFloor *decimal.Decimal) (*decimal.Decimal, error) {
	fv, err := d.values.FairValue(ctx, l.GiftSlug, l.Tier, valuation.DefaultLookbackDays)
	if err != nil {
		return nil, err
	}
	if fv != nil && fv.SaleCount >= minSalesForMedian {
		return &fv.Median, nil
	}
	if commonFloor == nil {
		return nil, nil
	}
	expected := commonFloor.Mul(defaultPremium[l.Tier])
	return &expected, nil
}

func commonFloorBySlug(active []models.Listing) map[string]*decimal.Decimal {
	floors := make(map[string]*decimal.Decimal)
	for _, l := range active {
		if l.Tier != models.TierCommon || !l.Price.IsPositive() {
			continue
		}
		if cur := floors[l.GiftSlug]; cur == nil || l.Price.LessThan(*cur) {
			p := l.Price
			floors[l.GiftSlug] = &p
		}
	}
	return floors
}
