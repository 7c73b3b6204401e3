// Package valuation derives fair value from historical sales and assigns
// rarity tiers to individual items.
package valuation

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/giftscan/giftscan/internal/models"
)

// DefaultLookbackDays is the sale history window for fair value.
const DefaultLookbackDays = 30

// Serials collectors pay up for regardless of supply position.
var beautifulSerials = map[int]struct{}{
	777: {}, 420: {}, 1234: {}, 5555: {}, 6969: {}, 8888: {},
}

// Tier assigns the rarity tier for an item. First matching rule wins:
// no serial, low serial or black backdrop, sub-1000, beautiful serial,
// sub-5000, common.
func Tier(serial *int, attrs models.Attributes) models.RarityTier {
	if serial == nil {
		return models.TierUnknown
	}
	n := *serial
	if n < 100 || attrs[models.AttrBackdrop] == "Black" {
		return models.TierUltraRare
	}
	if n < 1000 {
		return models.TierRare
	}
	if _, ok := beautifulSerials[n]; ok || allSameDigits(n) {
		return models.TierRare
	}
	if n < 5000 {
		return models.TierUncommon
	}
	return models.TierCommon
}

func allSameDigits(n int) bool {
	s := strconv.Itoa(n)
	if len(s) < 2 {
		return true
	}
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}

// Confidence scores how much to trust a fair value, in [0, 1]. Volume
// builds trust, recent sales add a bonus, staleness beyond two weeks
// decays it.
func Confidence(saleCount, recentCount int, daysSinceLast float64) float64 {
	c := minf(float64(saleCount)/10, 1)
	c += minf(float64(recentCount)/3, 0.3)
	if penalty := (daysSinceLast - 14) / 16; penalty > 0 {
		c -= penalty
	}
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// FairValue is the sale-history summary for one (slug, tier) pair.
type FairValue struct {
	Median      decimal.Decimal
	Mean        decimal.Decimal
	SaleCount   int
	RecentCount int
	LastDaysAgo float64
	Confidence  float64
}

// Compute summarizes a sale history. Returns false when the history is
// empty.
func Compute(sales []models.Sale, now time.Time) (FairValue, bool) {
	if len(sales) == 0 {
		return FairValue{}, false
	}

	prices := make([]decimal.Decimal, 0, len(sales))
	sum := decimal.Zero
	recent := 0
	last := sales[0].DetectedAt
	weekAgo := now.AddDate(0, 0, -7)

	for _, s := range sales {
		prices = append(prices, s.Price)
		sum = sum.Add(s.Price)
		if s.DetectedAt.After(weekAgo) {
			recent++
		}
		if s.DetectedAt.After(last) {
			last = s.DetectedAt
		}
	}

	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })

	lastDays := now.Sub(last).Hours() / 24
	if lastDays < 0 {
		lastDays = 0
	}

	return FairValue{
		Median:      median(prices),
		Mean:        sum.Div(decimal.NewFromInt(int64(len(prices)))),
		SaleCount:   len(prices),
		RecentCount: recent,
		LastDaysAgo: lastDays,
		Confidence:  Confidence(len(prices), recent, lastDays),
	}, true
}

// median expects prices sorted ascending.
func median(prices []decimal.Decimal) decimal.Decimal {
	n := len(prices)
	if n%2 == 1 {
		return prices[n/2]
	}
	return prices[n/2-1].Add(prices[n/2]).Div(decimal.NewFromInt(2))
}

// SalesReader is the slice of the store the engine needs.
type SalesReader interface {
	SalesSince(ctx context.Context, slug string, tier models.RarityTier, since time.Time) ([]models.Sale, error)
}

// Engine answers fair-value queries against recorded sales.
type Engine struct {
	sales SalesReader
	log   zerolog.Logger

	now func() time.Time
}

func NewEngine(sales SalesReader, log zerolog.Logger) *Engine {
	return &Engine{
		sales: sales,
		log:   log.With().Str("component", "valuation").Logger(),
		now:   time.Now,
	}
}

// FairValue summarizes sales for (slug, tier) inside the lookback window.
// Returns nil when no sales exist in the window.
func (e *Engine) FairValue(ctx context.Context, slug string, tier models.RarityTier, lookbackDays int) (*FairValue, error) {
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	now := e.now()
	sales, err := e.sales.SalesSince(ctx, slug, tier, now.AddDate(0, 0, -lookbackDays))
	if err != nil {
		return nil, err
	}
	fv, ok := Compute(sales, now)
	if !ok {
		return nil, nil
	}
	e.log.Debug().
		Str("slug", slug).
		Str("tier", string(tier)).
		Int("sales", fv.SaleCount).
		Float64("confidence", fv.Confidence).
		Msg("fair value computed")
	return &fv, nil
}
