// Package stats computes per-collection market aggregates from the
// listing and sale tables: floors, sale velocity, liquidity, price
// trend and the rarity premium breakdown.
package stats

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/giftscan/giftscan/internal/models"
	"github.com/giftscan/giftscan/internal/store"
)

// TrendWindow is how far back the floor series reaches for the price
// trend.
const TrendWindow = 7 * 24 * time.Hour

// trendMinPoints is the minimum number of scan floors needed before the
// trend is anything but "unknown".
const trendMinPoints = 6

// trendThresholdPct separates "stable" from "up"/"down".
const trendThresholdPct = 5.0

// tierOrder fixes the breakdown order, rarest first.
var tierOrder = []models.RarityTier{
	models.TierUltraRare,
	models.TierRare,
	models.TierUncommon,
	models.TierCommon,
	models.TierUnknown,
}

// TierStats is one rarity bucket of a collection. Sale fields cover the
// trailing 30 days.
type TierStats struct {
	Tier               models.RarityTier `json:"tier"`
	ActiveListings     int               `json:"active_listings"`
	FloorPrice         decimal.Decimal   `json:"floor_price"`
	Sales30d           int               `json:"sales_30d"`
	MedianSalePrice30d *decimal.Decimal  `json:"median_sale_price_30d,omitempty"`
	PremiumVsCommon    *float64          `json:"premium_vs_common,omitempty"`
}

// CollectionStats is the full per-collection aggregate. Pointer fields
// are nil when the underlying data does not exist yet, never zero.
type CollectionStats struct {
	Slug              string           `json:"slug"`
	Name              string           `json:"name"`
	ActiveListings    int              `json:"active_listings"`
	FloorPrice        *decimal.Decimal `json:"floor_price,omitempty"`
	AvgListingPrice   *decimal.Decimal `json:"avg_listing_price,omitempty"`
	Sales7d           int              `json:"sales_7d"`
	Sales30d          int              `json:"sales_30d"`
	AvgSalePrice7d    *decimal.Decimal `json:"avg_sale_price_7d,omitempty"`
	MedianSalePrice7d *decimal.Decimal `json:"median_sale_price_7d,omitempty"`
	LastSaleDaysAgo   *int             `json:"last_sale_days_ago,omitempty"`
	LiquidityScore    float64          `json:"liquidity_score"`
	PriceTrend7d      string           `json:"price_trend_7d"`
	DaysOfInventory   *float64         `json:"days_of_inventory,omitempty"`
	RarityBreakdown   []TierStats      `json:"rarity_breakdown"`
}

// Reader is the slice of the store the stats service needs.
type Reader interface {
	Gifts(ctx context.Context) ([]models.Gift, error)
	ActiveListingsFor(ctx context.Context, slug string) ([]models.Listing, error)
	SalesForSlugSince(ctx context.Context, slug string, since time.Time) ([]models.Sale, error)
	FloorSeries(ctx context.Context, slug string, since time.Time) ([]store.FloorPoint, error)
}

// Service computes collection stats on demand. It holds no state beyond
// its dependencies; callers cache results if they need to.
type Service struct {
	db  Reader
	log zerolog.Logger
	now func() time.Time
}

func NewService(db Reader, log zerolog.Logger) *Service {
	return &Service{
		db:  db,
		log: log.With().Str("component", "stats").Logger(),
		now: time.Now,
	}
}

// StatsFor computes the aggregate for one collection.
func (s *Service) StatsFor(ctx context.Context, slug, name string) (*CollectionStats, error) {
	now := s.now()

	listings, err := s.db.ActiveListingsFor(ctx, slug)
	if err != nil {
		return nil, err
	}
	sales, err := s.db.SalesForSlugSince(ctx, slug, now.Add(-30*24*time.Hour))
	if err != nil {
		return nil, err
	}
	series, err := s.db.FloorSeries(ctx, slug, now.Add(-TrendWindow))
	if err != nil {
		return nil, err
	}

	floors := make([]float64, len(series))
	for i, p := range series {
		floors[i] = p.Floor
	}

	cs := Compute(slug, name, listings, sales, now)
	cs.PriceTrend7d = Trend(floors)
	return cs, nil
}

// StatsAll computes aggregates for every catalog gift, sorted by
// liquidity descending.
func (s *Service) StatsAll(ctx context.Context) ([]CollectionStats, error) {
	gifts, err := s.db.Gifts(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]CollectionStats, 0, len(gifts))
	for _, g := range gifts {
		cs, err := s.StatsFor(ctx, g.Slug, g.Name)
		if err != nil {
			s.log.Error().Err(err).Str("slug", g.Slug).Msg("stats computation failed, skipping collection")
			continue
		}
		out = append(out, *cs)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LiquidityScore > out[j].LiquidityScore
	})
	return out, nil
}

// Compute builds the aggregate from already-loaded rows. Pure apart from
// the passed clock value, which makes it directly testable.
func Compute(slug, name string, listings []models.Listing, sales30d []models.Sale, now time.Time) *CollectionStats {
	cs := &CollectionStats{
		Slug:         slug,
		Name:         name,
		PriceTrend7d: "unknown",
	}

	cs.ActiveListings = len(listings)
	if len(listings) > 0 {
		floor := listings[0].Price
		sum := decimal.Zero
		for _, l := range listings {
			if l.Price.LessThan(floor) {
				floor = l.Price
			}
			sum = sum.Add(l.Price)
		}
		avg := sum.Div(decimal.NewFromInt(int64(len(listings))))
		cs.FloorPrice = &floor
		cs.AvgListingPrice = &avg
	}

	cutoff7d := now.Add(-7 * 24 * time.Hour)
	var prices7d []decimal.Decimal
	var newest *time.Time
	for _, sale := range sales30d {
		cs.Sales30d++
		if newest == nil || sale.DetectedAt.After(*newest) {
			t := sale.DetectedAt
			newest = &t
		}
		if sale.DetectedAt.After(cutoff7d) {
			cs.Sales7d++
			prices7d = append(prices7d, sale.Price)
		}
	}

	if len(prices7d) > 0 {
		sum := decimal.Zero
		for _, p := range prices7d {
			sum = sum.Add(p)
		}
		avg := sum.Div(decimal.NewFromInt(int64(len(prices7d))))
		med := median(prices7d)
		cs.AvgSalePrice7d = &avg
		cs.MedianSalePrice7d = &med
	}

	if newest != nil {
		days := int(now.Sub(*newest).Hours() / 24)
		cs.LastSaleDaysAgo = &days
	}

	cs.LiquidityScore = Liquidity(cs.Sales7d, cs.ActiveListings)

	if cs.Sales7d > 0 {
		doi := float64(cs.ActiveListings) / (float64(cs.Sales7d) / 7.0)
		cs.DaysOfInventory = &doi
	}

	cs.RarityBreakdown = rarityBreakdown(listings, sales30d)
	return cs
}

// Liquidity is the 7-day sale count over the active supply, clipped at
// 1.0. An empty book scores zero rather than dividing by zero.
func Liquidity(sales7d, active int) float64 {
	score := float64(sales7d) / float64(max(active, 1))
	if score > 1 {
		return 1
	}
	return score
}

// Trend compares the median of the oldest three scan floors against the
// newest three. Under six points there is nothing to compare.
func Trend(floors []float64) string {
	if len(floors) < trendMinPoints {
		return "unknown"
	}

	oldMedian := medianFloat(floors[:3])
	newMedian := medianFloat(floors[len(floors)-3:])
	if oldMedian == 0 {
		return "unknown"
	}

	changePct := (newMedian - oldMedian) / oldMedian * 100
	switch {
	case changePct > trendThresholdPct:
		return "up"
	case changePct < -trendThresholdPct:
		return "down"
	default:
		return "stable"
	}
}

func rarityBreakdown(listings []models.Listing, sales30d []models.Sale) []TierStats {
	type bucket struct {
		count int
		floor decimal.Decimal
		sales []decimal.Decimal
	}
	buckets := make(map[models.RarityTier]*bucket)
	for _, l := range listings {
		b, ok := buckets[l.Tier]
		if !ok {
			buckets[l.Tier] = &bucket{count: 1, floor: l.Price}
			continue
		}
		b.count++
		if l.Price.LessThan(b.floor) {
			b.floor = l.Price
		}
	}
	// A tier can be sold out: sales keep its row alive with a zero book.
	for _, sale := range sales30d {
		b, ok := buckets[sale.Tier]
		if !ok {
			b = &bucket{}
			buckets[sale.Tier] = b
		}
		b.sales = append(b.sales, sale.Price)
	}

	var commonFloor *decimal.Decimal
	if b, ok := buckets[models.TierCommon]; ok && b.floor.IsPositive() {
		f := b.floor
		commonFloor = &f
	}

	var out []TierStats
	for _, tier := range tierOrder {
		b, ok := buckets[tier]
		if !ok {
			continue
		}
		ts := TierStats{Tier: tier, ActiveListings: b.count, FloorPrice: b.floor, Sales30d: len(b.sales)}
		if len(b.sales) > 0 {
			med := median(b.sales)
			ts.MedianSalePrice30d = &med
		}
		if commonFloor != nil && tier != models.TierCommon && b.floor.IsPositive() {
			premium, _ := b.floor.Div(*commonFloor).Float64()
			ts.PremiumVsCommon = &premium
		}
		out = append(out, ts)
	}
	return out
}

func median(values []decimal.Decimal) decimal.Decimal {
	sorted := make([]decimal.Decimal, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}

func medianFloat(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
