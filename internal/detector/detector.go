// Package detector classifies the latest market observations into
// actionable opportunities: cross-marketplace arbitrage, severely
// under-priced listings, and rare items sitting at the common floor.
package detector

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/giftscan/giftscan/internal/fees"
	"github.com/giftscan/giftscan/internal/models"
	"github.com/giftscan/giftscan/internal/valuation"
)

// Kind labels a detected opportunity.
type Kind string

const (
	KindArbitrage   Kind = "arbitrage"
	KindUndervalued Kind = "undervalued"
	KindUnconfirmed Kind = "arbitrage_unconfirmed"
	KindRareAtFloor Kind = "rare_at_floor"
)

// SellSourceMarketAvg marks a deal whose exit is the market median
// rather than a specific venue.
const SellSourceMarketAvg = "market (avg)"

// Confidence below this means fair value cannot be trusted and the
// cold-start branch applies.
const minTrustedConfidence = 0.2

// Without confirming sales, a spread wider than this ratio is treated as
// a stale or broken quote, not an opportunity.
var maxColdStartRatio = decimal.RequireFromString("2.0")

// Sell prices are capped at this multiple of the sale median to defeat
// stale outlier quotes.
var sellCapMultiplier = decimal.RequireFromString("1.1")

var undervaluedMultiplier = decimal.RequireFromString("0.7")

// Deal is one detected opportunity.
type Deal struct {
	ID         uuid.UUID
	Kind       Kind
	Slug       string
	Tier       models.RarityTier
	BuySource  string
	BuyPrice   decimal.Decimal
	SellSource string
	SellPrice  decimal.Decimal
	Spread     decimal.Decimal
	NetProfit  decimal.Decimal
	Confidence float64
	ItemID     string
	Serial     *int
	DetectedAt time.Time
}

// FairValuer answers fair-value queries; nil result means no sales in
// the lookback window.
type FairValuer interface {
	FairValue(ctx context.Context, slug string, tier models.RarityTier, lookbackDays int) (*valuation.FairValue, error)
}

// Config holds the detector's gates.
type Config struct {
	MinSpreadTON decimal.Decimal
	MinProfitTON decimal.Decimal
}

// Detector runs after each scan over the latest per-(slug, source)
// snapshots.
type Detector struct {
	values FairValuer
	fees   *fees.Calculator
	cfg    Config
	log    zerolog.Logger

	now func() time.Time
}

func New(values FairValuer, feeCalc *fees.Calculator, cfg Config, log zerolog.Logger) *Detector {
	return &Detector{
		values: values,
		fees:   feeCalc,
		cfg:    cfg,
		log:    log.With().Str("component", "detector").Logger(),
		now:    time.Now,
	}
}

type group struct {
	slug string
	tier models.RarityTier
	obs  []models.Snapshot
}

// Detect groups the latest snapshots by (slug, tier) and classifies each
// group. Tiers are never compared against each other.
func (d *Detector) Detect(ctx context.Context, latest []models.Snapshot) ([]Deal, error) {
	groups := groupByTier(latest)

	var deals []Deal
	for _, g := range groups {
		deal, err := d.classify(ctx, g)
		if err != nil {
			return nil, err
		}
		if deal != nil {
			deals = append(deals, *deal)
		}
	}

	if len(deals) > 0 {
		d.log.Info().Int("deals", len(deals)).Msg("opportunities detected")
	}
	return deals, nil
}

func groupByTier(latest []models.Snapshot) []group {
	type key struct {
		slug string
		tier models.RarityTier
	}
	byKey := make(map[key]*group)
	var order []key

	for _, snap := range latest {
		k := key{snap.GiftSlug, valuation.Tier(snap.Serial, snap.Attributes)}
		g, ok := byKey[k]
		if !ok {
			g = &group{slug: k.slug, tier: k.tier}
			byKey[k] = g
			order = append(order, k)
		}
		g.obs = append(g.obs, snap)
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].slug != order[j].slug {
			return order[i].slug < order[j].slug
		}
		return order[i].tier < order[j].tier
	})

	groups := make([]group, 0, len(order))
	for _, k := range order {
		groups = append(groups, *byKey[k])
	}
	return groups
}

func (d *Detector) classify(ctx context.Context, g group) (*Deal, error) {
	buy := cheapest(g.obs)
	if buy == nil || !buy.Price.IsPositive() {
		return nil, nil
	}

	fv, err := d.values.FairValue(ctx, g.slug, g.tier, valuation.DefaultLookbackDays)
	if err != nil {
		return nil, err
	}

	if fv != nil && fv.Confidence >= minTrustedConfidence {
		return d.classifyTrusted(g, *buy, fv), nil
	}
	return d.classifyColdStart(g, *buy, fv), nil
}

// classifyTrusted handles groups whose fair value has enough sale
// history behind it.
func (d *Detector) classifyTrusted(g group, buy models.Snapshot, fv *valuation.FairValue) *Deal {
	if buy.Price.LessThanOrEqual(fv.Median.Mul(undervaluedMultiplier)) {
		spread := fv.Median.Sub(buy.Price)
		return d.deal(g, KindUndervalued, buy, SellSourceMarketAvg, fv.Median, spread, fv.Confidence)
	}

	if len(g.obs) < 2 {
		return nil
	}
	sell := highestExcluding(g.obs, buy.Source)
	if sell == nil {
		return nil
	}
	sellPrice := decimal.Min(sell.Price, fv.Median.Mul(sellCapMultiplier))
	spread := sellPrice.Sub(buy.Price)
	if spread.LessThan(d.cfg.MinSpreadTON) {
		return nil
	}

	deal := d.deal(g, KindArbitrage, buy, sell.Source, sellPrice, spread, fv.Confidence)
	if d.belowProfitGate(deal) {
		return nil
	}
	return deal
}

// classifyColdStart handles groups with no trustworthy sale history.
func (d *Detector) classifyColdStart(g group, buy models.Snapshot, fv *valuation.FairValue) *Deal {
	if len(g.obs) < 2 {
		return nil
	}
	sell := highestExcluding(g.obs, buy.Source)
	if sell == nil {
		return nil
	}
	if sell.Price.Div(buy.Price).GreaterThan(maxColdStartRatio) {
		return nil
	}
	spread := sell.Price.Sub(buy.Price)
	if spread.LessThan(d.cfg.MinSpreadTON) {
		return nil
	}

	confidence := 0.0
	if fv != nil {
		confidence = fv.Confidence
	}
	deal := d.deal(g, KindUnconfirmed, buy, sell.Source, sell.Price, spread, confidence)
	if d.belowProfitGate(deal) {
		return nil
	}
	return deal
}

func (d *Detector) deal(g group, kind Kind, buy models.Snapshot, sellSource string, sellPrice, spread decimal.Decimal, confidence float64) *Deal {
	deal := &Deal{
		ID:         uuid.New(),
		Kind:       kind,
		Slug:       g.slug,
		Tier:       g.tier,
		BuySource:  buy.Source,
		BuyPrice:   buy.Price,
		SellSource: sellSource,
		SellPrice:  sellPrice,
		Spread:     spread,
		Confidence: confidence,
		Serial:     buy.Serial,
		DetectedAt: d.now(),
	}
	if buy.ItemID != nil {
		deal.ItemID = *buy.ItemID
	}
	if sellSource != SellSourceMarketAvg {
		deal.NetProfit = d.fees.NetProfit(buy.Price, sellPrice, buy.Source, sellSource)
	} else {
		deal.NetProfit = spread
	}
	return deal
}

// belowProfitGate drops venue-to-venue deals whose post-fee profit is
// under the configured minimum.
func (d *Detector) belowProfitGate(deal *Deal) bool {
	if !d.cfg.MinProfitTON.IsPositive() {
		return false
	}
	return deal.NetProfit.LessThan(d.cfg.MinProfitTON)
}

func cheapest(obs []models.Snapshot) *models.Snapshot {
	var best *models.Snapshot
	for i := range obs {
		if !obs[i].Price.IsPositive() {
			continue
		}
		if best == nil || obs[i].Price.LessThan(best.Price) {
			best = &obs[i]
		}
	}
	return best
}

func highestExcluding(obs []models.Snapshot, excludeSource string) *models.Snapshot {
	var best *models.Snapshot
	for i := range obs {
		if obs[i].Source == excludeSource {
			continue
		}
		if best == nil || obs[i].Price.GreaterThan(best.Price) {
			best = &obs[i]
		}
	}
	return best
}
