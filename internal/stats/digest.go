package stats

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/giftscan/giftscan/internal/detector"
	"github.com/giftscan/giftscan/internal/models"
)

// DefaultDigestInterval is how often the periodic market digest goes
// out. The scanner calls SendIfDue after every tick.
const DefaultDigestInterval = 6 * time.Hour

// DigestMinDiscount is the looser rare-at-floor threshold used by the
// digest section, below the live alert's cutoff.
const DigestMinDiscount = 0.15

// digestTopN is how many collections the digest ranks.
const digestTopN = 8

// digestMaxLines caps the rare-at-floor and recent-sales sections.
const digestMaxLines = 10

var tierIcon = map[models.RarityTier]string{
	models.TierUltraRare: "👑",
	models.TierRare:      "💎",
	models.TierUncommon:  "✨",
}

// DigestReader is the extra store surface the digest needs on top of
// the stats service.
type DigestReader interface {
	ActiveListings(ctx context.Context) ([]models.Listing, error)
	RareSalesSince(ctx context.Context, since time.Time) ([]models.Sale, error)
}

// RareFinder locates discounted rare listings. Satisfied by the
// rare-floor detector's Find method.
type RareFinder interface {
	Find(ctx context.Context, active []models.Listing, minDiscount float64) ([]detector.Deal, error)
}

// Sink delivers one formatted payload.
type Sink interface {
	Send(ctx context.Context, html string) error
}

// Digest builds and sends the periodic four-section market summary.
type Digest struct {
	svc    *Service
	db     DigestReader
	finder RareFinder
	sink   Sink
	log    zerolog.Logger

	interval time.Duration
	now      func() time.Time

	mu         sync.Mutex
	lastSentAt time.Time
}

func NewDigest(svc *Service, db DigestReader, finder RareFinder, sink Sink, interval time.Duration, log zerolog.Logger) *Digest {
	if interval <= 0 {
		interval = DefaultDigestInterval
	}
	return &Digest{
		svc:      svc,
		db:       db,
		finder:   finder,
		sink:     sink,
		log:      log.With().Str("component", "digest").Logger(),
		interval: interval,
		now:      time.Now,
	}
}

// Due reports whether the interval has elapsed since the last send. A
// fresh process is always due.
func (d *Digest) Due() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSentAt.IsZero() || d.now().Sub(d.lastSentAt) >= d.interval
}

// SendIfDue sends the digest when the interval has elapsed. Returns
// whether a send was attempted.
func (d *Digest) SendIfDue(ctx context.Context) (bool, error) {
	if !d.Due() {
		return false, nil
	}
	return true, d.Send(ctx)
}

// Send builds and pushes the digest unconditionally. The timestamp
// advances even on failure so a broken sink cannot cause a send storm.
func (d *Digest) Send(ctx context.Context) error {
	d.mu.Lock()
	d.lastSentAt = d.now()
	d.mu.Unlock()

	msg, err := d.Build(ctx)
	if err != nil {
		return fmt.Errorf("failed to build digest: %w", err)
	}
	if err := d.sink.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send digest: %w", err)
	}
	d.log.Info().Int("bytes", len(msg)).Msg("market digest sent")
	return nil
}

// Build assembles the digest message: top collections, the rarity
// premium table, rare listings near the floor, and rare sales from the
// last 24 hours.
func (d *Digest) Build(ctx context.Context) (string, error) {
	now := d.now()

	all, err := d.svc.StatsAll(ctx)
	if err != nil {
		return "", err
	}
	top := all
	if len(top) > digestTopN {
		top = top[:digestTopN]
	}

	active, err := d.db.ActiveListings(ctx)
	if err != nil {
		return "", err
	}
	rareDeals, err := d.finder.Find(ctx, active, DigestMinDiscount)
	if err != nil {
		return "", err
	}
	rareSales, err := d.db.RareSalesSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return "", err
	}

	names := make(map[string]string, len(all))
	for _, cs := range all {
		names[cs.Slug] = cs.Name
	}

	parts := []string{
		fmt.Sprintf("<b>📊 GIFTSCAN MARKET DIGEST</b>  |  %s", now.UTC().Format("02 Jan 2006, 15:04 UTC")),
		"",
		sectionTop(top),
		"",
		sectionPremium(top),
		"",
		sectionRareAtFloor(rareDeals),
		"",
		sectionRareSales(rareSales, names, now),
	}
	return strings.Join(parts, "\n"), nil
}

func sectionTop(top []CollectionStats) string {
	medals := []string{"🥇", "🥈", "🥉"}
	var lines []string
	for i, cs := range top {
		medal := "  "
		if i < len(medals) {
			medal = medals[i]
		}
		floor := "—"
		if f := commonFloorOf(cs); f != nil {
			floor = f.StringFixed(0) + " TON"
		}
		lines = append(lines, fmt.Sprintf(
			"%s <b>%s</b>\n   floor %s | %d sales/7d | %d listings | %s",
			medal, cs.Name, floor, cs.Sales7d, cs.ActiveListings, liquidityBar(cs.LiquidityScore)))
	}
	if len(lines) == 0 {
		return "<b>━━━ TOP COLLECTIONS ━━━</b>\nNo data yet"
	}
	return "<b>━━━ TOP COLLECTIONS ━━━</b>\n" + strings.Join(lines, "\n")
}

func sectionPremium(top []CollectionStats) string {
	var lines []string
	for _, cs := range top {
		name := cs.Name
		if len(name) > 14 {
			name = name[:14]
		}

		tiers := map[models.RarityTier]*TierStats{}
		for i := range cs.RarityBreakdown {
			ts := &cs.RarityBreakdown[i]
			tiers[ts.Tier] = ts
		}

		var cells []string
		for _, tier := range []models.RarityTier{models.TierCommon, models.TierRare, models.TierUltraRare} {
			cell := "—"
			if ts, ok := tiers[tier]; ok {
				cell = ts.FloorPrice.StringFixed(0) + " TON"
			}
			cells = append(cells, fmt.Sprintf("%-9s", cell))
		}

		var ratios []string
		for _, tier := range []models.RarityTier{models.TierRare, models.TierUltraRare} {
			if ts, ok := tiers[tier]; ok && ts.PremiumVsCommon != nil {
				ratios = append(ratios, fmt.Sprintf("%.1f×", *ts.PremiumVsCommon))
			}
		}
		ratio := ""
		if len(ratios) > 0 {
			ratio = "(" + strings.Join(ratios, " / ") + ")"
		}

		lines = append(lines, fmt.Sprintf("<code>%-14s %s %s</code>", name, strings.Join(cells, "  "), ratio))
	}
	header := "<b>━━━ RARITY PREMIUMS ━━━</b>\n<code>Collection     common     rare       ultra_rare</code>"
	if len(lines) == 0 {
		return header + "\nNo data yet"
	}
	return header + "\n" + strings.Join(lines, "\n")
}

func sectionRareAtFloor(deals []detector.Deal) string {
	sort.SliceStable(deals, func(i, j int) bool {
		di := deals[i].Spread.Div(deals[i].SellPrice)
		dj := deals[j].Spread.Div(deals[j].SellPrice)
		return di.GreaterThan(dj)
	})
	if len(deals) > digestMaxLines {
		deals = deals[:digestMaxLines]
	}

	var lines []string
	for _, deal := range deals {
		icon := tierIcon[deal.Tier]
		if icon == "" {
			icon = "⭐"
		}
		serial := ""
		if deal.Serial != nil {
			serial = fmt.Sprintf(" #%d", *deal.Serial)
		}
		discount := deal.Spread.Div(deal.SellPrice).Mul(decimal.NewFromInt(100))
		lines = append(lines, fmt.Sprintf(
			"%s <b>%s%s</b> — %s TON (expected %s TON, −%s%%) @ %s",
			icon, deal.Slug, serial,
			deal.BuyPrice.StringFixed(1), deal.SellPrice.StringFixed(0),
			discount.StringFixed(0), deal.BuySource))
	}
	if len(lines) == 0 {
		return "<b>━━━ RARE AT FLOOR RIGHT NOW ━━━</b>\nNo qualifying listings"
	}
	return "<b>━━━ RARE AT FLOOR RIGHT NOW ━━━</b>\n" + strings.Join(lines, "\n")
}

func sectionRareSales(sales []models.Sale, names map[string]string, now time.Time) string {
	if len(sales) > digestMaxLines {
		sales = sales[:digestMaxLines]
	}

	var lines []string
	for _, sale := range sales {
		icon := tierIcon[sale.Tier]
		if icon == "" {
			icon = "⭐"
		}
		name := names[sale.GiftSlug]
		if name == "" {
			name = sale.GiftSlug
		}
		serial := ""
		if sale.Serial != nil {
			serial = fmt.Sprintf(" #%d", *sale.Serial)
		}
		ago := "just now"
		if hours := int(now.Sub(sale.DetectedAt).Hours()); hours > 0 {
			ago = fmt.Sprintf("%dh ago", hours)
		}
		tierLabel := strings.ReplaceAll(string(sale.Tier), "_", " ")
		lines = append(lines, fmt.Sprintf(
			"%s %s%s → <b>%s TON</b> (%s) · %s",
			icon, name, serial, sale.Price.StringFixed(1), tierLabel, ago))
	}
	if len(lines) == 0 {
		return "<b>━━━ RARE SALES, LAST 24H ━━━</b>\nNo data"
	}
	return "<b>━━━ RARE SALES, LAST 24H ━━━</b>\n" + strings.Join(lines, "\n")
}

func commonFloorOf(cs CollectionStats) *decimal.Decimal {
	for _, ts := range cs.RarityBreakdown {
		if ts.Tier == models.TierCommon {
			f := ts.FloorPrice
			return &f
		}
	}
	return nil
}

// liquidityBar renders a five-cell gauge for a 0..1 score.
func liquidityBar(score float64) string {
	const width = 5
	filled := int(score*width + 0.5)
	if filled > width {
		filled = width
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}
