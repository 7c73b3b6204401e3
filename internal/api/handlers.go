package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/giftscan/giftscan/internal/cache"
	"github.com/giftscan/giftscan/internal/models"
	"github.com/giftscan/giftscan/internal/stats"
)

const cacheNamespace = "api"

// Reader is the store surface the handlers read from.
type Reader interface {
	Gifts(ctx context.Context) ([]models.Gift, error)
	Gift(ctx context.Context, slug string) (*models.Gift, error)
	LatestSnapshots(ctx context.Context, freshness time.Duration) ([]models.Snapshot, error)
	LatestSnapshotsFor(ctx context.Context, slug string, freshness time.Duration) ([]models.Snapshot, error)
}

// StatsProvider computes per-collection aggregates.
type StatsProvider interface {
	StatsAll(ctx context.Context) ([]stats.CollectionStats, error)
	StatsFor(ctx context.Context, slug, name string) (*stats.CollectionStats, error)
}

// Pinger reports backend liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers bundles the request handlers and their dependencies.
type Handlers struct {
	db           Reader
	stats        StatsProvider
	cache        *cache.Cache
	dbPing       Pinger
	freshness    time.Duration
	arbThreshold float64
	log          zerolog.Logger
}

func NewHandlers(db Reader, statsProvider StatsProvider, c *cache.Cache, dbPing Pinger, freshness time.Duration, arbThresholdPct float64, log zerolog.Logger) *Handlers {
	return &Handlers{
		db:           db,
		stats:        statsProvider,
		cache:        c,
		dbPing:       dbPing,
		freshness:    freshness,
		arbThreshold: arbThresholdPct,
		log:          log.With().Str("component", "api_handlers").Logger(),
	}
}

// PriceEntry is one marketplace's current price for a collection.
type PriceEntry struct {
	Source string          `json:"source"`
	Price  decimal.Decimal `json:"price"`
}

// GiftPrices is one row of the cross-marketplace price table.
type GiftPrices struct {
	Slug            string                     `json:"slug"`
	Name            string                     `json:"name"`
	Prices          map[string]decimal.Decimal `json:"prices"`
	BestPrice       *PriceEntry                `json:"best_price,omitempty"`
	WorstPrice      *PriceEntry                `json:"worst_price,omitempty"`
	SpreadTON       *decimal.Decimal           `json:"spread_ton,omitempty"`
	SpreadPct       *float64                   `json:"spread_pct,omitempty"`
	ArbitrageSignal bool                       `json:"arbitrage_signal"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// Gifts serves the full price table with optional sorting and filters.
func (h *Handlers) Gifts(w http.ResponseWriter, r *http.Request) {
	rows, err := h.priceTable(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}

	q := r.URL.Query()
	if search := strings.ToLower(q.Get("search")); search != "" {
		var kept []GiftPrices
		for _, row := range rows {
			if strings.Contains(strings.ToLower(row.Slug), search) ||
				strings.Contains(strings.ToLower(row.Name), search) {
				kept = append(kept, row)
			}
		}
		rows = kept
	}
	if minSpread, err := strconv.ParseFloat(q.Get("min_spread"), 64); err == nil {
		var kept []GiftPrices
		for _, row := range rows {
			if row.SpreadPct != nil && *row.SpreadPct >= minSpread {
				kept = append(kept, row)
			}
		}
		rows = kept
	}

	sortRows(rows, q.Get("sort"), q.Get("order") == "desc")
	h.respond(w, map[string]interface{}{"gifts": rows, "count": len(rows)})
}

// Gift serves one collection's price row.
func (h *Handlers) Gift(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]

	gift, err := h.db.Gift(r.Context(), slug)
	if err != nil {
		h.fail(w, err)
		return
	}
	if gift == nil {
		h.notFound(w, slug)
		return
	}

	snaps, err := h.db.LatestSnapshotsFor(r.Context(), slug, h.freshness)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, buildRow(*gift, snaps, h.arbThreshold))
}

// Stats serves collection aggregates, either all or one slug.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slug := r.URL.Query().Get("slug")

	if slug == "" {
		var all []stats.CollectionStats
		if h.cache == nil || !h.cache.GetJSON(ctx, cacheNamespace, "stats", &all) {
			var err error
			all, err = h.stats.StatsAll(ctx)
			if err != nil {
				h.fail(w, err)
				return
			}
			if h.cache != nil {
				h.cache.SetJSON(ctx, cacheNamespace, "stats", all)
			}
		}
		h.respond(w, map[string]interface{}{"stats": all, "count": len(all)})
		return
	}

	gift, err := h.db.Gift(ctx, slug)
	if err != nil {
		h.fail(w, err)
		return
	}
	if gift == nil {
		h.notFound(w, slug)
		return
	}
	cs, err := h.stats.StatsFor(ctx, gift.Slug, gift.Name)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, cs)
}

// Health reports process and backend liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	status := "ok"
	code := http.StatusOK
	if h.dbPing != nil {
		if err := h.dbPing.Ping(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// priceTable builds the cross-marketplace table, cache first.
func (h *Handlers) priceTable(ctx context.Context) ([]GiftPrices, error) {
	var rows []GiftPrices
	if h.cache != nil && h.cache.GetJSON(ctx, cacheNamespace, "gifts", &rows) {
		return rows, nil
	}

	gifts, err := h.db.Gifts(ctx)
	if err != nil {
		return nil, err
	}
	snaps, err := h.db.LatestSnapshots(ctx, h.freshness)
	if err != nil {
		return nil, err
	}

	bySlug := make(map[string][]models.Snapshot)
	for _, snap := range snaps {
		bySlug[snap.GiftSlug] = append(bySlug[snap.GiftSlug], snap)
	}

	rows = make([]GiftPrices, 0, len(gifts))
	for _, g := range gifts {
		rows = append(rows, buildRow(g, bySlug[g.Slug], h.arbThreshold))
	}

	if h.cache != nil {
		h.cache.SetJSON(ctx, cacheNamespace, "gifts", rows)
	}
	return rows, nil
}

// buildRow folds one collection's snapshots into a table row.
func buildRow(gift models.Gift, snaps []models.Snapshot, arbThresholdPct float64) GiftPrices {
	row := GiftPrices{
		Slug:   gift.Slug,
		Name:   gift.Name,
		Prices: make(map[string]decimal.Decimal, len(snaps)),
	}

	for _, snap := range snaps {
		if !snap.Price.IsPositive() {
			continue
		}
		row.Prices[snap.Source] = snap.Price
		if snap.ScannedAt.After(row.UpdatedAt) {
			row.UpdatedAt = snap.ScannedAt
		}
		if row.BestPrice == nil || snap.Price.LessThan(row.BestPrice.Price) {
			row.BestPrice = &PriceEntry{Source: snap.Source, Price: snap.Price}
		}
		if row.WorstPrice == nil || snap.Price.GreaterThan(row.WorstPrice.Price) {
			row.WorstPrice = &PriceEntry{Source: snap.Source, Price: snap.Price}
		}
	}

	if len(row.Prices) >= 2 {
		spread := row.WorstPrice.Price.Sub(row.BestPrice.Price)
		pct, _ := spread.Div(row.BestPrice.Price).Mul(decimal.NewFromInt(100)).Float64()
		row.SpreadTON = &spread
		row.SpreadPct = &pct
		row.ArbitrageSignal = pct >= arbThresholdPct
	}
	return row
}

func sortRows(rows []GiftPrices, key string, desc bool) {
	less := func(i, j int) bool { return rows[i].Slug < rows[j].Slug }
	switch key {
	case "name":
		less = func(i, j int) bool { return rows[i].Name < rows[j].Name }
	case "best_price":
		less = func(i, j int) bool {
			bi, bj := rows[i].BestPrice, rows[j].BestPrice
			if bi == nil || bj == nil {
				return bj == nil && bi != nil
			}
			return bi.Price.LessThan(bj.Price)
		}
	case "spread_pct":
		less = func(i, j int) bool {
			si, sj := rows[i].SpreadPct, rows[j].SpreadPct
			if si == nil || sj == nil {
				return sj == nil && si != nil
			}
			return *si < *sj
		}
	}
	if desc {
		orig := less
		less = func(i, j int) bool { return orig(j, i) }
	}
	sort.SliceStable(rows, less)
}

func (h *Handlers) respond(w http.ResponseWriter, payload interface{}) {
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Error().Err(err).Msg("response encoding failed")
	}
}

func (h *Handlers) fail(w http.ResponseWriter, err error) {
	h.log.Error().Err(err).Msg("request failed")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal error"})
}

func (h *Handlers) notFound(w http.ResponseWriter, slug string) {
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown gift: " + slug})
}
