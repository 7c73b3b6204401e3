// Package app is the composition root: it builds every component from
// the configuration and wires them together. Nothing here is a
// singleton; two Apps in one process would not share state.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/giftscan/giftscan/internal/adapters"
	"github.com/giftscan/giftscan/internal/alerter"
	"github.com/giftscan/giftscan/internal/api"
	"github.com/giftscan/giftscan/internal/auth"
	"github.com/giftscan/giftscan/internal/cache"
	"github.com/giftscan/giftscan/internal/config"
	"github.com/giftscan/giftscan/internal/detector"
	"github.com/giftscan/giftscan/internal/fees"
	"github.com/giftscan/giftscan/internal/limiter"
	"github.com/giftscan/giftscan/internal/metrics"
	"github.com/giftscan/giftscan/internal/normalize"
	"github.com/giftscan/giftscan/internal/notify"
	"github.com/giftscan/giftscan/internal/scanner"
	"github.com/giftscan/giftscan/internal/stats"
	"github.com/giftscan/giftscan/internal/store"
	"github.com/giftscan/giftscan/internal/valuation"
)

// App holds the wired components of one giftscan process.
type App struct {
	Config  *config.Config
	Store   *store.Store
	Cache   *cache.Cache
	Metrics *metrics.Registry
	Scanner *scanner.Scanner
	Server  *api.Server
	Digest  *stats.Digest

	log zerolog.Logger
}

// New builds the full object graph. The database must be reachable; the
// cache and the Telegram sink degrade gracefully when unconfigured.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	db, err := store.Open(ctx, store.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime(),
		QueryTimeout:    cfg.Database.QueryTimeout(),
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	redis := cache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL(), log)
	reg := metrics.NewRegistry()

	limits := limiter.NewRegistry(cfg.RateLimit.GlobalInFlight, sourceLimits(cfg.RateLimit.Sources))
	names := normalize.NewMapper(nil, log)
	tokens := auth.NewTokenCache(auth.DefaultTTL, log)

	feed := adapters.NewFeed(adapters.FeedConfig{
		BaseURL:          cfg.Sources.TonAPI.BaseURL,
		APIKey:           cfg.Sources.TonAPI.APIKey,
		Collections:      cfg.Sources.TonAPI.Collections,
		PageSize:         cfg.Sources.TonAPI.PageSize,
		MaxPerCollection: cfg.Sources.TonAPI.MaxPerCollection,
		TTL:              cfg.Sources.TonAPI.FeedTTL(),
	}, limits, names, log)

	displayNames, err := displayNameFunc(ctx, db)
	if err != nil {
		return nil, err
	}

	adapterList := []adapters.Adapter{
		adapters.NewMarketAdapter(feed, "GetGems", "getgems"),
		adapters.NewFragmentAdapter(cfg.Sources.Fragment.BaseURL, limits, log),
		adapters.NewPortalsAdapter(cfg.Sources.Portals.BaseURL, cfg.Sources.Portals.AuthToken, tokens, limits, names, log),
		adapters.NewTonnelAdapter(cfg.Sources.Tonnel.BaseURL, limits, names, log),
		adapters.NewMRKTAdapter(cfg.Sources.MRKT.BaseURL, cfg.Sources.MRKT.InitData, tokens, displayNames, limits, log),
	}

	values := valuation.NewEngine(db, log)
	feeOverrides := make(map[string]decimal.Decimal, len(cfg.Fees.Marketplaces))
	for venue, pct := range cfg.Fees.Marketplaces {
		feeOverrides[venue] = decimal.NewFromFloat(pct)
	}
	feeCalc := fees.NewCalculator(
		decimal.NewFromFloat(cfg.Fees.DefaultMarketplacePct),
		decimal.NewFromFloat(cfg.Fees.GasTON),
		feeOverrides,
	)
	deals := detector.New(values, feeCalc, detector.Config{
		MinSpreadTON: decimal.NewFromFloat(cfg.Detector.MinSpreadTON),
		MinProfitTON: decimal.NewFromFloat(cfg.Detector.MinProfitTON),
	}, log)
	rare := detector.NewRareFloorDetector(values, log)

	sink := notify.NewTelegramSink(cfg.Telegram.APIBaseURL, cfg.Telegram.BotToken, cfg.Telegram.ChatID, log)
	alerts := alerter.New(sink, cfg.Alerts.BatchMin, log)

	statsSvc := stats.NewService(db, log)
	digest := stats.NewDigest(statsSvc, db, rare, sink, cfg.Digest.Interval(), log)

	scan := scanner.New(db, adapterList, feed, deals, rare, alerts, digest, redis, reg, scanner.Config{
		Interval:          cfg.Scan.Interval(),
		SnapshotFreshness: cfg.Scan.SnapshotFreshness(),
	}, log)

	handlers := api.NewHandlers(db, statsSvc, redis, db, cfg.Scan.SnapshotFreshness(),
		cfg.Detector.ArbitrageThresholdPct, log)
	server := api.NewServer(api.DefaultServerConfig(cfg.API.ListenAddr), handlers, reg.Handler(), log)

	return &App{
		Config:  cfg,
		Store:   db,
		Cache:   redis,
		Metrics: reg,
		Scanner: scan,
		Server:  server,
		Digest:  digest,
		log:     log.With().Str("component", "app").Logger(),
	}, nil
}

// Close releases the long-lived resources.
func (a *App) Close() {
	if err := a.Cache.Close(); err != nil {
		a.log.Warn().Err(err).Msg("cache close failed")
	}
	if err := a.Store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("store close failed")
	}
}

func sourceLimits(src map[string]config.SourceLimit) map[string]limiter.Limit {
	out := make(map[string]limiter.Limit, len(src))
	for name, l := range src {
		out[name] = limiter.Limit{Capacity: l.Capacity, Window: l.Window()}
	}
	return out
}

// displayNameFunc resolves catalog slugs to display names, falling back
// to title-casing the slug for collections added after startup.
func displayNameFunc(ctx context.Context, db *store.Store) (adapters.NameFunc, error) {
	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	gifts, err := db.Gifts(loadCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog names: %w", err)
	}
	byName := make(map[string]string, len(gifts))
	for _, g := range gifts {
		byName[g.Slug] = g.Name
	}

	return func(slug string) string {
		if name, ok := byName[slug]; ok {
			return name
		}
		return titleCaseSlug(slug)
	}, nil
}

func titleCaseSlug(slug string) string {
	words := strings.Fields(strings.ReplaceAll(slug, "-", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
