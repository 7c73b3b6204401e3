// Package scanner runs the continuous scan loop: fetch prices from
// every marketplace, persist one tick atomically, reconcile listings
// into sales, then hand the fresh state to the detectors.
package scanner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/giftscan/giftscan/internal/adapters"
	"github.com/giftscan/giftscan/internal/detector"
	"github.com/giftscan/giftscan/internal/metrics"
	"github.com/giftscan/giftscan/internal/models"
	"github.com/giftscan/giftscan/internal/reconcile"
)

// saleSuppressionWindow keeps an item from producing a second sale row
// within an hour of its first.
const saleSuppressionWindow = time.Hour

// defaultFetchConcurrency bounds parallel per-item fetches inside one
// tick. The limiter registry still applies underneath.
const defaultFetchConcurrency = 4

// Store is the persistence surface one tick needs.
type Store interface {
	Slugs(ctx context.Context) ([]string, error)
	ActiveListings(ctx context.Context) ([]models.Listing, error)
	RecentSaleIDs(ctx context.Context, window time.Duration) (map[string]bool, error)
	CommitTick(ctx context.Context, snaps []models.Snapshot, diff reconcile.Result) error
	LatestSnapshots(ctx context.Context, freshness time.Duration) ([]models.Snapshot, error)
}

// ListingFeed supplies the full cross-marketplace item set the
// reconciler diffs against.
type ListingFeed interface {
	Listings(ctx context.Context) ([]adapters.ItemListing, error)
}

// OpportunityDetector classifies the latest snapshots.
type OpportunityDetector interface {
	Detect(ctx context.Context, latest []models.Snapshot) ([]detector.Deal, error)
}

// RareDetector hunts underpriced rare listings on the active book.
type RareDetector interface {
	Detect(ctx context.Context, active []models.Listing) ([]detector.Deal, error)
}

// Publisher delivers one tick's deals.
type Publisher interface {
	Publish(ctx context.Context, deals []detector.Deal)
}

// DigestSender pushes the periodic market summary when due.
type DigestSender interface {
	SendIfDue(ctx context.Context) (bool, error)
}

// TickCache is the Redis-backed state the scanner touches each tick:
// read-API invalidation and the persistent seen-set behind new-listing
// events.
type TickCache interface {
	Invalidate(ctx context.Context, namespace string)
	MarkSeen(ctx context.Context, set, member string) bool
}

// Config tunes the loop.
type Config struct {
	Interval          time.Duration
	SnapshotFreshness time.Duration
	FetchConcurrency  int
}

// Scanner owns one scan loop. Ticks never overlap; an overrun tick
// delays the next start instead.
type Scanner struct {
	db       Store
	adapters []adapters.Adapter
	feed     ListingFeed
	deals    OpportunityDetector
	rare     RareDetector
	alerts   Publisher
	digest   DigestSender
	cache    TickCache
	metrics  *metrics.Registry
	cfg      Config
	log      zerolog.Logger

	now func() time.Time
}

func New(db Store, adapterList []adapters.Adapter, feed ListingFeed, deals OpportunityDetector,
	rare RareDetector, alerts Publisher, digest DigestSender, tickCache TickCache,
	reg *metrics.Registry, cfg Config, log zerolog.Logger) *Scanner {

	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = defaultFetchConcurrency
	}
	return &Scanner{
		db:       db,
		adapters: adapterList,
		feed:     feed,
		deals:    deals,
		rare:     rare,
		alerts:   alerts,
		digest:   digest,
		cache:    tickCache,
		metrics:  reg,
		cfg:      cfg,
		log:      log.With().Str("component", "scanner").Logger(),
		now:      time.Now,
	}
}

// Run loops until the context is cancelled. A tick that outlasts the
// interval starts the next one immediately and counts an overrun.
func (s *Scanner) Run(ctx context.Context) error {
	s.log.Info().Dur("interval", s.cfg.Interval).Int("adapters", len(s.adapters)).Msg("scan loop starting")

	for {
		start := s.now()
		if err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Error().Err(err).Msg("tick failed")
		}

		elapsed := s.now().Sub(start)
		s.metrics.TickDuration.Observe(elapsed.Seconds())
		if elapsed >= s.cfg.Interval {
			s.metrics.TickOverruns.Inc()
			s.log.Warn().Dur("elapsed", elapsed).Dur("interval", s.cfg.Interval).Msg("tick overran the interval")
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.Interval - elapsed):
		}
	}
}

// Tick runs one full scan pass.
func (s *Scanner) Tick(ctx context.Context) error {
	slugs, err := s.db.Slugs(ctx)
	if err != nil {
		return err
	}

	scannedAt := s.now().UTC()
	snaps := s.collect(ctx, slugs, scannedAt)

	diff := s.reconcileListings(ctx, scannedAt)

	if err := s.db.CommitTick(ctx, snaps, diff); err != nil {
		return err
	}
	for _, snap := range snaps {
		s.metrics.SnapshotsWritten.WithLabelValues(snap.Source).Inc()
	}
	for _, sale := range diff.Sales {
		s.metrics.SalesDetected.WithLabelValues(sale.Marketplace).Inc()
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, "api")
		s.recordNewListings(ctx, diff)
	}

	s.detect(ctx)

	if s.digest != nil {
		if sent, err := s.digest.SendIfDue(ctx); err != nil {
			s.log.Error().Err(err).Msg("digest send failed")
		} else if sent {
			s.log.Info().Msg("digest dispatched")
		}
	}
	return ctx.Err()
}

// collect fans out over the adapters. Bulk sources answer for every
// slug in one call; per-item sources get one call per catalog slug,
// bounded by the fetch concurrency.
func (s *Scanner) collect(ctx context.Context, slugs []string, scannedAt time.Time) []models.Snapshot {
	known := make(map[string]bool, len(slugs))
	for _, slug := range slugs {
		known[slug] = true
	}

	var mu sync.Mutex
	var snaps []models.Snapshot
	add := func(obs adapters.Observation) {
		if !known[obs.Slug] || !obs.Price.IsPositive() {
			return
		}
		mu.Lock()
		snaps = append(snaps, toSnapshot(obs, scannedAt))
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FetchConcurrency)

	for _, a := range s.adapters {
		a := a
		desc := a.Descriptor()
		if desc.SupportsBulk {
			g.Go(func() error {
				all, err := a.FetchAll(gctx)
				s.recordFetch(desc.Name, len(all), err)
				for _, obs := range all {
					add(obs)
				}
				return nil
			})
			continue
		}
		for _, slug := range slugs {
			slug := slug
			g.Go(func() error {
				obs, err := a.FetchOne(gctx, slug)
				s.recordFetch(desc.Name, 1, err)
				if err == nil {
					add(obs)
				}
				return nil
			})
		}
	}

	// Fetch errors are per-source and already recorded; the group only
	// carries context cancellation.
	_ = g.Wait()
	return snaps
}

// reconcileListings diffs the feed's item set against the active book.
// A feed failure yields an empty diff: without a trustworthy inbound
// set, a disappearance means nothing.
func (s *Scanner) reconcileListings(ctx context.Context, now time.Time) reconcile.Result {
	inbound, err := s.feed.Listings(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("listing feed unavailable, skipping reconciliation")
		return reconcile.Result{}
	}

	active, err := s.db.ActiveListings(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load active listings, skipping reconciliation")
		return reconcile.Result{}
	}
	recentSales, err := s.db.RecentSaleIDs(ctx, saleSuppressionWindow)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load recent sales, skipping reconciliation")
		return reconcile.Result{}
	}

	return reconcile.Diff(active, inbound, recentSales, now)
}

// detect runs both detectors on the committed state and publishes.
func (s *Scanner) detect(ctx context.Context) {
	latest, err := s.db.LatestSnapshots(ctx, s.cfg.SnapshotFreshness)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load latest snapshots")
		return
	}

	deals, err := s.deals.Detect(ctx, latest)
	if err != nil {
		s.log.Error().Err(err).Msg("opportunity detection failed")
	}

	active, err := s.db.ActiveListings(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to reload active listings")
	} else {
		s.metrics.ActiveListings.Set(float64(len(active)))
		rare, err := s.rare.Detect(ctx, active)
		if err != nil {
			s.log.Error().Err(err).Msg("rare-floor detection failed")
		}
		deals = append(deals, rare...)
	}

	if len(deals) == 0 {
		return
	}
	for _, d := range deals {
		s.metrics.DealsFound.WithLabelValues(string(d.Kind)).Inc()
	}
	s.alerts.Publish(ctx, deals)
}

// recordNewListings marks every inserted item id in the seen-set and
// logs the first appearance. The set outlives restarts when Redis backs
// it, so a reboot does not replay the whole book as new.
func (s *Scanner) recordNewListings(ctx context.Context, diff reconcile.Result) {
	for _, l := range diff.Inserts {
		if !s.cache.MarkSeen(ctx, "listings", l.ItemID) {
			continue
		}
		s.metrics.NewListings.WithLabelValues(l.Marketplace).Inc()
		s.log.Info().
			Str("item_id", l.ItemID).
			Str("slug", l.GiftSlug).
			Str("marketplace", l.Marketplace).
			Str("price", l.Price.String()).
			Msg("new listing")
	}
}

func (s *Scanner) recordFetch(source string, n int, err error) {
	switch {
	case err == nil && n > 0:
		s.metrics.FetchResults.WithLabelValues(source, metrics.OutcomeOK).Inc()
	case err == nil || errors.Is(err, adapters.ErrEmpty):
		s.metrics.FetchResults.WithLabelValues(source, metrics.OutcomeEmpty).Inc()
	default:
		s.metrics.FetchResults.WithLabelValues(source, metrics.OutcomeError).Inc()
		s.log.Warn().Err(err).Str("source", source).Msg("fetch failed")
	}
}

func toSnapshot(obs adapters.Observation, scannedAt time.Time) models.Snapshot {
	snap := models.Snapshot{
		GiftSlug:   obs.Slug,
		Source:     obs.Source,
		Price:      obs.Price,
		Currency:   obs.Currency,
		ScannedAt:  scannedAt,
		Serial:     obs.Serial,
		Attributes: obs.Attributes,
	}
	if obs.ItemID != "" {
		snap.ItemID = models.StrPtr(obs.ItemID)
	}
	if snap.Currency == "" {
		snap.Currency = models.CurrencyTON
	}
	return snap
}
