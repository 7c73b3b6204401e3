package scanner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giftscan/giftscan/internal/adapters"
	"github.com/giftscan/giftscan/internal/detector"
	"github.com/giftscan/giftscan/internal/metrics"
	"github.com/giftscan/giftscan/internal/models"
	"github.com/giftscan/giftscan/internal/reconcile"
)

type fakeStore struct {
	slugs      []string
	active     []models.Listing
	recent     map[string]bool
	latest     []models.Snapshot
	committed  []models.Snapshot
	diff       reconcile.Result
	commitErr  error
	slugsCalls int
}

func (f *fakeStore) Slugs(context.Context) ([]string, error) {
	f.slugsCalls++
	return f.slugs, nil
}

func (f *fakeStore) ActiveListings(context.Context) ([]models.Listing, error) { return f.active, nil }

func (f *fakeStore) RecentSaleIDs(context.Context, time.Duration) (map[string]bool, error) {
	return f.recent, nil
}

func (f *fakeStore) CommitTick(_ context.Context, snaps []models.Snapshot, diff reconcile.Result) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = snaps
	f.diff = diff
	return nil
}

func (f *fakeStore) LatestSnapshots(context.Context, time.Duration) ([]models.Snapshot, error) {
	return f.latest, nil
}

type fakeAdapter struct {
	name string
	bulk bool
	all  map[string]adapters.Observation
	one  map[string]adapters.Observation
	err  error
}

func (f *fakeAdapter) Descriptor() adapters.Descriptor {
	return adapters.Descriptor{Name: f.name, SupportsBulk: f.bulk}
}

func (f *fakeAdapter) FetchAll(context.Context) (map[string]adapters.Observation, error) {
	return f.all, f.err
}

func (f *fakeAdapter) FetchOne(_ context.Context, slug string) (adapters.Observation, error) {
	if f.err != nil {
		return adapters.Observation{}, f.err
	}
	obs, ok := f.one[slug]
	if !ok {
		return adapters.Observation{}, adapters.ErrEmpty
	}
	return obs, nil
}

type fakeFeed struct {
	items []adapters.ItemListing
	err   error
}

func (f *fakeFeed) Listings(context.Context) ([]adapters.ItemListing, error) {
	return f.items, f.err
}

type fakeDeals struct{ deals []detector.Deal }

func (f *fakeDeals) Detect(context.Context, []models.Snapshot) ([]detector.Deal, error) {
	return f.deals, nil
}

type fakeRare struct{ deals []detector.Deal }

func (f *fakeRare) Detect(context.Context, []models.Listing) ([]detector.Deal, error) {
	return f.deals, nil
}

type fakePublisher struct{ got [][]detector.Deal }

func (f *fakePublisher) Publish(_ context.Context, deals []detector.Deal) {
	f.got = append(f.got, deals)
}

type fakeDigest struct{ calls int }

func (f *fakeDigest) SendIfDue(context.Context) (bool, error) {
	f.calls++
	return false, nil
}

type fakeTickCache struct {
	namespaces []string
	seen       map[string]bool
}

func (f *fakeTickCache) Invalidate(_ context.Context, ns string) {
	f.namespaces = append(f.namespaces, ns)
}

func (f *fakeTickCache) MarkSeen(_ context.Context, set, member string) bool {
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	key := set + ":" + member
	if f.seen[key] {
		return false
	}
	f.seen[key] = true
	return true
}

func obs(slug, source string, price int64) adapters.Observation {
	return adapters.Observation{
		Slug:     slug,
		Source:   source,
		Price:    decimal.NewFromInt(price),
		Currency: models.CurrencyTON,
	}
}

func item(id, slug string, price int64) adapters.ItemListing {
	return adapters.ItemListing{
		ItemID:      id,
		Slug:        slug,
		Price:       decimal.NewFromInt(price),
		Marketplace: "Tonnel",
	}
}

type fixture struct {
	s    *Scanner
	db   *fakeStore
	pub  *fakePublisher
	dig  *fakeDigest
	inv  *fakeTickCache
	reg  *metrics.Registry
	feed *fakeFeed
}

func newFixture(adapterList []adapters.Adapter, feed *fakeFeed, db *fakeStore, deals *fakeDeals, rare *fakeRare) *fixture {
	f := &fixture{
		db:   db,
		pub:  &fakePublisher{},
		dig:  &fakeDigest{},
		inv:  &fakeTickCache{},
		reg:  metrics.NewRegistry(),
		feed: feed,
	}
	f.s = New(db, adapterList, feed, deals, rare, f.pub, f.dig, f.inv, f.reg,
		Config{Interval: 30 * time.Second, SnapshotFreshness: 2 * time.Minute}, zerolog.Nop())
	return f
}

func TestTickCollectsAndCommits(t *testing.T) {
	db := &fakeStore{slugs: []string{"lollipop", "snowman"}}
	bulk := &fakeAdapter{name: "tonnel", bulk: true, all: map[string]adapters.Observation{
		"lollipop": obs("lollipop", "Tonnel", 100),
		"offbook":  obs("offbook", "Tonnel", 10), // not in the catalog
	}}
	perItem := &fakeAdapter{name: "fragment", one: map[string]adapters.Observation{
		"snowman": obs("snowman", "Fragment", 55),
	}}
	feed := &fakeFeed{items: []adapters.ItemListing{item("id1", "lollipop", 100)}}

	f := newFixture([]adapters.Adapter{bulk, perItem}, feed, db, &fakeDeals{}, &fakeRare{})
	require.NoError(t, f.s.Tick(context.Background()))

	require.Len(t, db.committed, 2, "catalog filter drops the off-book observation")
	sources := map[string]bool{}
	for _, snap := range db.committed {
		sources[snap.Source] = true
		assert.False(t, snap.ScannedAt.IsZero())
	}
	assert.True(t, sources["Tonnel"] && sources["Fragment"])

	require.Len(t, db.diff.Inserts, 1, "feed item enters the active book")
	assert.Equal(t, []string{"api"}, f.inv.namespaces)
	assert.Equal(t, 1, f.dig.calls)
}

func TestTickNewListingEventsFireOnce(t *testing.T) {
	db := &fakeStore{slugs: []string{"lollipop"}}
	feed := &fakeFeed{items: []adapters.ItemListing{item("id1", "lollipop", 100)}}

	f := newFixture(nil, feed, db, &fakeDeals{}, &fakeRare{})
	require.NoError(t, f.s.Tick(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.reg.NewListings.WithLabelValues("Tonnel")))

	// The same item reappearing as an insert stays quiet.
	require.NoError(t, f.s.Tick(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.reg.NewListings.WithLabelValues("Tonnel")))
}

func TestTickFeedFailureSkipsReconciliation(t *testing.T) {
	db := &fakeStore{
		slugs:  []string{"lollipop"},
		active: []models.Listing{{ItemID: "id1", GiftSlug: "lollipop", Price: decimal.NewFromInt(90), Tier: models.TierCommon}},
	}
	feed := &fakeFeed{err: errors.New("upstream down")}

	f := newFixture(nil, feed, db, &fakeDeals{}, &fakeRare{})
	require.NoError(t, f.s.Tick(context.Background()))

	assert.Empty(t, db.diff.Sales, "a dead feed must not turn the whole book into sales")
	assert.Empty(t, db.diff.Inserts)
}

func TestTickPublishesDetectedDeals(t *testing.T) {
	db := &fakeStore{slugs: []string{"lollipop"}}
	deals := &fakeDeals{deals: []detector.Deal{{Kind: detector.KindArbitrage, Slug: "lollipop"}}}
	rare := &fakeRare{deals: []detector.Deal{{Kind: detector.KindRareAtFloor, Slug: "lollipop"}}}

	f := newFixture(nil, &fakeFeed{}, db, deals, rare)
	require.NoError(t, f.s.Tick(context.Background()))

	require.Len(t, f.pub.got, 1)
	assert.Len(t, f.pub.got[0], 2, "regular and rare deals publish together")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.reg.DealsFound.WithLabelValues("arbitrage")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.reg.DealsFound.WithLabelValues("rare_at_floor")))
}

func TestTickAdapterFailureIsIsolated(t *testing.T) {
	db := &fakeStore{slugs: []string{"lollipop"}}
	broken := &fakeAdapter{name: "portals", bulk: true, err: errors.New("403")}
	working := &fakeAdapter{name: "tonnel", bulk: true, all: map[string]adapters.Observation{
		"lollipop": obs("lollipop", "Tonnel", 100),
	}}

	f := newFixture([]adapters.Adapter{broken, working}, &fakeFeed{}, db, &fakeDeals{}, &fakeRare{})
	require.NoError(t, f.s.Tick(context.Background()))

	require.Len(t, db.committed, 1, "the healthy source still lands")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.reg.FetchResults.WithLabelValues("portals", metrics.OutcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.reg.FetchResults.WithLabelValues("tonnel", metrics.OutcomeOK)))
}

func TestTickCommitFailureSurfaces(t *testing.T) {
	db := &fakeStore{slugs: []string{"lollipop"}, commitErr: errors.New("db down")}
	f := newFixture(nil, &fakeFeed{}, db, &fakeDeals{}, &fakeRare{})

	err := f.s.Tick(context.Background())
	require.Error(t, err)
	assert.Empty(t, f.inv.namespaces, "no invalidation without a commit")
	assert.Empty(t, f.pub.got, "no alerts from uncommitted state")
}

func TestRunStopsOnCancel(t *testing.T) {
	db := &fakeStore{slugs: []string{"lollipop"}}
	f := newFixture(nil, &fakeFeed{}, db, &fakeDeals{}, &fakeRare{})
	f.s.cfg.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := f.s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, db.slugsCalls, 2, "the loop keeps ticking until cancelled")
}
