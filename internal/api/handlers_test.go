package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giftscan/giftscan/internal/models"
	"github.com/giftscan/giftscan/internal/stats"
)

type fakeDB struct {
	gifts []models.Gift
	snaps map[string][]models.Snapshot
}

func (f *fakeDB) Gifts(context.Context) ([]models.Gift, error) { return f.gifts, nil }

func (f *fakeDB) Gift(_ context.Context, slug string) (*models.Gift, error) {
	for _, g := range f.gifts {
		if g.Slug == slug {
			return &g, nil
		}
	}
	return nil, nil
}

func (f *fakeDB) LatestSnapshots(context.Context, time.Duration) ([]models.Snapshot, error) {
	var all []models.Snapshot
	for _, snaps := range f.snaps {
		all = append(all, snaps...)
	}
	return all, nil
}

func (f *fakeDB) LatestSnapshotsFor(_ context.Context, slug string, _ time.Duration) ([]models.Snapshot, error) {
	return f.snaps[slug], nil
}

type fakeStats struct{}

func (fakeStats) StatsAll(context.Context) ([]stats.CollectionStats, error) {
	return []stats.CollectionStats{{Slug: "lollipop", Name: "Lollipop", LiquidityScore: 0.5, PriceTrend7d: "stable"}}, nil
}

func (fakeStats) StatsFor(_ context.Context, slug, name string) (*stats.CollectionStats, error) {
	return &stats.CollectionStats{Slug: slug, Name: name, PriceTrend7d: "unknown"}, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func snap(slug, source string, price int64) models.Snapshot {
	return models.Snapshot{
		GiftSlug:  slug,
		Source:    source,
		Price:     decimal.NewFromInt(price),
		Currency:  models.CurrencyTON,
		ScannedAt: time.Now(),
	}
}

func testServer(t *testing.T, db *fakeDB, ping Pinger) *Server {
	t.Helper()
	h := NewHandlers(db, fakeStats{}, nil, ping, 2*time.Minute, 5.0, zerolog.Nop())
	return NewServer(DefaultServerConfig(":0"), h, nil, zerolog.Nop())
}

func defaultDB() *fakeDB {
	return &fakeDB{
		gifts: []models.Gift{
			{Slug: "lollipop", Name: "Lollipop"},
			{Slug: "snowman", Name: "Snow Man"},
		},
		snaps: map[string][]models.Snapshot{
			"lollipop": {snap("lollipop", "Fragment", 100), snap("lollipop", "Tonnel", 112)},
			"snowman":  {snap("snowman", "Tonnel", 50)},
		},
	}
}

func getJSON(t *testing.T, s *Server, path string) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestGiftsTable(t *testing.T) {
	s := testServer(t, defaultDB(), fakePinger{})
	code, body := getJSON(t, s, "/api/gifts")
	require.Equal(t, 200, code)
	assert.Equal(t, float64(2), body["count"])

	rows := body["gifts"].([]interface{})
	var lollipop map[string]interface{}
	for _, raw := range rows {
		row := raw.(map[string]interface{})
		if row["slug"] == "lollipop" {
			lollipop = row
		}
	}
	require.NotNil(t, lollipop)

	best := lollipop["best_price"].(map[string]interface{})
	assert.Equal(t, "Fragment", best["source"])
	assert.Equal(t, "100", best["price"])
	assert.Equal(t, "12", lollipop["spread_ton"])
	assert.InDelta(t, 12.0, lollipop["spread_pct"].(float64), 1e-9)
	assert.Equal(t, true, lollipop["arbitrage_signal"], "12% clears the 5% threshold")
}

func TestGiftsSingleSourceHasNoSpread(t *testing.T) {
	s := testServer(t, defaultDB(), fakePinger{})
	_, body := getJSON(t, s, "/api/gifts")

	for _, raw := range body["gifts"].([]interface{}) {
		row := raw.(map[string]interface{})
		if row["slug"] == "snowman" {
			assert.Nil(t, row["spread_pct"], "one source cannot have a spread")
			assert.Equal(t, false, row["arbitrage_signal"])
		}
	}
}

func TestGiftsFiltersAndSort(t *testing.T) {
	s := testServer(t, defaultDB(), fakePinger{})

	_, body := getJSON(t, s, "/api/gifts?min_spread=5")
	assert.Equal(t, float64(1), body["count"], "only lollipop has a 5%+ spread")

	_, body = getJSON(t, s, "/api/gifts?search=snow")
	assert.Equal(t, float64(1), body["count"])

	_, body = getJSON(t, s, "/api/gifts?sort=spread_pct&order=desc")
	rows := body["gifts"].([]interface{})
	assert.Equal(t, "lollipop", rows[0].(map[string]interface{})["slug"])

	_, body = getJSON(t, s, "/api/gifts?sort=name&order=desc")
	rows = body["gifts"].([]interface{})
	assert.Equal(t, "snowman", rows[0].(map[string]interface{})["slug"], "Snow Man sorts after Lollipop by name")
}

func TestGiftDetailAndNotFound(t *testing.T) {
	s := testServer(t, defaultDB(), fakePinger{})

	code, body := getJSON(t, s, "/api/gifts/lollipop")
	require.Equal(t, 200, code)
	assert.Equal(t, "Lollipop", body["name"])

	code, body = getJSON(t, s, "/api/gifts/nonexistent")
	assert.Equal(t, 404, code)
	assert.Contains(t, body["error"], "nonexistent")
}

func TestStatsEndpoints(t *testing.T) {
	s := testServer(t, defaultDB(), fakePinger{})

	code, body := getJSON(t, s, "/api/stats")
	require.Equal(t, 200, code)
	assert.Equal(t, float64(1), body["count"])

	code, body = getJSON(t, s, "/api/stats?slug=lollipop")
	require.Equal(t, 200, code)
	assert.Equal(t, "Lollipop", body["name"])

	code, _ = getJSON(t, s, "/api/stats?slug=nonexistent")
	assert.Equal(t, 404, code)
}

func TestHealth(t *testing.T) {
	s := testServer(t, defaultDB(), fakePinger{})
	code, body := getJSON(t, s, "/healthz")
	assert.Equal(t, 200, code)
	assert.Equal(t, "ok", body["status"])

	s = testServer(t, defaultDB(), fakePinger{err: errors.New("db down")})
	code, body = getJSON(t, s, "/healthz")
	assert.Equal(t, 503, code)
	assert.Equal(t, "degraded", body["status"])
}
