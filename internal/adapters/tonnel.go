package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/giftscan/giftscan/internal/httpx"
	"github.com/giftscan/giftscan/internal/limiter"
	"github.com/giftscan/giftscan/internal/normalize"
)

const tonnelBaseURL = "https://gifts2.tonnel.network"

// PriceBand is a half-open [Lo, Hi) price range in TON.
type PriceBand struct {
	Lo float64
	Hi float64
}

// DefaultBands is the pagination schedule for an upstream whose query
// surface has no all-listings call. Bands widen roughly geometrically so
// each one holds a similar listing count.
var DefaultBands = []PriceBand{
	{0, 50}, {50, 58}, {58, 67}, {67, 78}, {78, 90}, {90, 104},
	{104, 120}, {120, 139}, {139, 161}, {161, 187}, {187, 216},
	{216, 250}, {250, 300}, {300, 10000},
}

const (
	tonnelPageSize = 30
	tonnelMaxPages = 30
	// A band is exhausted after this many consecutive pages with no
	// unseen gift names.
	tonnelNoNewThreshold = 3
)

// TonnelAdapter paginates the marketplace's listing search per price
// band, sorted ascending, so the first hit per gift name is its floor.
// A circuit breaker absorbs the upstream's anti-bot 403 bursts instead
// of hammering through them.
type TonnelAdapter struct {
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker
	limits  *limiter.Registry
	names   *normalize.Mapper
	bands   []PriceBand
	log     zerolog.Logger
}

func NewTonnelAdapter(baseURL string, limits *limiter.Registry, names *normalize.Mapper, log zerolog.Logger) *TonnelAdapter {
	if baseURL == "" {
		baseURL = tonnelBaseURL
	}
	lg := log.With().Str("source", "tonnel").Logger()

	settings := gobreaker.Settings{
		Name:    "tonnel",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			lg.Warn().Str("from", from.String()).Str("to", to.String()).Msg("breaker state change")
		},
	}

	client := httpx.NewBrowserClient(baseURL, 15*time.Second).
		SetHeader("Origin", "https://market.tonnel.network").
		SetHeader("Referer", "https://market.tonnel.network/")

	return &TonnelAdapter{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limits:  limits,
		names:   names,
		bands:   DefaultBands,
		log:     lg,
	}
}

func (a *TonnelAdapter) Descriptor() Descriptor {
	return Descriptor{Name: "Tonnel", SupportsBulk: true}
}

func (a *TonnelAdapter) FetchOne(ctx context.Context, slug string) (Observation, error) {
	all, err := a.FetchAll(ctx)
	if err != nil {
		return Observation{}, err
	}
	obs, ok := all[slug]
	if !ok {
		return Observation{}, ErrEmpty
	}
	return obs, nil
}

func (a *TonnelAdapter) FetchAll(ctx context.Context) (map[string]Observation, error) {
	rawFloors := make(map[string]decimal.Decimal)

	for _, band := range a.bands {
		if err := a.scanBand(ctx, band, rawFloors); err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				a.log.Warn().Msg("breaker open, abandoning remaining bands")
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.log.Error().Err(err).Float64("band_lo", band.Lo).Msg("band scan failed")
		}
	}

	if len(rawFloors) == 0 {
		return nil, ErrEmpty
	}

	floors := make(map[string]Observation, len(rawFloors))
	for rawName, price := range rawFloors {
		slug := a.names.Normalize(rawName, "tonnel")
		if slug == "" {
			continue
		}
		if cur, seen := floors[slug]; seen && cur.Price.LessThanOrEqual(price) {
			continue
		}
		floors[slug] = Observation{
			Slug:     slug,
			Price:    price,
			Currency: "TON",
			Source:   "Tonnel",
			RawName:  rawName,
		}
	}

	a.log.Info().Int("gifts", len(floors)).Msg("floor prices fetched")
	return floors, nil
}

// scanBand pages through one price band ascending. The first occurrence
// of a gift name within the whole scan is its floor because bands are
// visited in ascending order.
func (a *TonnelAdapter) scanBand(ctx context.Context, band PriceBand, rawFloors map[string]decimal.Decimal) error {
	noNew := 0

	for page := 1; page <= tonnelMaxPages; page++ {
		items, err := a.fetchPage(ctx, band, page)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}

		newNames := 0
		for _, item := range items {
			if item.Name == "" || item.Price <= 0 {
				continue
			}
			price := decimal.NewFromFloat(item.Price)
			cur, seen := rawFloors[item.Name]
			if !seen {
				rawFloors[item.Name] = price
				newNames++
			} else if price.LessThan(cur) {
				rawFloors[item.Name] = price
			}
		}

		if newNames == 0 {
			noNew++
			if noNew >= tonnelNoNewThreshold {
				return nil
			}
		} else {
			noNew = 0
		}

		if len(items) < tonnelPageSize {
			return nil
		}
	}
	return nil
}

func (a *TonnelAdapter) fetchPage(ctx context.Context, band PriceBand, page int) ([]tonnelItem, error) {
	release, err := a.limits.Acquire(ctx, "tonnel")
	if err != nil {
		return nil, err
	}
	defer release()

	result, err := a.breaker.Execute(func() (interface{}, error) {
		filter, err := json.Marshal(map[string]interface{}{
			"price":     map[string]float64{"$gte": band.Lo, "$lt": band.Hi},
			"refunded":  map[string]bool{"$ne": true},
			"buyer":     map[string]bool{"$exists": false},
			"export_at": map[string]bool{"$exists": true},
			"asset":     "TON",
		})
		if err != nil {
			return nil, err
		}
		sort, _ := json.Marshal(map[string]int{"price": 1})

		var items []tonnelItem
		resp, err := a.client.R().
			SetContext(ctx).
			SetBody(map[string]interface{}{
				"filter":    string(filter),
				"limit":     tonnelPageSize,
				"page":      page,
				"sort":      string(sort),
				"ref":       0,
				"user_auth": "",
			}).
			SetResult(&items).
			Post("/api/pageGifts")
		if err != nil {
			return nil, ErrTransient
		}
		if resp.StatusCode() == 403 {
			// Anti-bot response; counts toward tripping the breaker.
			return nil, fmt.Errorf("tonnel: anti-bot block: %w", ErrRateLimited)
		}
		if serr := StatusError("tonnel", resp.StatusCode()); serr != nil {
			return nil, serr
		}
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]tonnelItem), nil
}

type tonnelItem struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}
