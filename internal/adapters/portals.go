package adapters

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/giftscan/giftscan/internal/auth"
	"github.com/giftscan/giftscan/internal/httpx"
	"github.com/giftscan/giftscan/internal/limiter"
	"github.com/giftscan/giftscan/internal/normalize"
)

const portalsBaseURL = "https://portal-market.com/api"

// PortalsAdapter pulls every collection's floor in one call from the
// marketplace's own API. The API wants a signed mini-app init payload as
// its bearer; the payload comes from configuration and is cached until it
// expires or the upstream rejects it.
type PortalsAdapter struct {
	client *resty.Client
	tokens *auth.TokenCache
	token  string
	limits *limiter.Registry
	names  *normalize.Mapper
	log    zerolog.Logger
}

func NewPortalsAdapter(baseURL, authToken string, tokens *auth.TokenCache, limits *limiter.Registry, names *normalize.Mapper, log zerolog.Logger) *PortalsAdapter {
	if baseURL == "" {
		baseURL = portalsBaseURL
	}
	return &PortalsAdapter{
		client: httpx.NewClient(baseURL, 15*time.Second),
		tokens: tokens,
		token:  authToken,
		limits: limits,
		names:  names,
		log:    log.With().Str("source", "portals").Logger(),
	}
}

func (a *PortalsAdapter) Descriptor() Descriptor {
	return Descriptor{Name: "Portals", SupportsBulk: true}
}

func (a *PortalsAdapter) FetchOne(ctx context.Context, slug string) (Observation, error) {
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

func (a *PortalsAdapter) FetchAll(ctx context.Context) (map[string]Observation, error) {
	token, err := a.tokens.Get(ctx, "portals", func(context.Context) (string, error) {
		return a.token, nil
	})
	if err != nil || token == "" {
		a.log.Warn().Msg("no auth token available, skipping")
		return nil, ErrAuth
	}

	release, err := a.limits.Acquire(ctx, "portals")
	if err != nil {
		return nil, err
	}
	defer release()

	var body struct {
		FloorPrices map[string]*decimal.Decimal `json:"floorPrices"`
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "tma "+token).
		SetResult(&body).
		Get("/collections/floors")
	if err != nil {
		return nil, ErrTransient
	}
	if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
		// Invalidate before surfacing so the next tick refetches instead
		// of hammering a dead credential.
		a.log.Warn().Int("status", resp.StatusCode()).Msg("auth token rejected, invalidating")
		a.tokens.Invalidate("portals")
		return nil, ErrAuth
	}
	if serr := StatusError("portals", resp.StatusCode()); serr != nil {
		return nil, serr
	}

	if len(body.FloorPrices) == 0 {
		a.log.Warn().Msg("no floor prices in response")
		return nil, ErrMalformed
	}

	floors := make(map[string]Observation, len(body.FloorPrices))
	for shortName, price := range body.FloorPrices {
		if price == nil || !price.IsPositive() {
			continue
		}
		slug := a.names.Normalize(shortName, "portals")
		if slug == "" {
			continue
		}
		floors[slug] = Observation{
			Slug:     slug,
			Price:    *price,
			Currency: "TON",
			Source:   "Portals",
			RawName:  shortName,
		}
	}

	a.log.Info().Int("gifts", len(floors)).Msg("floor prices fetched")
	if len(floors) == 0 {
		return nil, ErrEmpty
	}
	return floors, nil
}
