package adapters

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/giftscan/giftscan/internal/auth"
	"github.com/giftscan/giftscan/internal/httpx"
	"github.com/giftscan/giftscan/internal/limiter"
)

const mrktBaseURL = "https://api.tgmrkt.io/api/v1"

// NameFunc resolves a canonical slug to the display name the upstream
// catalog search expects, e.g. "plushpepe" to "Plush Pepe".
type NameFunc func(slug string) string

// MRKTAdapter queries one marketplace's own listing API per slug. The
// API wants a bearer token obtained by exchanging a signed mini-app init
// payload at its auth endpoint; the bearer is cached and invalidated on
// rejection like any other session token.
type MRKTAdapter struct {
	client   *resty.Client
	tokens   *auth.TokenCache
	initData string
	nameFor  NameFunc
	limits   *limiter.Registry
	log      zerolog.Logger
}

func NewMRKTAdapter(baseURL, initData string, tokens *auth.TokenCache, nameFor NameFunc, limits *limiter.Registry, log zerolog.Logger) *MRKTAdapter {
	if baseURL == "" {
		baseURL = mrktBaseURL
	}
	return &MRKTAdapter{
		client:   httpx.NewClient(baseURL, 15*time.Second),
		tokens:   tokens,
		initData: initData,
		nameFor:  nameFor,
		limits:   limits,
		log:      log.With().Str("source", "mrkt").Logger(),
	}
}

func (a *MRKTAdapter) Descriptor() Descriptor {
	return Descriptor{Name: "MRKT", SupportsBulk: false}
}

func (a *MRKTAdapter) FetchAll(ctx context.Context) (map[string]Observation, error) {
	return nil, ErrEmpty
}

func (a *MRKTAdapter) FetchOne(ctx context.Context, slug string) (Observation, error) {
	token, err := a.tokens.Get(ctx, "mrkt", a.exchangeToken)
	if err != nil || token == "" {
		a.log.Warn().Err(err).Msg("no bearer token available, skipping")
		return Observation{}, ErrAuth
	}

	release, err := a.limits.Acquire(ctx, "mrkt")
	if err != nil {
		return Observation{}, err
	}
	defer release()

	var body struct {
		Gifts []struct {
			Name   string      `json:"name"`
			Number *int        `json:"number"`
			Price  json.Number `json:"price"`
		} `json:"gifts"`
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(map[string]interface{}{
			"collectionNames": []string{a.nameFor(slug)},
			"ordering":        "Price",
			"count":           1,
			"cursor":          "",
		}).
		SetResult(&body).
		Post("/gifts/saling")
	if err != nil {
		return Observation{}, ErrTransient
	}
	if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
		a.log.Warn().Int("status", resp.StatusCode()).Msg("bearer rejected, invalidating")
		a.tokens.Invalidate("mrkt")
		return Observation{}, ErrAuth
	}
	if serr := StatusError("mrkt", resp.StatusCode()); serr != nil {
		return Observation{}, serr
	}

	if len(body.Gifts) == 0 {
		return Observation{}, ErrEmpty
	}
	g := body.Gifts[0]
	nano, err := g.Price.Int64()
	if err != nil || nano <= 0 {
		return Observation{}, ErrMalformed
	}

	return Observation{
		Slug:     slug,
		Price:    decimal.NewFromInt(nano).Div(nanoTON),
		Currency: "TON",
		Source:   "MRKT",
		Serial:   g.Number,
		RawName:  g.Name,
	}, nil
}

// exchangeToken trades the configured init payload for a session bearer.
func (a *MRKTAdapter) exchangeToken(ctx context.Context) (string, error) {
	if a.initData == "" {
		return "", nil
	}

	var body struct {
		Token string `json:"token"`
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"data": a.initData}).
		SetResult(&body).
		Post("/auth")
	if err != nil {
		return "", ErrTransient
	}
	if serr := StatusError("mrkt", resp.StatusCode()); serr != nil {
		return "", serr
	}
	return body.Token, nil
}
