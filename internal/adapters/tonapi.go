package adapters

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/giftscan/giftscan/internal/httpx"
	"github.com/giftscan/giftscan/internal/limiter"
	"github.com/giftscan/giftscan/internal/models"
	"github.com/giftscan/giftscan/internal/normalize"
)

const tonapiBaseURL = "https://tonapi.io/v2"

// Marketplace sale-contract addresses the indexer returns. Partial by
// nature; unmatched addresses fall through to the Unknown label.
var marketplaceContracts = map[string]string{
	"EQBYTuYbLf8INxFtD8tQeNk5ZLy-nAX9ahQbG_yl1qQ-GEMS": "GetGems",
	"EQCjk1hh952vWaE9bRguFkAhDAL5jj3xj9p0uPWrFBq_GEMS": "GetGems",
	"EQAJ8uWd7EBqsmpSWaRdf_I-8R8-XHwh3gsNKhy-UrdrPcUo": "Portals",
}

var nanoTON = decimal.New(1, 9)

var serialRe = regexp.MustCompile(`#(\d+)`)

// FeedConfig configures the indexed-aggregator feed.
type FeedConfig struct {
	BaseURL          string
	APIKey           string
	Collections      []string
	PageSize         int
	MaxPerCollection int
	TTL              time.Duration
}

func (c *FeedConfig) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = tonapiBaseURL
	}
	if c.PageSize <= 0 {
		c.PageSize = 1000
	}
	if c.MaxPerCollection <= 0 {
		c.MaxPerCollection = 5000
	}
	if c.TTL <= 0 {
		c.TTL = 90 * time.Second
	}
}

// Feed pulls every listed item across the configured gift collections
// from the TON indexer and caches the result for TTL. The virtual
// marketplace adapters and the listing reconciler share one fetch per
// tick through this cache.
type Feed struct {
	client *resty.Client
	cfg    FeedConfig
	limits *limiter.Registry
	names  *normalize.Mapper
	retry  httpx.Policy
	log    zerolog.Logger

	mu        sync.Mutex
	cached    []ItemListing
	fetchedAt time.Time

	now func() time.Time
}

func NewFeed(cfg FeedConfig, limits *limiter.Registry, names *normalize.Mapper, log zerolog.Logger) *Feed {
	cfg.applyDefaults()
	client := httpx.NewClient(cfg.BaseURL, 20*time.Second)
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	} else {
		log.Warn().Msg("tonapi key not set, using public rate limits")
	}
	return &Feed{
		client: client,
		cfg:    cfg,
		limits: limits,
		names:  names,
		retry:  httpx.DefaultPolicy(),
		log:    log.With().Str("source", "tonapi").Logger(),
		now:    time.Now,
	}
}

// Listings returns every currently listed item across the configured
// collections, serving from cache while the TTL holds.
func (f *Feed) Listings(ctx context.Context) ([]ItemListing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cached != nil && f.now().Sub(f.fetchedAt) < f.cfg.TTL {
		f.log.Debug().Int("listings", len(f.cached)).Msg("serving cached feed")
		return f.cached, nil
	}

	listings, err := f.fetchAll(ctx)
	if err != nil {
		return nil, err
	}
	f.cached = listings
	f.fetchedAt = f.now()
	return listings, nil
}

func (f *Feed) fetchAll(ctx context.Context) ([]ItemListing, error) {
	var all []ItemListing
	total := 0

	for _, addr := range f.cfg.Collections {
		listings, fetched, err := f.fetchCollection(ctx, addr)
		if err != nil {
			// One broken collection must not sink the whole feed.
			f.log.Error().Err(err).Str("collection", short(addr)).Msg("collection fetch failed")
			continue
		}
		all = append(all, listings...)
		total += fetched
	}

	f.log.Info().
		Int("collections", len(f.cfg.Collections)).
		Int("items", total).
		Int("on_sale", len(all)).
		Msg("feed refreshed")

	if len(all) == 0 {
		return nil, ErrEmpty
	}
	return all, nil
}

func (f *Feed) fetchCollection(ctx context.Context, addr string) ([]ItemListing, int, error) {
	var out []ItemListing
	fetched := 0
	offset := 0

	for offset < f.cfg.MaxPerCollection {
		var page tonapiItemsPage
		err := f.retry.Do(ctx, f.log, "tonapi_page", Retryable, func(ctx context.Context) error {
			release, err := f.limits.Acquire(ctx, "tonapi")
			if err != nil {
				return err
			}
			defer release()

			resp, err := f.client.R().
				SetContext(ctx).
				SetQueryParam("limit", strconv.Itoa(f.cfg.PageSize)).
				SetQueryParam("offset", strconv.Itoa(offset)).
				SetResult(&page).
				Get("/nfts/collections/" + addr + "/items")
			if err != nil {
				return ErrTransient
			}
			return StatusError("tonapi", resp.StatusCode())
		})
		if err != nil {
			return out, fetched, err
		}

		if len(page.NFTItems) == 0 {
			break
		}
		fetched += len(page.NFTItems)

		for _, item := range page.NFTItems {
			if l, ok := f.parseItem(item); ok {
				out = append(out, l)
			}
		}

		if len(page.NFTItems) < f.cfg.PageSize {
			break
		}
		offset += f.cfg.PageSize
	}

	return out, fetched, nil
}

// parseItem converts an indexer payload into an ItemListing. An item
// counts as listed iff it carries a sale record with a positive price.
func (f *Feed) parseItem(item tonapiItem) (ItemListing, bool) {
	if item.Sale == nil || item.Address == "" {
		return ItemListing{}, false
	}
	nano, err := item.Sale.Price.Value.Int64()
	if err != nil || nano <= 0 {
		return ItemListing{}, false
	}
	price := decimal.NewFromInt(nano).Div(nanoTON)

	rawName := item.Metadata.Name
	if rawName == "" {
		return ItemListing{}, false
	}
	name, serial := splitSerial(rawName)
	slug := f.names.Normalize(name, "tonapi")
	if slug == "" {
		return ItemListing{}, false
	}

	attrs := make(models.Attributes, len(item.Metadata.Attributes))
	for _, a := range item.Metadata.Attributes {
		if a.TraitType != "" && a.Value != "" {
			attrs[a.TraitType] = a.Value
		}
	}
	if len(attrs) == 0 {
		attrs = nil
	}

	return ItemListing{
		ItemID:      item.Address,
		Slug:        slug,
		RawName:     rawName,
		Serial:      serial,
		Price:       price,
		Marketplace: marketplaceFor(item.Sale),
		Attributes:  attrs,
	}, true
}

// splitSerial extracts the trailing serial number from an item name:
// "Milk Coffee #1234" yields ("Milk Coffee", 1234).
func splitSerial(raw string) (string, *int) {
	m := serialRe.FindStringSubmatch(raw)
	if m == nil {
		return strings.TrimSpace(raw), nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return strings.TrimSpace(raw), nil
	}
	name := serialRe.ReplaceAllString(raw, "")
	name = strings.Trim(strings.TrimSpace(name), "()")
	return strings.TrimSpace(name), &n
}

// marketplaceFor attributes a sale to a marketplace: the indexer's
// market name when present, else the sale-contract table, else Unknown.
func marketplaceFor(sale *tonapiSale) string {
	if sale.Market.Name != "" {
		return sale.Market.Name
	}
	if sale.Address != "" {
		if name, ok := marketplaceContracts[sale.Address]; ok {
			return name
		}
		return "Unknown"
	}
	return "TonAPI"
}

func short(addr string) string {
	if len(addr) > 10 {
		return addr[:10]
	}
	return addr
}

type tonapiItemsPage struct {
	NFTItems []tonapiItem `json:"nft_items"`
}

type tonapiItem struct {
	Address  string      `json:"address"`
	Sale     *tonapiSale `json:"sale"`
	Metadata struct {
		Name       string       `json:"name"`
		Attributes []tonapiAttr `json:"attributes"`
	} `json:"metadata"`
}

type tonapiSale struct {
	Address string `json:"address"`
	Market  struct {
		Name string `json:"name"`
	} `json:"market"`
	Price struct {
		Value     json.Number `json:"value"`
		TokenName string      `json:"token_name"`
	} `json:"price"`
}

type tonapiAttr struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}
