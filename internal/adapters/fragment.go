package adapters

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/giftscan/giftscan/internal/httpx"
	"github.com/giftscan/giftscan/internal/limiter"
)

const fragmentBaseURL = "https://fragment.com"

// Comma-grouped decimal like "12,990" or plain "500".
var fragmentPriceRe = regexp.MustCompile(`^[\d,]+(?:\.\d+)?$`)

// FragmentAdapter scrapes the official marketplace's per-collection HTML
// page. Sorting by ascending price makes the first listing the floor.
type FragmentAdapter struct {
	client *resty.Client
	limits *limiter.Registry
	log    zerolog.Logger
}

func NewFragmentAdapter(baseURL string, limits *limiter.Registry, log zerolog.Logger) *FragmentAdapter {
	if baseURL == "" {
		baseURL = fragmentBaseURL
	}
	return &FragmentAdapter{
		client: httpx.NewBrowserClient(baseURL, 15*time.Second),
		limits: limits,
		log:    log.With().Str("source", "fragment").Logger(),
	}
}

func (a *FragmentAdapter) Descriptor() Descriptor {
	return Descriptor{Name: "Fragment", SupportsBulk: false}
}

func (a *FragmentAdapter) FetchAll(ctx context.Context) (map[string]Observation, error) {
	return nil, ErrEmpty
}

func (a *FragmentAdapter) FetchOne(ctx context.Context, slug string) (Observation, error) {
	release, err := a.limits.Acquire(ctx, "fragment")
	if err != nil {
		return Observation{}, err
	}
	defer release()

	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParam("sort", "price_asc").
		SetQueryParam("filter", "sale").
		Get("/gifts/" + slug)
	if err != nil {
		return Observation{}, ErrTransient
	}
	if serr := StatusError("fragment", resp.StatusCode()); serr != nil {
		return Observation{}, serr
	}

	price, ok := parseFragmentFloor(resp.String(), slug)
	if !ok {
		a.log.Warn().Str("slug", slug).Msg("no parseable floor price on page")
		return Observation{}, ErrEmpty
	}

	a.log.Debug().Str("slug", slug).Str("price", price.String()).Msg("floor parsed")
	return Observation{
		Slug:     slug,
		Price:    price,
		Currency: "TON",
		Source:   "Fragment",
	}, nil
}

// parseFragmentFloor extracts the first price near a gift-link anchor.
// Three strategies, cheapest structure first: the listing row's cells,
// then any text following the anchor, then a regex over the raw page.
func parseFragmentFloor(html, slug string) (decimal.Decimal, bool) {
	linkRe := regexp.MustCompile(`/gift/` + regexp.QuoteMeta(slug) + `-\d+`)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err == nil {
		var found decimal.Decimal
		ok := false

		doc.Find("a[href]").EachWithBreak(func(_ int, link *goquery.Selection) bool {
			href, _ := link.Attr("href")
			if !linkRe.MatchString(href) {
				return true
			}
			row := link.Closest("tr")
			if row.Length() == 0 {
				row = link.ParentsFiltered("div").First()
			}
			if row.Length() == 0 {
				return true
			}
			row.Find("td, span, div, b").EachWithBreak(func(_ int, cell *goquery.Selection) bool {
				text := strings.TrimSpace(cell.Text())
				if !fragmentPriceRe.MatchString(text) {
					return true
				}
				if p, perr := parseCommaDecimal(text); perr == nil && p.IsPositive() {
					found, ok = p, true
					return false
				}
				return true
			})
			return !ok
		})
		if ok {
			return found, true
		}

		// Fallback: any price-shaped token in the text after the first
		// matching anchor.
		doc.Find("a[href]").EachWithBreak(func(_ int, link *goquery.Selection) bool {
			href, _ := link.Attr("href")
			if !linkRe.MatchString(href) {
				return true
			}
			for _, field := range strings.Fields(link.Parent().Text()) {
				if fragmentPriceRe.MatchString(field) {
					if p, perr := parseCommaDecimal(field); perr == nil && p.IsPositive() {
						found, ok = p, true
						return false
					}
				}
			}
			return true
		})
		if ok {
			return found, true
		}
	}

	// Last resort: regex over raw HTML.
	rawRe := regexp.MustCompile(`/gift/` + regexp.QuoteMeta(slug) + `-\d+(?s:.*?)>([\d,]+(?:\.\d+)?)\s*(?:TON)?<`)
	if m := rawRe.FindStringSubmatch(html); m != nil {
		if p, perr := parseCommaDecimal(m[1]); perr == nil && p.IsPositive() {
			return p, true
		}
	}

	return decimal.Zero, false
}

func parseCommaDecimal(text string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.ReplaceAll(text, ",", ""))
}
