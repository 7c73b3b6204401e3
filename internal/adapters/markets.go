package adapters

import (
	"context"
	"strings"
)

// MarketAdapter is a virtual adapter: it exposes one marketplace's floor
// prices by filtering the shared indexer feed instead of calling the
// marketplace directly. Several of these share a single upstream fetch
// through the feed's TTL cache.
type MarketAdapter struct {
	feed  *Feed
	name  string
	match string
}

// NewMarketAdapter builds a virtual adapter for one marketplace. match is
// a lowercase substring tested against the feed's marketplace labels, so
// "marketapp" catches "Marketapp Marketplace".
func NewMarketAdapter(feed *Feed, name, match string) *MarketAdapter {
	return &MarketAdapter{feed: feed, name: name, match: strings.ToLower(match)}
}

func (a *MarketAdapter) Descriptor() Descriptor {
	return Descriptor{Name: a.name, SupportsBulk: true}
}

func (a *MarketAdapter) FetchOne(ctx context.Context, slug string) (Observation, error) {
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

// FetchAll folds the feed down to this marketplace's floor per slug.
func (a *MarketAdapter) FetchAll(ctx context.Context) (map[string]Observation, error) {
	listings, err := a.feed.Listings(ctx)
	if err != nil {
		return nil, err
	}

	floors := make(map[string]Observation)
	for _, l := range listings {
		if !strings.Contains(strings.ToLower(l.Marketplace), a.match) {
			continue
		}
		cur, seen := floors[l.Slug]
		if seen && cur.Price.LessThanOrEqual(l.Price) {
			continue
		}
		floors[l.Slug] = Observation{
			Slug:       l.Slug,
			Price:      l.Price,
			Currency:   "TON",
			Source:     a.name,
			ItemID:     l.ItemID,
			Serial:     l.Serial,
			Attributes: l.Attributes,
			RawName:    l.RawName,
		}
	}

	if len(floors) == 0 {
		return nil, ErrEmpty
	}
	return floors, nil
}
