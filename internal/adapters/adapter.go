// Package adapters defines the uniform contract over heterogeneous
// marketplace sources and the concrete adapter implementations.
package adapters

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/giftscan/giftscan/internal/models"
)

// Descriptor is an adapter's static capability record. The orchestrator
// uses it to partition adapters into bulk and per-item phases.
type Descriptor struct {
	Name         string
	SupportsBulk bool
}

// Observation is a single price reading for one gift collection from one
// source. Price carries arbitrary precision; ItemID, Serial and Attributes
// are present only for sources that expose per-item data.
type Observation struct {
	Slug       string
	Price      decimal.Decimal
	Currency   string
	Source     string
	ItemID     string
	Serial     *int
	Attributes models.Attributes
	RawName    string
}

// ItemListing is a fully-identified active offer from the indexed
// aggregator. The reconciler consumes the complete set of these per tick.
type ItemListing struct {
	ItemID      string
	Slug        string
	RawName     string
	Serial      *int
	Price       decimal.Decimal
	Marketplace string
	Attributes  models.Attributes
}

// Adapter is the uniform marketplace contract. Implementations never
// retry; retries and rate limiting are the caller's concern. A bulk-only
// adapter routes FetchOne through its bulk result; a per-item-only adapter
// returns ErrEmpty from FetchAll.
type Adapter interface {
	Descriptor() Descriptor

	// FetchOne returns the floor observation for a single slug.
	FetchOne(ctx context.Context, slug string) (Observation, error)

	// FetchAll returns the floor observation per slug in one call.
	FetchAll(ctx context.Context) (map[string]Observation, error)
}
