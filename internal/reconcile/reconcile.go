// Package reconcile diffs the active-listing set against the latest
// observation and converts disappearances into sales. The diff itself is
// pure; the store applies it atomically.
package reconcile

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/giftscan/giftscan/internal/adapters"
	"github.com/giftscan/giftscan/internal/models"
	"github.com/giftscan/giftscan/internal/valuation"
)

// Result is the outcome of one reconciliation pass. The three slices
// partition the union of active and inbound ids: every id lands in
// exactly one of sold, updated or inserted (or is an active id whose
// sale was suppressed by the one-hour window and stays untouched).
type Result struct {
	Sales   []models.Sale
	Updates []PriceUpdate
	Inserts []models.Listing
}

// PriceUpdate carries the new price and sighting time for a listing that
// is present in both the active and inbound sets.
type PriceUpdate struct {
	ItemID     string
	NewPrice   decimal.Decimal
	LastSeenAt time.Time
}

// Diff computes the reconciliation for one tick.
//
// active is the set of listings with sold_at IS NULL; inbound is the full
// currently-observed item set. recentSaleIDs holds item ids that already
// have a sale recorded within the last hour; those never produce another
// sale (re-run safety). A sale inherits price, tier and marketplace from
// the prior active row, never from a fresh observation.
func Diff(active []models.Listing, inbound []adapters.ItemListing, recentSaleIDs map[string]bool, now time.Time) Result {
	inboundByID := make(map[string]adapters.ItemListing, len(inbound))
	for _, l := range inbound {
		inboundByID[l.ItemID] = l
	}
	activeByID := make(map[string]models.Listing, len(active))
	for _, l := range active {
		activeByID[l.ItemID] = l
	}

	var res Result

	for _, prior := range active {
		obs, stillListed := inboundByID[prior.ItemID]
		if stillListed {
			res.Updates = append(res.Updates, PriceUpdate{
				ItemID:     prior.ItemID,
				NewPrice:   obs.Price,
				LastSeenAt: now,
			})
			continue
		}
		if !prior.Price.IsPositive() || recentSaleIDs[prior.ItemID] {
			continue
		}
		res.Sales = append(res.Sales, models.Sale{
			GiftSlug:    prior.GiftSlug,
			ItemID:      prior.ItemID,
			Serial:      prior.Serial,
			Tier:        prior.Tier,
			Price:       prior.Price,
			Marketplace: prior.Marketplace,
			DetectedAt:  now,
		})
	}

	for _, obs := range inbound {
		if _, known := activeByID[obs.ItemID]; known {
			continue
		}
		res.Inserts = append(res.Inserts, models.Listing{
			ItemID:      obs.ItemID,
			GiftSlug:    obs.Slug,
			Serial:      obs.Serial,
			Tier:        valuation.Tier(obs.Serial, obs.Attributes),
			Price:       obs.Price,
			Marketplace: obs.Marketplace,
			FirstSeenAt: now,
			LastSeenAt:  now,
			Attributes:  obs.Attributes,
		})
	}

	return res
}
