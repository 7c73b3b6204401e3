// Package models holds the shared domain types: catalog entries, price
// snapshots, active listings and detected sales.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RarityTier is a categorical bucket derived from an item's serial number
// and attributes.
type RarityTier string

const (
	TierUltraRare RarityTier = "ultra_rare"
	TierRare      RarityTier = "rare"
	TierUncommon  RarityTier = "uncommon"
	TierCommon    RarityTier = "common"
	TierUnknown   RarityTier = "unknown"
)

// Currencies accepted on snapshot rows.
const (
	CurrencyTON   = "TON"
	CurrencyUSDT  = "USDT"
	CurrencyStars = "Stars"
	CurrencyUSD   = "USD"
)

// Attributes is a semi-opaque key→value map attached to a listing.
// Only a small set of keys is ever interpreted (Backdrop, Model, Symbol);
// unknown keys are preserved for persistence but never read.
type Attributes map[string]string

// Recognized attribute keys.
const (
	AttrBackdrop = "Backdrop"
	AttrModel    = "Model"
	AttrSymbol   = "Symbol"
)

// Value serializes the map as JSONB for persistence.
func (a Attributes) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

// Scan deserializes JSONB back into the map.
func (a *Attributes) Scan(src interface{}) error {
	if src == nil {
		*a = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("attributes: cannot scan %T", src)
	}
	if len(raw) == 0 {
		*a = nil
		return nil
	}
	return json.Unmarshal(raw, a)
}

// Gift is a catalog entry. The catalog is written by the admin path only;
// the core treats it as read-only.
type Gift struct {
	Slug        string  `db:"slug"`
	Name        string  `db:"name"`
	ImageURL    *string `db:"image_url"`
	TotalSupply *int    `db:"total_supply"`
}

// Snapshot is one observed (slug, source, price) tuple from a single scan
// pass. ItemID, Serial and Attributes are present only when the source
// exposes per-item data.
type Snapshot struct {
	ID         int64           `db:"id"`
	GiftSlug   string          `db:"gift_slug"`
	Source     string          `db:"source"`
	Price      decimal.Decimal `db:"price"`
	Currency   string          `db:"currency"`
	ScannedAt  time.Time       `db:"scanned_at"`
	ItemID     *string         `db:"item_id"`
	Serial     *int            `db:"serial"`
	Attributes Attributes      `db:"attributes"`
}

// Listing is a currently-active offer keyed by the marketplace-native item
// id. While SoldAt is nil the listing is considered active; once SoldAt is
// set the row is immutable.
type Listing struct {
	ItemID      string          `db:"item_id"`
	GiftSlug    string          `db:"gift_slug"`
	Serial      *int            `db:"serial"`
	Tier        RarityTier      `db:"rarity_tier"`
	Price       decimal.Decimal `db:"price"`
	Marketplace string          `db:"marketplace"`
	FirstSeenAt time.Time       `db:"first_seen_at"`
	LastSeenAt  time.Time       `db:"last_seen_at"`
	SoldAt      *time.Time      `db:"sold_at"`
	Attributes  Attributes      `db:"attributes"`
}

// Sale is an append-only record of a disappearance-inferred transaction.
// Price and rarity are inherited from the prior active listing.
type Sale struct {
	ID          int64           `db:"id"`
	GiftSlug    string          `db:"gift_slug"`
	ItemID      string          `db:"item_id"`
	Serial      *int            `db:"serial"`
	Tier        RarityTier      `db:"rarity_tier"`
	Price       decimal.Decimal `db:"price"`
	Marketplace string          `db:"marketplace"`
	DetectedAt  time.Time       `db:"detected_at"`
}

// IntPtr is a convenience for building optional serials in literals.
func IntPtr(v int) *int { return &v }

// StrPtr is a convenience for optional string fields in literals.
func StrPtr(v string) *string { return &v }
