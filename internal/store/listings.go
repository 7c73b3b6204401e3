package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/giftscan/giftscan/internal/models"
	"github.com/giftscan/giftscan/internal/reconcile"
)

const listingColumns = `item_id, gift_slug, serial, rarity_tier, price, marketplace,
	first_seen_at, last_seen_at, sold_at, attributes`

// ActiveListings returns every listing with sold_at IS NULL.
func (s *Store) ActiveListings(ctx context.Context) ([]models.Listing, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []models.Listing
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+listingColumns+` FROM listing WHERE sold_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to load active listings: %w", err)
	}
	return rows, nil
}

// ActiveListingsFor returns the active listings of one collection.
func (s *Store) ActiveListingsFor(ctx context.Context, slug string) ([]models.Listing, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []models.Listing
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+listingColumns+` FROM listing WHERE gift_slug = $1 AND sold_at IS NULL`, slug)
	if err != nil {
		return nil, fmt.Errorf("failed to load active listings for %s: %w", slug, err)
	}
	return rows, nil
}

// RecentSaleIDs returns item ids with a sale recorded inside the window.
// The reconciler uses this for its one-sale-per-hour guarantee.
func (s *Store) RecentSaleIDs(ctx context.Context, window time.Duration) (map[string]bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT DISTINCT item_id FROM sale WHERE detected_at > $1`,
		time.Now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("failed to load recent sale ids: %w", err)
	}

	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// applyDiff executes one reconciliation result inside the tick
// transaction: sold rows get their write-once sold_at, surviving rows
// advance, new rows insert.
func applyDiff(ctx context.Context, tx *sqlx.Tx, diff reconcile.Result) error {
	for _, sale := range diff.Sales {
		res, err := tx.ExecContext(ctx,
			`UPDATE listing SET sold_at = $1 WHERE item_id = $2 AND sold_at IS NULL`,
			sale.DetectedAt, sale.ItemID)
		if err != nil {
			return fmt.Errorf("failed to mark %s sold: %w", sale.ItemID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Already sold by an earlier run; skip the sale row too.
			continue
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale (gift_slug, item_id, serial, rarity_tier, price, marketplace, detected_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			sale.GiftSlug, sale.ItemID, sale.Serial, sale.Tier,
			sale.Price, sale.Marketplace, sale.DetectedAt)
		if err != nil {
			return fmt.Errorf("failed to insert sale for %s: %w", sale.ItemID, err)
		}
	}

	for _, u := range diff.Updates {
		_, err := tx.ExecContext(ctx,
			`UPDATE listing SET price = $1, last_seen_at = $2 WHERE item_id = $3 AND sold_at IS NULL`,
			u.NewPrice, u.LastSeenAt, u.ItemID)
		if err != nil {
			return fmt.Errorf("failed to update listing %s: %w", u.ItemID, err)
		}
	}

	for _, l := range diff.Inserts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO listing (item_id, gift_slug, serial, rarity_tier, price, marketplace,
			                     first_seen_at, last_seen_at, attributes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (item_id) DO NOTHING`,
			l.ItemID, l.GiftSlug, l.Serial, l.Tier, l.Price, l.Marketplace,
			l.FirstSeenAt, l.LastSeenAt, l.Attributes)
		if err != nil {
			return fmt.Errorf("failed to insert listing %s: %w", l.ItemID, err)
		}
	}

	return nil
}

// CommitTick persists one scan tick atomically: snapshot rows plus the
// reconciliation diff commit or roll back as a unit, so sales are never
// half-recorded.
func (s *Store) CommitTick(ctx context.Context, snaps []models.Snapshot, diff reconcile.Result) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tick transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertSnapshots(ctx, tx, snaps); err != nil {
		return err
	}
	if err := applyDiff(ctx, tx, diff); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tick: %w", err)
	}

	s.log.Debug().
		Int("snapshots", len(snaps)).
		Int("sales", len(diff.Sales)).
		Int("updates", len(diff.Updates)).
		Int("inserts", len(diff.Inserts)).
		Msg("tick committed")
	return nil
}
