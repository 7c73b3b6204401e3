package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/giftscan/giftscan/internal/models"
)

// LatestSnapshots returns the newest snapshot per (slug, source) pair
// within the freshness window. The opportunity detector groups these by
// (slug, tier).
func (s *Store) LatestSnapshots(ctx context.Context, freshness time.Duration) ([]models.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []models.Snapshot
	err := s.db.SelectContext(ctx, &rows, `
		SELECT DISTINCT ON (gift_slug, source)
		       id, gift_slug, source, price, currency, scanned_at, item_id, serial, attributes
		FROM snapshot
		WHERE scanned_at > $1
		ORDER BY gift_slug, source, scanned_at DESC`,
		time.Now().Add(-freshness))
	if err != nil {
		return nil, fmt.Errorf("failed to load latest snapshots: %w", err)
	}
	return rows, nil
}

// LatestSnapshotsFor is LatestSnapshots restricted to one slug.
func (s *Store) LatestSnapshotsFor(ctx context.Context, slug string, freshness time.Duration) ([]models.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []models.Snapshot
	err := s.db.SelectContext(ctx, &rows, `
		SELECT DISTINCT ON (source)
		       id, gift_slug, source, price, currency, scanned_at, item_id, serial, attributes
		FROM snapshot
		WHERE gift_slug = $1 AND scanned_at > $2
		ORDER BY source, scanned_at DESC`,
		slug, time.Now().Add(-freshness))
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots for %s: %w", slug, err)
	}
	return rows, nil
}

// FloorPoint is one tick's cheapest observed price for a collection.
type FloorPoint struct {
	ScannedAt time.Time `db:"scanned_at"`
	Floor     float64   `db:"floor"`
}

// FloorSeries returns the per-tick collection floor since the cutoff,
// oldest first. Feeds the price-trend calculation.
func (s *Store) FloorSeries(ctx context.Context, slug string, since time.Time) ([]FloorPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var points []FloorPoint
	err := s.db.SelectContext(ctx, &points, `
		SELECT scanned_at, MIN(price)::float8 AS floor
		FROM snapshot
		WHERE gift_slug = $1 AND scanned_at > $2
		GROUP BY scanned_at
		ORDER BY scanned_at ASC`,
		slug, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load floor series for %s: %w", slug, err)
	}
	return points, nil
}

// insertSnapshots writes one row per observation inside the tick
// transaction. Rows with non-positive prices are dropped, not rejected.
func insertSnapshots(ctx context.Context, tx *sqlx.Tx, snaps []models.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO snapshot (gift_slug, source, price, currency, scanned_at, item_id, serial, attributes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return fmt.Errorf("failed to prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for _, snap := range snaps {
		if !snap.Price.IsPositive() {
			continue
		}
		_, err := stmt.ExecContext(ctx,
			snap.GiftSlug, snap.Source, snap.Price, snap.Currency,
			snap.ScannedAt, snap.ItemID, snap.Serial, snap.Attributes)
		if err != nil {
			return fmt.Errorf("failed to insert snapshot for %s/%s: %w", snap.GiftSlug, snap.Source, err)
		}
	}
	return nil
}
