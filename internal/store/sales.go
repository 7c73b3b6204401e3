package store

import (
	"context"
	"fmt"
	"time"

	"github.com/giftscan/giftscan/internal/models"
)

const saleColumns = `id, gift_slug, item_id, serial, rarity_tier, price, marketplace, detected_at`

// SalesSince returns sales for (slug, tier) detected after the cutoff.
// Satisfies the valuation engine's reader interface.
func (s *Store) SalesSince(ctx context.Context, slug string, tier models.RarityTier, since time.Time) ([]models.Sale, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []models.Sale
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+saleColumns+` FROM sale
		 WHERE gift_slug = $1 AND rarity_tier = $2 AND detected_at > $3
		 ORDER BY detected_at DESC`,
		slug, tier, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load sales for %s/%s: %w", slug, tier, err)
	}
	return rows, nil
}

// SalesForSlugSince returns all sales for one collection regardless of
// tier. Stats uses this for 7-day and 30-day aggregates.
func (s *Store) SalesForSlugSince(ctx context.Context, slug string, since time.Time) ([]models.Sale, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []models.Sale
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+saleColumns+` FROM sale
		 WHERE gift_slug = $1 AND detected_at > $2
		 ORDER BY detected_at DESC`,
		slug, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load sales for %s: %w", slug, err)
	}
	return rows, nil
}

// RareSalesSince returns rare and ultra-rare sales across all
// collections after the cutoff, newest first. Feeds the digest.
func (s *Store) RareSalesSince(ctx context.Context, since time.Time) ([]models.Sale, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []models.Sale
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+saleColumns+` FROM sale
		 WHERE rarity_tier IN ($1, $2) AND detected_at > $3
		 ORDER BY detected_at DESC`,
		models.TierRare, models.TierUltraRare, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load rare sales: %w", err)
	}
	return rows, nil
}
