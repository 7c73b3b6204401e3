package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/giftscan/giftscan/internal/models"
)

// Gifts returns the full catalog ordered by slug.
func (s *Store) Gifts(ctx context.Context) ([]models.Gift, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var gifts []models.Gift
	err := s.db.SelectContext(ctx, &gifts,
		`SELECT slug, name, image_url, total_supply FROM catalog ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	return gifts, nil
}

// Slugs returns every catalog slug.
func (s *Store) Slugs(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var slugs []string
	err := s.db.SelectContext(ctx, &slugs, `SELECT slug FROM catalog ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("failed to load slugs: %w", err)
	}
	return slugs, nil
}

// Gift returns one catalog entry, or nil when the slug is unknown.
func (s *Store) Gift(ctx context.Context, slug string) (*models.Gift, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var g models.Gift
	err := s.db.GetContext(ctx, &g,
		`SELECT slug, name, image_url, total_supply FROM catalog WHERE slug = $1`, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load gift %s: %w", slug, err)
	}
	return &g, nil
}

// UpsertGift inserts or refreshes a catalog entry. Admin path only.
func (s *Store) UpsertGift(ctx context.Context, g models.Gift) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO catalog (slug, name, image_url, total_supply)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (slug) DO UPDATE
		SET name = EXCLUDED.name,
		    image_url = COALESCE(EXCLUDED.image_url, catalog.image_url),
		    total_supply = COALESCE(EXCLUDED.total_supply, catalog.total_supply)`,
		g.Slug, g.Name, g.ImageURL, g.TotalSupply)
	if err != nil {
		return fmt.Errorf("failed to upsert gift %s: %w", g.Slug, err)
	}
	return nil
}
