package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCacheFetchesOnceWithinTTL(t *testing.T) {
	c := NewTokenCache(time.Hour, zerolog.Nop())

	fetches := 0
	fetch := func(context.Context) (string, error) {
		fetches++
		return "tok-1", nil
	}

	for i := 0; i < 5; i++ {
		tok, err := c.Get(context.Background(), "portals", fetch)
		require.NoError(t, err)
		assert.Equal(t, "tok-1", tok)
	}
	assert.Equal(t, 1, fetches)
}

func TestTokenCacheRefreshesAfterTTL(t *testing.T) {
	c := NewTokenCache(time.Hour, zerolog.Nop())
	base := time.Now()
	c.now = func() time.Time { return base }

	fetches := 0
	fetch := func(context.Context) (string, error) {
		fetches++
		return "tok", nil
	}

	_, err := c.Get(context.Background(), "mrkt", fetch)
	require.NoError(t, err)

	base = base.Add(2 * time.Hour)
	_, err = c.Get(context.Background(), "mrkt", fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, fetches)
}

func TestTokenCacheInvalidate(t *testing.T) {
	c := NewTokenCache(time.Hour, zerolog.Nop())

	fetches := 0
	fetch := func(context.Context) (string, error) {
		fetches++
		return "tok", nil
	}

	_, _ = c.Get(context.Background(), "portals", fetch)
	c.Invalidate("portals")
	_, _ = c.Get(context.Background(), "portals", fetch)
	assert.Equal(t, 2, fetches)
}

func TestTokenCacheFetchErrorNotCached(t *testing.T) {
	c := NewTokenCache(time.Hour, zerolog.Nop())
	boom := errors.New("upstream down")

	_, err := c.Get(context.Background(), "portals", func(context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)

	tok, err := c.Get(context.Background(), "portals", func(context.Context) (string, error) {
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", tok)
}
