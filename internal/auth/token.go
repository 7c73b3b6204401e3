// Package auth caches session tokens for the token-authed marketplace
// APIs. Tokens expire after a fixed TTL and can be invalidated early when
// an upstream rejects them.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTTL is how long a fetched token stays usable before a refresh.
const DefaultTTL = 12 * time.Hour

// FetchFunc obtains a fresh token for a key, e.g. by exchanging a signed
// init payload for a bearer token.
type FetchFunc func(ctx context.Context) (string, error)

type entry struct {
	token     string
	fetchedAt time.Time
}

// TokenCache holds one token per key. Get serializes fetches per cache so
// a burst of callers produces at most one upstream exchange; readers see
// either the old valid token or the newly fetched one.
type TokenCache struct {
	mu     sync.Mutex
	tokens map[string]entry
	ttl    time.Duration
	log    zerolog.Logger

	now func() time.Time
}

func NewTokenCache(ttl time.Duration, log zerolog.Logger) *TokenCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TokenCache{
		tokens: make(map[string]entry),
		ttl:    ttl,
		log:    log.With().Str("component", "token_cache").Logger(),
		now:    time.Now,
	}
}

// Get returns the cached token for key, fetching a fresh one when absent
// or expired. An empty token from fetch is cached as absent.
func (c *TokenCache) Get(ctx context.Context, key string, fetch FetchFunc) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.tokens[key]; ok {
		age := c.now().Sub(e.fetchedAt)
		if age < c.ttl {
			return e.token, nil
		}
		c.log.Info().Str("key", key).Dur("age", age).Msg("token expired, refreshing")
	}

	token, err := fetch(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", nil
	}
	c.tokens[key] = entry{token: token, fetchedAt: c.now()}
	c.log.Info().Str("key", key).Msg("token refreshed")
	return token, nil
}

// Invalidate drops the token for key so the next Get refetches. Called by
// adapters when the upstream answers 401/403.
func (c *TokenCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, key)
	c.log.Info().Str("key", key).Msg("token invalidated")
}
