// Package cache is a thin Redis layer in front of the read API. The
// scanner invalidates it after every committed tick, so readers never
// see prices older than one scan interval plus the TTL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultTTL bounds staleness even if a tick invalidation is missed.
const DefaultTTL = 60 * time.Second

const keyPrefix = "giftscan"

// Cache wraps one Redis client. A nil inner client (no address
// configured) degrades every call to a miss, keeping the process
// runnable without Redis.
type Cache struct {
	c   *redis.Client
	ttl time.Duration
	log zerolog.Logger

	mu      sync.Mutex
	seenMem map[string]bool // fallback seen-set when Redis is absent
}

func New(addr, password string, db int, ttl time.Duration, log zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cache := &Cache{
		ttl:     ttl,
		log:     log.With().Str("component", "cache").Logger(),
		seenMem: make(map[string]bool),
	}
	if addr != "" {
		cache.c = redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	}
	return cache
}

// Ping verifies connectivity. Disabled caches always pass.
func (c *Cache) Ping(ctx context.Context) error {
	if c.c == nil {
		return nil
	}
	return c.c.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	if c.c == nil {
		return nil
	}
	return c.c.Close()
}

// GetJSON loads and decodes one cached value. A miss, a disabled cache
// and a Redis failure all report found=false; the caller recomputes.
func (c *Cache) GetJSON(ctx context.Context, namespace, key string, dst interface{}) bool {
	if c.c == nil {
		return false
	}

	raw, err := c.c.Get(ctx, fullKey(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		c.log.Warn().Err(err).Str("namespace", namespace).Msg("cache read failed")
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.log.Warn().Err(err).Str("namespace", namespace).Msg("cache entry undecodable, treating as miss")
		return false
	}
	return true
}

// SetJSON stores one value under the namespace with the default TTL.
// Failures are logged and swallowed; the cache is never load-bearing.
func (c *Cache) SetJSON(ctx context.Context, namespace, key string, val interface{}) {
	if c.c == nil {
		return
	}

	raw, err := json.Marshal(val)
	if err != nil {
		c.log.Warn().Err(err).Str("namespace", namespace).Msg("cache value not serializable")
		return
	}
	if err := c.c.Set(ctx, fullKey(namespace, key), raw, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("namespace", namespace).Msg("cache write failed")
	}
}

// Invalidate deletes every key in the namespace. Called after each
// committed tick so the API serves the new prices immediately.
func (c *Cache) Invalidate(ctx context.Context, namespace string) {
	if c.c == nil {
		return
	}

	pattern := fullKey(namespace, "*")
	iter := c.c.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.log.Warn().Err(err).Str("namespace", namespace).Msg("cache scan failed")
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.c.Del(ctx, keys...).Err(); err != nil {
		c.log.Warn().Err(err).Str("namespace", namespace).Msg("cache invalidation failed")
		return
	}
	c.log.Debug().Str("namespace", namespace).Int("keys", len(keys)).Msg("namespace invalidated")
}

// MarkSeen adds a member to a persistent seen-set and reports whether
// it was new. Backed by a Redis set; without Redis an in-process map
// stands in, which means the set resets on restart.
func (c *Cache) MarkSeen(ctx context.Context, set, member string) bool {
	if c.c == nil {
		key := set + ":" + member
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.seenMem[key] {
			return false
		}
		c.seenMem[key] = true
		return true
	}

	added, err := c.c.SAdd(ctx, fullKey(set, "seen"), member).Result()
	if err != nil {
		c.log.Warn().Err(err).Str("set", set).Msg("seen-set write failed")
		return false
	}
	return added > 0
}

func fullKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, namespace, key)
}
