// Package cache provides the caches used to memoize terminology lookups.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRUCache is a size-bounded in-process cache with per-entry TTL.
// It is the standalone cache and the L1 of the two-phase cache.
type LRUCache struct {
	items   *expirable.LRU[string, cacheEntry]
	maxSize int
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewLRUCache creates an LRU cache. maxTTL caps every entry's lifetime;
// zero means entries live until evicted or their own TTL passes.
func NewLRUCache(maxSize int, maxTTL time.Duration) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		items:   expirable.NewLRU[string, cacheEntry](maxSize, nil, maxTTL),
		maxSize: maxSize,
	}
}

// Get retrieves a value. Returns nil, nil on a miss or an expired entry.
func (c *LRUCache) Get(ctx context.Context, key string) ([]byte, error) {
	entry, ok := c.items.Get(key)
	if !ok {
		return nil, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.items.Remove(key)
		return nil, nil
	}
	return entry.value, nil
}

// Set stores a value. A non-positive ttl keeps it until evicted.
func (c *LRUCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := cacheEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	c.items.Add(key, entry)
	return nil
}

// Delete removes a value.
func (c *LRUCache) Delete(ctx context.Context, key string) error {
	c.items.Remove(key)
	return nil
}

// Ping always succeeds for the in-process cache.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.items.Purge()
	return nil
}

// Stats returns cache statistics.
func (c *LRUCache) Stats() (size int, capacity int) {
	return c.items.Len(), c.maxSize
}
