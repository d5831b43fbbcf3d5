// Package cache provides a bounded in-process TTL cache with single-flight
// computation. Entries are evicted by LRU order when the capacity is reached
// and expire individually after the configured TTL. The cache is a working-set
// accelerator, never the source of truth: callers must tolerate entries
// disappearing at any time.
package cache

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Cache is a bounded key-value store with LRU eviction and per-entry TTL.
// All methods are safe for concurrent use.
type Cache[V any] struct {
	lru   *expirable.LRU[string, V]
	group singleflight.Group
}

// New creates a cache holding at most maxEntries values, each expiring ttl
// after its last write.
func New[V any](maxEntries int, ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		lru: expirable.NewLRU[string, V](maxEntries, nil, ttl),
	}
}

// Get returns the cached value for key, if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	return c.lru.Get(key)
}

// Set stores value under key, resetting its TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.lru.Add(key, value)
}

// GetOrCompute returns the cached value for key, or runs compute to produce
// it. Concurrent callers for the same key share a single compute invocation
// and all receive its result. Failed computations are not cached.
func (c *Cache[V]) GetOrCompute(key string, compute func() (V, error)) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Another flight may have populated the entry while we queued.
		if v, ok := c.lru.Get(key); ok {
			return v, nil
		}
		v, err := compute()
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Invalidate removes key from the cache.
func (c *Cache[V]) Invalidate(key string) {
	c.lru.Remove(key)
}

// Touch resets the TTL of key if it is present, keeping its current value.
func (c *Cache[V]) Touch(key string) {
	if v, ok := c.lru.Get(key); ok {
		c.lru.Add(key, v)
	}
}

// Len returns the number of live entries.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// SessionKey is the cache key for a visitor session of a service.
func SessionKey(serviceID uint, signature string) string {
	return fmt.Sprintf("session_%d_%s", serviceID, signature)
}

// HitKey is the cache key for an idempotency-keyed hit of a session.
func HitKey(sessionID uint, idempotency string) string {
	return fmt.Sprintf("hit_%d_%s", sessionID, idempotency)
}
