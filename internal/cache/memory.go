// Package cache provides the two-tier response cache for the adapter.
//
// Tiers:
//   - MemoryCache — in-process TTL cache with FIFO eviction; one per instance.
//   - RedisCache  — durable tier shared across instances, best-effort.
//   - TieredCache — composes the two: durable-first reads, dual writes.
//
// All tiers implement the Cache interface so they are fully interchangeable.
package cache

import (
	"context"
	"sync"
	"time"
)

// memItem stores a cached value together with its creation time.
type memItem struct {
	data      []byte
	createdAt time.Time
}

// MemoryCache is the local cache tier: per-entry TTL honoured lazily at read
// time, and a configured maximum entry count enforced with insertion-order
// (FIFO) eviction. Eviction order does not track access recency.
//
// It is safe for concurrent use.
type MemoryCache struct {
	mu         sync.Mutex
	items      map[string]memItem
	order      []string // insertion order, oldest first
	maxEntries int
	ttl        time.Duration
	now        func() time.Time // injectable clock for tests
}

// NewMemoryCache creates a MemoryCache bounded at maxEntries with the given
// default TTL. A zero or negative ttl is treated as one minute.
func NewMemoryCache(maxEntries int, ttl time.Duration) *MemoryCache {
	if maxEntries < 1 {
		maxEntries = 1000
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &MemoryCache{
		items:      make(map[string]memItem),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Get returns the cached value for key. Returns (nil, false) on a miss or when
// the entry's TTL has elapsed. Expired entries are removed lazily on access —
// there is no background sweep.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}

	if c.now().Sub(item.createdAt) >= c.ttl {
		c.remove(key)
		return nil, false
	}

	return item.data, true
}

// Set stores value under key. The per-call ttl is ignored — the local tier has
// a single configured freshness window; pass it for Cache interface symmetry.
// When the entry count would exceed the bound, the earliest-inserted key is
// evicted first.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; exists {
		// Refresh in place; insertion order is unchanged.
		c.items[key] = memItem{data: value, createdAt: c.now()}
		return nil
	}

	for len(c.items) >= c.maxEntries && len(c.order) > 0 {
		c.remove(c.order[0])
	}

	c.items[key] = memItem{data: value, createdAt: c.now()}
	c.order = append(c.order, key)

	return nil
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	c.remove(key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries currently held (including entries that
// have expired but not yet been read and evicted).
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// remove deletes key from both the map and the order slice. Caller holds mu.
func (c *MemoryCache) remove(key string) {
	if _, ok := c.items[key]; !ok {
		return
	}
	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
