package cache

import (
	"context"
	"time"
)

// TieredCache composes a local tier and an optional durable tier.
//
// Reads consult the durable tier first — a durable hit is authoritative.
// On a durable miss (or when no durable tier is configured) the local tier is
// consulted, honouring its own TTL. Writes always go to the local tier; when a
// durable tier is present they are also written there best-effort, with an
// independent (typically longer) TTL, since the durable tier models
// cross-instance persistence rather than per-instance freshness.
type TieredCache struct {
	local      Cache
	durable    Cache // nil when not configured
	durableTTL time.Duration
}

// NewTieredCache builds a TieredCache. durable may be nil.
func NewTieredCache(local, durable Cache, durableTTL time.Duration) *TieredCache {
	if durableTTL <= 0 {
		durableTTL = time.Hour
	}
	return &TieredCache{local: local, durable: durable, durableTTL: durableTTL}
}

// Get looks the key up durable-first, then locally.
func (c *TieredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.durable != nil {
		if data, ok := c.durable.Get(ctx, key); ok {
			return data, true
		}
	}
	return c.local.Get(ctx, key)
}

// Set writes to the local tier and, best-effort, to the durable tier with the
// durable TTL. The per-call ttl applies to the local tier only.
func (c *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if c.durable != nil {
		_ = c.durable.Set(ctx, key, value, c.durableTTL) // degrades gracefully
	}
	return nil
}

// Delete removes the key from both tiers. The first error wins.
func (c *TieredCache) Delete(ctx context.Context, key string) error {
	err := c.local.Delete(ctx, key)
	if c.durable != nil {
		if derr := c.durable.Delete(ctx, key); err == nil {
			err = derr
		}
	}
	return err
}
