package cache

import (
	"context"
	"time"
)

// Cache is the contract shared by the local and durable tiers.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
