package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestRedis starts a miniredis server and returns a RedisCache backed by it.
func newTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr(), discard())
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}

	t.Cleanup(func() { _ = c.Close() })

	return c, mr
}

func TestRedisCache_GetMiss(t *testing.T) {
	c, _ := newTestRedis(t)

	data, ok := c.Get(context.Background(), "nonexistent-key")
	if ok {
		t.Fatal("expected cache miss, got hit")
	}
	if data != nil {
		t.Fatalf("expected nil data on miss, got %v", data)
	}
}

func TestRedisCache_SetAndGetHit(t *testing.T) {
	c, _ := newTestRedis(t)

	want := []byte(`{"answer":42}`)
	if err := c.Set(context.Background(), "k", want, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(context.Background(), "k")
	if !ok {
		t.Fatal("expected cache hit, got miss")
	}
	if string(got) != string(want) {
		t.Fatalf("Get returned %q, want %q", got, want)
	}
}

func TestRedisCache_TTLIsSet(t *testing.T) {
	c, mr := newTestRedis(t)

	ttl := 10 * time.Second
	if err := c.Set(context.Background(), "k", []byte("payload"), ttl); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, ok := c.Get(context.Background(), "k"); !ok {
		t.Fatal("key should exist before TTL expires")
	}

	mr.FastForward(ttl + time.Second)

	if _, ok := c.Get(context.Background(), "k"); ok {
		t.Fatal("key should have expired after TTL")
	}
}

func TestRedisCache_GracefulDegradation(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr(), discard())
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}
	defer func() { _ = c.Close() }()

	// Take the server down.
	mr.Close()

	if _, ok := c.Get(context.Background(), "any-key"); ok {
		t.Fatal("expected miss when Redis is down, got hit")
	}
	if err := c.Set(context.Background(), "any-key", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set should degrade gracefully, got error: %v", err)
	}
}

func TestTieredCache_DurableHitIsAuthoritative(t *testing.T) {
	local := NewMemoryCache(10, time.Minute)
	durable, _ := newTestRedis(t)
	tc := NewTieredCache(local, durable, time.Hour)
	ctx := context.Background()

	// Present only in the durable tier (written by another instance).
	_ = durable.Set(ctx, "k", []byte("durable"), time.Hour)

	got, ok := tc.Get(ctx, "k")
	if !ok || string(got) != "durable" {
		t.Fatalf("Get = (%q, %v), want durable hit", got, ok)
	}
}

func TestTieredCache_LocalFallbackOnDurableFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	durable, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr(), discard())
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}
	defer func() { _ = durable.Close() }()

	local := NewMemoryCache(10, time.Minute)
	tc := NewTieredCache(local, durable, time.Hour)
	ctx := context.Background()

	if err := tc.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Durable tier goes away; the local tier must still serve the entry and
	// the request path must not fail.
	mr.Close()

	got, ok := tc.Get(ctx, "k")
	if !ok || string(got) != "v" {
		t.Fatalf("Get = (%q, %v), want local hit after durable failure", got, ok)
	}
}

func TestTieredCache_WritesBothTiers(t *testing.T) {
	local := NewMemoryCache(10, time.Minute)
	durable, _ := newTestRedis(t)
	tc := NewTieredCache(local, durable, time.Hour)
	ctx := context.Background()

	if err := tc.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, ok := local.Get(ctx, "k"); !ok {
		t.Fatal("local tier should hold the entry")
	}
	if _, ok := durable.Get(ctx, "k"); !ok {
		t.Fatal("durable tier should hold the entry")
	}
}

func TestTieredCache_NilDurable(t *testing.T) {
	tc := NewTieredCache(NewMemoryCache(10, time.Minute), nil, 0)
	ctx := context.Background()

	if err := tc.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := tc.Get(ctx, "k"); !ok {
		t.Fatal("expected hit from local tier")
	}
	if err := tc.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}
