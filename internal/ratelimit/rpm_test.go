package ratelimit

import (
	"testing"
	"time"
)

func TestAllow_UnderLimit(t *testing.T) {
	l := NewRPMLimiter(3)

	for i := 0; i < 3; i++ {
		if !l.Allow("client-a") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.Allow("client-a") {
		t.Fatal("request over the limit should be blocked")
	}
}

func TestAllow_PerClientIsolation(t *testing.T) {
	l := NewRPMLimiter(1)

	if !l.Allow("client-a") {
		t.Fatal("client-a first request should pass")
	}
	if !l.Allow("client-b") {
		t.Fatal("client-b must have its own bucket")
	}
	if l.Allow("client-a") {
		t.Fatal("client-a is at its limit")
	}
}

func TestAllow_NewMinuteResets(t *testing.T) {
	l := NewRPMLimiter(1)

	now := time.Unix(1_700_000_040, 0)
	l.now = func() time.Time { return now }

	if !l.Allow("client-a") {
		t.Fatal("first request should pass")
	}
	if l.Allow("client-a") {
		t.Fatal("limit reached within the bucket")
	}

	now = now.Add(time.Minute)
	if !l.Allow("client-a") {
		t.Fatal("a new calendar minute starts a fresh bucket")
	}
}

func TestAllow_StaleBucketsPurged(t *testing.T) {
	l := NewRPMLimiter(10)

	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	l.Allow("client-a")
	l.Allow("client-b")

	// Two minutes later: entries older than the previous bucket are gone
	// after the next check, without any background sweep.
	now = now.Add(2 * time.Minute)
	l.Allow("client-c")

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.counts) != 1 {
		t.Fatalf("stale buckets should be purged, have %d entries", len(l.counts))
	}
}
