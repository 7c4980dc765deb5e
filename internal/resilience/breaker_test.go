package resilience

import (
	"testing"
	"time"
)

func TestBreaker_InitialState(t *testing.T) {
	b := NewBreaker(0, 0)
	if b.StateLabel() != "closed" {
		t.Errorf("breaker should start closed, got %s", b.StateLabel())
	}
	if !b.Allow() {
		t.Error("closed breaker should allow calls")
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if b.StateLabel() != "closed" {
			t.Fatalf("should remain closed before threshold, iteration %d", i)
		}
	}

	b.RecordFailure()
	if b.StateLabel() != "open" {
		t.Errorf("should be open after reaching threshold, got %s", b.StateLabel())
	}
	if b.Allow() {
		t.Error("open breaker should reject calls")
	}
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	// Should need the full threshold again.
	b.RecordFailure()
	b.RecordFailure()
	if b.StateLabel() != "closed" {
		t.Error("success should have reset the consecutive-failure counter")
	}
}

func TestBreaker_HalfOpenProbeAfterCooldown(t *testing.T) {
	b := NewBreaker(1, time.Minute)

	now := time.Now()
	b.now = func() time.Time { return now }

	b.RecordFailure()
	if b.Allow() {
		t.Fatal("open breaker should reject before cooldown")
	}

	// Cooldown elapses: exactly one probe is let through.
	b.now = func() time.Time { return now.Add(time.Minute) }
	if !b.Allow() {
		t.Fatal("breaker should allow a probe after cooldown")
	}
	if b.StateLabel() != "half_open" {
		t.Fatalf("expected half_open, got %s", b.StateLabel())
	}
	if b.Allow() {
		t.Error("only one probe may be in flight")
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.RecordFailure()
	b.now = func() time.Time { return now.Add(time.Minute) }
	if !b.Allow() {
		t.Fatal("probe should be allowed")
	}

	b.RecordSuccess()
	if b.StateLabel() != "closed" {
		t.Errorf("successful probe should close the breaker, got %s", b.StateLabel())
	}
	if !b.Allow() {
		t.Error("closed breaker should allow calls")
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b := NewBreaker(5, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	b.now = func() time.Time { return now.Add(time.Minute) }
	if !b.Allow() {
		t.Fatal("probe should be allowed")
	}

	// A single failure in half-open reopens immediately, threshold or not.
	b.RecordFailure()
	if b.StateLabel() != "open" {
		t.Errorf("failed probe should reopen the breaker, got %s", b.StateLabel())
	}
	if b.Allow() {
		t.Error("cooldown should restart after a failed probe")
	}
}
