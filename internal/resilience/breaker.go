// Package resilience wraps upstream calls with retry/backoff, a circuit
// breaker, and sticky model fallback.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without attempting the operation while the
// breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit breaker open")

// breakerState represents the operational state of the circuit breaker.
//
//	stateClosed   — normal operation; all calls pass through.
//	stateOpen     — upstream is failing; calls are rejected immediately.
//	stateHalfOpen — recovery probe; exactly one call is allowed through.
type breakerState int

const (
	stateClosed   breakerState = 0
	stateOpen     breakerState = 1
	stateHalfOpen breakerState = 2
)

// Default breaker constants.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

// Breaker is a consecutive-failure circuit breaker for the upstream API.
// It is safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	state         breakerState
	failures      int       // consecutive failures
	lastFailure   time.Time // timestamp of the most recent failure
	openedAt      time.Time // when the breaker tripped (drives the cooldown)
	probeInflight bool      // true while a half-open probe is in flight

	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewBreaker creates a closed Breaker. Non-positive arguments fall back to the
// package defaults.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{
		state:     stateClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether the next call should be attempted.
//
//   - Closed   → always true.
//   - Open     → false, unless the cooldown has elapsed, in which case the
//     breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true

	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			// Transition to half-open: allow exactly one probe call.
			b.state = stateHalfOpen
			b.probeInflight = true
			return true
		}
		return false

	case stateHalfOpen:
		if b.probeInflight {
			return false
		}
		b.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess resets the breaker to Closed regardless of its previous state.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = stateClosed
	b.failures = 0
	b.probeInflight = false
}

// RecordFailure increments the consecutive-failure counter. The breaker opens
// when the counter reaches the threshold, and reopens immediately on a failed
// half-open probe.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failures++
	b.lastFailure = now

	if b.state == stateHalfOpen || b.failures >= b.threshold {
		b.state = stateOpen
		b.openedAt = now
		b.probeInflight = false
	}
}

// StateCode returns the numeric state for metrics export:
// 0=closed, 1=open, 2=half-open.
func (b *Breaker) StateCode() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(b.state)
}

// StateLabel returns a human-readable state name: "closed", "open", or
// "half_open" (useful for metrics export).
func (b *Breaker) StateLabel() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
