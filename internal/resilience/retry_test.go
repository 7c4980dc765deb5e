package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/edgepilot/llm-adapter/internal/validate"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// statusErr is a test error carrying an upstream HTTP status.
type statusErr struct{ status int }

func (e *statusErr) Error() string   { return "upstream error" }
func (e *statusErr) HTTPStatus() int { return e.status }

// newTestExecutor returns an Executor with deterministic zero jitter that
// records backoff delays instead of sleeping.
func newTestExecutor(breaker *Breaker, attempts int) (*Executor, *[]time.Duration) {
	e := NewExecutor(breaker, attempts, 4*time.Second, discard())
	delays := &[]time.Duration{}
	e.jitter = func() time.Duration { return 0 }
	e.sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return e, delays
}

func TestExecutor_SucceedsAfterTransientFailures(t *testing.T) {
	e, delays := newTestExecutor(nil, 4)

	calls := 0
	err := e.Do(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 4 {
			return &statusErr{status: 500}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4", calls)
	}

	// (N-1) backoff delays, each non-decreasing up to the cap.
	if len(*delays) != 3 {
		t.Fatalf("recorded %d delays, want 3", len(*delays))
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, d := range *delays {
		if d != want[i] {
			t.Errorf("delay %d = %v, want %v", i, d, want[i])
		}
	}
}

func TestExecutor_BackoffCapped(t *testing.T) {
	e, delays := newTestExecutor(nil, 6)
	e.maxBackoff = 2 * time.Second

	_ = e.Do(context.Background(), "op", func(context.Context) error {
		return &statusErr{status: 503}
	})

	if len(*delays) != 5 {
		t.Fatalf("recorded %d delays, want 5", len(*delays))
	}
	prev := time.Duration(0)
	for i, d := range *delays {
		if d < prev {
			t.Errorf("delay %d = %v decreased from %v", i, d, prev)
		}
		if d > 2*time.Second {
			t.Errorf("delay %d = %v exceeds cap", i, d)
		}
		prev = d
	}
}

func TestExecutor_ExhaustedRetriesReturnsLastError(t *testing.T) {
	e, _ := newTestExecutor(nil, 3)

	calls := 0
	last := &statusErr{status: 502}
	err := e.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return last
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !errors.Is(err, last) {
		t.Fatalf("error should wrap the last failure, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if e.ErrorCount() != 1 {
		t.Fatalf("ErrorCount = %d, want 1", e.ErrorCount())
	}
}

func TestExecutor_ValidationErrorNotRetried(t *testing.T) {
	e, delays := newTestExecutor(nil, 3)

	calls := 0
	verr := &validate.ValidationError{Reason: "bad body"}
	err := e.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return verr
	})
	if !errors.Is(err, verr) {
		t.Fatalf("validation error should be rethrown unchanged, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (zero retries)", calls)
	}
	if len(*delays) != 0 {
		t.Fatalf("no backoff should be recorded, got %d", len(*delays))
	}
}

func TestExecutor_4xxNotRetriedExcept429(t *testing.T) {
	e, _ := newTestExecutor(nil, 3)

	calls := 0
	err := e.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return &statusErr{status: 400}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("400 should not be retried, calls = %d", calls)
	}

	calls = 0
	_ = e.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return &statusErr{status: 429}
	})
	if calls != 3 {
		t.Fatalf("429 should be retried, calls = %d", calls)
	}
}

func TestExecutor_BreakerOpenFailsFast(t *testing.T) {
	b := NewBreaker(2, time.Minute)
	e, _ := newTestExecutor(b, 3)

	// Trip the breaker.
	_ = e.Do(context.Background(), "op", func(context.Context) error {
		return &statusErr{status: 500}
	})
	if b.StateLabel() != "open" {
		t.Fatalf("breaker should be open, got %s", b.StateLabel())
	}

	calls := 0
	err := e.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("open breaker must not invoke the operation, calls = %d", calls)
	}
}

func TestExecutor_BreakerProbeAfterCooldown(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }
	e, _ := newTestExecutor(b, 1)

	_ = e.Do(context.Background(), "op", func(context.Context) error {
		return &statusErr{status: 500}
	})

	// Cooldown elapses: exactly the next call goes through as a probe.
	b.now = func() time.Time { return now.Add(time.Minute) }
	calls := 0
	err := e.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("probe should succeed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if b.StateLabel() != "closed" {
		t.Errorf("successful probe should fully close the breaker, got %s", b.StateLabel())
	}
}

func TestModelSelector_StickyFallback(t *testing.T) {
	s := NewModelSelector("primary-model", "fallback-model")

	if s.Current() != "primary-model" {
		t.Fatalf("Current = %s, want primary", s.Current())
	}

	if !s.Activate(&statusErr{status: 404}) {
		t.Fatal("404 with a configured fallback should activate")
	}
	if s.Current() != "fallback-model" {
		t.Fatalf("Current = %s, want fallback", s.Current())
	}
	if !s.FallbackActive() {
		t.Fatal("fallback flag should be set")
	}

	// One-way: a second trigger does not re-fire, and nothing reverts.
	if s.Activate(&statusErr{status: 429}) {
		t.Error("fallback must activate at most once per instance")
	}
	if s.Current() != "fallback-model" {
		t.Error("fallback must remain active for the instance lifetime")
	}
}

func TestModelSelector_NoFallbackConfigured(t *testing.T) {
	s := NewModelSelector("primary-model", "")
	if s.Activate(&statusErr{status: 404}) {
		t.Error("no fallback configured — must not activate")
	}
	if s.Current() != "primary-model" {
		t.Error("primary stays current")
	}
}

func TestModelSelector_OnlySpecificStatusesTrigger(t *testing.T) {
	s := NewModelSelector("primary-model", "fallback-model")
	if s.Activate(&statusErr{status: 500}) {
		t.Error("500 is retryable, not a fallback trigger")
	}
	if s.Activate(errors.New("network down")) {
		t.Error("plain network errors are not fallback triggers")
	}
}
