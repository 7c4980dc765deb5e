package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Default retry constants.
const (
	DefaultMaxAttempts = 3
	DefaultMaxBackoff  = 10 * time.Second

	backoffBase = time.Second
	jitterBound = 500 * time.Millisecond
)

// Executor runs operations with retry/backoff behind the circuit breaker.
// It is safe for concurrent use.
type Executor struct {
	breaker     *Breaker
	maxAttempts int
	maxBackoff  time.Duration
	log         *slog.Logger

	errorCount int64
	onRetry    func()

	// Injectable for tests.
	sleep  func(context.Context, time.Duration) error
	jitter func() time.Duration
}

// NewExecutor creates an Executor. A nil breaker disables fail-fast behaviour;
// a nil log falls back to slog.Default.
func NewExecutor(breaker *Breaker, maxAttempts int, maxBackoff time.Duration, log *slog.Logger) *Executor {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		breaker:     breaker,
		maxAttempts: maxAttempts,
		maxBackoff:  maxBackoff,
		log:         log,
		sleep:       sleepCtx,
		jitter:      func() time.Duration { return time.Duration(rand.Int63n(int64(jitterBound))) },
	}
}

// OnRetry registers a hook invoked once per retry, before the backoff sleep.
// Used for metrics. Must be set before the Executor is shared.
func (e *Executor) OnRetry(fn func()) {
	e.onRetry = fn
}

// Do runs fn up to the configured number of attempts, backing off between
// failures. Non-retryable errors (client mistakes, non-429 upstream 4xx) and a
// breaker-open rejection are returned immediately. On exhausting retries the
// error counter is incremented and the last error is returned unchanged.
func (e *Executor) Do(ctx context.Context, label string, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if e.breaker != nil && !e.breaker.Allow() {
			e.log.Warn("circuit_breaker_open", slog.String("op", label))
			atomic.AddInt64(&e.errorCount, 1)
			return ErrCircuitOpen
		}

		err := fn(ctx)
		if err == nil {
			if e.breaker != nil {
				e.breaker.RecordSuccess()
			}
			return nil
		}

		if e.breaker != nil {
			e.breaker.RecordFailure()
		}
		lastErr = err

		if !IsRetryable(err) {
			atomic.AddInt64(&e.errorCount, 1)
			return err
		}

		if attempt == e.maxAttempts-1 {
			break
		}

		if e.onRetry != nil {
			e.onRetry()
		}

		delay := e.backoff(attempt)
		e.log.Warn("retrying",
			slog.String("op", label),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		if err := e.sleep(ctx, delay); err != nil {
			atomic.AddInt64(&e.errorCount, 1)
			return err
		}
	}

	atomic.AddInt64(&e.errorCount, 1)
	return fmt.Errorf("resilience: %s failed after %d attempt(s): %w", label, e.maxAttempts, lastErr)
}

// ErrorCount returns the number of operations that ended in an error.
func (e *Executor) ErrorCount() int64 {
	return atomic.LoadInt64(&e.errorCount)
}

// backoff returns the delay before retrying after the given zero-based
// attempt: exponential from 1s, capped, plus bounded random jitter.
func (e *Executor) backoff(attempt int) time.Duration {
	d := backoffBase << attempt
	if d > e.maxBackoff || d <= 0 {
		d = e.maxBackoff
	}
	return d + e.jitter()
}

// IsRetryable reports whether an error is worth retrying.
//
//   - validation errors → never (client mistake; retrying is pointless)
//   - upstream 429      → retryable (rate limited)
//   - other upstream 4xx → not retryable
//   - 5xx, timeouts, network failures, unknown errors → retryable
func IsRetryable(err error) bool {
	var sc StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		if status == 429 {
			return true
		}
		return status < 400 || status >= 500
	}
	return true
}

// sleepCtx waits for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
