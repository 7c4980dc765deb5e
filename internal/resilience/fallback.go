package resilience

import (
	"errors"
	"sync"
)

// ModelSelector tracks which model identifier upstream calls should use.
//
// The fallback switch is sticky: once the primary model has returned a
// "model not found" or "rate limited" status and a fallback is configured,
// every later call on this instance uses the fallback. It never reverts to
// the primary for the life of the instance.
type ModelSelector struct {
	mu       sync.Mutex
	primary  string
	fallback string
	active   bool
}

// NewModelSelector creates a selector for primary with an optional fallback.
// An empty fallback disables switching.
func NewModelSelector(primary, fallback string) *ModelSelector {
	return &ModelSelector{primary: primary, fallback: fallback}
}

// Current returns the model identifier calls should use right now.
func (s *ModelSelector) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return s.fallback
	}
	return s.primary
}

// Primary returns the configured primary model identifier.
func (s *ModelSelector) Primary() string {
	return s.primary
}

// FallbackActive reports whether the sticky switch has fired.
func (s *ModelSelector) FallbackActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Activate flips the sticky switch if err is a fallback trigger (upstream 404
// or 429), a fallback is configured, and the switch has not fired yet.
// Returns true exactly once — the caller should then retry the same logical
// call against the fallback model.
func (s *ModelSelector) Activate(err error) bool {
	if s.fallback == "" || !isFallbackTrigger(err) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return false
	}
	s.active = true
	return true
}

// isFallbackTrigger reports whether err indicates the primary model is
// unavailable (not found) or throttled (rate limited).
func isFallbackTrigger(err error) bool {
	var sc StatusCoder
	if !errors.As(err, &sc) {
		return false
	}
	status := sc.HTTPStatus()
	return status == 404 || status == 429
}
