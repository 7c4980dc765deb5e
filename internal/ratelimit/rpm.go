// Package ratelimit implements per-client request-rate limiting using
// instance-local calendar-minute buckets.
//
// Counters are keyed by (client, minute). Buckets older than the previous
// minute are purged opportunistically on each check — there is no background
// sweep, matching the adapter's everything-instance-local resource model.
package ratelimit

import (
	"sync"
	"time"
)

type bucketKey struct {
	client string
	minute int64 // unix time / 60
}

// RPMLimiter enforces a per-client requests-per-minute limit.
// It is safe for concurrent use.
type RPMLimiter struct {
	mu     sync.Mutex
	counts map[bucketKey]int
	limit  int
	now    func() time.Time
}

// NewRPMLimiter creates an RPMLimiter with the given per-client limit.
// limit must be > 0; values ≤ 0 will block every request.
func NewRPMLimiter(limit int) *RPMLimiter {
	return &RPMLimiter{
		counts: make(map[bucketKey]int),
		limit:  limit,
		now:    time.Now,
	}
}

// Allow reports whether client may issue a request in the current
// calendar-minute bucket, incrementing its counter when allowed.
func (l *RPMLimiter) Allow(client string) bool {
	minute := l.now().Unix() / 60

	l.mu.Lock()
	defer l.mu.Unlock()

	// Drop buckets older than the previous minute while we're here.
	for k := range l.counts {
		if k.minute < minute-1 {
			delete(l.counts, k)
		}
	}

	key := bucketKey{client: client, minute: minute}
	if l.counts[key] >= l.limit {
		return false
	}
	l.counts[key]++
	return true
}
