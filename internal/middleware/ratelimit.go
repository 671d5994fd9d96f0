package middleware

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const localLimiterTTL = 10 * time.Minute

// LocalLimiter is an in-process token bucket per caller. It stands in for the
// Redis limiter when no cache is configured, so limits hold per instance only.
type LocalLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*localEntry
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

type localEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewLocalLimiter allows maxRequests per window for every key, with the
// whole allowance available as burst.
func NewLocalLimiter(maxRequests int64, window time.Duration) *LocalLimiter {
	return &LocalLimiter{
		limiters: make(map[string]*localEntry),
		limit:    rate.Limit(float64(maxRequests) / window.Seconds()),
		burst:    int(maxRequests),
		now:      time.Now,
	}
}

// Allow reports whether key may make another request now.
func (l *LocalLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	entry, ok := l.limiters[key]
	if !ok {
		entry = &localEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastAccess = now
	return entry.limiter.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// sweep drops idle entries at most once per TTL. Caller holds mu.
func (l *LocalLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < localLimiterTTL {
		return
	}
	l.lastSweep = now

	cutoff := now.Add(-localLimiterTTL)
	for key, entry := range l.limiters {
		if entry.lastAccess.Before(cutoff) {
			delete(l.limiters, key)
		}
	}
}
