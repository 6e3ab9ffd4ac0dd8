package ratelimiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AttemptLimiter throttles password-unlock attempts with one token
// bucket per keystore path. Idle buckets are evicted opportunistically
// so long-running daemons do not accumulate entries.
type AttemptLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu     sync.Mutex
	byPath map[string]*bucket
	calls  uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewAttemptLimiter allows perMinute attempts with the given burst.
// Returns nil (limiting disabled) when the arguments are not positive.
func NewAttemptLimiter(perMinute float64, burst int, idleTTL time.Duration) *AttemptLimiter {
	if perMinute <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	return &AttemptLimiter{
		limit:   rate.Limit(perMinute / 60.0),
		burst:   burst,
		idleTTL: idleTTL,
		byPath:  make(map[string]*bucket),
	}
}

// Allow reports whether one attempt may proceed for the path at now.
// A nil limiter always allows.
func (l *AttemptLimiter) Allow(path string, now time.Time) bool {
	if l == nil || path == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byPath[path]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byPath[path] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.calls++
	if l.calls%256 == 0 {
		l.evictIdleLocked(now)
	}
	return allowed
}

func (l *AttemptLimiter) evictIdleLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for path, b := range l.byPath {
		if b.lastSeen.Before(cutoff) {
			delete(l.byPath, path)
		}
	}
}
