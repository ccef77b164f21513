package trade

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen int64 // unix nano
}

// RateLimiter holds one token bucket per user. Idle buckets are dropped by
// the janitor after ttl.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	rate    rate.Limit
	burst   int
	ttl     time.Duration
}

// NewRateLimiter allows perSecond requests per user with the given burst.
func NewRateLimiter(perSecond float64, burst int, ttl time.Duration) *RateLimiter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RateLimiter{
		entries: make(map[string]*limiterEntry, 1024),
		rate:    rate.Limit(perSecond),
		burst:   burst,
		ttl:     ttl,
	}
}

// Allow reports whether key may make a request now.
func (l *RateLimiter) Allow(key string) bool {
	now := time.Now().UnixNano()

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst), lastSeen: now}
		l.entries[key] = e
	} else {
		atomic.StoreInt64(&e.lastSeen, now)
	}
	l.mu.Unlock()

	return e.limiter.Allow()
}

// StartJanitor evicts idle buckets every interval until ctx is done.
func (l *RateLimiter) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.cleanup()
			}
		}
	}()
}

func (l *RateLimiter) cleanup() {
	cut := time.Now().Add(-l.ttl).UnixNano()

	l.mu.Lock()
	for k, e := range l.entries {
		if atomic.LoadInt64(&e.lastSeen) < cut {
			delete(l.entries, k)
		}
	}
	l.mu.Unlock()
}
