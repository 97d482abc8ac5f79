package ingress

import (
	"sync"
	"time"
)

// bucket is a single IP's token bucket: simple arithmetic, not worth a
// dependency (DESIGN.md).
type bucket struct {
	mu          sync.Mutex
	tokens      int
	windowStart time.Time
	lastSeen    time.Time
}

// limiter is the per-IP coarse rate limiter of §4.9: refills to `limit`
// tokens every `window`.
type limiter struct {
	buckets sync.Map // string(ip) -> *bucket
	limit   int
	window  time.Duration
}

func newLimiter(limit int, window time.Duration) *limiter {
	return &limiter{limit: limit, window: window}
}

// allow reports whether ip may proceed, consuming one token if so.
func (l *limiter) allow(ip string) bool {
	start := time.Now()
	v, _ := l.buckets.LoadOrStore(ip, &bucket{tokens: l.limit, windowStart: start, lastSeen: start})
	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if now.Sub(b.windowStart) >= l.window {
		b.tokens = l.limit
		b.windowStart = now
	}
	b.lastSeen = now

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// sweep drops buckets untouched for more than two windows, called from the
// shared cron job rather than a per-concern timer goroutine.
func (l *limiter) sweep() {
	cutoff := time.Now().Add(-2 * l.window)
	l.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		stale := b.lastSeen.Before(cutoff)
		b.mu.Unlock()
		if stale {
			l.buckets.Delete(key)
		}
		return true
	})
}
