package engine

import (
	"sync"

	"golang.org/x/time/rate"
)

// tokenBucketLimiter keeps one token bucket per worker id, protecting the
// queue from directed-claim storms by a misbehaving worker.
type tokenBucketLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit
	b        int
}

// newTokenBucketLimiter creates a limiter with rate r tokens per second
// and burst b. A rate <= 0 disables limiting entirely.
func newTokenBucketLimiter(r float64, b int) *tokenBucketLimiter {
	if r <= 0 {
		return nil
	}
	if b < 1 {
		b = 1
	}
	return &tokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// allow checks whether the key may proceed. A nil limiter always allows.
func (l *tokenBucketLimiter) allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = limiter
	}
	return limiter.Allow()
}
