package ratelimiter

import "sync"

// RateLimiter is the interface for rate limiting.
type RateLimiter interface {
	// Allow returns true if the request is allowed, otherwise returns false.
	Allow() bool
}

// Keyed hands out one limiter per key (for example per client IP).
type Keyed struct {
	mu       sync.Mutex
	limiters map[string]RateLimiter
	newFn    func() RateLimiter
	maxKeys  int
}

// NewKeyed creates a Keyed limiter. When more than maxKeys keys are tracked the
// table is reset; maxKeys <= 0 means 10000.
func NewKeyed(newFn func() RateLimiter, maxKeys int) *Keyed {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	return &Keyed{limiters: make(map[string]RateLimiter), newFn: newFn, maxKeys: maxKeys}
}

// Allow consumes from the limiter for key.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	l, ok := k.limiters[key]
	if !ok {
		if len(k.limiters) >= k.maxKeys {
			k.limiters = make(map[string]RateLimiter)
		}
		l = k.newFn()
		k.limiters[key] = l
	}
	k.mu.Unlock()
	return l.Allow()
}
