// Package flow implements process-level flow control for the proxy: a
// fixed-window rate limiter, per-backend circuit breakers, a bounded
// request queue, and per-request latency records.
package flow

import (
	"sync"
	"time"
)

// RateLimiter is a global fixed-window counter: at most maxPerSecond
// admissions per wall-clock second across the whole proxy process.
type RateLimiter struct {
	mu           sync.Mutex
	maxPerSecond int
	window       time.Time
	count        int
	now          func() time.Time
}

// NewRateLimiter creates a limiter. maxPerSecond <= 0 disables limiting.
func NewRateLimiter(maxPerSecond int) *RateLimiter {
	return &RateLimiter{
		maxPerSecond: maxPerSecond,
		now:          time.Now,
	}
}

// SetClock replaces the limiter's clock. For tests.
func (r *RateLimiter) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Allow reports whether one more request fits in the current window.
func (r *RateLimiter) Allow() bool {
	if r.maxPerSecond <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	window := r.now().Truncate(time.Second)
	if !window.Equal(r.window) {
		r.window = window
		r.count = 0
	}

	if r.count >= r.maxPerSecond {
		return false
	}
	r.count++
	return true
}
