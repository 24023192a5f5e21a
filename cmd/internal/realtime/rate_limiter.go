package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a per-session fixed-window counter.
//
// At most limit events are allowed per window; the window restarts with the first event
// observed after it elapsed. Exceeding the bound is a soft rejection, never a disconnect.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration

	count int
	start time.Time
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at time "now" should be permitted and counts it if so.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.start.IsZero() || now.Sub(r.start) >= r.window {
		r.start = now
		r.count = 0
	}

	if r.count >= r.limit {
		return false
	}
	r.count++
	return true
}

// RetryAfter returns how long until the current window resets (0 when events are allowed).
func (r *RateLimiter) RetryAfter(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.start.IsZero() || r.count < r.limit {
		return 0
	}
	if d := r.start.Add(r.window).Sub(now); d > 0 {
		return d
	}
	return 0
}
