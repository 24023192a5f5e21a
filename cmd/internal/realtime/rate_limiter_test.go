package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_FixedWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, 2*time.Second)

	for i := 0; i < 3; i++ {
		if !rl.Allow(now.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(now.Add(500 * time.Millisecond)) {
		t.Fatalf("4th event inside the window must be rejected")
	}
	if got := rl.RetryAfter(now.Add(500 * time.Millisecond)); got != 1500*time.Millisecond {
		t.Fatalf("RetryAfter=%v want=1.5s", got)
	}

	// Rejections do not extend the window.
	if rl.Allow(now.Add(1999 * time.Millisecond)) {
		t.Fatalf("event before window end must be rejected")
	}
	if !rl.Allow(now.Add(2 * time.Second)) {
		t.Fatalf("event after window reset should be allowed")
	}
	if got := rl.RetryAfter(now.Add(2 * time.Second)); got != 0 {
		t.Fatalf("RetryAfter=%v want=0", got)
	}
}

func TestRateLimiter_InvalidInputsUseDefaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if rl.limit != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("defaults not applied: limit=%d window=%v", rl.limit, rl.window)
	}
}
