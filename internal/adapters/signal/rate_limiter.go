package signal

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window limiter keyed by client token.
type RateLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

// Allow records an attempt for key and reports whether it fits the window.
// A non-positive limit disables limiting.
func (rl *RateLimiter) Allow(key string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[key]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[key] = fresh
		return false
	}

	fresh = append(fresh, now)
	rl.history[key] = fresh
	return true
}

// Forget drops the history of key.
func (rl *RateLimiter) Forget(key string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.history, key)
	rl.mu.Unlock()
}
