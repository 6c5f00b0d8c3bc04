package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(2, 10*time.Second)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	now = now.Add(4 * time.Second)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "keys are independent")

	now = now.Add(7 * time.Second)
	assert.True(t, rl.Allow("a"), "first attempt left the window")
	assert.False(t, rl.Allow("a"))

	rl.Forget("a")
	assert.True(t, rl.Allow("a"))
}

func TestRateLimiterDisabled(t *testing.T) {
	var nilLimiter *RateLimiter
	assert.True(t, nilLimiter.Allow("a"))

	off := NewRateLimiter(0, time.Second)
	for i := 0; i < 100; i++ {
		assert.True(t, off.Allow("a"))
	}
}
