package kernel

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRateLimiter(cfg RateLimitConfig) (*RateLimiter, *fakeClock) {
	r := NewRateLimiter(cfg, zerolog.Nop())
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r.clock = clock.Now
	return r, clock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	limiter, _ := newTestRateLimiter(RateLimitConfig{RequestsPerMinute: 3})

	for i := 0; i < 3; i++ {
		result := limiter.CheckRateLimit("user-1", "", true)
		assert.False(t, result.Exceeded)
	}

	result := limiter.CheckRateLimit("user-1", "", true)
	assert.True(t, result.Exceeded)
	assert.Equal(t, "minute", result.LimitType)
}

func TestRateLimiterSlidingWindowExpiresOldRequests(t *testing.T) {
	limiter, clock := newTestRateLimiter(RateLimitConfig{RequestsPerMinute: 1})

	first := limiter.CheckRateLimit("user-1", "", true)
	assert.False(t, first.Exceeded)

	second := limiter.CheckRateLimit("user-1", "", true)
	assert.True(t, second.Exceeded)

	clock.Advance(61 * time.Second)
	third := limiter.CheckRateLimit("user-1", "", true)
	assert.False(t, third.Exceeded, "requests older than the window no longer count")
}

func TestRateLimiterEndpointOverrideTakesPrecedenceOverUser(t *testing.T) {
	limiter, _ := newTestRateLimiter(RateLimitConfig{RequestsPerMinute: 100})
	limiter.SetUserLimits("user-1", RateLimitConfig{RequestsPerMinute: 50})
	limiter.SetEndpointLimits("/submit", RateLimitConfig{RequestsPerMinute: 1})

	first := limiter.CheckRateLimit("user-1", "/submit", true)
	assert.False(t, first.Exceeded)
	second := limiter.CheckRateLimit("user-1", "/submit", true)
	assert.True(t, second.Exceeded, "endpoint override (1/min) wins over the looser user override (50/min)")
}

func TestRateLimiterCheckOnlyDoesNotRecord(t *testing.T) {
	limiter, _ := newTestRateLimiter(RateLimitConfig{RequestsPerMinute: 1})

	peek := limiter.CheckRateLimit("user-1", "", false)
	require.False(t, peek.Exceeded)

	usage := limiter.GetUsage("user-1", "")
	assert.Equal(t, 0, usage["minute"].Current, "record=false must not consume a slot")
}

func TestRateLimiterResetUserClearsAllWindows(t *testing.T) {
	limiter, _ := newTestRateLimiter(RateLimitConfig{RequestsPerMinute: 1})
	limiter.CheckRateLimit("user-1", "", true)

	removed := limiter.ResetUser("user-1")
	assert.Positive(t, removed)

	result := limiter.CheckRateLimit("user-1", "", true)
	assert.False(t, result.Exceeded, "reset user can immediately make another request")
}
