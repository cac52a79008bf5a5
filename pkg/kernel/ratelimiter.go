package kernel

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxforge/controltower/pkg/observability"
)

// RateLimitConfig is the effective per-window cap set for a user or
// endpoint. A cap of 0 disables that window's check.
type RateLimitConfig struct {
	RequestsPerMinute int
	RequestsPerHour   int
	RequestsPerDay    int
}

// DefaultRateLimitConfig mirrors a conservative out-of-the-box policy.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerMinute: 60, RequestsPerHour: 1000, RequestsPerDay: 10000}
}

// RateLimitResult is the outcome of a rate-limit check.
type RateLimitResult struct {
	Exceeded   bool
	LimitType  string
	Current    int
	Limit      int
	RetryAfter time.Duration
	Remaining  int
}

type windowKey struct {
	userID, endpoint, windowType string
}

// slidingWindow buckets requests into bucketCount sub-buckets covering
// windowSeconds total, evicting buckets older than the window on every
// access so counts never include stale requests.
type slidingWindow struct {
	windowSeconds int64
	bucketCount   int64
	buckets       map[int64]int
	totalCount    int
}

func newSlidingWindow(windowSeconds int64) *slidingWindow {
	return &slidingWindow{windowSeconds: windowSeconds, bucketCount: 10, buckets: make(map[int64]int)}
}

func (w *slidingWindow) bucketSize() float64 {
	return float64(w.windowSeconds) / float64(w.bucketCount)
}

func (w *slidingWindow) currentBucket(ts float64) int64 {
	return int64(ts / w.bucketSize())
}

// evict drops buckets older than the window, returning the index of the
// oldest bucket still inside it.
func (w *slidingWindow) evict(ts float64) int64 {
	current := w.currentBucket(ts)
	minBucket := current - w.bucketCount
	for b, c := range w.buckets {
		if b < minBucket {
			w.totalCount -= c
			delete(w.buckets, b)
		}
	}
	return minBucket
}

func (w *slidingWindow) getCount(ts float64) int {
	minBucket := w.evict(ts)
	count := 0
	for b, c := range w.buckets {
		if b >= minBucket {
			count += c
		}
	}
	return count
}

func (w *slidingWindow) record(ts float64) int {
	current := w.currentBucket(ts)
	w.evict(ts)
	w.buckets[current]++
	w.totalCount++
	return w.getCount(ts)
}

// timeUntilSlotAvailable returns a guarantee-free upper bound on when a
// request would be allowed, not an exact retry time: it estimates from
// the oldest bucket whose expiry would bring the count under limit.
func (w *slidingWindow) timeUntilSlotAvailable(ts float64, limit int) time.Duration {
	if w.getCount(ts) < limit {
		return 0
	}
	minBucket := w.currentBucket(ts) - w.bucketCount

	type kv struct {
		bucket int64
		count  int
	}
	var sorted []kv
	for b, c := range w.buckets {
		if b >= minBucket {
			sorted = append(sorted, kv{b, c})
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].bucket < sorted[j].bucket })

	excess := w.getCount(ts) - limit + 1
	expired := 0
	for _, e := range sorted {
		expired += e.count
		if expired >= excess {
			bucketEnd := float64(e.bucket+1) * w.bucketSize()
			remain := bucketEnd - ts + float64(w.windowSeconds)
			if remain < 0 {
				remain = 0
			}
			return time.Duration(remain * float64(time.Second))
		}
	}
	return time.Duration(w.windowSeconds) * time.Second
}

// RateLimiter implements sliding-window rate limiting across minute,
// hour, and day windows, with per-endpoint configs taking precedence
// over per-user configs, which fall back to a default config.
type RateLimiter struct {
	mu             sync.Mutex
	log            zerolog.Logger
	defaultConfig  RateLimitConfig
	userConfigs    map[string]RateLimitConfig
	endpointConfig map[string]RateLimitConfig
	windows        map[windowKey]*slidingWindow
	clock          func() time.Time
}

// NewRateLimiter constructs a rate limiter with the given default config.
func NewRateLimiter(defaultConfig RateLimitConfig, log zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		log:            log.With().Str("component", "rate_limiter").Logger(),
		defaultConfig:  defaultConfig,
		userConfigs:    make(map[string]RateLimitConfig),
		endpointConfig: make(map[string]RateLimitConfig),
		windows:        make(map[windowKey]*slidingWindow),
		clock:          time.Now,
	}
}

// SetUserLimits installs a per-user override config.
func (r *RateLimiter) SetUserLimits(userID string, cfg RateLimitConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userConfigs[userID] = cfg
}

// SetEndpointLimits installs a per-endpoint override config, which takes
// precedence over any per-user config for that endpoint.
func (r *RateLimiter) SetEndpointLimits(endpoint string, cfg RateLimitConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpointConfig[endpoint] = cfg
}

func (r *RateLimiter) effectiveConfigLocked(userID, endpoint string) RateLimitConfig {
	if endpoint != "" {
		if cfg, ok := r.endpointConfig[endpoint]; ok {
			return cfg
		}
	}
	if cfg, ok := r.userConfigs[userID]; ok {
		return cfg
	}
	return r.defaultConfig
}

var windowSpecs = []struct {
	name    string
	seconds int64
	limitOf func(RateLimitConfig) int
}{
	{"minute", 60, func(c RateLimitConfig) int { return c.RequestsPerMinute }},
	{"hour", 3600, func(c RateLimitConfig) int { return c.RequestsPerHour }},
	{"day", 86400, func(c RateLimitConfig) int { return c.RequestsPerDay }},
}

// CheckRateLimit evaluates minute/hour/day windows in order, returning
// the first exceeded window. When record is true and every window
// passes, the request is recorded into all three windows.
func (r *RateLimiter) CheckRateLimit(userID, endpoint string, record bool) RateLimitResult {
	if endpoint == "" {
		endpoint = "default"
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := float64(r.clock().UnixNano()) / float64(time.Second)
	cfg := r.effectiveConfigLocked(userID, endpoint)

	for _, spec := range windowSpecs {
		limit := spec.limitOf(cfg)
		if limit <= 0 {
			continue
		}
		key := windowKey{userID, endpoint, spec.name}
		w, ok := r.windows[key]
		if !ok {
			w = newSlidingWindow(spec.seconds)
			r.windows[key] = w
		}
		current := w.getCount(now)
		if current >= limit {
			retryAfter := w.timeUntilSlotAvailable(now, limit)
			r.log.Warn().Str("user_id", userID).Str("endpoint", endpoint).
				Str("limit_type", spec.name).Int("current", current).Int("limit", limit).Msg("rate_limit_exceeded")
			observability.RateLimitRejections.WithLabelValues(spec.name).Inc()
			return RateLimitResult{Exceeded: true, LimitType: spec.name, Current: current, Limit: limit, RetryAfter: retryAfter}
		}
	}

	if record {
		for _, spec := range windowSpecs {
			limit := spec.limitOf(cfg)
			if limit <= 0 {
				continue
			}
			key := windowKey{userID, endpoint, spec.name}
			w, ok := r.windows[key]
			if !ok {
				w = newSlidingWindow(spec.seconds)
				r.windows[key] = w
			}
			w.record(now)
		}
	}

	remaining := cfg.RequestsPerMinute
	if w, ok := r.windows[windowKey{userID, endpoint, "minute"}]; ok {
		remaining = cfg.RequestsPerMinute - w.getCount(now)
	}
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{Remaining: remaining}
}

// GetUsage reports current/limit/remaining for each window type.
func (r *RateLimiter) GetUsage(userID, endpoint string) map[string]RateLimitResult {
	if endpoint == "" {
		endpoint = "default"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := float64(r.clock().UnixNano()) / float64(time.Second)
	cfg := r.effectiveConfigLocked(userID, endpoint)

	out := make(map[string]RateLimitResult, len(windowSpecs))
	for _, spec := range windowSpecs {
		limit := spec.limitOf(cfg)
		current := 0
		if w, ok := r.windows[windowKey{userID, endpoint, spec.name}]; ok {
			current = w.getCount(now)
		}
		remaining := limit - current
		if remaining < 0 {
			remaining = 0
		}
		out[spec.name] = RateLimitResult{Current: current, Limit: limit, Remaining: remaining}
	}
	return out
}

// ResetUser clears every window tracked for userID, returning the count removed.
func (r *RateLimiter) ResetUser(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k := range r.windows {
		if k.userID == userID {
			delete(r.windows, k)
			n++
		}
	}
	return n
}

// CleanupExpired drops windows with no surviving buckets, bounding memory
// growth across long-lived user/endpoint pairs. Intended to run on a
// periodic sweep.
func (r *RateLimiter) CleanupExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := float64(r.clock().UnixNano()) / float64(time.Second)
	n := 0
	for k, w := range r.windows {
		if w.getCount(now) == 0 && len(w.buckets) == 0 {
			delete(r.windows, k)
			n++
		}
	}
	return n
}
