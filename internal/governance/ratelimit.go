package governance

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterConfig is the token bucket of one destination.
type RateLimiterConfig struct {
	RequestsPerSecond int `yaml:"requestsPerSecond" json:"requestsPerSecond"`
	BurstSize         int `yaml:"burstSize" json:"burstSize"`
}

func (c RateLimiterConfig) limits() (rate.Limit, int) {
	rps := c.RequestsPerSecond
	if rps <= 0 {
		rps = 100
	}
	burst := c.BurstSize
	if burst <= 0 {
		burst = rps
	}
	return rate.Limit(rps), burst
}

// RateLimiter keeps one limiter per destination id. Destinations without
// configuration are never limited. A nil RateLimiter allows everything.
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter for the configured destinations.
func NewRateLimiter(config map[string]RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{limiters: make(map[string]*rate.Limiter)}
	rl.Configure(config)
	return rl
}

// Configure replaces the per-destination limits. Destinations that stay
// configured keep their current tokens.
func (rl *RateLimiter) Configure(config map[string]RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	next := make(map[string]*rate.Limiter, len(config))
	for id, cfg := range config {
		limit, burst := cfg.limits()
		if existing, ok := rl.limiters[id]; ok {
			existing.SetLimit(limit)
			existing.SetBurst(burst)
			next[id] = existing
			continue
		}
		next[id] = rate.NewLimiter(limit, burst)
	}
	rl.limiters = next
}

// Allow reports whether a call to destinationID may proceed now.
func (rl *RateLimiter) Allow(destinationID string) bool {
	if rl == nil {
		return true
	}
	rl.mu.RLock()
	limiter, ok := rl.limiters[destinationID]
	rl.mu.RUnlock()
	return !ok || limiter.Allow()
}
