package governance

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines a per-source token bucket.
type RateLimiterConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst"`
}

// RateLimiter throttles calls per source. Sources without a configuration are unlimited.
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	config   map[string]RateLimiterConfig
}

// NewRateLimiter creates a rate limiter with the provided configuration.
func NewRateLimiter(config map[string]RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{}
	rl.Configure(config)
	return rl
}

// Configure replaces the per-source limits, keeping existing buckets where possible.
func (rl *RateLimiter) Configure(config map[string]RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiters := make(map[string]*rate.Limiter, len(config))
	cfgCopy := make(map[string]RateLimiterConfig, len(config))
	for source, cfg := range config {
		if cfg.BurstSize <= 0 {
			cfg.BurstSize = 1
		}
		cfgCopy[source] = cfg
		if existing, ok := rl.limiters[source]; ok {
			existing.SetLimit(rate.Limit(cfg.RequestsPerSecond))
			existing.SetBurst(cfg.BurstSize)
			limiters[source] = existing
			continue
		}
		limiters[source] = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize)
	}
	rl.limiters = limiters
	rl.config = cfgCopy
}

// Allow reports whether a call to source may proceed now.
func (rl *RateLimiter) Allow(source string) bool {
	rl.mu.RLock()
	limiter, ok := rl.limiters[source]
	rl.mu.RUnlock()
	if !ok {
		return true
	}
	return limiter.Allow()
}

// RateLimitStats exposes the configured limit and available tokens of a source.
type RateLimitStats struct {
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	BurstSize         int     `json:"burstSize"`
	Tokens            float64 `json:"tokens"`
}

// Stats returns current rate limit statistics for all sources.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	stats := make(map[string]RateLimitStats, len(rl.limiters))
	for source, limiter := range rl.limiters {
		cfg := rl.config[source]
		stats[source] = RateLimitStats{
			RequestsPerSecond: cfg.RequestsPerSecond,
			BurstSize:         cfg.BurstSize,
			Tokens:            limiter.Tokens(),
		}
	}
	return stats
}
