package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/sessionbridge/pkg/httputil"
	"github.com/platinummonkey/sessionbridge/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultRateLimitConfig returns the limit applied to the unauthenticated
// token routes
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 30,
		WindowDuration:    time.Minute,
		BurstSize:         5,
	}
}

// Limiter decides whether one more request for key is allowed
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// LocalRateLimiter is an in-process token bucket per key. Idle keys are
// evicted so the key space stays bounded.
type LocalRateLimiter struct {
	config  *RateLimitConfig
	buckets *expirable.LRU[string, *rate.Limiter]
}

// NewLocalRateLimiter creates a new in-process rate limiter
func NewLocalRateLimiter(config *RateLimitConfig) *LocalRateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	return &LocalRateLimiter{
		config:  config,
		buckets: expirable.NewLRU[string, *rate.Limiter](10000, nil, config.WindowDuration*2),
	}
}

// Allow implements Limiter. It never fails.
func (rl *LocalRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	b, ok := rl.buckets.Get(key)
	if !ok {
		perSecond := float64(rl.config.RequestsPerWindow) / rl.config.WindowDuration.Seconds()
		b = rate.NewLimiter(rate.Limit(perSecond), rl.config.RequestsPerWindow+rl.config.BurstSize)
		rl.buckets.Add(key, b)
	}
	return b.Allow(), nil
}

// RateLimit limits requests per client IP on one route. Limiter errors
// fail open so a Redis outage does not take the exchange down.
func RateLimit(limiter Limiter, route string, config *RateLimitConfig, logger *observability.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := route + ":" + httputil.ClientIP(r)

			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.WithError(err).WithField("route", route).Warn("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				metrics.RecordRateLimited(route)
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", config.WindowDuration.Seconds()))
				w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", config.RequestsPerWindow))
				httputil.WriteTooManyRequests(w, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
