package middleware

import (
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/clinicguard/pkg/access"
	"github.com/platinummonkey/clinicguard/pkg/httputil"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per key
	RequestsPerSecond float64
	// BurstSize allows temporary bursts above the rate
	BurstSize int
	// MaxKeys bounds how many callers are tracked at once
	MaxKeys int
	// IdleTTL forgets a caller's bucket after this long without requests
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns per-user limits for the API
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerSecond: 20,
		BurstSize:         40,
		MaxKeys:           10000,
		IdleTTL:           10 * time.Minute,
	}
}

// ExportRateLimitConfig returns limits for bulk audit exports
func ExportRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerSecond: 1.0 / 60,
		BurstSize:         3,
		MaxKeys:           10000,
		IdleTTL:           30 * time.Minute,
	}
}

// RateLimiter keeps one token bucket per key
type RateLimiter struct {
	config  *RateLimitConfig
	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	return &RateLimiter{
		config:  config,
		buckets: expirable.NewLRU[string, *rate.Limiter](config.MaxKeys, nil, config.IdleTTL),
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if l, ok := rl.buckets.Get(key); ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize)
	rl.buckets.Add(key, l)
	return l
}

// Allow checks if a request is allowed for the given key
func (rl *RateLimiter) Allow(key string) bool {
	return rl.limiter(key).Allow()
}

// RetryAfter is how long until key has a token again, rounded up to seconds
func (rl *RateLimiter) RetryAfter(key string) time.Duration {
	r := rl.limiter(key).Reserve()
	delay := r.Delay()
	r.Cancel()
	return time.Duration(math.Ceil(delay.Seconds())) * time.Second
}

// RateLimitMiddleware limits authenticated callers by user and everyone
// else by client address
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + httputil.ClientIP(r)
			if ac, ok := access.FromContext(r.Context()); ok {
				key = "user:" + ac.UserID()
			}

			if !rl.Allow(key) {
				retry := rl.RetryAfter(key)
				if retry < time.Second {
					retry = time.Second
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retry.Seconds()))
				httputil.WriteTooManyRequests(w, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
