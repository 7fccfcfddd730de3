// Package middleware contains the Gin middleware shared by the settlement API.
//
// This file implements a process-local token-bucket rate limiter with one
// bucket per client key (golang.org/x/time/rate). Idle buckets are evicted
// opportunistically so memory stays bounded. Operational endpoints such as
// /health and /metrics can be exempted so health checks never get throttled.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// keyFunc maps a request to its bucket identity.
type keyFunc func(*gin.Context) string

// KeyByClientIP keys buckets on the client address as resolved by gin
// (honouring trusted proxies).
func KeyByClientIP() keyFunc {
	return func(c *gin.Context) string { return "ip:" + c.ClientIP() }
}

// KeyByHeaderOrIP keys buckets on header when the caller sends one (for
// example an API client id) and on the client IP otherwise.
func KeyByHeaderOrIP(header string) keyFunc {
	return func(c *gin.Context) string {
		if v := c.GetHeader(header); v != "" {
			return "client:" + v
		}
		return "ip:" + c.ClientIP()
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token-bucket limiter. It is safe for concurrent
// use.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn keyFunc

	mu      sync.Mutex
	buckets map[string]*bucket
	exempt  map[string]struct{}

	ttl        time.Duration
	sweepEvery uint64
	lookups    uint64
}

// NewRateLimiter builds a limiter refilling rps tokens per second up to burst
// (coerced to at least 1). Requests whose route is in exempt skip limiting.
func NewRateLimiter(rps float64, burst int, keyFn keyFunc, exempt ...string) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	ex := make(map[string]struct{}, len(exempt))
	for _, p := range exempt {
		ex[p] = struct{}{}
	}
	return &RateLimiter{
		rps:        rate.Limit(rps),
		burst:      burst,
		keyFn:      keyFn,
		buckets:    make(map[string]*bucket),
		exempt:     ex,
		ttl:        10 * time.Minute,
		sweepEvery: 5000,
	}
}

// limiterFor returns key's limiter, creating it on first use. Every
// sweepEvery lookups, buckets idle for at least ttl are dropped first so a
// stale bucket is never refreshed by the lookup that should evict it.
func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lookups++
	if rl.lookups >= rl.sweepEvery {
		for k, b := range rl.buckets {
			if now.Sub(b.lastSeen) >= rl.ttl {
				delete(rl.buckets, k)
			}
		}
		rl.lookups = 0
	}

	if b, ok := rl.buckets[key]; ok {
		b.lastSeen = now
		return b.limiter
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.buckets[key] = &bucket{limiter: lim, lastSeen: now}
	return lim
}

// Handler enforces the limit, answering 429 with Retry-After and the
// standard error envelope when a bucket is empty.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := rl.exempt[c.FullPath()]; ok {
			c.Next()
			return
		}
		if rl.limiterFor(rl.keyFn(c)).Allow() {
			c.Next()
			return
		}
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}
