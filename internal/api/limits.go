package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// IPRateLimiter implements a per-IP token bucket rate limiter
type IPRateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	interval time.Duration
	burst    int
	lastGC   time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

func newIPRateLimiter(interval time.Duration, burst int) *IPRateLimiter {
	return &IPRateLimiter{
		buckets:  make(map[string]*bucket),
		interval: interval,
		burst:    burst,
		lastGC:   time.Now(),
	}
}

// Allow reports whether a request from ip may proceed
func (l *IPRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastGC) > 10*time.Minute {
		l.gc(now)
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{tokens: float64(l.burst), lastFill: now}
		l.buckets[ip] = b
	}

	elapsed := now.Sub(b.lastFill)
	refill := float64(elapsed) / float64(l.interval)
	b.tokens += refill
	if b.tokens > float64(l.burst) {
		b.tokens = float64(l.burst)
	}
	b.lastFill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// gc drops buckets idle long enough to have fully refilled
func (l *IPRateLimiter) gc(now time.Time) {
	idle := time.Duration(l.burst) * l.interval
	if idle < time.Minute {
		idle = time.Minute
	}
	for ip, b := range l.buckets {
		if now.Sub(b.lastFill) > idle {
			delete(l.buckets, ip)
		}
	}
	l.lastGC = now
}

func rateLimitMiddleware(limiter *IPRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error:   "rate_limited",
				Message: "too many requests",
				Code:    http.StatusTooManyRequests,
			})
			return
		}
		c.Next()
	}
}

func bodyLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
