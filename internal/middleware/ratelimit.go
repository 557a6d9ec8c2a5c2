package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"callsignal-backend/internal/database"
	"callsignal-backend/pkg/logger"
	"callsignal-backend/pkg/response"
)

// RateLimiter is a fixed-window limiter keyed by user (or IP before auth).
// Counters live in Redis; while Redis is degraded an in-process counter takes over.
type RateLimiter struct {
	redis    *database.RedisClient
	fallback *InMemoryRateLimiter
	requests int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter. redis may be nil, in which case
// only the in-memory counter is used.
func NewRateLimiter(redis *database.RedisClient, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redis:    redis,
		fallback: NewInMemoryRateLimiter(),
		requests: requests,
		window:   window,
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID, ok := UserID(c); ok {
			identifier = "user:" + userID.String()
		}

		now := time.Now()
		count, resetAt, err := rl.count(c.Request.Context(), identifier, now)
		if err != nil {
			logger.Warn("Rate limit check failed, allowing request",
				zap.String("identifier", identifier),
				zap.Error(err))
			c.Next()
			return
		}

		remaining := rl.requests - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if count > rl.requests {
			c.Header("Retry-After", strconv.Itoa(int(time.Until(resetAt).Seconds())+1))
			response.Error(c, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded")
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) count(ctx context.Context, identifier string, now time.Time) (int, time.Time, error) {
	windowStart := now.Truncate(rl.window)
	resetAt := windowStart.Add(rl.window)

	if rl.redis == nil || rl.redis.IsDegraded() {
		return rl.fallback.Incr(identifier, windowStart), resetAt, nil
	}

	key := fmt.Sprintf("ratelimit:%s:%d", identifier, windowStart.Unix())
	pipe := rl.redis.Client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, resetAt, fmt.Errorf("failed to increment rate limit: %w", err)
	}
	return int(incr.Val()), resetAt, nil
}

// InMemoryRateLimiter counts requests per identifier in the current window
type InMemoryRateLimiter struct {
	mu     sync.Mutex
	limits map[string]*windowCount
}

type windowCount struct {
	count       int
	windowStart time.Time
}

// NewInMemoryRateLimiter creates a new in-memory rate limiter
func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{limits: make(map[string]*windowCount)}
}

// Incr counts one request and returns the count within windowStart's window
func (im *InMemoryRateLimiter) Incr(identifier string, windowStart time.Time) int {
	im.mu.Lock()
	defer im.mu.Unlock()

	w, ok := im.limits[identifier]
	if !ok || w.windowStart.Before(windowStart) {
		// Entries from old windows are dropped as they are met.
		for id, old := range im.limits {
			if old.windowStart.Before(windowStart) {
				delete(im.limits, id)
			}
		}
		w = &windowCount{windowStart: windowStart}
		im.limits[identifier] = w
	}
	w.count++
	return w.count
}
