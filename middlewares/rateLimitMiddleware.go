package middlewares

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/vendcash/collections_backend/utils"
)

const rateLimitKeyPrefix = "ratelimit:"

// RateLimitConfig bounds requests per caller in fixed windows.
//
// Set via env:
// - RATE_LIMIT_ENABLED=true
// - RATE_LIMIT_WINDOW_SECONDS (default 60)
// - RATE_LIMIT_MAX_REQUESTS (default 600)
type RateLimitConfig struct {
	Enabled bool
	Limit   int64
	Window  time.Duration
}

func RateLimitConfigFromEnv() RateLimitConfig {
	cfg := RateLimitConfig{
		Enabled: strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true"),
		Limit:   600,
		Window:  time.Minute,
	}
	if n, err := strconv.ParseInt(strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")), 10, 64); err == nil && n > 0 {
		cfg.Limit = n
	}
	if n, err := strconv.ParseInt(strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")), 10, 64); err == nil && n > 0 {
		cfg.Window = time.Duration(n) * time.Second
	}
	return cfg
}

// RateLimitMiddleware counts requests per caller (user id, else client IP).
// Redis errors let the request through; a cache outage must not stop collections being recorded.
func RateLimitMiddleware(client redis.UniversalClient, cfg RateLimitConfig, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		caller := c.ClientIP()
		if userId, ok := utils.GetUserIdFromContext(ctx); ok {
			caller = userId
		}
		key := rateLimitKeyPrefix + caller

		count, err := client.Incr(ctx, key).Result()
		if err == nil && count == 1 {
			err = client.Expire(ctx, key, cfg.Window).Err()
		}
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "ratelimit", "caller": caller}).WithError(err).Warn("rate limiter unavailable")
			c.Next()
			return
		}

		if count > cfg.Limit {
			retryAfter := int(cfg.Window.Seconds())
			if ttl, err := client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
				retryAfter = int(ttl.Seconds())
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
