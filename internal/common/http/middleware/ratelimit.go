package middleware

import (
	"context"
	"fmt"
	"time"

	"execbox/internal/common/cache"
	appErr "execbox/pkg/errors"
	"execbox/pkg/utils/logger"
	"execbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RateLimitPolicy bounds requests per window. Zero disables a dimension.
type RateLimitPolicy struct {
	Window   time.Duration `yaml:"window"`
	IPMax    int           `yaml:"ipMax"`
	RouteMax int           `yaml:"routeMax"`
}

// RateLimiter enforces fixed-window limits using Redis counters.
type RateLimiter struct {
	cache        cache.Counter
	redisTimeout time.Duration
}

func NewRateLimiter(cacheClient cache.Counter, redisTimeout time.Duration) *RateLimiter {
	if redisTimeout <= 0 {
		redisTimeout = 200 * time.Millisecond
	}
	return &RateLimiter{cache: cacheClient, redisTimeout: redisTimeout}
}

// Allow counts one hit on key and fails with TooManyRequests past max.
func (l *RateLimiter) Allow(ctx context.Context, key string, max int, window time.Duration) error {
	if max <= 0 || window <= 0 {
		return nil
	}
	ctxCache, cancel := context.WithTimeout(ctx, l.redisTimeout)
	defer cancel()

	acquired, err := l.cache.SetNX(ctxCache, key, 1, window)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "rate limit check failed")
	}
	count := int64(1)
	if !acquired {
		count, err = l.cache.Incr(ctxCache, key)
		if err != nil {
			return appErr.Wrapf(err, appErr.CacheError, "rate limit check failed")
		}
		// A key that lost its TTL would otherwise limit forever.
		if ttl, ttlErr := l.cache.TTL(ctxCache, key); ttlErr == nil && ttl < 0 {
			_ = l.cache.Expire(ctxCache, key, window)
		}
	}
	if count > int64(max) {
		return appErr.New(appErr.TooManyRequests)
	}
	return nil
}

// RateLimitMiddleware limits one route per client IP and in total. A nil
// limiter lets everything through; a cache failure fails open.
func RateLimitMiddleware(limiter *RateLimiter, routeKey string, policy RateLimitPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		checks := []struct {
			key string
			max int
		}{
			{fmt.Sprintf("execbox:rate:ip:%s:%s", c.ClientIP(), routeKey), policy.IPMax},
			{fmt.Sprintf("execbox:rate:route:%s", routeKey), policy.RouteMax},
		}
		for _, check := range checks {
			err := limiter.Allow(c.Request.Context(), check.key, check.max, policy.Window)
			if appErr.Is(err, appErr.TooManyRequests) {
				response.AbortWithError(c, err)
				return
			}
			if err != nil {
				logger.Warn(c.Request.Context(), "rate limit skipped", zap.String("key", check.key), zap.Error(err))
			}
		}
		c.Next()
	}
}
