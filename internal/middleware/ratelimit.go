package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/bookgen/api/internal/logger"
	"github.com/bookgen/api/pkg/response"
)

type RateLimiter struct {
	redis *redis.Client
	log   *logger.Logger
}

func NewRateLimiter(redisClient *redis.Client, log *logger.Logger) *RateLimiter {
	if log == nil {
		log = logger.Nop()
	}
	return &RateLimiter{redis: redisClient, log: log.With("component", "ratelimit")}
}

// Limit counts requests per client address in fixed windows
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if rl.redis == nil {
			return c.Next()
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, c.IP())
		ctx := context.Background()

		// Increment counter
		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			// If Redis fails, allow the request but log the error
			rl.log.Warn("rate limit check failed", "key", key, "error", err)
			return c.Next()
		}

		// Set expiration on first request
		if count == 1 {
			rl.redis.Expire(ctx, key, window)
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		if count > int64(maxRequests) {
			// Get TTL for retry-after header
			ttl, _ := rl.redis.TTL(ctx, key).Result()
			if ttl <= 0 {
				// restore a lost expiry
				rl.redis.Expire(ctx, key, window)
				ttl = window
			}
			c.Set("X-RateLimit-Remaining", "0")
			return response.RateLimited(c, ttl)
		}

		c.Set("X-RateLimit-Remaining", strconv.Itoa(maxRequests-int(count)))

		return c.Next()
	}
}

// PerMinute returns the API-wide limiter (60 req/min by default)
func (rl *RateLimiter) PerMinute(maxPerMin int) fiber.Handler {
	return rl.Limit("api", maxPerMin, time.Minute)
}
