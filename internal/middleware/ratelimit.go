package middleware

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	verifyKeyPrefix      = "rl:verify:"
	defaultVerifyPerMin  = 5
	rateLimitStoreBudget = 500 * time.Millisecond
)

// VerifyRateLimit caps account verification attempts per identifier, or per
// client address when the body has none. Each attempt costs a full round trip
// to the remote service. Without Redis it is a no-op and cache errors fail open.
func VerifyRateLimit(cache *redis.Client, maxPerMin int, logger *slog.Logger) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = defaultVerifyPerMin
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}

		var req struct {
			Identifier string `json:"identifier"`
		}
		_ = c.BodyParser(&req)
		subject := strings.TrimSpace(req.Identifier)
		if subject == "" {
			subject = c.IP()
		}
		key := verifyKeyPrefix + subject

		ctx, cancel := context.WithTimeout(c.UserContext(), rateLimitStoreBudget)
		defer cancel()

		cnt, err := cache.Incr(ctx, key).Result()
		if err != nil {
			logger.Warn("verify rate limit unavailable", slog.Any("error", err))
			return c.Next()
		}
		if cnt == 1 {
			cache.Expire(ctx, key, time.Minute)
		}
		if cnt > int64(maxPerMin) {
			if ttl, err := cache.TTL(ctx, key).Result(); err == nil && ttl > 0 {
				c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(ttl.Round(time.Second)/time.Second)))
			}
			return fiber.NewError(fiber.StatusTooManyRequests, "too many verification attempts, try again later")
		}
		return c.Next()
	}
}
