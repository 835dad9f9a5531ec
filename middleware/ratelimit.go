package middleware

import (
	"log/slog"
	"strconv"
	"time"

	"clinical-fhir-extractor/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window counter in Redis keyed by caller and route.
type RateLimiter struct {
	rdb     redis.Cmdable
	limit   int
	window  time.Duration
	enabled bool
	logger  *slog.Logger
	now     func() time.Time
}

func NewRateLimiter(rdb redis.Cmdable, perMinute int, enabled bool, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		rdb:     rdb,
		limit:   perMinute,
		window:  time.Minute,
		enabled: enabled && perMinute > 0,
		logger:  logger,
		now:     time.Now,
	}
}

// Limit counts requests per authenticated user, or per client IP for
// anonymous callers. Redis errors let the request through.
func (rl *RateLimiter) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.enabled {
			c.Next()
			return
		}

		caller := GetUserID(c)
		if caller == "" {
			caller = "ip:" + utils.GetClientIP(c.Request)
		}
		now := rl.now()
		windowStart := now.Truncate(rl.window)
		key := "ratelimit:" + caller + ":" + c.FullPath() + ":" + strconv.FormatInt(windowStart.Unix(), 10)

		ctx := c.Request.Context()
		count, err := rl.rdb.Incr(ctx, key).Result()
		if err != nil {
			rl.logger.Warn("rate limiter unavailable", "error", err)
			c.Next()
			return
		}

		// Set expiration on first request
		if count == 1 {
			rl.rdb.Expire(ctx, key, rl.window)
		}

		reset := windowStart.Add(rl.window)
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if count > int64(rl.limit) {
			retryAfter := int(reset.Sub(now).Seconds()) + 1
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			utils.RespondWithTooManyRequests(c, "Too many requests. Please try again later.", gin.H{
				"retry_after": retryAfter,
				"limit":       rl.limit,
			})
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Remaining", strconv.Itoa(rl.limit-int(count)))
		c.Next()
	}
}
