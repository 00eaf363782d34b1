package middlewares

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/tc_backend/config"
	"bitbucket.org/mmdatafocus/tc_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RateLimitMiddleware counts requests in fixed windows per actor, or per
// client IP when the request has no actor. client is read per request since
// Redis connects after the router is built; while it is nil or failing,
// requests pass.
func RateLimitMiddleware(client func() *redis.Client, limit int64, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		rdb := client()
		if rdb == nil {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		key := "tc:ratelimit:ip:" + c.ClientIP()
		if userId, ok := utils.GetUserIdFromContext(ctx); ok && userId > 0 {
			key = "tc:ratelimit:user:" + strconv.Itoa(userId)
		}

		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			config.RequestLogger(ctx, nil).Warn("rate limit check skipped: " + err.Error())
			c.Next()
			return
		}
		if count == 1 {
			rdb.Expire(ctx, key, window)
		}

		remaining := limit - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		if count > limit {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": fmt.Sprintf("rate limit exceeded, try again in %d seconds", int(window.Seconds())),
			})
			return
		}
		c.Next()
	}
}
