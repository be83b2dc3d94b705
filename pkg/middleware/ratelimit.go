package middleware

import (
	"net/http"

	"bridgex.com/pkg/common"
	"bridgex.com/pkg/logger"
	"bridgex.com/pkg/ratelimit"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func RateLimit(store *ratelimit.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key := c.ClientIP() + ":" + route

		if !store.Allow(key) {
			// 限流属于可控拒绝，不打堆栈
			logger.Warn(c.Request.Context(), "http rate limited",
				zap.String("request_id", common.RequestIDFromGin(c)),
				zap.String("ip", c.ClientIP()),
				zap.String("route", route),
			)
			common.Fail(c, http.StatusTooManyRequests, http.StatusTooManyRequests, "too many requests")
			c.Abort()
			return
		}
		c.Next()
	}
}
