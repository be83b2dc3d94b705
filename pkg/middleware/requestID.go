package middleware

import (
	"bridgex.com/pkg/common"
	"bridgex.com/pkg/logger"
	"github.com/gin-gonic/gin"
)

func ReqId() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(common.HeaderRequestID)
		if rid == "" {
			rid = common.New()
		}
		c.Set(common.CtxKeyRequestID, rid)
		c.Header(common.HeaderRequestID, rid)
		// request id 同时作为 trace id，handler 里的日志都能带上
		c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), rid))
		c.Next()
	}
}
