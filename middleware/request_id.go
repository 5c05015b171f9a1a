package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/heimdall/idgen"
)

const (
	HeaderXRequestID = "X-Request-ID"
	// ContextKeyRequestID gin.Context 中保存请求 ID 的键。
	ContextKeyRequestID = "request_id"
)

// RequestID 返回一个用于生成或传递请求 ID 的 Gin 中间件。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderXRequestID)
		if requestID == "" {
			requestID = idgen.GenTraceID()
		}
		c.Set(ContextKeyRequestID, requestID)
		c.Header(HeaderXRequestID, requestID)
		c.Next()
	}
}
