// Package middleware 提供 HTTP 服务使用的 Gin 中间件。
package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/heimdall/logging"
	"github.com/wyfcoding/heimdall/response"
)

// Recovery 结构化异常恢复中间件
func Recovery(logger *logging.Logger) gin.HandlerFunc {
	logger = logging.OrDefault(logger)
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.ErrorContext(c.Request.Context(), "panic recovered",
					"error", err,
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"stack", string(debug.Stack()),
				)
				response.ErrorWithStatus(c, http.StatusInternalServerError, "internal server error", "")
				c.Abort()
			}
		}()
		c.Next()
	}
}
