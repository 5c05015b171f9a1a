package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/heimdall/logging"
)

// Logger 访问日志中间件。skipPaths 中的路径（如探活与指标）不记录。
func Logger(logger *logging.Logger, skipPaths ...string) gin.HandlerFunc {
	logger = logging.OrDefault(logger)
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		if _, ok := skip[path]; ok {
			return
		}
		logger.InfoContext(c.Request.Context(), "http request",
			"request_id", c.GetString(ContextKeyRequestID),
			"status", c.Writer.Status(),
			"method", c.Request.Method,
			"path", path,
			"query", c.Request.URL.RawQuery,
			"ip", c.ClientIP(),
			"cost", time.Since(start),
		)
	}
}
