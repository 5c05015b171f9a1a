package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/heimdall/logging"
	"github.com/wyfcoding/heimdall/metrics"
	"github.com/wyfcoding/heimdall/middleware"
)

// quietPaths 不记录访问日志与 HTTP 指标的路径。
var quietPaths = []string{"/healthz", "/readyz", "/metrics"}

// EngineOptions 引擎中间件参数。
type EngineOptions struct {
	ServiceName    string
	Logger         *logging.Logger
	Metrics        *metrics.Metrics
	RequestTimeout time.Duration
}

// NewEngine 创建挂好标准中间件的 Gin 引擎：异常恢复、请求 ID、链路追踪、指标、访问日志与超时。
func NewEngine(opts EngineOptions) *gin.Engine {
	engine := gin.New()
	engine.Use(
		middleware.Recovery(opts.Logger),
		middleware.RequestID(),
		middleware.Tracing(opts.ServiceName),
		middleware.TraceIDHeader(),
		middleware.Metrics(opts.Metrics, quietPaths...),
		middleware.Logger(opts.Logger, quietPaths...),
		middleware.Timeout(opts.RequestTimeout),
	)
	return engine
}
