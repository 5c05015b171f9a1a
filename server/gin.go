package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/heimdall/config"
	"github.com/wyfcoding/heimdall/logging"
)

const shutdownTimeout = 5 * time.Second

// GinServer 封装运行 Gin 引擎的 http.Server，支持优雅关闭。
type GinServer struct {
	server *http.Server
	logger *logging.Logger
}

// NewGinServer 按服务配置创建 HTTP 服务器。
func NewGinServer(engine *gin.Engine, cfg config.ServerConfig, logger *logging.Logger) *GinServer {
	return &GinServer{
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           engine,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
		logger: logging.OrDefault(logger),
	}
}

// Addr 监听地址。
func (s *GinServer) Addr() string { return s.server.Addr }

// Start 启动 HTTP 服务器，上下文取消时执行优雅关闭。
func (s *GinServer) Start(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting http server", "addr", s.server.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// Stop 优雅地停止服务器。
func (s *GinServer) Stop(ctx context.Context) error {
	s.logger.InfoContext(ctx, "stopping http server")
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}
