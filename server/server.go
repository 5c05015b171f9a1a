// Package server 提供 HTTP 服务：路由、管理接口与追踪事件推送。
package server

import "context"

// Server 可被应用容器统一启动与停止的服务。
type Server interface {
	// Start 阻塞运行直到上下文取消或出错。
	Start(ctx context.Context) error
	// Stop 优雅停止，等待进行中的请求完成。
	Stop(ctx context.Context) error
}
