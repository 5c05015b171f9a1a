// Package app 提供应用容器：服务器、生命周期钩子与优雅关闭。
package app

import (
	"time"

	"github.com/wyfcoding/heimdall/server"
)

// Option 是一个函数类型，用于配置应用程序选项。
type Option func(*options)

type options struct {
	servers         []server.Server
	hooks           []Hook
	cleanups        []func()
	shutdownTimeout time.Duration
}

// WithServer 添加随应用启动与关闭的服务器。
func WithServer(servers ...server.Server) Option {
	return func(o *options) {
		o.servers = append(o.servers, servers...)
	}
}

// WithHook 添加生命周期钩子，按注册顺序启动、逆序停止。
func WithHook(hooks ...Hook) Option {
	return func(o *options) {
		o.hooks = append(o.hooks, hooks...)
	}
}

// WithCleanup 添加关闭时执行的清理函数，逆序执行。
func WithCleanup(cleanup func()) Option {
	return func(o *options) {
		if cleanup != nil {
			o.cleanups = append(o.cleanups, cleanup)
		}
	}
}

// WithShutdownTimeout 设置优雅关闭的总时限。
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}
