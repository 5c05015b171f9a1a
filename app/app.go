package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wyfcoding/heimdall/logging"
	"github.com/wyfcoding/heimdall/server"
)

const defaultShutdownTimeout = 10 * time.Second

// App 是应用程序的核心容器，负责管理应用程序的生命周期。
type App struct {
	name      string
	logger    *logging.Logger
	opts      options
	lifecycle *Lifecycle
}

// New 创建一个新的应用程序实例。
func New(name string, logger *logging.Logger, opts ...Option) *App {
	o := options{shutdownTimeout: defaultShutdownTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	logger = logging.OrDefault(logger)
	lc := NewLifecycle(logger)
	for _, h := range o.hooks {
		lc.Append(h)
	}
	return &App{name: name, logger: logger, opts: o, lifecycle: lc}
}

// Run 启动生命周期钩子与全部服务器，阻塞直到收到 SIGINT/SIGTERM、ctx 结束或某个服务器退出出错，
// 随后按逆序关闭服务器、钩子并执行清理函数。
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.logger.InfoContext(ctx, "application starting", "name", a.name, "pid", os.Getpid())

	var runErr error
	if err := a.lifecycle.Start(ctx); err != nil {
		runErr = err
	} else {
		runErr = a.serve(ctx)
	}

	a.logger.Info("shutting down application", "name", a.name)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.opts.shutdownTimeout)
	defer cancel()

	for i := len(a.opts.servers) - 1; i >= 0; i-- {
		if err := a.opts.servers[i].Stop(shutdownCtx); err != nil {
			a.logger.Error("server failed to stop", "error", err)
			runErr = errors.Join(runErr, err)
		}
	}
	if err := a.lifecycle.Stop(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	for i := len(a.opts.cleanups) - 1; i >= 0; i-- {
		a.opts.cleanups[i]()
	}

	if runErr != nil {
		return runErr
	}
	a.logger.Info("application shut down gracefully")
	return nil
}

// serve 并发运行全部服务器，直到 ctx 结束或首个服务器出错。
func (a *App) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, len(a.opts.servers))
	var wg sync.WaitGroup
	for _, srv := range a.opts.servers {
		wg.Add(1)
		go func(s server.Server) {
			defer wg.Done()
			if err := s.Start(ctx); err != nil {
				errs <- err
			}
		}(srv)
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errs:
		a.logger.Error("server exited", "error", err)
	}
	cancel()
	wg.Wait()
	return err
}
