package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wyfcoding/heimdall/config"
	"github.com/wyfcoding/heimdall/health"
	"github.com/wyfcoding/heimdall/heimdall"
	"github.com/wyfcoding/heimdall/idgen"
	"github.com/wyfcoding/heimdall/logging"
	"github.com/wyfcoding/heimdall/messagequeue/kafka"
	"github.com/wyfcoding/heimdall/metrics"
	redisx "github.com/wyfcoding/heimdall/redis"
	"github.com/wyfcoding/heimdall/scheduler"
	"github.com/wyfcoding/heimdall/server"
	"github.com/wyfcoding/heimdall/storage"
	"github.com/wyfcoding/heimdall/telemetry"
	"github.com/wyfcoding/heimdall/tracing"
)

const (
	jobStorageGC      = "storage.gc"
	storageGCInterval = 10 * time.Minute
	storageGCRatio    = 0.5
	traceSinkBuffer   = 256
)

// Runtime 进程级资源：日志、指标、持久化、对象存储与编排器。
// serve 与一次性 CLI 命令共用同一套装配。
type Runtime struct {
	Config       *config.Config
	Logger       *logging.Logger
	Metrics      *metrics.Metrics
	Redis        *redis.Client
	Store        storage.Store
	Bundles      *storage.MinIOClient
	Orchestrator *heimdall.Orchestrator

	cleanups []func()
}

// RuntimeOptions 运行时装配参数。
type RuntimeOptions struct {
	Version string
	// Module 日志模块名。
	Module string
	// Tracing 是否按配置初始化链路追踪导出。
	Tracing bool
}

// NewRuntime 按配置装配运行时，失败时释放已创建的资源。
func NewRuntime(ctx context.Context, cfg *config.Config, opts RuntimeOptions) (rt *Runtime, err error) {
	module := opts.Module
	if module == "" {
		module = "app"
	}
	logger := logging.NewFromConfig(logging.Config{
		Service:    cfg.Server.Name,
		Module:     module,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
		Console:    cfg.Log.Console,
	})
	slog.SetDefault(logger.Logger)

	rt = &Runtime{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			rt.Close()
			rt = nil
		}
	}()

	if err := idgen.Init(cfg.Snowflake); err != nil {
		logger.WarnContext(ctx, "id generator init failed, falling back to timestamps", "error", err)
	}

	if opts.Tracing {
		shutdown, err := tracing.InitTracer(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		rt.addCleanup(func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", "error", err)
			}
		})
	}

	rt.Metrics = metrics.NewMetrics(cfg.Server.Name)
	rt.Metrics.RegisterBuildInfo(cfg.Server.Name, opts.Version)

	if needsRedis(cfg) {
		client, closeRedis, err := redisx.NewClient(&cfg.Redis, logger, rt.Metrics)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rt.Redis = client
		rt.addCleanup(closeRedis)
	}

	store, err := storage.Open(cfg.Storage, rt.Redis)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	rt.Store = store
	rt.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close state store", "error", err)
		}
	})

	if cfg.Minio.Enabled {
		bundles, err := storage.NewMinIOClient(cfg.Minio)
		if err != nil {
			return nil, fmt.Errorf("create bundle store: %w", err)
		}
		if err := bundles.EnsureBucket(ctx); err != nil {
			logger.WarnContext(ctx, "bundle bucket unavailable", "error", err)
		}
		storage.RegisterReloadHook(bundles)
		rt.Bundles = bundles
	}

	deps := heimdall.Dependencies{
		Store:   store,
		Redis:   rt.Redis,
		Logger:  logger,
		Metrics: rt.Metrics,
		Engines: []string{"http", "prefetch", "probe", "scanner"},
	}
	if rt.Bundles != nil {
		deps.Bundles = rt.Bundles
	}
	orch, err := heimdall.NewFromConfig(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}
	rt.Orchestrator = orch
	config.RegisterReloadHook(orch.Reload)

	// 最后注册的清理最先执行：先落盘配额，再关闭存储。
	rt.addCleanup(func() {
		if err := orch.Quota().Flush(context.Background()); err != nil {
			logger.Error("final quota flush failed", "error", err)
		}
	})
	return rt, nil
}

func (r *Runtime) addCleanup(fn func()) {
	r.cleanups = append(r.cleanups, fn)
}

// Close 逆序释放资源，可重复调用。
func (r *Runtime) Close() {
	for i := len(r.cleanups) - 1; i >= 0; i-- {
		r.cleanups[i]()
	}
	r.cleanups = nil
}

func needsRedis(cfg *config.Config) bool {
	switch {
	case cfg.Storage.Backend == "redis":
		return true
	case cfg.Cache.Backend == "redis" || cfg.Cache.Backend == "multilevel":
		return true
	default:
		return false
	}
}

// Build 在运行时之上装配 HTTP 服务、维护任务与追踪事件投递，返回可运行的 App。
// App 关闭时一并释放运行时资源。
func Build(rt *Runtime) (*App, error) {
	cfg := rt.Config
	orch := rt.Orchestrator

	sched := scheduler.New(rt.Logger, rt.Metrics)
	err := scheduler.RegisterMaintenance(sched, cfg.Scheduler, scheduler.Maintenance{
		Registry: orch.Registry(),
		Quota:    orch.Quota(),
		Health:   orch.Health(),
	})
	if err != nil {
		return nil, fmt.Errorf("register maintenance jobs: %w", err)
	}
	if badger, ok := rt.Store.(*storage.BadgerStore); ok {
		err := sched.AddJob(scheduler.JobConfig{Name: jobStorageGC, Interval: storageGCInterval},
			func(context.Context) error { return badger.RunGC(storageGCRatio) })
		if err != nil {
			return nil, err
		}
	}

	checks := health.NewChecks()
	checks.Add("store", health.StoreChecker(rt.Store))
	if rt.Redis != nil {
		checks.Add("redis", health.RedisChecker(rt.Redis))
	}

	hooks := []Hook{{
		Name:    "scheduler",
		OnStart: sched.Start,
		OnStop:  sched.Stop,
	}}
	if cfg.Kafka.Enabled {
		hook, err := traceForwarder(rt)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, hook)
		checks.Add("kafka", health.KafkaChecker(cfg.Kafka.Brokers))
	}

	apiOpts := []server.APIOption{
		server.WithChecks(checks),
		server.WithAPILogger(rt.Logger),
		server.WithAdminAllowlist(cfg.Server.AdminAllowlist),
	}
	if cfg.Metrics.Enabled {
		apiOpts = append(apiOpts, server.WithAPIMetrics(rt.Metrics, cfg.Metrics.Path))
	}
	engine := server.NewEngine(server.EngineOptions{
		ServiceName:    cfg.Server.Name,
		Logger:         rt.Logger,
		Metrics:        rt.Metrics,
		RequestTimeout: cfg.Server.WriteTimeout,
	})
	server.NewAPI(orch, apiOpts...).Register(engine)

	return New(cfg.Server.Name, rt.Logger,
		WithServer(server.NewGinServer(engine, cfg.Server, rt.Logger)),
		WithHook(hooks...),
		WithCleanup(rt.Close),
	), nil
}

// traceForwarder 将追踪事件转发到 Kafka。
func traceForwarder(rt *Runtime) (Hook, error) {
	publisher, err := kafka.NewTracePublisher(rt.Config.Kafka, rt.Logger, rt.Metrics)
	if err != nil {
		return Hook{}, fmt.Errorf("create trace publisher: %w", err)
	}

	var (
		cancel context.CancelFunc
		done   <-chan struct{}
	)
	return Hook{
		Name: "trace-forwarder",
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			done = telemetry.Forward(ctx, rt.Orchestrator.Traces(), publisher, traceSinkBuffer, rt.Logger)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return publisher.Close()
		},
	}, nil
}
