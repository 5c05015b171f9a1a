package heimdall

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wyfcoding/heimdall/breaker"
	"github.com/wyfcoding/heimdall/cache"
	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/config"
	"github.com/wyfcoding/heimdall/httpclient"
	"github.com/wyfcoding/heimdall/limiter"
	"github.com/wyfcoding/heimdall/logging"
	"github.com/wyfcoding/heimdall/metrics"
	"github.com/wyfcoding/heimdall/provider"
	"github.com/wyfcoding/heimdall/quota"
	"github.com/wyfcoding/heimdall/registry"
	"github.com/wyfcoding/heimdall/storage"
	"github.com/wyfcoding/heimdall/telemetry"
)

// Dependencies 由进程装配层创建并注入的外部资源，均可为空。
type Dependencies struct {
	// Store 持久化隔离表与配额计数，为空时仅保存在内存中。
	Store storage.Store
	// Redis 供 redis 与 multilevel 缓存后端使用。
	Redis   *redis.Client
	Bundles storage.BundleStore
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	// Engines 预期的下游引擎标签，未成功取数前显示为 missing。
	Engines []string
}

// NewFromConfig 按配置装配完整的编排器，并从持久化存储恢复隔离表与配额计数。
func NewFromConfig(ctx context.Context, cfg *config.Config, deps Dependencies) (*Orchestrator, error) {
	logger := logging.OrDefault(deps.Logger)
	m := deps.Metrics

	matrix, err := capability.Default().WithOverrides(overridesFromConfig(cfg.Providers.Overrides)...)
	if err != nil {
		return nil, fmt.Errorf("apply provider overrides: %w", err)
	}

	reg := registry.New(matrix,
		registry.WithStore(deps.Store),
		registry.WithLogger(logger),
		registry.WithMetrics(m),
		registry.WithForceUnlock(cfg.Providers.ForceUnlock...))
	if err := reg.Load(ctx); err != nil {
		logger.WarnContext(ctx, "load quarantine table failed", "error", err)
	}
	reg.SetAuthorized(authorizedFromConfig(matrix, cfg.Providers))

	limits, err := limitsFromConfig(cfg.Quota.Limits)
	if err != nil {
		return nil, err
	}
	ledger := quota.New(
		quota.WithStore(deps.Store),
		quota.WithLogger(logger),
		quota.WithMetrics(m),
		quota.WithLimits(limits))
	if err := ledger.Load(ctx); err != nil {
		logger.WarnContext(ctx, "load quota counters failed", "error", err)
	}

	ttl, err := ttlFromConfig(cfg.Cache.TTL)
	if err != nil {
		return nil, err
	}
	c, err := cache.New(cfg.Cache, deps.Redis, logger, m)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	breakers := breaker.NewSet(breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
	}, logger, m)
	gate := limiter.NewGate(matrix,
		limiter.WithGateLogger(logger),
		limiter.WithGateMetrics(m),
		limiter.WithMinuteLockout(cfg.Gate.MinuteLockout))

	opts := []Option{
		WithRegistry(reg),
		WithQuota(ledger),
		WithBreakers(breakers),
		WithGate(gate),
		WithCache(c),
		WithCacheTTL(ttl),
		WithHTTPClient(httpclient.NewFromConfig(cfg.HTTPClient, cfg.Providers.UserAgent, cfg.Telemetry.BodyPrefixLimit, logger, m)),
		WithAdapters(provider.Default(provider.SettingsFromConfig(cfg.Providers))),
		WithTraceLog(telemetry.NewTraceLog(cfg.Telemetry.TraceCapacity,
			telemetry.WithBodyLimit(cfg.Telemetry.BodyPrefixLimit), telemetry.WithTraceLogger(logger))),
		WithEvidence(telemetry.NewEvidenceLocker(cfg.Telemetry.BodyPrefixLimit, nil)),
		WithEngines(telemetry.NewEngineHealth(nil, deps.Engines...)),
		WithLogger(logger),
		WithMetrics(m),
		WithRequestTimeout(cfg.Server.RequestTimeout),
		WithMinuteLockout(cfg.Gate.MinuteLockout),
	}
	if deps.Bundles != nil {
		opts = append(opts, WithBundleStore(deps.Bundles))
	}

	o := New(opts...)
	logger.InfoContext(ctx, "orchestrator ready",
		"authorized", reg.Authorized(), "cache", cfg.Cache.Backend, "persistent", deps.Store != nil)
	return o, nil
}

// Reload 应用热更新后的数据源授权集合。
func (o *Orchestrator) Reload(cfg *config.Config) {
	authorized := authorizedFromConfig(o.matrix, cfg.Providers)
	o.registry.SetAuthorized(authorized)
	o.logger.Info("provider authorization reloaded", "authorized", authorized)
}

func overridesFromConfig(in []config.ProviderOverride) []capability.Override {
	out := make([]capability.Override, 0, len(in))
	for _, ov := range in {
		out = append(out, capability.Override{
			Name:                   capability.Provider(ov.Name),
			CostWeight:             ov.CostWeight,
			Keyless:                ov.Keyless,
			PermanentlyQuarantined: ov.PermanentlyQuarantined,
			MaxConcurrent:          ov.MaxConcurrent,
			MinSpacing:             ov.MinSpacing,
		})
	}
	return out
}

// authorizedFromConfig 显式列表优先；否则持有非空 Key 的数据源视为已授权。
func authorizedFromConfig(matrix *capability.Matrix, cfg config.ProvidersConfig) []capability.Provider {
	var out []capability.Provider
	if len(cfg.Authorized) > 0 {
		for _, name := range cfg.Authorized {
			if _, ok := matrix.Lookup(capability.Provider(name)); ok {
				out = append(out, capability.Provider(name))
			}
		}
		return out
	}
	for _, id := range matrix.Providers() {
		if strings.TrimSpace(cfg.Keys[string(id.Name)]) != "" {
			out = append(out, id.Name)
		}
	}
	return out
}

func limitsFromConfig(in map[string]int) (map[capability.Provider]int, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[capability.Provider]int, len(in))
	for name, limit := range in {
		if limit < 0 {
			return nil, fmt.Errorf("quota limit for %s must not be negative", name)
		}
		out[capability.Provider(name)] = limit
	}
	return out, nil
}

func ttlFromConfig(in map[string]time.Duration) (map[capability.Field]time.Duration, error) {
	out := make(map[capability.Field]time.Duration, len(in))
	for name, d := range in {
		f, err := capability.ParseField(name)
		if err != nil {
			return nil, fmt.Errorf("cache ttl: %w", err)
		}
		out[f] = d
	}
	return out, nil
}
