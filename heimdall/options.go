package heimdall

import (
	"strings"
	"time"

	"github.com/wyfcoding/heimdall/breaker"
	"github.com/wyfcoding/heimdall/cache"
	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/coalesce"
	"github.com/wyfcoding/heimdall/health"
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

// Option 编排器构造选项。未设置的组件使用进程内默认实现。
type Option func(*Orchestrator)

// WithMatrix 使用指定能力矩阵。同时设置 WithRegistry 时以注册表的矩阵为准。
func WithMatrix(m *capability.Matrix) Option {
	return func(o *Orchestrator) { o.matrix = m }
}

// WithRegistry 使用指定能力注册表。
func WithRegistry(r *registry.Registry) Option {
	return func(o *Orchestrator) { o.registry = r }
}

// WithBreakers 使用指定熔断器集合。
func WithBreakers(s *breaker.Set) Option {
	return func(o *Orchestrator) { o.breakers = s }
}

// WithHealth 使用指定健康评分存储。
func WithHealth(s *health.Store) Option {
	return func(o *Orchestrator) { o.health = s }
}

// WithQuota 使用指定配额账本。
func WithQuota(l *quota.Ledger) Option {
	return func(o *Orchestrator) { o.quota = l }
}

// WithGate 使用指定预算闸门。
func WithGate(g *limiter.Gate) Option {
	return func(o *Orchestrator) { o.gate = g }
}

// WithCache 使用指定结果缓存。
func WithCache(c cache.Cache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithCoalescer 使用指定请求合并组。
func WithCoalescer(g *coalesce.Group) Option {
	return func(o *Orchestrator) { o.coalescer = g }
}

// WithHTTPClient 使用指定网络层客户端。
func WithHTTPClient(c *httpclient.Client) Option {
	return func(o *Orchestrator) { o.client = c }
}

// WithAdapters 使用指定适配器注册表。
func WithAdapters(r *provider.Registry) Option {
	return func(o *Orchestrator) { o.adapters = r }
}

// WithTraceLog 使用指定追踪日志。
func WithTraceLog(t *telemetry.TraceLog) Option {
	return func(o *Orchestrator) { o.traces = t }
}

// WithEvidence 使用指定失败证据存放处。
func WithEvidence(l *telemetry.EvidenceLocker) Option {
	return func(o *Orchestrator) { o.evidence = l }
}

// WithEngines 使用指定引擎新鲜度跟踪器。
func WithEngines(e *telemetry.EngineHealth) Option {
	return func(o *Orchestrator) { o.engines = e }
}

// WithBundleStore 设置调试包上传目标。
func WithBundleStore(s storage.BundleStore) Option {
	return func(o *Orchestrator) { o.bundles = s }
}

// WithLogger 设置日志。
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics 设置指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock 注入时钟，同时用于默认构造的各账本。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithCacheTTL 覆盖字段的缓存时长。
func WithCacheTTL(ttl map[capability.Field]time.Duration) Option {
	return func(o *Orchestrator) {
		for f, d := range ttl {
			o.cacheTTL[f] = d
		}
	}
}

// WithRequestTimeout 设置单个逻辑请求的上限时长。
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.requestTimeout = d }
}

// WithMinuteLockout 设置分钟级限流的硬锁时长。
func WithMinuteLockout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.minuteLockout = d
		}
	}
}

// WithServerQuarantine 设置服务端不稳定时闸门短期隔离的时长。
func WithServerQuarantine(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.serverQuarantine = d
		}
	}
}

// UsageContext 调用场景，决定失败转移的预算。
type UsageContext string

const (
	// Interactive 交互请求，遍历全部候选。
	Interactive UsageContext = "interactive"
	// Background 后台任务，遍历全部候选。
	Background UsageContext = "background"
	// Realtime 实时请求，只尝试首个候选，失败立即返回。
	Realtime UsageContext = "realtime"
)

// ParseUsage 解析调用场景，未知取值按 Interactive 处理。
func ParseUsage(s string) UsageContext {
	switch UsageContext(strings.ToLower(strings.TrimSpace(s))) {
	case Background:
		return Background
	case Realtime:
		return Realtime
	default:
		return Interactive
	}
}

// RequestOption 单次请求选项。
type RequestOption func(*requestOptions)

type requestOptions struct {
	usage       UsageContext
	provider    capability.Provider
	asset       capability.AssetType
	engine      string
	bypassCache bool
}

func newRequestOptions(opts []RequestOption) requestOptions {
	ro := requestOptions{usage: Interactive}
	for _, opt := range opts {
		opt(&ro)
	}
	return ro
}

// WithUsage 设置调用场景。
func WithUsage(u UsageContext) RequestOption {
	return func(ro *requestOptions) { ro.usage = u }
}

// WithProvider 将请求固定到单个数据源。
func WithProvider(p capability.Provider) RequestOption {
	return func(ro *requestOptions) { ro.provider = p }
}

// WithAsset 指定资产类别提示。
func WithAsset(a capability.AssetType) RequestOption {
	return func(ro *requestOptions) { ro.asset = a }
}

// WithEngine 为请求打上下游引擎标签，用于追踪与新鲜度统计。
func WithEngine(name string) RequestOption {
	return func(ro *requestOptions) { ro.engine = name }
}

// BypassCache 跳过缓存读取，结果仍会写回缓存。
func BypassCache() RequestOption {
	return func(ro *requestOptions) { ro.bypassCache = true }
}
