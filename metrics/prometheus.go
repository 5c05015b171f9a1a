// Package metrics 封装了独立的 Prometheus 注册表，以及数据获取链路上的标准指标。
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 封装了基于 Prometheus 的指标采集注册表及预定义的标准监控指标。
// 所有 Observe 类方法均允许 nil 接收者，便于在测试中省略指标。
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec   // HTTP 请求总量 (维度: method, path, status)
	HTTPRequestDuration *prometheus.HistogramVec // HTTP 请求耗时分布
	BuildInfo           *prometheus.GaugeVec

	FetchTotal        *prometheus.CounterVec   // 逻辑请求结果 (维度: field, outcome)
	ProviderRequests  *prometheus.CounterVec   // 数据源调用结果 (维度: provider, field, outcome)
	ProviderLatency   *prometheus.HistogramVec // 数据源调用耗时 (维度: provider, field)
	BreakerState      *prometheus.GaugeVec     // 熔断器状态 (0: closed, 1: half-open, 2: open)
	HealthScore       *prometheus.GaugeVec     // 数据源健康分
	QuotaUsed         *prometheus.GaugeVec     // 当日已用配额
	QuarantineActive  *prometheus.GaugeVec     // 有效隔离条目数 (维度: provider)
	GateRejections    *prometheus.CounterVec   // 预算闸门拒绝 (维度: provider, reason)
	CacheResults      *prometheus.CounterVec   // 缓存命中情况 (维度: field, result)
	Coalesced         *prometheus.CounterVec   // 被合并的重复请求 (维度: field)

	ClientRequests *prometheus.CounterVec   // 出站 HTTP 请求 (维度: host, status)
	ClientDuration *prometheus.HistogramVec // 出站 HTTP 请求耗时 (维度: host)
	ClientSlow     *prometheus.CounterVec   // 慢请求计数 (维度: host)
	RedisOps       *prometheus.CounterVec   // Redis 命令 (维度: command, status)
	RedisDuration  *prometheus.HistogramVec
	JobRuns        *prometheus.CounterVec // 维护任务执行 (维度: job, status)
}

// NewMetrics 初始化并返回一个新的指标采集器。
// 它会自动注册 Go 运行时指标和进程指标。
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}

	m.HTTPRequestsTotal = m.NewCounterVec(&prometheus.CounterOpts{
		Name: "http_server_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	m.HTTPRequestDuration = m.NewHistogramVec(&prometheus.HistogramOpts{
		Name:    "http_server_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	m.FetchTotal = m.NewCounterVec(&prometheus.CounterOpts{
		Name: "heimdall_fetch_total",
		Help: "Logical fetch requests by field and outcome",
	}, []string{"field", "outcome"})

	m.ProviderRequests = m.NewCounterVec(&prometheus.CounterOpts{
		Name: "heimdall_provider_requests_total",
		Help: "Provider attempts by classified outcome",
	}, []string{"provider", "field", "outcome"})

	m.ProviderLatency = m.NewHistogramVec(&prometheus.HistogramOpts{
		Name:    "heimdall_provider_request_duration_seconds",
		Help:    "Provider attempt latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
	}, []string{"provider", "field"})

	m.BreakerState = m.NewGaugeVec(&prometheus.GaugeOpts{
		Name: "heimdall_breaker_state",
		Help: "Circuit breaker state per provider (0: closed, 1: half-open, 2: open)",
	}, []string{"provider"})

	m.HealthScore = m.NewGaugeVec(&prometheus.GaugeOpts{
		Name: "heimdall_provider_health_score",
		Help: "Provider health score between 0 and 1",
	}, []string{"provider"})

	m.QuotaUsed = m.NewGaugeVec(&prometheus.GaugeOpts{
		Name: "heimdall_quota_used",
		Help: "Requests consumed today per provider",
	}, []string{"provider"})

	m.QuarantineActive = m.NewGaugeVec(&prometheus.GaugeOpts{
		Name: "heimdall_quarantine_active",
		Help: "Active quarantine records per provider",
	}, []string{"provider"})

	m.GateRejections = m.NewCounterVec(&prometheus.CounterOpts{
		Name: "heimdall_gate_rejections_total",
		Help: "Budget gate rejections by status",
	}, []string{"provider", "reason"})

	m.CacheResults = m.NewCounterVec(&prometheus.CounterOpts{
		Name: "heimdall_cache_requests_total",
		Help: "Cache lookups by result",
	}, []string{"field", "result"})

	m.Coalesced = m.NewCounterVec(&prometheus.CounterOpts{
		Name: "heimdall_coalesced_total",
		Help: "Requests served by joining an in-flight fetch",
	}, []string{"field"})

	m.ClientRequests = m.NewCounterVec(&prometheus.CounterOpts{
		Name: "heimdall_http_client_requests_total",
		Help: "Outbound HTTP requests by host and status",
	}, []string{"host", "status"})

	m.ClientDuration = m.NewHistogramVec(&prometheus.HistogramOpts{
		Name:    "heimdall_http_client_request_duration_seconds",
		Help:    "Outbound HTTP request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"host"})

	m.ClientSlow = m.NewCounterVec(&prometheus.CounterOpts{
		Name: "heimdall_http_client_slow_requests_total",
		Help: "Outbound HTTP requests slower than the configured threshold",
	}, []string{"host"})

	m.RedisOps = m.NewCounterVec(&prometheus.CounterOpts{
		Name: "redis_ops_total",
		Help: "The total number of redis operations",
	}, []string{"command", "status"})

	m.RedisDuration = m.NewHistogramVec(&prometheus.HistogramOpts{
		Name:    "redis_duration_seconds",
		Help:    "The duration of redis operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})

	m.JobRuns = m.NewCounterVec(&prometheus.CounterOpts{
		Name: "heimdall_scheduler_job_runs_total",
		Help: "Maintenance job executions by status",
	}, []string{"job", "status"})

	slog.Info("unified metrics registry initialized", "service", serviceName)
	return m
}

// NewCounterVec 创建并注册一个新的计数器指标。
func (m *Metrics) NewCounterVec(opts *prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(*opts, labelNames)
	m.registry.MustRegister(cv)
	return cv
}

// NewGaugeVec 创建并注册一个新的仪表盘指标。
func (m *Metrics) NewGaugeVec(opts *prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
	gv := prometheus.NewGaugeVec(*opts, labelNames)
	m.registry.MustRegister(gv)
	return gv
}

// NewHistogramVec 创建并注册一个新的直方图指标。
func (m *Metrics) NewHistogramVec(opts *prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec {
	hv := prometheus.NewHistogramVec(*opts, labelNames)
	m.registry.MustRegister(hv)
	return hv
}

// RegisterBuildInfo 注册构建信息指标。
func (m *Metrics) RegisterBuildInfo(serviceName, version string) {
	if m == nil || m.BuildInfo != nil {
		return
	}
	if version == "" {
		version = "unknown"
	}
	m.BuildInfo = m.NewGaugeVec(&prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build information for the service",
	}, []string{"service", "version"})
	m.BuildInfo.WithLabelValues(serviceName, version).Set(1)
}

// Registry 返回内部注册表。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveProvider 记录一次数据源调用。
func (m *Metrics) ObserveProvider(provider, field, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(provider, field, outcome).Inc()
	m.ProviderLatency.WithLabelValues(provider, field).Observe(elapsed.Seconds())
}

// ObserveFetch 记录一次逻辑请求的最终结果。
func (m *Metrics) ObserveFetch(field, outcome string) {
	if m == nil {
		return
	}
	m.FetchTotal.WithLabelValues(field, outcome).Inc()
}

// ObserveCache 记录缓存命中或未命中。
func (m *Metrics) ObserveCache(field string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheResults.WithLabelValues(field, result).Inc()
}

// ObserveCoalesced 记录一次被合并的请求。
func (m *Metrics) ObserveCoalesced(field string) {
	if m == nil {
		return
	}
	m.Coalesced.WithLabelValues(field).Inc()
}

// ObserveGateRejection 记录预算闸门拒绝。
func (m *Metrics) ObserveGateRejection(provider, reason string) {
	if m == nil {
		return
	}
	m.GateRejections.WithLabelValues(provider, reason).Inc()
}

// SetBreakerState 更新熔断器状态。
func (m *Metrics) SetBreakerState(provider string, state float64) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(provider).Set(state)
}

// SetHealthScore 更新健康分。
func (m *Metrics) SetHealthScore(provider string, score float64) {
	if m == nil {
		return
	}
	m.HealthScore.WithLabelValues(provider).Set(score)
}

// SetQuotaUsed 更新配额用量。
func (m *Metrics) SetQuotaUsed(provider string, used int) {
	if m == nil {
		return
	}
	m.QuotaUsed.WithLabelValues(provider).Set(float64(used))
}

// SetQuarantineActive 以全量快照替换各数据源的有效隔离条目数。
func (m *Metrics) SetQuarantineActive(counts map[string]int) {
	if m == nil {
		return
	}
	m.QuarantineActive.Reset()
	for provider, n := range counts {
		m.QuarantineActive.WithLabelValues(provider).Set(float64(n))
	}
}

// ObserveClient 记录一次出站 HTTP 请求；status 为 0 表示传输层失败。
func (m *Metrics) ObserveClient(host string, status int, elapsed time.Duration, slow bool) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.ClientRequests.WithLabelValues(host, label).Inc()
	m.ClientDuration.WithLabelValues(host).Observe(elapsed.Seconds())
	if slow {
		m.ClientSlow.WithLabelValues(host).Inc()
	}
}

// ObserveRedis 记录一次 Redis 命令。
func (m *Metrics) ObserveRedis(command, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RedisOps.WithLabelValues(command, status).Inc()
	m.RedisDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

// ObserveJob 记录一次维护任务执行。
func (m *Metrics) ObserveJob(job string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.JobRuns.WithLabelValues(job, status).Inc()
}

// Handler 返回用于暴露指标的 HTTP 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ExposeHttp 在指定端口启动一个独立的 HTTP 服务器用于暴露指标数据。
// 返回一个清理函数用于优雅关闭该服务器。
func (m *Metrics) ExposeHttp(port string) func() {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown metrics server", "error", err)
		}
	}
}
