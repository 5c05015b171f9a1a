// Package heimdall 是数据采集编排层：对每个逻辑请求选择数据源，依次经过缓存、请求合并、
// 熔断、配额与预算闸门后发起网络调用，并将结果分发回健康评分、熔断器、配额账本与能力注册表。
package heimdall

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wyfcoding/heimdall/breaker"
	"github.com/wyfcoding/heimdall/cache"
	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/classifier"
	"github.com/wyfcoding/heimdall/coalesce"
	"github.com/wyfcoding/heimdall/health"
	"github.com/wyfcoding/heimdall/httpclient"
	"github.com/wyfcoding/heimdall/instrument"
	"github.com/wyfcoding/heimdall/limiter"
	"github.com/wyfcoding/heimdall/logging"
	"github.com/wyfcoding/heimdall/market"
	"github.com/wyfcoding/heimdall/metrics"
	"github.com/wyfcoding/heimdall/provider"
	"github.com/wyfcoding/heimdall/quota"
	"github.com/wyfcoding/heimdall/registry"
	"github.com/wyfcoding/heimdall/storage"
	"github.com/wyfcoding/heimdall/telemetry"
	"github.com/wyfcoding/heimdall/tracing"
	"github.com/wyfcoding/heimdall/xerrors"
)

const (
	// defaultServerQuarantine 服务端错误后闸门短期隔离时长。
	defaultServerQuarantine = 60 * time.Second
	// scannerQuoteProvider 本地扫描器取报价所用的数据源。
	scannerQuoteProvider = capability.Yahoo
)

// Orchestrator 数据采集编排器，可被任意 goroutine 并发使用。
// 各账本各自加锁，编排器本身不持有跨账本的锁。
type Orchestrator struct {
	matrix    *capability.Matrix
	registry  *registry.Registry
	breakers  *breaker.Set
	health    *health.Store
	quota     *quota.Ledger
	gate      *limiter.Gate
	cache     cache.Cache
	coalescer *coalesce.Group
	client    *httpclient.Client
	adapters  *provider.Registry
	traces    *telemetry.TraceLog
	evidence  *telemetry.EvidenceLocker
	engines   *telemetry.EngineHealth
	bundles   storage.BundleStore

	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	cacheTTL         map[capability.Field]time.Duration
	requestTimeout   time.Duration
	minuteLockout    time.Duration
	serverQuarantine time.Duration
}

// New 构造编排器。
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		now:              time.Now,
		cacheTTL:         make(map[capability.Field]time.Duration),
		minuteLockout:    limiter.DefaultMinuteLockout,
		serverQuarantine: defaultServerQuarantine,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.OrDefault(o.logger).Named("heimdall")

	switch {
	case o.registry != nil:
		o.matrix = o.registry.Matrix()
	case o.matrix == nil:
		o.matrix = capability.Default()
	}
	if o.registry == nil {
		o.registry = registry.New(o.matrix,
			registry.WithLogger(o.logger), registry.WithMetrics(o.metrics), registry.WithClock(o.now))
	}
	if o.breakers == nil {
		o.breakers = breaker.NewSet(breaker.DefaultSettings(), o.logger, o.metrics)
	}
	if o.health == nil {
		o.health = health.NewStore(o.logger, o.metrics, o.now)
	}
	if o.quota == nil {
		o.quota = quota.New(quota.WithLogger(o.logger), quota.WithMetrics(o.metrics), quota.WithClock(o.now))
	}
	if o.gate == nil {
		o.gate = limiter.NewGate(o.matrix,
			limiter.WithGateLogger(o.logger), limiter.WithGateMetrics(o.metrics),
			limiter.WithGateClock(o.now), limiter.WithMinuteLockout(o.minuteLockout))
	}
	if o.cache == nil {
		o.cache = cache.NewTTLCache(0, o.now)
	}
	if o.coalescer == nil {
		o.coalescer = coalesce.New(0)
	}
	if o.client == nil {
		o.client = httpclient.NewClient(httpclient.Config{}, o.logger, o.metrics)
	}
	if o.adapters == nil {
		o.adapters = provider.Default(provider.Settings{Now: o.now})
	}
	if o.traces == nil {
		o.traces = telemetry.NewTraceLog(telemetry.DefaultCapacity, telemetry.WithTraceLogger(o.logger), telemetry.WithTraceClock(o.now))
	}
	if o.evidence == nil {
		o.evidence = telemetry.NewEvidenceLocker(0, o.now)
	}
	if o.engines == nil {
		o.engines = telemetry.NewEngineHealth(o.now)
	}
	o.wireScanner()
	return o
}

// wireScanner 为本地扫描器接入报价来源。扫描器的报价请求固定到单一数据源，
// 报价候选中不含扫描器本身，不会形成递归。
func (o *Orchestrator) wireScanner() {
	a, ok := o.adapters.Lookup(capability.LocalScanner)
	if !ok {
		return
	}
	scanner, ok := a.(*provider.LocalScanner)
	if !ok || scanner.HasQuoter() {
		return
	}
	scanner.SetQuoter(func(ctx context.Context, symbol string) (market.Quote, error) {
		return o.RequestQuote(ctx, symbol,
			WithProvider(scannerQuoteProvider), WithUsage(Background), WithEngine("scanner"))
	})
}

// Matrix 返回能力矩阵。
func (o *Orchestrator) Matrix() *capability.Matrix { return o.matrix }

// Registry 返回能力注册表。
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Breakers 返回熔断器集合。
func (o *Orchestrator) Breakers() *breaker.Set { return o.breakers }

// Health 返回健康评分存储。
func (o *Orchestrator) Health() *health.Store { return o.health }

// Quota 返回配额账本。
func (o *Orchestrator) Quota() *quota.Ledger { return o.quota }

// Gate 返回预算闸门。
func (o *Orchestrator) Gate() *limiter.Gate { return o.gate }

// Traces 返回追踪日志。
func (o *Orchestrator) Traces() *telemetry.TraceLog { return o.traces }

// attemptInfo 单个候选一次尝试的观测信息。
type attemptInfo struct {
	duration   time.Duration
	result     *httpclient.Result
	secrets    []string
	local      bool
	skipped    bool
	skipReason string
}

func (a *attemptInfo) skip(reason string) {
	a.skipped = true
	a.skipReason = reason
}

// route 记录一次候选遍历的路径。
type route struct {
	q          provider.Query
	ro         requestOptions
	candidates []string
	path       []string
	decisions  []string
}

func (w *route) decide(p capability.Provider, what string) {
	w.decisions = append(w.decisions, string(p)+":"+what)
}

func (w *route) event(p capability.Provider) telemetry.TraceEvent {
	return telemetry.TraceEvent{
		Engine:       w.ro.engine,
		Provider:     string(p),
		Endpoint:     w.q.Endpoint(),
		Symbol:       w.q.Symbol,
		FailoverPath: append([]string(nil), w.path...),
		Candidates:   w.candidates,
		DecisionPath: append([]string(nil), w.decisions...),
	}
}

// run 执行一次字段级请求：缓存、请求合并、候选遍历。
func run[T any](ctx context.Context, o *Orchestrator, q provider.Query, opts []RequestOption) (T, error) {
	var zero T
	ro := newRequestOptions(opts)
	if ro.asset != "" {
		q.Asset = instrument.AssetType(q.Symbol, ro.asset)
	}
	if q.Field == capability.FieldScreener && q.Symbol == "" {
		q.Symbol = "MARKET"
	}
	if q.Symbol == "" {
		return zero, xerrors.InvalidArg("symbol is required")
	}
	if o.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.requestTimeout)
		defer cancel()
	}

	ctx, span := tracing.StartSpan(ctx, "heimdall.fetch")
	defer span.End()
	tracing.AddTag(ctx, "heimdall.field", string(q.Field))
	tracing.AddTag(ctx, "heimdall.symbol", q.Symbol)

	field := string(q.Field)
	key := cacheKey(q)
	if !ro.bypassCache {
		var cached T
		if err := o.cache.Get(ctx, key, &cached); err == nil {
			o.metrics.ObserveCache(field, true)
			o.metrics.ObserveFetch(field, "cache")
			o.traces.Record(ctx, telemetry.TraceEvent{
				Engine:      ro.engine,
				Provider:    "cache",
				Endpoint:    q.Endpoint(),
				Symbol:      q.Symbol,
				StatusCode:  200,
				Success:     true,
				CachePolicy: telemetry.CacheHit,
			})
			o.engines.MarkSuccess(ro.engine)
			return cached, nil
		}
		o.metrics.ObserveCache(field, false)
	}

	flightKey := strings.Join([]string{key, string(ro.provider), string(ro.usage)}, "#")
	v, shared, err := o.coalescer.Do(ctx, flightKey, func(runCtx context.Context) (any, error) {
		return o.walk(runCtx, q, key, ro)
	})
	if shared {
		o.metrics.ObserveCoalesced(field)
		tracing.AddTag(ctx, "heimdall.coalesced", true)
	}
	if err != nil {
		if _, typed := xerrors.FromError(err); !typed && ctx.Err() != nil {
			err = interrupted(ctx.Err(), nil)
		}
		tracing.SetError(ctx, err)
		o.metrics.ObserveFetch(field, string(xerrors.CategoryOf(err)))
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, xerrors.New(xerrors.CategoryDecodeError, 0,
			fmt.Sprintf("unexpected %T result for %s", v, q.Field), nil)
	}
	o.metrics.ObserveFetch(field, "ok")
	o.engines.MarkSuccess(ro.engine)
	return out, nil
}

// StatusClientClosed 调用方主动取消时错误携带的状态码。
const StatusClientClosed = 499

// interrupted 将调用方超时或取消转换为 networkError，保留原始上下文错误与最后一次分类。
func interrupted(err error, last *xerrors.Error) *xerrors.Error {
	code, msg := http.StatusGatewayTimeout, "Timeout"
	if errors.Is(err, context.Canceled) {
		code, msg = StatusClientClosed, "Canceled"
	}
	xe := xerrors.New(xerrors.CategoryNetworkError, code, msg, err)
	if last != nil {
		xe = xe.WithSource(last.Provider, last.Endpoint).
			WithContext("last_category", string(last.Category)).
			WithDetail("last failure: %s", last.Message)
	}
	return xe
}

// cacheKey 由请求标识构造缓存键。
func cacheKey(q provider.Query) string {
	params := []string{q.Endpoint(), string(q.Asset)}
	if q.Field == capability.FieldCandles {
		params = append(params, q.Timeframe)
	}
	if q.Limit > 0 {
		params = append(params, strconv.Itoa(q.Limit))
	}
	if q.Field == capability.FieldScreener {
		params = append(params, string(q.Screener))
	}
	return cache.Key(string(q.Field), q.Symbol, params...)
}

// candidates 返回本次请求的候选数据源：注册表过滤、宏观路由、固定数据源。
func (o *Orchestrator) candidates(q provider.Query, ro requestOptions) []capability.Provider {
	all := o.registry.Candidates(q.Field, q.Asset)
	out := make([]capability.Provider, 0, len(all))
	for _, p := range all {
		if q.Field == capability.FieldMacro && (p == capability.FRED) != q.Instrument.IsMacroSeries() {
			continue
		}
		if ro.provider != "" && p != ro.provider {
			continue
		}
		out = append(out, p)
	}
	return out
}

// walk 按顺序尝试候选数据源，直到成功、遇到不可转移的错误或候选耗尽。
func (o *Orchestrator) walk(ctx context.Context, q provider.Query, key string, ro requestOptions) (any, error) {
	cands := o.candidates(q, ro)
	w := &route{q: q, ro: ro, candidates: make([]string, 0, len(cands))}
	for _, p := range cands {
		w.candidates = append(w.candidates, string(p))
	}
	if len(cands) == 0 {
		err := xerrors.NoProvider(string(q.Field), q.Symbol, nil)
		ev := w.event("none")
		ev.StatusCode = err.Code
		ev.FailureCategory = string(err.Category)
		ev.ErrorMessage = "no candidate provider"
		o.traces.Record(ctx, ev)
		o.logger.WarnContext(ctx, "no candidate provider", "field", q.Field, "symbol", q.Symbol, "pinned", ro.provider)
		return nil, err
	}

	var last *xerrors.Error
	for i, p := range cands {
		if err := ctx.Err(); err != nil {
			return nil, interrupted(err, last)
		}
		if i > 0 && ro.usage == Realtime {
			w.decisions = append(w.decisions, "realtime:fail_fast")
			break
		}
		release, admitted := o.breakers.Admit(p)
		if !admitted {
			w.decide(p, "circuit_open")
			last = xerrors.CircuitOpen("Circuit Open").WithSource(string(p), q.Endpoint())
			o.skipped(ctx, w, p, last)
			continue
		}
		if !o.quota.CanSpend(p, 1) {
			release()
			w.decide(p, "quota_exhausted")
			last = xerrors.RateLimited("Daily Quota Exhausted").WithSource(string(p), q.Endpoint())
			o.skipped(ctx, w, p, last)
			continue
		}
		adapter, ok := o.adapters.Lookup(p)
		if !ok {
			release()
			w.decide(p, "no_adapter")
			continue
		}

		w.path = append(w.path, string(p))
		v, att, err := o.attempt(ctx, adapter, q)
		if err == nil {
			w.decide(p, "ok")
			o.succeeded(ctx, w, p, att)
			release()
			o.store(ctx, key, q.Field, v)
			return v, nil
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			release()
			return nil, interrupted(ctx.Err(), last)
		}

		xe := httpclient.ErrorFor(err, string(p), q.Endpoint())
		if att.skipped {
			release()
			w.decide(p, att.skipReason)
			o.skipped(ctx, w, p, xe)
			if !errors.Is(err, provider.ErrUnsupportedField) || last == nil {
				last = xe
			}
			continue
		}

		last = xe
		w.decide(p, string(xe.Category))
		o.failed(ctx, w, p, xe, att)
		release()
		if xe.Category == xerrors.CategorySymbolNotFound {
			break
		}
	}
	return nil, xerrors.NoProvider(string(q.Field), q.Symbol, last)
}

// attempt 对单个数据源发起一次调用。闸门拒绝与不支持的字段标记为跳过，不计入失败。
func (o *Orchestrator) attempt(ctx context.Context, a provider.Adapter, q provider.Query) (any, attemptInfo, error) {
	p := a.Name()
	att := attemptInfo{secrets: a.Secrets()}

	ctx, span := tracing.StartSpan(ctx, "heimdall.attempt")
	defer span.End()
	tracing.AddTag(ctx, "heimdall.provider", string(p))

	if local, ok := a.(provider.LocalAdapter); ok {
		att.local = true
		o.quota.RecordAttempt(p)
		start := time.Now()
		v, err := local.Fetch(ctx, q)
		att.duration = time.Since(start)
		if errors.Is(err, provider.ErrUnsupportedField) {
			att.skip("unsupported")
		}
		return v, att, err
	}

	permit, err := o.gate.Acquire(ctx, p)
	if err != nil {
		switch {
		case errors.Is(err, limiter.ErrHardLocked):
			att.skip("gate_locked")
		case errors.Is(err, limiter.ErrConcurrencyLimit):
			att.skip("gate_busy")
		default:
			att.skip("gate_wait")
		}
		return nil, att, err
	}
	defer permit.Release()

	req, err := a.Build(ctx, q)
	if err != nil {
		if errors.Is(err, provider.ErrUnsupportedField) {
			att.skip("unsupported")
		}
		return nil, att, err
	}

	o.quota.RecordAttempt(p)
	start := time.Now()
	res, err := o.client.Do(ctx, httpclient.Call{
		Provider: string(p),
		Endpoint: q.Endpoint(),
		Request:  req,
		Secrets:  att.secrets,
	})
	att.duration = time.Since(start)
	att.result = res
	if err != nil {
		tracing.SetError(ctx, err)
		return nil, att, err
	}
	v, err := a.Decode(q, res.Body)
	if err != nil {
		tracing.SetError(ctx, err)
	}
	return v, att, err
}

func (o *Orchestrator) succeeded(ctx context.Context, w *route, p capability.Provider, att attemptInfo) {
	field := w.q.Field
	o.health.ReportSuccess(p, att.duration)
	o.breakers.ReportSuccess(p)
	o.quota.RecordSuccess(p)
	o.registry.ReportSuccess(ctx, p, field)
	o.metrics.ObserveProvider(string(p), string(field), "success", att.duration)

	ev := w.event(p)
	ev.Success = true
	ev.DurationMs = att.duration.Milliseconds()
	ev.StatusCode = 200
	ev.CachePolicy = telemetry.CacheNetwork
	switch {
	case att.local:
		ev.CachePolicy = telemetry.CacheLocal
	case w.ro.bypassCache:
		ev.CachePolicy = telemetry.CacheBypass
	}
	if res := att.result; res != nil {
		ev.StatusCode = res.Status
		ev.ByteCount = res.Bytes
		ev.RetryCount = max(res.Attempts-1, 0)
	}
	o.traces.Record(ctx, ev)
}

func (o *Orchestrator) failed(ctx context.Context, w *route, p capability.Provider, xe *xerrors.Error, att attemptInfo) {
	q := w.q
	cl := classifier.Classify(xe, string(p), q.Endpoint())

	o.health.ReportError(p, xe)
	if xe.Category != xerrors.CategorySymbolNotFound {
		o.breakers.ReportFailure(p, cl.CapabilityLock)
	}
	o.quota.RecordFailure(p)

	var quarantined string
	switch xe.Category {
	case xerrors.CategoryNetworkError, xerrors.CategorySymbolNotFound:
	default:
		quarantined = o.registry.ReportCriticalFailure(ctx, p, q.Field, xe)
	}

	switch {
	case xe.Category == xerrors.CategoryRateLimited && classifier.MentionsMinuteLimit(xe.Message+" "+xe.BodyPrefix):
		until := o.gate.TripMinuteLimit(p, o.minuteLockout)
		o.logger.WarnContext(ctx, "minute rate limit detected", "provider", p, "reset_at", until)
	case xe.Category == xerrors.CategoryServerError:
		o.gate.Quarantine(p, o.serverQuarantine, "Server Instability")
	}
	if cl.CapabilityLock {
		o.logger.WarnContext(ctx, "provider capability locked",
			"provider", p, "field", q.Field, "category", xe.Category, "quarantine", quarantined)
	}

	ev := telemetry.Evidence{
		Provider:   string(p),
		Endpoint:   q.Endpoint(),
		Symbol:     q.Symbol,
		StatusCode: xe.Code,
		Category:   string(xe.Category),
		Message:    xe.Message,
		BodyPrefix: xe.BodyPrefix,
	}
	if res := att.result; res != nil {
		ev.URL = res.URL
		if ev.BodyPrefix == "" {
			ev.BodyPrefix = res.BodyPrefix
		}
	}
	o.evidence.Record(ev, att.secrets...)

	o.metrics.ObserveProvider(string(p), string(q.Field), string(xe.Category), att.duration)
	tr := w.event(p)
	tr.DurationMs = att.duration.Milliseconds()
	tr.StatusCode = xe.Code
	tr.FailureCategory = string(xe.Category)
	tr.ErrorMessage = xe.Error()
	tr.BodyPrefix = ev.BodyPrefix
	tr.CachePolicy = telemetry.CacheNetwork
	if att.local {
		tr.CachePolicy = telemetry.CacheLocal
	}
	if res := att.result; res != nil {
		tr.ByteCount = res.Bytes
		tr.RetryCount = max(res.Attempts-1, 0)
		if res.Status != 0 {
			tr.StatusCode = res.Status
		}
	}
	o.traces.Record(ctx, tr)
	o.logger.DebugContext(ctx, "provider attempt failed",
		"provider", p, "field", q.Field, "symbol", q.Symbol, "category", xe.Category, "code", xe.Code)
}

// skipped 记录未发起网络调用的候选，不向任何账本报告。
func (o *Orchestrator) skipped(ctx context.Context, w *route, p capability.Provider, xe *xerrors.Error) {
	o.metrics.ObserveProvider(string(p), string(w.q.Field), "skipped", 0)
	ev := w.event(p)
	ev.StatusCode = xe.Code
	ev.FailureCategory = string(xe.Category)
	ev.ErrorMessage = xe.Message
	o.traces.Record(ctx, ev)
}

// store 写入结果缓存，失败只记日志。
func (o *Orchestrator) store(ctx context.Context, key string, f capability.Field, v any) {
	if err := o.cache.Set(ctx, key, v, o.ttl(f)); err != nil {
		o.logger.WarnContext(ctx, "cache write failed", "key", key, "error", err)
	}
}

func (o *Orchestrator) ttl(f capability.Field) time.Duration {
	if d, ok := o.cacheTTL[f]; ok && d > 0 {
		return d
	}
	return capability.DefaultCacheTTL(f)
}
