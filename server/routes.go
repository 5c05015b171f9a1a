package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/health"
	"github.com/wyfcoding/heimdall/heimdall"
	"github.com/wyfcoding/heimdall/logging"
	"github.com/wyfcoding/heimdall/market"
	"github.com/wyfcoding/heimdall/metrics"
	"github.com/wyfcoding/heimdall/response"
	"github.com/wyfcoding/heimdall/security"
	"github.com/wyfcoding/heimdall/xerrors"
)

const maxPrefetchSymbols = 50

// API 数据获取与诊断接口。
type API struct {
	orch           *heimdall.Orchestrator
	checks         *health.Checks
	metrics        *metrics.Metrics
	metricsPath    string
	logger         *logging.Logger
	stream         *TraceStream
	adminAllowlist []string
}

// APIOption API 构造选项。
type APIOption func(*API)

// WithChecks 设置 /readyz 使用的依赖检查。
func WithChecks(c *health.Checks) APIOption {
	return func(a *API) { a.checks = c }
}

// WithAPIMetrics 在 path（为空时为 /metrics）上暴露指标注册表。
func WithAPIMetrics(m *metrics.Metrics, path string) APIOption {
	return func(a *API) {
		a.metrics = m
		a.metricsPath = path
	}
}

// WithAPILogger 设置日志。
func WithAPILogger(l *logging.Logger) APIOption {
	return func(a *API) { a.logger = l }
}

// WithAdminAllowlist 限制管理接口的来源 IP/CIDR。
func WithAdminAllowlist(entries []string) APIOption {
	return func(a *API) { a.adminAllowlist = entries }
}

// NewAPI 创建接口处理器。
func NewAPI(orch *heimdall.Orchestrator, opts ...APIOption) *API {
	a := &API{orch: orch}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.OrDefault(a.logger).Named("api")
	if a.checks == nil {
		a.checks = health.NewChecks()
	}
	a.stream = NewTraceStream(orch.Traces(), a.logger)
	return a
}

// Stream 追踪事件推送器。
func (a *API) Stream() *TraceStream { return a.stream }

// Register 注册全部路由。
func (a *API) Register(e *gin.Engine) {
	e.GET("/healthz", a.healthz)
	e.GET("/readyz", a.readyz)
	if a.metrics != nil {
		path := a.metricsPath
		if path == "" {
			path = "/metrics"
		}
		e.GET(path, gin.WrapH(a.metrics.Handler()))
	}

	v1 := e.Group("/v1")
	v1.GET("/fetch/:field/:symbol", a.fetch)

	diag := v1.Group("/diagnostics")
	diag.GET("", a.diagnostics)
	diag.GET("/bundle", a.bundle)
	diag.GET("/traces", a.traces)
	diag.GET("/traces/stream", gin.WrapH(a.stream))
	diag.GET("/quota", a.quota)
	diag.GET("/circuits", a.circuits)
	diag.GET("/quarantine", a.quarantine)

	admin := v1.Group("/admin", security.IPAllowlistMiddleware(a.adminAllowlist))
	admin.POST("/reset/bans", a.resetBans)
	admin.POST("/reset/locks/:provider", a.resetLocks)
	admin.POST("/reset/circuits", a.resetCircuits)
	admin.POST("/reset/quota/:provider", a.resetQuota)
	admin.POST("/reset/telemetry", a.resetTelemetry)
	admin.POST("/probe", a.probe)
	admin.POST("/prefetch", a.prefetch)
	admin.POST("/bundle", a.uploadBundle)
}

func (a *API) healthz(c *gin.Context) {
	response.SuccessWithRawData(c, http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) readyz(c *gin.Context) {
	results, ok := a.checks.Run(c.Request.Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	response.SuccessWithRawData(c, status, gin.H{"ready": ok, "checks": results})
}

// fetch GET /v1/fetch/:field/:symbol?asset=&timeframe=&limit=&provider=&usage=&engine=&nocache=&kind=&series=
func (a *API) fetch(c *gin.Context) {
	req, err := a.parseFetchRequest(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	data, err := a.orch.Fetch(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, data)
}

func (a *API) parseFetchRequest(c *gin.Context) (heimdall.FetchRequest, error) {
	field, err := capability.ParseField(c.Param("field"))
	if err != nil {
		return heimdall.FetchRequest{}, xerrors.InvalidArg(err.Error())
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return heimdall.FetchRequest{}, err
	}

	req := heimdall.FetchRequest{
		Field:     field,
		Symbol:    c.Param("symbol"),
		Timeframe: c.Query("timeframe"),
		Limit:     limit,
		Series:    queryBool(c, "series"),
	}
	if asset := c.Query("asset"); asset != "" {
		req.Asset = capability.ParseAssetType(asset)
	}
	if kind := c.Query("kind"); kind != "" {
		req.Screener = market.ParseScreenerKind(kind)
	}

	opts := []heimdall.RequestOption{
		heimdall.WithUsage(heimdall.ParseUsage(c.Query("usage"))),
		heimdall.WithEngine(c.DefaultQuery("engine", "http")),
	}
	if p := c.Query("provider"); p != "" {
		id, err := a.lookupProvider(p)
		if err != nil {
			return heimdall.FetchRequest{}, err
		}
		opts = append(opts, heimdall.WithProvider(id))
	}
	if queryBool(c, "nocache") {
		opts = append(opts, heimdall.BypassCache())
	}
	req.Options = opts
	return req, nil
}

func (a *API) diagnostics(c *gin.Context) {
	response.Success(c, a.orch.Diagnostics())
}

func (a *API) bundle(c *gin.Context) {
	c.String(http.StatusOK, a.orch.DebugBundle())
}

func (a *API) traces(c *gin.Context) {
	n, err := queryInt(c, "limit")
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, a.orch.Traces().Recent(n))
}

func (a *API) quota(c *gin.Context) {
	response.Success(c, a.orch.Quota().Snapshots())
}

func (a *API) circuits(c *gin.Context) {
	response.Success(c, a.orch.Breakers().Statuses())
}

func (a *API) quarantine(c *gin.Context) {
	response.Success(c, a.orch.Registry().Snapshot())
}

func (a *API) resetBans(c *gin.Context) {
	a.orch.ResetBans(c.Request.Context())
	response.Success(c, gin.H{"reset": "bans"})
}

func (a *API) resetLocks(c *gin.Context) {
	p, err := a.lookupProvider(c.Param("provider"))
	if err != nil {
		response.Error(c, err)
		return
	}
	removed := a.orch.ResetLocks(c.Request.Context(), p)
	response.Success(c, gin.H{"provider": p, "removed": removed})
}

// resetCircuits 带 provider 查询参数时只重置单个熔断器。
func (a *API) resetCircuits(c *gin.Context) {
	if name := c.Query("provider"); name != "" {
		p, err := a.lookupProvider(name)
		if err != nil {
			response.Error(c, err)
			return
		}
		a.orch.ResetCircuit(p)
		response.Success(c, gin.H{"provider": p})
		return
	}
	a.orch.ResetCircuits()
	response.Success(c, gin.H{"reset": "circuits"})
}

func (a *API) resetQuota(c *gin.Context) {
	p, err := a.lookupProvider(c.Param("provider"))
	if err != nil {
		response.Error(c, err)
		return
	}
	a.orch.ResetQuota(p)
	response.Success(c, a.orch.Quota().Snapshot(p))
}

func (a *API) resetTelemetry(c *gin.Context) {
	a.orch.ClearTelemetry()
	response.Success(c, gin.H{"reset": "telemetry"})
}

func (a *API) probe(c *gin.Context) {
	response.Success(c, a.orch.Probe(c.Request.Context()))
}

type prefetchRequest struct {
	Symbols []string `json:"symbols" binding:"required,min=1"`
}

func (a *API) prefetch(c *gin.Context) {
	var req prefetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, xerrors.InvalidArg(fmt.Sprintf("invalid prefetch request: %v", err)))
		return
	}
	if len(req.Symbols) > maxPrefetchSymbols {
		response.Error(c, xerrors.InvalidArg(fmt.Sprintf("at most %d symbols per prefetch", maxPrefetchSymbols)))
		return
	}
	response.Success(c, a.orch.Prefetch(c.Request.Context(), req.Symbols))
}

func (a *API) uploadBundle(c *gin.Context) {
	url, err := a.orch.UploadBundle(c.Request.Context())
	if err != nil {
		if errors.Is(err, heimdall.ErrNoBundleStore) {
			response.ErrorWithStatus(c, http.StatusNotImplemented, err.Error(), "")
			return
		}
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"url": url})
}

func (a *API) lookupProvider(name string) (capability.Provider, error) {
	for _, id := range a.orch.Matrix().Providers() {
		if strings.EqualFold(string(id.Name), name) {
			return id.Name, nil
		}
	}
	return "", xerrors.InvalidArg(fmt.Sprintf("unknown provider %q", name))
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, xerrors.InvalidArg(fmt.Sprintf("%s must be a non-negative integer", key))
	}
	return n, nil
}

func queryBool(c *gin.Context, key string) bool {
	v, _ := strconv.ParseBool(c.Query(key))
	return v
}
