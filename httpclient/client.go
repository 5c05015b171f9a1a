// Package httpclient 提供具备治理能力的数据源 HTTP 客户端：
// 仅对传输层错误做有限次本地重试，捕获脱敏后的响应体前缀，
// 对 2xx 负载做二次检查，并输出指标、慢请求日志与链路 Span。
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wyfcoding/heimdall/classifier"
	"github.com/wyfcoding/heimdall/logging"
	"github.com/wyfcoding/heimdall/metrics"
	"github.com/wyfcoding/heimdall/retry"
	"github.com/wyfcoding/heimdall/security"
	"github.com/wyfcoding/heimdall/tracing"
	"github.com/wyfcoding/heimdall/xerrors"
)

// ErrRequestBodyNotReplayable 表示请求体不可重复读取，无法重试。
var ErrRequestBodyNotReplayable = errors.New("request body is not replayable")

const (
	defaultTimeout         = 15 * time.Second
	defaultMaxBodyBytes    = 8 << 20
	defaultBodyPrefixLimit = 300
	defaultUserAgent       = "heimdall/1.0"
)

// Config 定义 HTTP 客户端的治理配置。
type Config struct {
	UserAgent       string
	Timeout         time.Duration // 单次尝试超时
	SlowThreshold   time.Duration
	MaxBodyBytes    int64
	BodyPrefixLimit int
	Retry           retry.Config
}

// Call 一次数据源调用。
type Call struct {
	Provider string
	Endpoint string
	Request  *http.Request
	// Secrets 需要从响应体摘录中抹去的凭据原文。
	Secrets []string
}

// Result 调用结果。HTTP 层失败时与错误一同返回，便于记录证据。
type Result struct {
	Status     int
	Body       []byte
	Bytes      int
	BodyPrefix string
	URL        string // 已脱敏
	Duration   time.Duration
	Attempts   int
}

// Client 封装标准 http.Client，提供治理能力。
type Client struct {
	client  *http.Client
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// Option 定义 Client 构造参数。
type Option func(*Client)

// WithHTTPClient 替换底层 http.Client。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// NewClient 创建一个带治理能力的 HTTP 客户端。
func NewClient(cfg Config, logger *logging.Logger, m *metrics.Metrics, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.BodyPrefixLimit <= 0 {
		cfg.BodyPrefixLimit = defaultBodyPrefixLimit
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	c := &Client{
		client:  &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		logger:  logging.OrDefault(logger).Named("httpclient"),
		metrics: m,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do 执行调用。网络层只重试传输层错误；任何 HTTP 状态都不在此重试。
// 非 2xx 或不可用的 2xx 负载返回带分类的 *xerrors.Error。
func (c *Client) Do(ctx context.Context, call Call) (*Result, error) {
	req := call.Request
	if req == nil || req.URL == nil {
		return nil, errors.New("request is nil")
	}

	res := &Result{URL: security.MaskURL(req.URL.String())}
	start := time.Now()

	var status int
	var body []byte
	err := retry.If(ctx, func() error {
		res.Attempts++
		attemptReq, cloneErr := cloneRequest(ctx, req)
		if cloneErr != nil {
			return cloneErr
		}
		s, b, callErr := c.doOnce(ctx, call, attemptReq, res.Attempts)
		if callErr != nil {
			return callErr
		}
		status, body = s, b
		return nil
	}, func(err error) bool {
		return ctx.Err() == nil && classifier.IsTransport(err)
	}, c.cfg.Retry)
	res.Duration = time.Since(start)

	if err != nil {
		if te := classifier.FromTransport(err); te != nil {
			return res, te.WithSource(call.Provider, call.Endpoint).WithContext("url", res.URL)
		}
		return res, fmt.Errorf("httpclient: %s %s: %w", call.Provider, call.Endpoint, err)
	}

	res.Status = status
	res.Body = body
	res.Bytes = len(body)
	res.BodyPrefix = security.MaskSecret(security.ScrubBody(string(body), c.cfg.BodyPrefixLimit), call.Secrets...)

	if xe := classifier.FromStatus(status, body); xe != nil {
		return res, xe.WithSource(call.Provider, call.Endpoint).
			WithBody(res.BodyPrefix).
			WithContext("url", res.URL)
	}
	return res, nil
}

func (c *Client) doOnce(ctx context.Context, call Call, req *http.Request, attempt int) (int, []byte, error) {
	spanCtx, span := tracing.StartSpan(ctx, "HTTPClient."+strings.ToUpper(req.Method))
	defer span.End()

	host := hostKey(req)
	tracing.AddTag(spanCtx, "http.method", req.Method)
	tracing.AddTag(spanCtx, "http.url", security.MaskURL(req.URL.String()))
	tracing.AddTag(spanCtx, "http.host", host)
	tracing.AddTag(spanCtx, "heimdall.provider", call.Provider)
	tracing.AddTag(spanCtx, "heimdall.attempt", attempt)

	req = req.WithContext(spanCtx)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	injectTraceContext(req, spanCtx)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		elapsed := time.Since(start)
		tracing.SetError(spanCtx, err)
		c.metrics.ObserveClient(host, 0, elapsed, c.isSlow(elapsed))
		c.logger.DebugContext(ctx, "http attempt failed",
			"provider", call.Provider, "endpoint", call.Endpoint, "attempt", attempt,
			"url", security.MaskURL(req.URL.String()), "error", security.MaskURL(err.Error()))
		return 0, nil, err
	}
	defer drainAndClose(resp.Body)

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
	elapsed := time.Since(start)
	slow := c.isSlow(elapsed)
	c.metrics.ObserveClient(host, resp.StatusCode, elapsed, slow)
	tracing.AddTag(spanCtx, "http.status_code", resp.StatusCode)
	if err != nil {
		tracing.SetError(spanCtx, err)
		return 0, nil, err
	}

	if slow {
		c.logger.WarnContext(ctx, "http client slow request",
			"provider", call.Provider, "url", security.MaskURL(req.URL.String()), "duration", elapsed)
	}
	c.logger.DebugContext(ctx, "http attempt",
		"provider", call.Provider, "endpoint", call.Endpoint, "attempt", attempt,
		"status", resp.StatusCode, "bytes", len(body), "duration", elapsed)
	return resp.StatusCode, body, nil
}

func (c *Client) isSlow(d time.Duration) bool {
	return c.cfg.SlowThreshold > 0 && d >= c.cfg.SlowThreshold
}

func injectTraceContext(req *http.Request, ctx context.Context) {
	for k, v := range tracing.InjectContext(ctx) {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
}

func hostKey(req *http.Request) string {
	if req == nil || req.URL == nil {
		return "unknown"
	}
	if req.Host != "" {
		return req.Host
	}
	return req.URL.Host
}

func cloneRequest(ctx context.Context, req *http.Request) (*http.Request, error) {
	if req.GetBody == nil && req.Body != nil && req.Body != http.NoBody {
		return nil, ErrRequestBodyNotReplayable
	}
	clone := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		clone.Body = body
	}
	return clone, nil
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

// ErrorFor 将非 *xerrors.Error 的错误包装为 unknown 分类，供调用方统一处理。
func ErrorFor(err error, provider, endpoint string) *xerrors.Error {
	if err == nil {
		return nil
	}
	if xe, ok := xerrors.FromError(err); ok {
		return xe
	}
	cl := classifier.Classify(err, provider, endpoint)
	return xerrors.New(cl.Category, cl.Code, cl.Reason, err).WithSource(provider, endpoint)
}
