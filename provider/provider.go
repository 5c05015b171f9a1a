// Package provider 实现各行情数据源的适配器：构造请求、解析响应为 market 类型。
// 适配器本身不做网络调用，请求由 httpclient 在预算闸门与熔断之后统一执行。
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/classifier"
	"github.com/wyfcoding/heimdall/config"
	"github.com/wyfcoding/heimdall/instrument"
	"github.com/wyfcoding/heimdall/market"
	"github.com/wyfcoding/heimdall/xerrors"
)

// ErrUnsupportedField 适配器不支持请求的字段。
var ErrUnsupportedField = errors.New("provider: unsupported field")

// DemoKey 支持演示额度的数据源在未配置凭据时使用的 Key。
const DemoKey = "demo"

// Query 一次逻辑请求在适配器层的描述。
type Query struct {
	Field      capability.Field
	Symbol     string
	Instrument instrument.Instrument
	Asset      capability.AssetType
	Timeframe  string
	Limit      int
	Screener   market.ScreenerKind
	// Series 宏观请求返回完整序列而非最新值。
	Series bool
}

// NewQuery 构造查询并解析标的。
func NewQuery(field capability.Field, symbol string, asset capability.AssetType) Query {
	inst := instrument.Resolve(symbol)
	return Query{
		Field:      field,
		Symbol:     strings.ToUpper(strings.TrimSpace(symbol)),
		Instrument: inst,
		Asset:      instrument.AssetType(symbol, asset),
	}
}

// Endpoint 返回用于日志与追踪的端点名。
func (q Query) Endpoint() string {
	if q.Field == capability.FieldMacro && q.Series {
		return "macro_series"
	}
	return string(q.Field)
}

// Adapter 数据源适配器。
type Adapter interface {
	Name() capability.Provider
	// Build 构造 HTTP 请求。
	Build(ctx context.Context, q Query) (*http.Request, error)
	// Decode 将 2xx 响应体解析为 market 类型。
	Decode(q Query, body []byte) (any, error)
	// Secrets 返回需从证据中抹去的凭据原文。
	Secrets() []string
}

// LocalAdapter 不经过网络层、直接产出结果的适配器。
type LocalAdapter interface {
	Adapter
	Fetch(ctx context.Context, q Query) (any, error)
}

// Registry 按数据源名称索引适配器。
type Registry struct {
	mu       sync.RWMutex
	adapters map[capability.Provider]Adapter
}

// NewRegistry 创建空注册表。
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[capability.Provider]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register 注册或替换适配器。
func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Lookup 查找适配器。
func (r *Registry) Lookup(p capability.Provider) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	return a, ok
}

// Names 返回已注册的数据源（按名称排序）。
func (r *Registry) Names() []capability.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]capability.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Settings 构造默认适配器集合所需的参数。
type Settings struct {
	Keys      map[string]string
	BaseURLs  map[string]string
	UserAgent string
	Universe  []string
	Now       func() time.Time
	// Quoter 本地扫描器获取单个报价的方式。
	Quoter Quoter
}

// SettingsFromConfig 从配置构造参数。
func SettingsFromConfig(cfg config.ProvidersConfig) Settings {
	return Settings{
		Keys:      cfg.Keys,
		BaseURLs:  cfg.BaseURLs,
		UserAgent: cfg.UserAgent,
		Universe:  cfg.Universe,
	}
}

func (s Settings) key(p capability.Provider) string {
	if s.Keys == nil {
		return ""
	}
	return strings.TrimSpace(s.Keys[string(p)])
}

func (s Settings) base(name, def string) string {
	if s.BaseURLs != nil {
		if v := strings.TrimRight(s.BaseURLs[name], "/"); v != "" {
			return v
		}
	}
	return def
}

func (s Settings) now() func() time.Time {
	if s.Now != nil {
		return s.Now
	}
	return time.Now
}

// Default 按参数构造全部内置适配器。
func Default(s Settings) *Registry {
	return NewRegistry(
		NewYahoo(s),
		NewTwelveData(s),
		NewFinnhub(s),
		NewEODHD(s),
		NewFRED(s),
		NewTiingo(s),
		NewLocalScanner(s.Universe, s.Quoter),
	)
}

// newGET 构造带查询参数的 GET 请求。
func newGET(ctx context.Context, base, path string, params url.Values) (*http.Request, error) {
	u := base + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func unsupported(p capability.Provider, f capability.Field) error {
	return xerrors.New(xerrors.CategoryEntitlementDenied, 0, "Unsupported Endpoint", ErrUnsupportedField).
		WithSource(string(p), string(f))
}

func decodeErr(p capability.Provider, what string, err error) error {
	if err == nil {
		return fmt.Errorf("%s %s: %w", p, what, classifier.ErrDecode)
	}
	return fmt.Errorf("%s %s: %w: %v", p, what, classifier.ErrDecode, err)
}

func emptyPayload(p capability.Provider, f capability.Field) error {
	return xerrors.New(xerrors.CategoryEmptyPayload, http.StatusOK, "No Data", nil).WithSource(string(p), string(f))
}

func notFound(p capability.Provider, f capability.Field, symbol string) error {
	return xerrors.New(xerrors.CategorySymbolNotFound, http.StatusNotFound, "Symbol Not Found", nil).
		WithSource(string(p), string(f)).WithContext("symbol", symbol)
}

func limitOr(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
