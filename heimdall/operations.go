package heimdall

import (
	"context"
	"fmt"

	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/market"
	"github.com/wyfcoding/heimdall/provider"
	"github.com/wyfcoding/heimdall/xerrors"
)

// RequestQuote 获取最新报价。
func (o *Orchestrator) RequestQuote(ctx context.Context, symbol string, opts ...RequestOption) (market.Quote, error) {
	q := provider.NewQuery(capability.FieldQuote, symbol, capability.Unknown)
	return run[market.Quote](ctx, o, q, opts)
}

// RequestCandles 获取 K 线，timeframe 为空时取日线。
func (o *Orchestrator) RequestCandles(ctx context.Context, symbol, timeframe string, limit int, opts ...RequestOption) (market.Series, error) {
	q := provider.NewQuery(capability.FieldCandles, symbol, capability.Unknown)
	q.Timeframe = provider.ParseTimeframe(timeframe).Name
	q.Limit = limit
	return run[market.Series](ctx, o, q, opts)
}

// RequestFundamentals 获取基本面数据。
func (o *Orchestrator) RequestFundamentals(ctx context.Context, symbol string, opts ...RequestOption) (market.Fundamentals, error) {
	q := provider.NewQuery(capability.FieldFundamentals, symbol, capability.Unknown)
	return run[market.Fundamentals](ctx, o, q, opts)
}

// RequestProfile 获取公司概况。
func (o *Orchestrator) RequestProfile(ctx context.Context, symbol string, opts ...RequestOption) (market.Profile, error) {
	q := provider.NewQuery(capability.FieldProfile, symbol, capability.Unknown)
	return run[market.Profile](ctx, o, q, opts)
}

// RequestMacro 获取宏观指标的最新值。FRED 序列与别名路由到 FRED，其余走指数链路。
func (o *Orchestrator) RequestMacro(ctx context.Context, symbol string, opts ...RequestOption) (market.MacroIndicator, error) {
	q := provider.NewQuery(capability.FieldMacro, symbol, capability.Index)
	return run[market.MacroIndicator](ctx, o, q, opts)
}

// RequestMacroSeries 获取宏观指标的时间序列（升序）。
func (o *Orchestrator) RequestMacroSeries(ctx context.Context, symbol string, limit int, opts ...RequestOption) (market.MacroSeries, error) {
	q := provider.NewQuery(capability.FieldMacro, symbol, capability.Index)
	q.Series = true
	q.Limit = limit
	return run[market.MacroSeries](ctx, o, q, opts)
}

// RequestNews 获取新闻。
func (o *Orchestrator) RequestNews(ctx context.Context, symbol string, limit int, opts ...RequestOption) ([]market.NewsArticle, error) {
	q := provider.NewQuery(capability.FieldNews, symbol, capability.Unknown)
	q.Limit = limit
	return run[[]market.NewsArticle](ctx, o, q, opts)
}

// RequestScreener 获取市场筛选榜单。
func (o *Orchestrator) RequestScreener(ctx context.Context, kind market.ScreenerKind, limit int, opts ...RequestOption) (market.Screener, error) {
	if kind == "" {
		kind = market.ScreenerGainers
	}
	q := provider.NewQuery(capability.FieldScreener, "MARKET", capability.Stock)
	q.Screener = kind
	q.Limit = limit
	return run[market.Screener](ctx, o, q, opts)
}

// FetchRequest 面向下游引擎的按字段取数请求。
type FetchRequest struct {
	Field     capability.Field
	Symbol    string
	Asset     capability.AssetType
	Timeframe string
	Limit     int
	// Screener 仅 screener 字段使用。
	Screener market.ScreenerKind
	// Series 仅 macro 字段使用，返回完整序列。
	Series  bool
	Options []RequestOption
}

// Fetch 按字段分派到对应的请求，返回 market 包中的类型化结果。
func (o *Orchestrator) Fetch(ctx context.Context, req FetchRequest) (any, error) {
	opts := req.Options
	if req.Asset != "" && req.Asset != capability.Unknown {
		opts = append([]RequestOption{WithAsset(req.Asset)}, opts...)
	}
	switch req.Field {
	case capability.FieldQuote:
		return o.RequestQuote(ctx, req.Symbol, opts...)
	case capability.FieldCandles:
		return o.RequestCandles(ctx, req.Symbol, req.Timeframe, req.Limit, opts...)
	case capability.FieldFundamentals:
		return o.RequestFundamentals(ctx, req.Symbol, opts...)
	case capability.FieldProfile:
		return o.RequestProfile(ctx, req.Symbol, opts...)
	case capability.FieldNews:
		return o.RequestNews(ctx, req.Symbol, req.Limit, opts...)
	case capability.FieldMacro:
		if req.Series {
			return o.RequestMacroSeries(ctx, req.Symbol, req.Limit, opts...)
		}
		return o.RequestMacro(ctx, req.Symbol, opts...)
	case capability.FieldScreener:
		kind := req.Screener
		if kind == "" && req.Symbol != "" {
			kind = market.ParseScreenerKind(req.Symbol)
		}
		return o.RequestScreener(ctx, kind, req.Limit, opts...)
	default:
		return nil, xerrors.InvalidArg(fmt.Sprintf("unknown field %q", req.Field))
	}
}
