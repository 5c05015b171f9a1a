package provider

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sort"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/market"
	"github.com/wyfcoding/heimdall/xerrors"
)

// scanConcurrency 本地扫描并发获取报价的上限。
const scanConcurrency = 8

// ErrNoQuoter 本地扫描器未配置报价来源。
var ErrNoQuoter = errors.New("local scanner: no quoter configured")

// DefaultUniverse 本地扫描器的内置候选标的。
var DefaultUniverse = []string{
	"SPY", "QQQ", "IWM", "DIA", "IVV", "VOO",
	"AAPL", "MSFT", "NVDA", "AMZN", "GOOGL", "META", "TSLA", "AVGO", "COST", "ADBE", "NFLX", "AMD", "INTC",
	"JPM", "BAC", "V", "MA", "WFC", "GS", "MS",
	"LLY", "JNJ", "UNH", "PFE", "MRK", "ABBV",
	"XOM", "CVX", "COP",
	"PG", "KO", "PEP", "WMT", "HD", "MCD", "NKE", "SBUX",
	"BTC-USD", "ETH-USD", "SOL-USD",
}

// Quoter 获取单个标的报价。报价候选中不含本地扫描器，因此可以安全地经由编排层获取。
type Quoter func(ctx context.Context, symbol string) (market.Quote, error)

// LocalScanner 在筛选接口不可用时，对固定候选集逐个取报价并在本地排序。
type LocalScanner struct {
	universe []string
	quoter   Quoter
}

// NewLocalScanner 创建本地扫描器，universe 为空时使用内置候选集。
func NewLocalScanner(universe []string, quoter Quoter) *LocalScanner {
	if len(universe) == 0 {
		universe = DefaultUniverse
	}
	u := make([]string, 0, len(universe))
	for _, s := range universe {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			u = append(u, s)
		}
	}
	return &LocalScanner{universe: u, quoter: quoter}
}

// SetQuoter 设置报价来源。
func (l *LocalScanner) SetQuoter(q Quoter) { l.quoter = q }

// HasQuoter 是否已配置报价来源。
func (l *LocalScanner) HasQuoter() bool { return l.quoter != nil }

// Universe 返回候选集。
func (l *LocalScanner) Universe() []string { return append([]string(nil), l.universe...) }

// Name 实现 Adapter。
func (l *LocalScanner) Name() capability.Provider { return capability.LocalScanner }

// Secrets 实现 Adapter。
func (l *LocalScanner) Secrets() []string { return nil }

// Build 实现 Adapter。本地扫描器不经网络层。
func (l *LocalScanner) Build(context.Context, Query) (*http.Request, error) {
	return nil, unsupported(capability.LocalScanner, "http")
}

// Decode 实现 Adapter。
func (l *LocalScanner) Decode(q Query, _ []byte) (any, error) {
	return nil, unsupported(capability.LocalScanner, q.Field)
}

// Fetch 实现 LocalAdapter：并发获取候选报价，失败的标的被忽略。
func (l *LocalScanner) Fetch(ctx context.Context, q Query) (any, error) {
	if q.Field != capability.FieldScreener {
		return nil, unsupported(capability.LocalScanner, q.Field)
	}
	if l.quoter == nil {
		return nil, xerrors.New(xerrors.CategoryUnknown, 0, "No Quoter", ErrNoQuoter).
			WithSource(string(capability.LocalScanner), string(q.Field))
	}

	p := pool.NewWithResults[*market.Quote]().WithMaxGoroutines(scanConcurrency)
	for _, sym := range l.universe {
		p.Go(func() *market.Quote {
			if ctx.Err() != nil {
				return nil
			}
			quote, err := l.quoter(ctx, sym)
			if err != nil {
				return nil
			}
			return &quote
		})
	}
	var quotes []market.Quote
	for _, qt := range p.Wait() {
		if qt != nil {
			quotes = append(quotes, *qt)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(quotes) == 0 {
		return nil, emptyPayload(capability.LocalScanner, q.Field)
	}

	rankQuotes(quotes, q.Screener)
	sc := market.Screener{Kind: q.Screener, Provider: string(capability.LocalScanner)}
	for _, qt := range quotes {
		sc.Entries = append(sc.Entries, market.ScreenerEntry{
			Symbol:        qt.Symbol,
			Name:          qt.ShortName,
			Price:         qt.Price,
			ChangePercent: qt.ChangePercent,
			Volume:        qt.Volume,
		})
	}
	sc.Limit(limitOr(q.Limit, 25))
	return sc, nil
}

// rankQuotes 涨幅榜按涨跌幅降序，跌幅榜升序；活跃榜优先按成交量，缺失成交量时按涨跌幅绝对值。
func rankQuotes(quotes []market.Quote, kind market.ScreenerKind) {
	switch kind {
	case market.ScreenerLosers:
		sort.SliceStable(quotes, func(i, j int) bool { return quotes[i].ChangePercent < quotes[j].ChangePercent })
	case market.ScreenerMostActive:
		sort.SliceStable(quotes, func(i, j int) bool {
			if quotes[i].Volume != quotes[j].Volume {
				return quotes[i].Volume > quotes[j].Volume
			}
			return math.Abs(quotes[i].ChangePercent) > math.Abs(quotes[j].ChangePercent)
		})
	default:
		sort.SliceStable(quotes, func(i, j int) bool { return quotes[i].ChangePercent > quotes[j].ChangePercent })
	}
}
