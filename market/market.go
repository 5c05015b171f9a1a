// Package market 定义数据采集结果类型：报价、K 线、基本面、公司概况、新闻、宏观序列与筛选结果。
// 价格类字段使用 shopspring/decimal 保持精度，比率与百分比使用 float64。
package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Quote 实时报价。
type Quote struct {
	Symbol        string          `json:"symbol"`
	ShortName     string          `json:"short_name,omitempty"`
	Currency      string          `json:"currency,omitempty"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent float64         `json:"change_percent"`
	PreviousClose decimal.Decimal `json:"previous_close"`
	Volume        float64         `json:"volume,omitempty"`
	MarketCap     float64         `json:"market_cap,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Provider      string          `json:"provider"`
}

// Normalize 在数据源未给出涨跌额/涨跌幅时，根据前收盘价补全。
func (q *Quote) Normalize() {
	q.Symbol = strings.ToUpper(q.Symbol)
	if q.Change.IsZero() && q.PreviousClose.IsPositive() {
		q.Change = q.Price.Sub(q.PreviousClose)
	}
	if q.ChangePercent == 0 && q.PreviousClose.IsPositive() && !q.Change.IsZero() {
		q.ChangePercent = q.Change.Div(q.PreviousClose).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
}

// Validate 报价必须为正价格。
func (q Quote) Validate() error {
	if !q.Price.IsPositive() {
		return fmt.Errorf("quote %s: non-positive price %s", q.Symbol, q.Price)
	}
	return nil
}

// Candle 单根 K 线。
type Candle struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume float64         `json:"volume"`
}

// Valid 判断 K 线价格是否自洽。
func (c Candle) Valid() bool {
	if !c.Close.IsPositive() || !c.High.IsPositive() || !c.Low.IsPositive() {
		return false
	}
	return c.High.GreaterThanOrEqual(c.Low)
}

// Series 一组按时间升序排列的 K 线。
type Series struct {
	Symbol    string   `json:"symbol"`
	Timeframe string   `json:"timeframe"`
	Candles   []Candle `json:"candles"`
	Provider  string   `json:"provider"`
}

// Tail 保留最后 n 根 K 线，n <= 0 时不截断。
func (s *Series) Tail(n int) {
	if n > 0 && len(s.Candles) > n {
		s.Candles = s.Candles[len(s.Candles)-n:]
	}
}

// Last 返回最后一根 K 线。
func (s Series) Last() (Candle, bool) {
	if len(s.Candles) == 0 {
		return Candle{}, false
	}
	return s.Candles[len(s.Candles)-1], true
}

// Fundamentals 基本面指标。
type Fundamentals struct {
	Symbol           string          `json:"symbol"`
	Currency         string          `json:"currency,omitempty"`
	MarketCap        decimal.Decimal `json:"market_cap"`
	TotalRevenue     decimal.Decimal `json:"total_revenue"`
	NetIncome        decimal.Decimal `json:"net_income"`
	EBITDA           decimal.Decimal `json:"ebitda"`
	FreeCashFlow     decimal.Decimal `json:"free_cash_flow"`
	PERatio          float64         `json:"pe_ratio,omitempty"`
	ForwardPE        float64         `json:"forward_pe,omitempty"`
	PriceToBook      float64         `json:"price_to_book,omitempty"`
	PEGRatio         float64         `json:"peg_ratio,omitempty"`
	DividendYield    float64         `json:"dividend_yield,omitempty"`
	ProfitMargin     float64         `json:"profit_margin,omitempty"`
	OperatingMargin  float64         `json:"operating_margin,omitempty"`
	ReturnOnEquity   float64         `json:"return_on_equity,omitempty"`
	DebtToEquity     float64         `json:"debt_to_equity,omitempty"`
	RevenueGrowth    float64         `json:"revenue_growth,omitempty"`
	EarningsGrowth   float64         `json:"earnings_growth,omitempty"`
	FiftyTwoWeekHigh decimal.Decimal `json:"fifty_two_week_high"`
	FiftyTwoWeekLow  decimal.Decimal `json:"fifty_two_week_low"`
	IsETF            bool            `json:"is_etf"`
	LastUpdated      time.Time       `json:"last_updated"`
	Provider         string          `json:"provider"`
}

// Empty 判断是否没有任何有效指标。
func (f Fundamentals) Empty() bool {
	return f.MarketCap.IsZero() && f.TotalRevenue.IsZero() && f.PERatio == 0 &&
		f.ForwardPE == 0 && f.ReturnOnEquity == 0 && f.FiftyTwoWeekHigh.IsZero()
}

// Profile 公司/标的概况。
type Profile struct {
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	Exchange    string `json:"exchange,omitempty"`
	Currency    string `json:"currency,omitempty"`
	Sector      string `json:"sector,omitempty"`
	Industry    string `json:"industry,omitempty"`
	Country     string `json:"country,omitempty"`
	Website     string `json:"website,omitempty"`
	Description string `json:"description,omitempty"`
	AssetType   string `json:"asset_type,omitempty"`
	Provider    string `json:"provider"`
}

// NewsArticle 新闻条目。
type NewsArticle struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Source      string    `json:"source"`
	Headline    string    `json:"headline"`
	Summary     string    `json:"summary,omitempty"`
	URL         string    `json:"url,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	Provider    string    `json:"provider"`
}

// SourceReliability 按新闻来源给出 0~1 的可信度分层。
func (n NewsArticle) SourceReliability() float64 {
	s := strings.ToLower(n.Source)
	switch {
	case containsAny(s, "bloomberg", "reuters", "wsj", "dow jones"):
		return 1.0
	case containsAny(s, "cnbc", "financial times", "marketwatch", "yahoo"):
		return 0.8
	case containsAny(s, "seeking alpha", "benzinga", "motley fool", "zacks"):
		return 0.6
	default:
		return 0.4
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// MacroPoint 宏观序列上的单个观测值。
type MacroPoint struct {
	Date  time.Time       `json:"date"`
	Value decimal.Decimal `json:"value"`
}

// MacroIndicator 宏观指标的最新值与变化。
type MacroIndicator struct {
	Symbol        string          `json:"symbol"`
	SeriesID      string          `json:"series_id,omitempty"`
	Value         decimal.Decimal `json:"value"`
	Previous      decimal.Decimal `json:"previous"`
	ChangePercent float64         `json:"change_percent"`
	Date          time.Time       `json:"date"`
	Provider      string          `json:"provider"`
}

// IndicatorFromPoints 由升序观测序列构造最新指标，少于一个观测值时返回 false。
func IndicatorFromPoints(symbol, seriesID string, points []MacroPoint) (MacroIndicator, bool) {
	if len(points) == 0 {
		return MacroIndicator{}, false
	}
	last := points[len(points)-1]
	ind := MacroIndicator{Symbol: symbol, SeriesID: seriesID, Value: last.Value, Previous: last.Value, Date: last.Date}
	if len(points) > 1 {
		ind.Previous = points[len(points)-2].Value
		if !ind.Previous.IsZero() {
			ind.ChangePercent = last.Value.Sub(ind.Previous).Div(ind.Previous.Abs()).
				Mul(decimal.NewFromInt(100)).InexactFloat64()
		}
	}
	return ind, true
}

// MacroSeries 宏观时间序列（升序）。
type MacroSeries struct {
	SeriesID string       `json:"series_id"`
	Points   []MacroPoint `json:"points"`
	Provider string       `json:"provider"`
}

// ScreenerKind 筛选类型。
type ScreenerKind string

const (
	ScreenerGainers    ScreenerKind = "gainers"
	ScreenerLosers     ScreenerKind = "losers"
	ScreenerMostActive ScreenerKind = "most_active"
)

// ParseScreenerKind 解析筛选类型，无法识别时回退为涨幅榜。
func ParseScreenerKind(s string) ScreenerKind {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "losers", "day_losers":
		return ScreenerLosers
	case "most_active", "mostactive", "most_actives":
		return ScreenerMostActive
	default:
		return ScreenerGainers
	}
}

// ScreenerEntry 筛选结果中的单个标的。
type ScreenerEntry struct {
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name,omitempty"`
	Price         decimal.Decimal `json:"price"`
	ChangePercent float64         `json:"change_percent"`
	Volume        float64         `json:"volume,omitempty"`
}

// Screener 筛选结果。
type Screener struct {
	Kind     ScreenerKind    `json:"kind"`
	Entries  []ScreenerEntry `json:"entries"`
	Provider string          `json:"provider"`
}

// Limit 截断到前 n 个条目。
func (s *Screener) Limit(n int) {
	if n > 0 && len(s.Entries) > n {
		s.Entries = s.Entries[:n]
	}
}
