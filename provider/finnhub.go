package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/market"
)

const (
	finnhubBase = "https://finnhub.io/api/v1"

	finnhubNewsWindow = 7 * 24 * time.Hour
)

// Finnhub 适配器：/quote、/stock/candle、/stock/metric、/company-news。
type Finnhub struct {
	base string
	key  string
	now  func() time.Time
}

// NewFinnhub 创建 Finnhub 适配器。
func NewFinnhub(s Settings) *Finnhub {
	return &Finnhub{base: s.base("Finnhub", finnhubBase), key: s.key(capability.Finnhub), now: s.now()}
}

// Name 实现 Adapter。
func (f *Finnhub) Name() capability.Provider { return capability.Finnhub }

// Secrets 实现 Adapter。
func (f *Finnhub) Secrets() []string { return []string{f.key} }

// Build 实现 Adapter。
func (f *Finnhub) Build(ctx context.Context, q Query) (*http.Request, error) {
	params := url.Values{
		"symbol": {q.Instrument.SymbolFor(capability.Finnhub)},
		"token":  {f.key},
	}
	now := f.now()
	switch q.Field {
	case capability.FieldQuote:
		return newGET(ctx, f.base, "/quote", params)
	case capability.FieldCandles:
		tf := ParseTimeframe(q.Timeframe)
		n := limitOr(q.Limit, 300)
		// 预留周末与节假日的空档。
		from := now.Add(-time.Duration(n) * tf.Duration * 3 / 2)
		params.Set("resolution", finnhubResolution(tf))
		params.Set("from", strconv.FormatInt(from.Unix(), 10))
		params.Set("to", strconv.FormatInt(now.Unix(), 10))
		return newGET(ctx, f.base, "/stock/candle", params)
	case capability.FieldFundamentals:
		params.Set("metric", "all")
		return newGET(ctx, f.base, "/stock/metric", params)
	case capability.FieldNews:
		params.Set("from", now.Add(-finnhubNewsWindow).Format("2006-01-02"))
		params.Set("to", now.Format("2006-01-02"))
		return newGET(ctx, f.base, "/company-news", params)
	default:
		return nil, unsupported(capability.Finnhub, q.Field)
	}
}

type finnhubQuote struct {
	C  Number `json:"c"`
	D  Number `json:"d"`
	DP Number `json:"dp"`
	PC Number `json:"pc"`
	T  int64  `json:"t"`
}

type finnhubCandles struct {
	S string    `json:"s"`
	C []float64 `json:"c"`
	H []float64 `json:"h"`
	L []float64 `json:"l"`
	O []float64 `json:"o"`
	V []float64 `json:"v"`
	T []int64   `json:"t"`
}

type finnhubMetric struct {
	Metric map[string]Number `json:"metric"`
}

type finnhubNews struct {
	ID       int64  `json:"id"`
	Headline string `json:"headline"`
	Source   string `json:"source"`
	Summary  string `json:"summary"`
	URL      string `json:"url"`
	Datetime int64  `json:"datetime"`
}

// Decode 实现 Adapter。
func (f *Finnhub) Decode(q Query, body []byte) (any, error) {
	switch q.Field {
	case capability.FieldQuote:
		var r finnhubQuote
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, decodeErr(capability.Finnhub, "quote", err)
		}
		// 未知代码返回全零报价。
		if !r.C.Valid || r.C.Value.IsZero() {
			return nil, emptyPayload(capability.Finnhub, q.Field)
		}
		quote := market.Quote{
			Symbol:        q.Symbol,
			Price:         r.C.Dec(),
			Change:        r.D.Dec(),
			ChangePercent: r.DP.Float(),
			PreviousClose: r.PC.Dec(),
			Timestamp:     time.Unix(r.T, 0).UTC(),
			Provider:      string(capability.Finnhub),
		}
		quote.Normalize()
		return quote, nil

	case capability.FieldCandles:
		var r finnhubCandles
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, decodeErr(capability.Finnhub, "candle", err)
		}
		if r.S != "ok" || len(r.T) == 0 {
			return nil, emptyPayload(capability.Finnhub, q.Field)
		}
		if len(r.C) != len(r.T) || len(r.O) != len(r.T) || len(r.H) != len(r.T) || len(r.L) != len(r.T) {
			return nil, decodeErr(capability.Finnhub, "candle arrays length mismatch", nil)
		}
		series := market.Series{Symbol: q.Symbol, Timeframe: ParseTimeframe(q.Timeframe).Name, Provider: string(capability.Finnhub)}
		for i, ts := range r.T {
			c := market.Candle{
				Time:  time.Unix(ts, 0).UTC(),
				Open:  decimal.NewFromFloat(r.O[i]),
				High:  decimal.NewFromFloat(r.H[i]),
				Low:   decimal.NewFromFloat(r.L[i]),
				Close: decimal.NewFromFloat(r.C[i]),
			}
			if i < len(r.V) {
				c.Volume = r.V[i]
			}
			if c.Valid() {
				series.Candles = append(series.Candles, c)
			}
		}
		series.Tail(q.Limit)
		return series, nil

	case capability.FieldFundamentals:
		var r finnhubMetric
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, decodeErr(capability.Finnhub, "metric", err)
		}
		m := r.Metric
		// marketCapitalization 单位为百万。
		fund := market.Fundamentals{
			Symbol:           q.Symbol,
			MarketCap:        m["marketCapitalization"].Dec().Mul(decimal.NewFromInt(1_000_000)),
			PERatio:          m["peBasicExclExtraTTM"].Float(),
			PriceToBook:      m["pbAnnual"].Float(),
			DividendYield:    m["currentDividendYieldTTM"].Float(),
			ProfitMargin:     m["netProfitMarginTTM"].Float(),
			OperatingMargin:  m["operatingMarginTTM"].Float(),
			ReturnOnEquity:   m["roeTTM"].Float(),
			DebtToEquity:     m["totalDebt/totalEquityAnnual"].Float(),
			RevenueGrowth:    m["revenueGrowthTTMYoy"].Float(),
			EarningsGrowth:   m["epsGrowthTTMYoy"].Float(),
			FiftyTwoWeekHigh: m["52WeekHigh"].Dec(),
			FiftyTwoWeekLow:  m["52WeekLow"].Dec(),
			IsETF:            q.Asset == capability.ETF,
			Provider:         string(capability.Finnhub),
		}
		if fund.Empty() {
			return nil, emptyPayload(capability.Finnhub, q.Field)
		}
		return fund, nil

	case capability.FieldNews:
		var r []finnhubNews
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, decodeErr(capability.Finnhub, "company-news", err)
		}
		if len(r) == 0 {
			return nil, emptyPayload(capability.Finnhub, q.Field)
		}
		n := limitOr(q.Limit, len(r))
		if n > len(r) {
			n = len(r)
		}
		out := make([]market.NewsArticle, 0, n)
		for _, it := range r[:n] {
			out = append(out, market.NewsArticle{
				ID:          strconv.FormatInt(it.ID, 10),
				Symbol:      q.Symbol,
				Source:      it.Source,
				Headline:    it.Headline,
				Summary:     it.Summary,
				URL:         it.URL,
				PublishedAt: time.Unix(it.Datetime, 0).UTC(),
				Provider:    string(capability.Finnhub),
			})
		}
		return out, nil

	default:
		return nil, unsupported(capability.Finnhub, q.Field)
	}
}
