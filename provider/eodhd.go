package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/market"
)

const (
	eodhdBase = "https://eodhd.com/api"

	eodhdUSFilter = `[["exchange","=","us"]]`
)

// EODHD 适配器：/real-time、/eod、/screener。
type EODHD struct {
	base string
	key  string
	now  func() time.Time
}

// NewEODHD 创建 EODHD 适配器，未配置 Key 时使用演示额度。
func NewEODHD(s Settings) *EODHD {
	key := s.key(capability.EODHD)
	if key == "" {
		key = DemoKey
	}
	return &EODHD{base: s.base("EODHD", eodhdBase), key: key, now: s.now()}
}

// Name 实现 Adapter。
func (e *EODHD) Name() capability.Provider { return capability.EODHD }

// Secrets 实现 Adapter。
func (e *EODHD) Secrets() []string { return []string{e.key} }

// Build 实现 Adapter。
func (e *EODHD) Build(ctx context.Context, q Query) (*http.Request, error) {
	params := url.Values{"api_token": {e.key}, "fmt": {"json"}}
	sym := url.PathEscape(q.Instrument.SymbolFor(capability.EODHD))
	switch q.Field {
	case capability.FieldQuote:
		return newGET(ctx, e.base, "/real-time/"+sym, params)
	case capability.FieldCandles:
		tf := ParseTimeframe(q.Timeframe)
		period, ok := eodhdPeriod(tf)
		if !ok {
			return nil, unsupported(capability.EODHD, q.Field)
		}
		n := limitOr(q.Limit, 300)
		params.Set("period", period)
		params.Set("from", e.now().Add(-time.Duration(n)*tf.Duration*3/2).Format("2006-01-02"))
		return newGET(ctx, e.base, "/eod/"+sym, params)
	case capability.FieldScreener:
		params.Set("sort", eodhdScreenerSort(q.Screener))
		params.Set("filters", eodhdUSFilter)
		params.Set("limit", strconv.Itoa(limitOr(q.Limit, 25)))
		return newGET(ctx, e.base, "/screener", params)
	default:
		return nil, unsupported(capability.EODHD, q.Field)
	}
}

func eodhdScreenerSort(k market.ScreenerKind) string {
	switch k {
	case market.ScreenerLosers:
		return "refund_1d_p.asc"
	case market.ScreenerMostActive:
		return "volume.desc"
	default:
		return "refund_1d_p.desc"
	}
}

type eodhdRealTime struct {
	Code          string `json:"code"`
	Timestamp     Number `json:"timestamp"`
	Close         Number `json:"close"`
	Change        Number `json:"change"`
	ChangeP       Number `json:"change_p"`
	PreviousClose Number `json:"previousClose"`
	Volume        Number `json:"volume"`
}

type eodhdBar struct {
	Date   string `json:"date"`
	Open   Number `json:"open"`
	High   Number `json:"high"`
	Low    Number `json:"low"`
	Close  Number `json:"close"`
	Volume Number `json:"volume"`
}

type eodhdScreener struct {
	Data []struct {
		Code      string `json:"code"`
		Name      string `json:"name"`
		Close     Number `json:"close"`
		Refund1dP Number `json:"refund_1d_p"`
		Volume    Number `json:"volume"`
	} `json:"data"`
}

// Decode 实现 Adapter。
func (e *EODHD) Decode(q Query, body []byte) (any, error) {
	switch q.Field {
	case capability.FieldQuote:
		var r eodhdRealTime
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, decodeErr(capability.EODHD, "real-time", err)
		}
		// 未知代码时 close 为 "NA"。
		if !r.Close.Valid || !r.Close.Value.IsPositive() {
			return nil, emptyPayload(capability.EODHD, q.Field)
		}
		quote := market.Quote{
			Symbol:        q.Symbol,
			Price:         r.Close.Dec(),
			Change:        r.Change.Dec(),
			ChangePercent: r.ChangeP.Float(),
			PreviousClose: r.PreviousClose.Dec(),
			Volume:        r.Volume.Float(),
			Timestamp:     time.Unix(r.Timestamp.Dec().IntPart(), 0).UTC(),
			Provider:      string(capability.EODHD),
		}
		quote.Normalize()
		return quote, nil

	case capability.FieldCandles:
		var bars []eodhdBar
		if err := json.Unmarshal(body, &bars); err != nil {
			return nil, decodeErr(capability.EODHD, "eod", err)
		}
		series := market.Series{Symbol: q.Symbol, Timeframe: ParseTimeframe(q.Timeframe).Name, Provider: string(capability.EODHD)}
		for _, b := range bars {
			ts, err := time.Parse("2006-01-02", b.Date)
			if err != nil {
				return nil, decodeErr(capability.EODHD, "eod date", err)
			}
			c := market.Candle{Time: ts, Open: b.Open.Dec(), High: b.High.Dec(), Low: b.Low.Dec(), Close: b.Close.Dec(), Volume: b.Volume.Float()}
			if c.Valid() {
				series.Candles = append(series.Candles, c)
			}
		}
		if len(series.Candles) == 0 {
			return nil, emptyPayload(capability.EODHD, q.Field)
		}
		series.Tail(q.Limit)
		return series, nil

	case capability.FieldScreener:
		var r eodhdScreener
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, decodeErr(capability.EODHD, "screener", err)
		}
		if len(r.Data) == 0 {
			return nil, emptyPayload(capability.EODHD, q.Field)
		}
		sc := market.Screener{Kind: q.Screener, Provider: string(capability.EODHD)}
		for _, it := range r.Data {
			sc.Entries = append(sc.Entries, market.ScreenerEntry{
				Symbol:        it.Code,
				Name:          it.Name,
				Price:         it.Close.Dec(),
				ChangePercent: it.Refund1dP.Float(),
				Volume:        it.Volume.Float(),
			})
		}
		sc.Limit(q.Limit)
		return sc, nil

	default:
		return nil, unsupported(capability.EODHD, q.Field)
	}
}
