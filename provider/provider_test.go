package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/classifier"
	"github.com/wyfcoding/heimdall/market"
	"github.com/wyfcoding/heimdall/xerrors"
)

var fixedNow = time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC)

// serve 启动只响应一个路径的测试服务器，并记录收到的请求。
func serve(t *testing.T, path, body string, seen *http.Request) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			*seen = *r.Clone(context.Background())
		}
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// roundTrip 用适配器构造请求、发送并解析。
func roundTrip(t *testing.T, a Adapter, q Query) (any, error) {
	t.Helper()
	req, err := a.Build(context.Background(), q)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	return a.Decode(q, body)
}

func settings(base string, keys map[string]string, names ...string) Settings {
	urls := map[string]string{}
	for _, n := range names {
		urls[n] = base
	}
	return Settings{Keys: keys, BaseURLs: urls, Now: func() time.Time { return fixedNow }}
}

const yahooChart = `{"chart":{"result":[{"meta":{"symbol":"AAPL","currency":"USD","exchangeName":"NMS",
"fullExchangeName":"NasdaqGS","instrumentType":"EQUITY","longName":"Apple Inc.","shortName":"Apple",
"regularMarketPrice":110.0,"chartPreviousClose":95.0,"regularMarketVolume":1000,"regularMarketTime":1760886000},
"timestamp":[1760659200,1760745600,1760832000],
"indicators":{"quote":[{"open":[99,100,105],"high":[101,106,111],"low":[98,99,104],"close":[100,105,null],"volume":[10,20,30]}]}}],"error":null}}`

func TestYahooQuoteAndCandles(t *testing.T) {
	var seen http.Request
	srv := serve(t, "/v8/finance/chart/AAPL", yahooChart, &seen)
	y := NewYahoo(Settings{BaseURLs: map[string]string{"Yahoo": srv.URL}, UserAgent: "test-agent"})

	v, err := roundTrip(t, y, NewQuery(capability.FieldQuote, "aapl", capability.Stock))
	require.NoError(t, err)
	q := v.(market.Quote)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(110)))
	// 倒数第二根有效 K 线的收盘作为前收。
	assert.True(t, q.PreviousClose.Equal(decimal.NewFromInt(100)), q.PreviousClose.String())
	assert.InDelta(t, 10.0, q.ChangePercent, 1e-9)
	assert.Equal(t, "test-agent", seen.Header.Get("User-Agent"))
	assert.Equal(t, "5d", seen.URL.Query().Get("range"))

	cq := NewQuery(capability.FieldCandles, "AAPL", capability.Stock)
	cq.Timeframe = "1h"
	v, err = roundTrip(t, y, cq)
	require.NoError(t, err)
	s := v.(market.Series)
	// 收盘价为 null 的 K 线被跳过。
	require.Len(t, s.Candles, 2)
	assert.Equal(t, "60m", seen.URL.Query().Get("interval"))
	assert.Equal(t, "3mo", seen.URL.Query().Get("range"))
	assert.Equal(t, "1h", s.Timeframe)
}

func TestYahooProfileAndMacro(t *testing.T) {
	srv := serve(t, "/v8/finance/chart/AAPL", yahooChart, nil)
	y := NewYahoo(settings(srv.URL, nil, "Yahoo"))

	v, err := roundTrip(t, y, NewQuery(capability.FieldProfile, "AAPL", capability.Stock))
	require.NoError(t, err)
	p := v.(market.Profile)
	assert.Equal(t, "Apple Inc.", p.Name)
	assert.Equal(t, "NasdaqGS", p.Exchange)

	mq := NewQuery(capability.FieldMacro, "AAPL", capability.Index)
	mq.Series = true
	v, err = roundTrip(t, y, mq)
	require.NoError(t, err)
	assert.Len(t, v.(market.MacroSeries).Points, 2)
}

func TestYahooChartNotFound(t *testing.T) {
	srv := serve(t, "/v8/finance/chart/ZZZZ", `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`, nil)
	y := NewYahoo(settings(srv.URL, nil, "Yahoo"))

	_, err := roundTrip(t, y, NewQuery(capability.FieldQuote, "ZZZZ", capability.Stock))
	require.Error(t, err)
	assert.Equal(t, xerrors.CategorySymbolNotFound, xerrors.CategoryOf(err))
}

func TestYahooIndexSymbolIsEscaped(t *testing.T) {
	y := NewYahoo(settings("https://example.test", nil, "Yahoo"))
	req, err := y.Build(context.Background(), NewQuery(capability.FieldQuote, "VIX", capability.Index))
	require.NoError(t, err)
	assert.Contains(t, req.URL.String(), "/v8/finance/chart/%5EVIX")
}

func TestYahooFundamentalsUsesSession(t *testing.T) {
	body := `{"quoteSummary":{"result":[{"financialData":{"totalRevenue":{"raw":391035000000,"fmt":"391B"},
"returnOnEquity":{"raw":1.5},"financialCurrency":"USD"},"defaultKeyStatistics":{"forwardPE":{"raw":28.5}},
"summaryDetail":{"marketCap":{"raw":3500000000000},"trailingPE":{"raw":35.2},"fiftyTwoWeekHigh":{"raw":260.1}}}],"error":null}}`
	var seen http.Request
	srv := serve(t, "/v10/finance/quoteSummary/AAPL", body, &seen)
	y := NewYahoo(settings(srv.URL, map[string]string{"Yahoo": "crumb123", YahooCookieKey: "A3=xyz"}, "Yahoo"))

	v, err := roundTrip(t, y, NewQuery(capability.FieldFundamentals, "AAPL", capability.Stock))
	require.NoError(t, err)
	f := v.(market.Fundamentals)
	assert.InDelta(t, 35.2, f.PERatio, 1e-9)
	assert.True(t, f.MarketCap.Equal(decimal.NewFromInt(3_500_000_000_000)))
	assert.Equal(t, "USD", f.Currency)
	assert.Equal(t, "crumb123", seen.URL.Query().Get("crumb"))
	assert.Equal(t, "A3=xyz", seen.Header.Get("Cookie"))
	assert.ElementsMatch(t, []string{"crumb123", "A3=xyz"}, y.Secrets())
}

func TestYahooNewsAndScreener(t *testing.T) {
	news := serve(t, "/v1/finance/search", `{"news":[{"uuid":"n1","title":"Apple beats","publisher":"Reuters","link":"https://x","providerPublishTime":1760886000}]}`, nil)
	y := NewYahoo(settings(news.URL, nil, "Yahoo"))
	v, err := roundTrip(t, y, NewQuery(capability.FieldNews, "AAPL", capability.Stock))
	require.NoError(t, err)
	articles := v.([]market.NewsArticle)
	require.Len(t, articles, 1)
	assert.Equal(t, "Reuters", articles[0].Source)

	var seen http.Request
	sc := serve(t, "/v1/finance/screener/predefined/saved/screener/day_losers",
		`{"finance":{"result":[{"quotes":[{"symbol":"XYZ","shortName":"Xyz","regularMarketPrice":5.5,"regularMarketChangePercent":-12.3,"regularMarketVolume":1e6}]}]}}`, &seen)
	y = NewYahoo(settings(sc.URL, nil, "Yahoo"))
	q := NewQuery(capability.FieldScreener, "MARKET", capability.Stock)
	q.Screener = market.ScreenerLosers
	v, err = roundTrip(t, y, q)
	require.NoError(t, err)
	res := v.(market.Screener)
	require.Len(t, res.Entries, 1)
	assert.InDelta(t, -12.3, res.Entries[0].ChangePercent, 1e-9)
	assert.Equal(t, "day_losers", seen.URL.Query().Get("scrIds"))
}

func TestTwelveDataQuoteStringNumbers(t *testing.T) {
	var seen http.Request
	srv := serve(t, "/quote", `{"symbol":"AAPL","name":"Apple Inc","currency":"USD","close":"189.50","previous_close":"187.00",
"change":"2.50","percent_change":"1.33690","volume":"51234000","timestamp":1760886000}`, &seen)
	td := NewTwelveData(settings(srv.URL, nil, "TwelveData"))

	v, err := roundTrip(t, td, NewQuery(capability.FieldQuote, "AAPL", capability.Stock))
	require.NoError(t, err)
	q := v.(market.Quote)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("189.50")))
	assert.InDelta(t, 1.3369, q.ChangePercent, 1e-9)
	assert.Equal(t, DemoKey, seen.URL.Query().Get("apikey"))
}

func TestTwelveDataErrorPayload(t *testing.T) {
	tests := []struct {
		name string
		body string
		want xerrors.Category
	}{
		{"symbol", `{"code":400,"message":"**symbol** not found: ZZZZ","status":"error"}`, xerrors.CategorySymbolNotFound},
		{"auth", `{"code":401,"message":"**apikey** parameter is incorrect","status":"error"}`, xerrors.CategoryAuthInvalid},
		{"plan", `{"code":403,"message":"This endpoint is available starting with Grow plan","status":"error"}`, xerrors.CategoryEntitlementDenied},
	}
	td := NewTwelveData(Settings{Keys: map[string]string{"TwelveData": "k"}})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := td.Decode(NewQuery(capability.FieldFundamentals, "ZZZZ", capability.Stock), []byte(tt.body))
			require.Error(t, err)
			assert.Equal(t, tt.want, xerrors.CategoryOf(err))
		})
	}
}

func TestTwelveDataTimeSeriesIsAscending(t *testing.T) {
	body := `{"meta":{"symbol":"AAPL"},"values":[
{"datetime":"2026-10-17","open":"3","high":"4","low":"2","close":"3.5","volume":"10"},
{"datetime":"2026-10-16","open":"2","high":"3","low":"1","close":"2.5","volume":"10"}],"status":"ok"}`
	td := NewTwelveData(Settings{})
	v, err := td.Decode(NewQuery(capability.FieldCandles, "AAPL", capability.Stock), []byte(body))
	require.NoError(t, err)
	s := v.(market.Series)
	require.Len(t, s.Candles, 2)
	assert.True(t, s.Candles[0].Time.Before(s.Candles[1].Time))
}

func TestFinnhubAdapters(t *testing.T) {
	var seen http.Request
	srv := serve(t, "/quote", `{"c":261.74,"d":2.1,"dp":0.8089,"h":263.31,"l":260.68,"o":261.07,"pc":259.64,"t":1760886000}`, &seen)
	fh := NewFinnhub(settings(srv.URL, map[string]string{"Finnhub": "tok"}, "Finnhub"))

	v, err := roundTrip(t, fh, NewQuery(capability.FieldQuote, "AAPL", capability.Stock))
	require.NoError(t, err)
	assert.True(t, v.(market.Quote).Price.Equal(decimal.RequireFromString("261.74")))
	assert.Equal(t, "tok", seen.URL.Query().Get("token"))

	_, err = fh.Decode(NewQuery(capability.FieldQuote, "ZZZZ", capability.Stock), []byte(`{"c":0,"d":null,"dp":null,"pc":0,"t":0}`))
	assert.Equal(t, xerrors.CategoryEmptyPayload, xerrors.CategoryOf(err))

	v, err = fh.Decode(NewQuery(capability.FieldCandles, "AAPL", capability.Stock),
		[]byte(`{"s":"ok","c":[2,3],"h":[3,4],"l":[1,2],"o":[1.5,2.5],"v":[100,200],"t":[1760659200,1760745600]}`))
	require.NoError(t, err)
	assert.Len(t, v.(market.Series).Candles, 2)

	_, err = fh.Decode(NewQuery(capability.FieldCandles, "AAPL", capability.Stock), []byte(`{"s":"no_data"}`))
	assert.Equal(t, xerrors.CategoryEmptyPayload, xerrors.CategoryOf(err))

	v, err = fh.Decode(NewQuery(capability.FieldFundamentals, "AAPL", capability.Stock),
		[]byte(`{"metric":{"marketCapitalization":3500000,"peBasicExclExtraTTM":35.1,"52WeekHigh":260.1}}`))
	require.NoError(t, err)
	assert.True(t, v.(market.Fundamentals).MarketCap.Equal(decimal.NewFromInt(3_500_000_000_000)))

	req, err := fh.Build(context.Background(), NewQuery(capability.FieldNews, "AAPL", capability.Stock))
	require.NoError(t, err)
	assert.Equal(t, "2026-10-12", req.URL.Query().Get("from"))
	assert.Equal(t, "2026-10-19", req.URL.Query().Get("to"))
}

func TestEODHDAdapters(t *testing.T) {
	var seen http.Request
	srv := serve(t, "/real-time/AAPL.US", `{"code":"AAPL.US","timestamp":1760886000,"close":150.5,"change":1.5,"change_p":1.0067,"previousClose":149}`, &seen)
	e := NewEODHD(settings(srv.URL, nil, "EODHD"))

	v, err := roundTrip(t, e, NewQuery(capability.FieldQuote, "AAPL", capability.Stock))
	require.NoError(t, err)
	assert.True(t, v.(market.Quote).Price.Equal(decimal.RequireFromString("150.5")))
	assert.Equal(t, DemoKey, seen.URL.Query().Get("api_token"))

	_, err = e.Decode(NewQuery(capability.FieldQuote, "ZZZZ", capability.Stock), []byte(`{"code":"ZZZZ.US","close":"NA","change":"NA"}`))
	assert.Equal(t, xerrors.CategoryEmptyPayload, xerrors.CategoryOf(err))

	cq := NewQuery(capability.FieldCandles, "AAPL", capability.Stock)
	cq.Timeframe = "15m"
	_, err = e.Build(context.Background(), cq)
	assert.ErrorIs(t, err, ErrUnsupportedField)

	q := NewQuery(capability.FieldScreener, "MARKET", capability.Stock)
	q.Screener = market.ScreenerMostActive
	req, err := e.Build(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, "volume.desc", req.URL.Query().Get("sort"))

	v, err = e.Decode(q, []byte(`{"data":[{"code":"AAPL","name":"Apple","close":150,"refund_1d_p":1.2,"volume":5e7}]}`))
	require.NoError(t, err)
	assert.Len(t, v.(market.Screener).Entries, 1)
}

func TestFREDObservations(t *testing.T) {
	var seen http.Request
	srv := serve(t, "/series/observations", `{"observations":[
{"date":"2026-09-01","value":"310.2"},{"date":"2026-08-01","value":"."},{"date":"2026-07-01","value":"307.1"}]}`, &seen)
	f := NewFRED(settings(srv.URL, map[string]string{"FRED": "fredkey"}, "FRED"))

	q := NewQuery(capability.FieldMacro, "INFLATION", capability.Index)
	v, err := roundTrip(t, f, q)
	require.NoError(t, err)
	ind := v.(market.MacroIndicator)
	assert.Equal(t, "CPIAUCSL", ind.SeriesID)
	assert.True(t, ind.Value.Equal(decimal.RequireFromString("310.2")))
	assert.True(t, ind.Previous.Equal(decimal.RequireFromString("307.1")))
	assert.Equal(t, "CPIAUCSL", seen.URL.Query().Get("series_id"))
	assert.Equal(t, "2", seen.URL.Query().Get("limit"))

	q.Series = true
	v, err = f.Decode(q, []byte(`{"observations":[{"date":"2026-09-01","value":"2"},{"date":"2026-08-01","value":"1"}]}`))
	require.NoError(t, err)
	pts := v.(market.MacroSeries).Points
	require.Len(t, pts, 2)
	assert.True(t, pts[0].Date.Before(pts[1].Date))

	_, err = f.Decode(q, []byte(`{"observations":[{"date":"2026-09-01","value":"."}]}`))
	assert.Equal(t, xerrors.CategoryEmptyPayload, xerrors.CategoryOf(err))

	_, err = f.Decode(q, []byte(`<html>`))
	assert.True(t, errors.Is(err, classifier.ErrDecode))
}

func TestTiingoQuote(t *testing.T) {
	srv := serve(t, "/iex/", `[{"ticker":"AAPL","tngoLast":190.1,"last":190.0,"prevClose":188.0,"volume":1000,"timestamp":"2026-10-19T15:00:00Z"}]`, nil)
	ti := NewTiingo(settings(srv.URL, map[string]string{"Tiingo": "t"}, "Tiingo"))

	v, err := roundTrip(t, ti, NewQuery(capability.FieldQuote, "AAPL", capability.Stock))
	require.NoError(t, err)
	assert.True(t, v.(market.Quote).Price.Equal(decimal.RequireFromString("190.1")))

	_, err = ti.Decode(NewQuery(capability.FieldQuote, "AAPL", capability.Stock), []byte(`[]`))
	assert.Equal(t, xerrors.CategoryEmptyPayload, xerrors.CategoryOf(err))
}

func TestLocalScannerRanksUniverse(t *testing.T) {
	changes := map[string]float64{"AAA": 1.5, "BBB": -4, "CCC": 7, "DDD": 0.2}
	var calls atomic.Int32
	quoter := func(_ context.Context, sym string) (market.Quote, error) {
		calls.Add(1)
		if sym == "DDD" {
			return market.Quote{}, errors.New("boom")
		}
		return market.Quote{Symbol: sym, Price: decimal.NewFromInt(10), ChangePercent: changes[sym]}, nil
	}
	s := NewLocalScanner([]string{"aaa", "BBB", " CCC ", "DDD"}, quoter)

	q := NewQuery(capability.FieldScreener, "MARKET", capability.Stock)
	q.Screener = market.ScreenerGainers
	v, err := s.Fetch(context.Background(), q)
	require.NoError(t, err)
	res := v.(market.Screener)
	require.Len(t, res.Entries, 3)
	assert.Equal(t, "CCC", res.Entries[0].Symbol)
	assert.Equal(t, int32(4), calls.Load())

	q.Screener = market.ScreenerLosers
	q.Limit = 1
	v, err = s.Fetch(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, v.(market.Screener).Entries, 1)
	assert.Equal(t, "BBB", v.(market.Screener).Entries[0].Symbol)
}

func TestLocalScannerWithoutQuoter(t *testing.T) {
	s := NewLocalScanner(nil, nil)
	assert.Equal(t, DefaultUniverse, s.Universe())
	_, err := s.Fetch(context.Background(), NewQuery(capability.FieldScreener, "MARKET", capability.Stock))
	assert.ErrorIs(t, err, ErrNoQuoter)
}

func TestDefaultRegistry(t *testing.T) {
	r := Default(Settings{})
	for _, p := range []capability.Provider{capability.Yahoo, capability.TwelveData, capability.Finnhub,
		capability.EODHD, capability.FRED, capability.Tiingo, capability.LocalScanner} {
		a, ok := r.Lookup(p)
		require.True(t, ok, p)
		assert.Equal(t, p, a.Name())
	}
	_, ok := r.Lookup(capability.FMP)
	assert.False(t, ok)

	_, isLocal := mustLookup(t, r, capability.LocalScanner).(LocalAdapter)
	assert.True(t, isLocal)

	_, err := mustLookup(t, r, capability.Tiingo).Build(context.Background(), NewQuery(capability.FieldNews, "AAPL", capability.Stock))
	assert.Equal(t, xerrors.CategoryEntitlementDenied, xerrors.CategoryOf(err))
}

func mustLookup(t *testing.T, r *Registry, p capability.Provider) Adapter {
	t.Helper()
	a, ok := r.Lookup(p)
	require.True(t, ok)
	return a
}

func TestNumberFormats(t *testing.T) {
	var n struct {
		A Number `json:"a"`
		B Number `json:"b"`
		C Number `json:"c"`
		D Number `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"1.25","b":2,"c":"NA","d":null}`), &n))
	assert.True(t, n.A.Valid)
	assert.Equal(t, 2.0, n.B.Float())
	assert.False(t, n.C.Valid)
	assert.False(t, n.D.Valid)
	assert.Error(t, json.Unmarshal([]byte(`{"a":"abc"}`), &n))
	assert.Equal(t, "1d", ParseTimeframe("DAILY").Name)
	assert.Equal(t, "1d", ParseTimeframe("bogus").Name)
	assert.Equal(t, "1h", ParseTimeframe("60min").Name)
}
