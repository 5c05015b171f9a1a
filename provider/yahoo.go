package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/market"
)

const (
	yahooQuery1 = "https://query1.finance.yahoo.com"
	yahooQuery2 = "https://query2.finance.yahoo.com"

	// YahooCookieKey 配置中 Yahoo 会话 Cookie 的键，crumb 使用数据源名称本身作为键。
	YahooCookieKey = "YahooCookie"

	yahooSummaryModules = "assetProfile,financialData,defaultKeyStatistics,summaryDetail"
)

// Yahoo 基于 chart/quoteSummary/search/screener 接口的适配器。
// 会话凭据（crumb + cookie）仅 quoteSummary 需要。
type Yahoo struct {
	query1    string
	query2    string
	crumb     string
	cookie    string
	userAgent string
}

// NewYahoo 创建 Yahoo 适配器。
func NewYahoo(s Settings) *Yahoo {
	return &Yahoo{
		query1:    s.base("Yahoo", yahooQuery1),
		query2:    s.base("Yahoo", yahooQuery2),
		crumb:     s.key(capability.Yahoo),
		cookie:    strings.TrimSpace(s.Keys[YahooCookieKey]),
		userAgent: s.UserAgent,
	}
}

// Name 实现 Adapter。
func (y *Yahoo) Name() capability.Provider { return capability.Yahoo }

// Secrets 实现 Adapter。
func (y *Yahoo) Secrets() []string { return []string{y.crumb, y.cookie} }

// Build 实现 Adapter。
func (y *Yahoo) Build(ctx context.Context, q Query) (*http.Request, error) {
	sym := q.Instrument.SymbolFor(capability.Yahoo)
	var (
		req *http.Request
		err error
	)
	switch q.Field {
	case capability.FieldQuote, capability.FieldProfile:
		req, err = y.chart(ctx, sym, "1d", "5d")
	case capability.FieldMacro:
		if q.Series {
			req, err = y.chart(ctx, sym, "1d", "1y")
		} else {
			req, err = y.chart(ctx, sym, "1d", "5d")
		}
	case capability.FieldCandles:
		interval, rng := yahooInterval(ParseTimeframe(q.Timeframe))
		req, err = y.chart(ctx, sym, interval, rng)
	case capability.FieldFundamentals:
		params := url.Values{"modules": {yahooSummaryModules}}
		if y.crumb != "" {
			params.Set("crumb", y.crumb)
		}
		req, err = newGET(ctx, y.query1, "/v10/finance/quoteSummary/"+url.PathEscape(sym), params)
	case capability.FieldNews:
		req, err = newGET(ctx, y.query1, "/v1/finance/search", url.Values{
			"q":           {sym},
			"quotesCount": {"0"},
			"newsCount":   {strconv.Itoa(limitOr(q.Limit, 10))},
		})
	case capability.FieldScreener:
		id := yahooScreenerID(q.Screener)
		req, err = newGET(ctx, y.query2, "/v1/finance/screener/predefined/saved/screener/"+id, url.Values{
			"count":  {strconv.Itoa(limitOr(q.Limit, 25))},
			"scrIds": {id},
		})
	default:
		return nil, unsupported(capability.Yahoo, q.Field)
	}
	if err != nil {
		return nil, err
	}
	if y.userAgent != "" {
		req.Header.Set("User-Agent", y.userAgent)
	}
	if y.cookie != "" && q.Field == capability.FieldFundamentals {
		req.Header.Set("Cookie", y.cookie)
	}
	return req, nil
}

func (y *Yahoo) chart(ctx context.Context, sym, interval, rng string) (*http.Request, error) {
	return newGET(ctx, y.query1, "/v8/finance/chart/"+url.PathEscape(sym), url.Values{
		"interval": {interval},
		"range":    {rng},
	})
}

func yahooScreenerID(k market.ScreenerKind) string {
	switch k {
	case market.ScreenerLosers:
		return "day_losers"
	case market.ScreenerMostActive:
		return "most_actives"
	default:
		return "day_gainers"
	}
}

type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol             string `json:"symbol"`
				Currency           string `json:"currency"`
				ExchangeName       string `json:"exchangeName"`
				FullExchangeName   string `json:"fullExchangeName"`
				InstrumentType     string `json:"instrumentType"`
				ShortName          string `json:"shortName"`
				LongName           string `json:"longName"`
				RegularMarketPrice Number `json:"regularMarketPrice"`
				ChartPreviousClose Number `json:"chartPreviousClose"`
				PreviousClose      Number `json:"previousClose"`
				RegularMarketVol   Number `json:"regularMarketVolume"`
				RegularMarketTime  int64  `json:"regularMarketTime"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Decode 实现 Adapter。
func (y *Yahoo) Decode(q Query, body []byte) (any, error) {
	switch q.Field {
	case capability.FieldQuote, capability.FieldProfile, capability.FieldMacro, capability.FieldCandles:
		return y.decodeChart(q, body)
	case capability.FieldFundamentals:
		return y.decodeSummary(q, body)
	case capability.FieldNews:
		return y.decodeNews(q, body)
	case capability.FieldScreener:
		return y.decodeScreener(q, body)
	default:
		return nil, unsupported(capability.Yahoo, q.Field)
	}
}

func (y *Yahoo) decodeChart(q Query, body []byte) (any, error) {
	var resp yahooChartResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, decodeErr(capability.Yahoo, "chart", err)
	}
	if e := resp.Chart.Error; e != nil {
		if strings.EqualFold(e.Code, "Not Found") {
			return nil, notFound(capability.Yahoo, q.Field, q.Symbol)
		}
		return nil, decodeErr(capability.Yahoo, "chart error "+e.Code, nil)
	}
	if len(resp.Chart.Result) == 0 {
		return nil, emptyPayload(capability.Yahoo, q.Field)
	}
	res := resp.Chart.Result[0]
	meta := res.Meta

	var candles []market.Candle
	if len(res.Indicators.Quote) > 0 {
		ind := res.Indicators.Quote[0]
		for i, ts := range res.Timestamp {
			c, ok := candleAt(ts, i, ind.Open, ind.High, ind.Low, ind.Close, ind.Volume)
			if ok {
				candles = append(candles, c)
			}
		}
	}

	prev := meta.ChartPreviousClose.Dec()
	if meta.PreviousClose.Valid {
		prev = meta.PreviousClose.Dec()
	}
	// 日线区间内的前一根收盘更接近真实前收。
	if q.Field != capability.FieldCandles && len(candles) >= 2 {
		prev = candles[len(candles)-2].Close
	}

	switch q.Field {
	case capability.FieldQuote:
		if !meta.RegularMarketPrice.Valid {
			return nil, emptyPayload(capability.Yahoo, q.Field)
		}
		quote := market.Quote{
			Symbol:        q.Symbol,
			ShortName:     firstNonEmpty(meta.ShortName, meta.LongName),
			Currency:      meta.Currency,
			Price:         meta.RegularMarketPrice.Dec(),
			PreviousClose: prev,
			Volume:        meta.RegularMarketVol.Float(),
			Timestamp:     time.Unix(meta.RegularMarketTime, 0).UTC(),
			Provider:      string(capability.Yahoo),
		}
		quote.Normalize()
		return quote, nil

	case capability.FieldProfile:
		return market.Profile{
			Symbol:    q.Symbol,
			Name:      firstNonEmpty(meta.LongName, meta.ShortName, meta.Symbol),
			Exchange:  firstNonEmpty(meta.FullExchangeName, meta.ExchangeName),
			Currency:  meta.Currency,
			AssetType: meta.InstrumentType,
			Provider:  string(capability.Yahoo),
		}, nil

	case capability.FieldMacro:
		if q.Series {
			if len(candles) == 0 {
				return nil, emptyPayload(capability.Yahoo, q.Field)
			}
			points := make([]market.MacroPoint, 0, len(candles))
			for _, c := range candles {
				points = append(points, market.MacroPoint{Date: c.Time, Value: c.Close})
			}
			if q.Limit > 0 && len(points) > q.Limit {
				points = points[len(points)-q.Limit:]
			}
			return market.MacroSeries{SeriesID: meta.Symbol, Points: points, Provider: string(capability.Yahoo)}, nil
		}
		if !meta.RegularMarketPrice.Valid {
			return nil, emptyPayload(capability.Yahoo, q.Field)
		}
		ind, _ := market.IndicatorFromPoints(q.Symbol, meta.Symbol, []market.MacroPoint{
			{Value: prev},
			{Date: time.Unix(meta.RegularMarketTime, 0).UTC(), Value: meta.RegularMarketPrice.Dec()},
		})
		ind.Provider = string(capability.Yahoo)
		return ind, nil

	default:
		if len(candles) == 0 {
			return nil, emptyPayload(capability.Yahoo, q.Field)
		}
		series := market.Series{Symbol: q.Symbol, Timeframe: ParseTimeframe(q.Timeframe).Name, Candles: candles, Provider: string(capability.Yahoo)}
		series.Tail(q.Limit)
		return series, nil
	}
}

// candleAt 取第 i 根 K 线，任一价格缺失时跳过。
func candleAt(ts int64, i int, open, high, low, closes, volume []*float64) (market.Candle, bool) {
	get := func(xs []*float64) (float64, bool) {
		if i >= len(xs) || xs[i] == nil {
			return 0, false
		}
		return *xs[i], true
	}
	o, ok1 := get(open)
	h, ok2 := get(high)
	l, ok3 := get(low)
	c, ok4 := get(closes)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return market.Candle{}, false
	}
	v, _ := get(volume)
	candle := market.Candle{
		Time:   time.Unix(ts, 0).UTC(),
		Open:   decimal.NewFromFloat(o),
		High:   decimal.NewFromFloat(h),
		Low:    decimal.NewFromFloat(l),
		Close:  decimal.NewFromFloat(c),
		Volume: v,
	}
	return candle, candle.Valid()
}

type yahooSummaryResponse struct {
	QuoteSummary struct {
		Result []struct {
			AssetProfile struct {
				Sector   string `json:"sector"`
				Industry string `json:"industry"`
			} `json:"assetProfile"`
			FinancialData struct {
				TotalRevenue     yahooValue `json:"totalRevenue"`
				EBITDA           yahooValue `json:"ebitda"`
				FreeCashflow     yahooValue `json:"freeCashflow"`
				ProfitMargins    yahooValue `json:"profitMargins"`
				OperatingMargins yahooValue `json:"operatingMargins"`
				ReturnOnEquity   yahooValue `json:"returnOnEquity"`
				DebtToEquity     yahooValue `json:"debtToEquity"`
				RevenueGrowth    yahooValue `json:"revenueGrowth"`
				EarningsGrowth   yahooValue `json:"earningsGrowth"`
				FinancialCcy     string     `json:"financialCurrency"`
			} `json:"financialData"`
			DefaultKeyStatistics struct {
				ForwardPE         yahooValue `json:"forwardPE"`
				PriceToBook       yahooValue `json:"priceToBook"`
				PEGRatio          yahooValue `json:"pegRatio"`
				NetIncomeToCommon yahooValue `json:"netIncomeToCommon"`
			} `json:"defaultKeyStatistics"`
			SummaryDetail struct {
				MarketCap        yahooValue `json:"marketCap"`
				TrailingPE       yahooValue `json:"trailingPE"`
				DividendYield    yahooValue `json:"dividendYield"`
				FiftyTwoWeekHigh yahooValue `json:"fiftyTwoWeekHigh"`
				FiftyTwoWeekLow  yahooValue `json:"fiftyTwoWeekLow"`
				Currency         string     `json:"currency"`
			} `json:"summaryDetail"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"quoteSummary"`
}

func (y *Yahoo) decodeSummary(q Query, body []byte) (any, error) {
	var resp yahooSummaryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, decodeErr(capability.Yahoo, "quoteSummary", err)
	}
	if e := resp.QuoteSummary.Error; e != nil {
		if strings.EqualFold(e.Code, "Not Found") {
			return nil, notFound(capability.Yahoo, q.Field, q.Symbol)
		}
		return nil, decodeErr(capability.Yahoo, "quoteSummary error "+e.Code, nil)
	}
	if len(resp.QuoteSummary.Result) == 0 {
		return nil, emptyPayload(capability.Yahoo, q.Field)
	}
	r := resp.QuoteSummary.Result[0]
	f := market.Fundamentals{
		Symbol:           q.Symbol,
		Currency:         firstNonEmpty(r.FinancialData.FinancialCcy, r.SummaryDetail.Currency),
		MarketCap:        r.SummaryDetail.MarketCap.Raw.Dec(),
		TotalRevenue:     r.FinancialData.TotalRevenue.Raw.Dec(),
		NetIncome:        r.DefaultKeyStatistics.NetIncomeToCommon.Raw.Dec(),
		EBITDA:           r.FinancialData.EBITDA.Raw.Dec(),
		FreeCashFlow:     r.FinancialData.FreeCashflow.Raw.Dec(),
		PERatio:          r.SummaryDetail.TrailingPE.Raw.Float(),
		ForwardPE:        r.DefaultKeyStatistics.ForwardPE.Raw.Float(),
		PriceToBook:      r.DefaultKeyStatistics.PriceToBook.Raw.Float(),
		PEGRatio:         r.DefaultKeyStatistics.PEGRatio.Raw.Float(),
		DividendYield:    r.SummaryDetail.DividendYield.Raw.Float(),
		ProfitMargin:     r.FinancialData.ProfitMargins.Raw.Float(),
		OperatingMargin:  r.FinancialData.OperatingMargins.Raw.Float(),
		ReturnOnEquity:   r.FinancialData.ReturnOnEquity.Raw.Float(),
		DebtToEquity:     r.FinancialData.DebtToEquity.Raw.Float(),
		RevenueGrowth:    r.FinancialData.RevenueGrowth.Raw.Float(),
		EarningsGrowth:   r.FinancialData.EarningsGrowth.Raw.Float(),
		FiftyTwoWeekHigh: r.SummaryDetail.FiftyTwoWeekHigh.Raw.Dec(),
		FiftyTwoWeekLow:  r.SummaryDetail.FiftyTwoWeekLow.Raw.Dec(),
		IsETF:            q.Asset == capability.ETF,
		Provider:         string(capability.Yahoo),
	}
	if f.Empty() {
		return nil, emptyPayload(capability.Yahoo, q.Field)
	}
	return f, nil
}

type yahooSearchResponse struct {
	News []struct {
		UUID                string `json:"uuid"`
		Title               string `json:"title"`
		Publisher           string `json:"publisher"`
		Link                string `json:"link"`
		ProviderPublishTime int64  `json:"providerPublishTime"`
	} `json:"news"`
}

func (y *Yahoo) decodeNews(q Query, body []byte) (any, error) {
	var resp yahooSearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, decodeErr(capability.Yahoo, "search", err)
	}
	if len(resp.News) == 0 {
		return nil, emptyPayload(capability.Yahoo, q.Field)
	}
	out := make([]market.NewsArticle, 0, len(resp.News))
	for _, n := range resp.News {
		out = append(out, market.NewsArticle{
			ID:          n.UUID,
			Symbol:      q.Symbol,
			Source:      n.Publisher,
			Headline:    n.Title,
			URL:         n.Link,
			PublishedAt: time.Unix(n.ProviderPublishTime, 0).UTC(),
			Provider:    string(capability.Yahoo),
		})
	}
	return out, nil
}

type yahooScreenerResponse struct {
	Finance struct {
		Result []struct {
			Quotes []struct {
				Symbol                     string `json:"symbol"`
				ShortName                  string `json:"shortName"`
				RegularMarketPrice         Number `json:"regularMarketPrice"`
				RegularMarketChangePercent Number `json:"regularMarketChangePercent"`
				RegularMarketVolume        Number `json:"regularMarketVolume"`
			} `json:"quotes"`
		} `json:"result"`
	} `json:"finance"`
}

func (y *Yahoo) decodeScreener(q Query, body []byte) (any, error) {
	var resp yahooScreenerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, decodeErr(capability.Yahoo, "screener", err)
	}
	if len(resp.Finance.Result) == 0 || len(resp.Finance.Result[0].Quotes) == 0 {
		return nil, emptyPayload(capability.Yahoo, q.Field)
	}
	sc := market.Screener{Kind: q.Screener, Provider: string(capability.Yahoo)}
	for _, it := range resp.Finance.Result[0].Quotes {
		sc.Entries = append(sc.Entries, market.ScreenerEntry{
			Symbol:        it.Symbol,
			Name:          it.ShortName,
			Price:         it.RegularMarketPrice.Dec(),
			ChangePercent: it.RegularMarketChangePercent.Float(),
			Volume:        it.RegularMarketVolume.Float(),
		})
	}
	sc.Limit(q.Limit)
	return sc, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
