package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/classifier"
	"github.com/wyfcoding/heimdall/market"
)

const twelveDataBase = "https://api.twelvedata.com"

// TwelveData 适配器：/quote、/time_series、/statistics。
// 错误以 {"status":"error","code":N,"message":...} 形式随 200 返回。
type TwelveData struct {
	base string
	key  string
}

// NewTwelveData 创建 TwelveData 适配器，未配置 Key 时使用演示额度。
func NewTwelveData(s Settings) *TwelveData {
	key := s.key(capability.TwelveData)
	if key == "" {
		key = DemoKey
	}
	return &TwelveData{base: s.base("TwelveData", twelveDataBase), key: key}
}

// Name 实现 Adapter。
func (t *TwelveData) Name() capability.Provider { return capability.TwelveData }

// Secrets 实现 Adapter。
func (t *TwelveData) Secrets() []string { return []string{t.key} }

// Build 实现 Adapter。
func (t *TwelveData) Build(ctx context.Context, q Query) (*http.Request, error) {
	params := url.Values{
		"symbol": {q.Instrument.SymbolFor(capability.TwelveData)},
		"apikey": {t.key},
	}
	switch q.Field {
	case capability.FieldQuote:
		return newGET(ctx, t.base, "/quote", params)
	case capability.FieldCandles:
		params.Set("interval", twelveDataInterval(ParseTimeframe(q.Timeframe)))
		params.Set("outputsize", strconv.Itoa(limitOr(q.Limit, 300)))
		return newGET(ctx, t.base, "/time_series", params)
	case capability.FieldFundamentals:
		return newGET(ctx, t.base, "/statistics", params)
	default:
		return nil, unsupported(capability.TwelveData, q.Field)
	}
}

type twelveDataStatus struct {
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// apiError 将负载内的错误状态映射为分类错误。
func (s twelveDataStatus) apiError(q Query) error {
	if !strings.EqualFold(s.Status, "error") {
		return nil
	}
	code := s.Code
	if code < http.StatusBadRequest {
		code = http.StatusBadRequest
	}
	if code == http.StatusBadRequest && strings.Contains(strings.ToLower(s.Message), "symbol") {
		return notFound(capability.TwelveData, q.Field, q.Symbol)
	}
	return classifier.FromStatus(code, []byte(s.Message)).
		WithSource(string(capability.TwelveData), string(q.Field)).
		WithDetail("%s", s.Message)
}

type twelveDataQuote struct {
	twelveDataStatus
	Symbol        string `json:"symbol"`
	Name          string `json:"name"`
	Currency      string `json:"currency"`
	Close         Number `json:"close"`
	PreviousClose Number `json:"previous_close"`
	Change        Number `json:"change"`
	PercentChange Number `json:"percent_change"`
	Volume        Number `json:"volume"`
	Timestamp     int64  `json:"timestamp"`
}

type twelveDataSeries struct {
	twelveDataStatus
	Values []struct {
		Datetime string `json:"datetime"`
		Open     Number `json:"open"`
		High     Number `json:"high"`
		Low      Number `json:"low"`
		Close    Number `json:"close"`
		Volume   Number `json:"volume"`
	} `json:"values"`
}

type twelveDataStatistics struct {
	twelveDataStatus
	Meta struct {
		Currency string `json:"currency"`
		Type     string `json:"type"`
	} `json:"meta"`
	Statistics struct {
		Valuations struct {
			MarketCap   Number `json:"market_capitalization"`
			TrailingPE  Number `json:"trailing_pe"`
			ForwardPE   Number `json:"forward_pe"`
			PEGRatio    Number `json:"peg_ratio"`
			PriceToBook Number `json:"price_to_book_mrq"`
		} `json:"valuations_metrics"`
		Financials struct {
			ProfitMargin    Number `json:"profit_margin"`
			OperatingMargin Number `json:"operating_margin"`
			ReturnOnEquity  Number `json:"return_on_equity_ttm"`
			Income          struct {
				Revenue        Number `json:"revenue_ttm"`
				NetIncome      Number `json:"net_income_to_common_ttm"`
				EBITDA         Number `json:"ebitda"`
				RevenueGrowth  Number `json:"quarterly_revenue_growth"`
				EarningsGrowth Number `json:"quarterly_earnings_growth_yoy"`
			} `json:"income_statement"`
			Balance struct {
				DebtToEquity Number `json:"total_debt_to_equity_mrq"`
			} `json:"balance_sheet"`
			CashFlow struct {
				FreeCashFlow Number `json:"levered_free_cash_flow_ttm"`
			} `json:"cash_flow"`
		} `json:"financials"`
		PriceSummary struct {
			High52 Number `json:"fifty_two_week_high"`
			Low52  Number `json:"fifty_two_week_low"`
		} `json:"stock_price_summary"`
		Dividends struct {
			Yield Number `json:"forward_annual_dividend_yield"`
		} `json:"dividends_and_splits"`
	} `json:"statistics"`
}

// Decode 实现 Adapter。
func (t *TwelveData) Decode(q Query, body []byte) (any, error) {
	switch q.Field {
	case capability.FieldQuote:
		var r twelveDataQuote
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, decodeErr(capability.TwelveData, "quote", err)
		}
		if err := r.apiError(q); err != nil {
			return nil, err
		}
		if !r.Close.Valid {
			return nil, emptyPayload(capability.TwelveData, q.Field)
		}
		quote := market.Quote{
			Symbol:        q.Symbol,
			ShortName:     r.Name,
			Currency:      r.Currency,
			Price:         r.Close.Dec(),
			Change:        r.Change.Dec(),
			ChangePercent: r.PercentChange.Float(),
			PreviousClose: r.PreviousClose.Dec(),
			Volume:        r.Volume.Float(),
			Timestamp:     time.Unix(r.Timestamp, 0).UTC(),
			Provider:      string(capability.TwelveData),
		}
		quote.Normalize()
		return quote, nil

	case capability.FieldCandles:
		var r twelveDataSeries
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, decodeErr(capability.TwelveData, "time_series", err)
		}
		if err := r.apiError(q); err != nil {
			return nil, err
		}
		series := market.Series{Symbol: q.Symbol, Timeframe: ParseTimeframe(q.Timeframe).Name, Provider: string(capability.TwelveData)}
		// 返回按时间倒序排列。
		for i := len(r.Values) - 1; i >= 0; i-- {
			v := r.Values[i]
			ts, err := parseTwelveDataTime(v.Datetime)
			if err != nil {
				return nil, decodeErr(capability.TwelveData, "time_series datetime", err)
			}
			c := market.Candle{Time: ts, Open: v.Open.Dec(), High: v.High.Dec(), Low: v.Low.Dec(), Close: v.Close.Dec(), Volume: v.Volume.Float()}
			if c.Valid() {
				series.Candles = append(series.Candles, c)
			}
		}
		if len(series.Candles) == 0 {
			return nil, emptyPayload(capability.TwelveData, q.Field)
		}
		series.Tail(q.Limit)
		return series, nil

	case capability.FieldFundamentals:
		var r twelveDataStatistics
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, decodeErr(capability.TwelveData, "statistics", err)
		}
		if err := r.apiError(q); err != nil {
			return nil, err
		}
		st := r.Statistics
		f := market.Fundamentals{
			Symbol:           q.Symbol,
			Currency:         r.Meta.Currency,
			MarketCap:        st.Valuations.MarketCap.Dec(),
			TotalRevenue:     st.Financials.Income.Revenue.Dec(),
			NetIncome:        st.Financials.Income.NetIncome.Dec(),
			EBITDA:           st.Financials.Income.EBITDA.Dec(),
			FreeCashFlow:     st.Financials.CashFlow.FreeCashFlow.Dec(),
			PERatio:          st.Valuations.TrailingPE.Float(),
			ForwardPE:        st.Valuations.ForwardPE.Float(),
			PriceToBook:      st.Valuations.PriceToBook.Float(),
			PEGRatio:         st.Valuations.PEGRatio.Float(),
			DividendYield:    st.Dividends.Yield.Float(),
			ProfitMargin:     st.Financials.ProfitMargin.Float(),
			OperatingMargin:  st.Financials.OperatingMargin.Float(),
			ReturnOnEquity:   st.Financials.ReturnOnEquity.Float(),
			DebtToEquity:     st.Financials.Balance.DebtToEquity.Float(),
			RevenueGrowth:    st.Financials.Income.RevenueGrowth.Float(),
			EarningsGrowth:   st.Financials.Income.EarningsGrowth.Float(),
			FiftyTwoWeekHigh: st.PriceSummary.High52.Dec(),
			FiftyTwoWeekLow:  st.PriceSummary.Low52.Dec(),
			IsETF:            strings.Contains(strings.ToLower(r.Meta.Type), "etf") || q.Asset == capability.ETF,
			Provider:         string(capability.TwelveData),
		}
		if f.Empty() {
			return nil, emptyPayload(capability.TwelveData, q.Field)
		}
		return f, nil

	default:
		return nil, unsupported(capability.TwelveData, q.Field)
	}
}

func parseTwelveDataTime(s string) (time.Time, error) {
	if len(s) == len("2006-01-02") {
		return time.Parse("2006-01-02", s)
	}
	return time.Parse("2006-01-02 15:04:05", s)
}
