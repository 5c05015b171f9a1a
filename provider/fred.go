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
	fredBase = "https://api.stlouisfed.org/fred"

	fredDefaultLimit = 24
)

// FRED 圣路易斯联储经济数据适配器，仅服务宏观序列。
type FRED struct {
	base string
	key  string
}

// NewFRED 创建 FRED 适配器。
func NewFRED(s Settings) *FRED {
	return &FRED{base: s.base("FRED", fredBase), key: s.key(capability.FRED)}
}

// Name 实现 Adapter。
func (f *FRED) Name() capability.Provider { return capability.FRED }

// Secrets 实现 Adapter。
func (f *FRED) Secrets() []string { return []string{f.key} }

// Build 实现 Adapter。最新值请求取最近两期以计算变化。
func (f *FRED) Build(ctx context.Context, q Query) (*http.Request, error) {
	if q.Field != capability.FieldMacro {
		return nil, unsupported(capability.FRED, q.Field)
	}
	limit := 2
	if q.Series {
		limit = limitOr(q.Limit, fredDefaultLimit)
	}
	return newGET(ctx, f.base, "/series/observations", url.Values{
		"series_id":  {q.Instrument.SymbolFor(capability.FRED)},
		"api_key":    {f.key},
		"file_type":  {"json"},
		"sort_order": {"desc"},
		"limit":      {strconv.Itoa(limit)},
	})
}

type fredObservations struct {
	Observations []struct {
		Date  string `json:"date"`
		Value Number `json:"value"`
	} `json:"observations"`
	ErrorCode    int    `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Decode 实现 Adapter。缺失观测值（"."）被跳过，输出按日期升序。
func (f *FRED) Decode(q Query, body []byte) (any, error) {
	if q.Field != capability.FieldMacro {
		return nil, unsupported(capability.FRED, q.Field)
	}
	var r fredObservations
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, decodeErr(capability.FRED, "observations", err)
	}
	seriesID := q.Instrument.SymbolFor(capability.FRED)

	points := make([]market.MacroPoint, 0, len(r.Observations))
	for i := len(r.Observations) - 1; i >= 0; i-- {
		obs := r.Observations[i]
		if !obs.Value.Valid {
			continue
		}
		d, err := time.Parse("2006-01-02", obs.Date)
		if err != nil {
			return nil, decodeErr(capability.FRED, "observation date", err)
		}
		points = append(points, market.MacroPoint{Date: d, Value: obs.Value.Dec()})
	}
	if len(points) == 0 {
		return nil, emptyPayload(capability.FRED, q.Field)
	}

	if q.Series {
		return market.MacroSeries{SeriesID: seriesID, Points: points, Provider: string(capability.FRED)}, nil
	}
	ind, _ := market.IndicatorFromPoints(q.Symbol, seriesID, points)
	ind.Provider = string(capability.FRED)
	return ind, nil
}
