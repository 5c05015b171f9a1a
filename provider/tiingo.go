package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/market"
)

const tiingoBase = "https://api.tiingo.com"

// Tiingo IEX 实时报价适配器。
type Tiingo struct {
	base string
	key  string
}

// NewTiingo 创建 Tiingo 适配器。
func NewTiingo(s Settings) *Tiingo {
	return &Tiingo{base: s.base("Tiingo", tiingoBase), key: s.key(capability.Tiingo)}
}

// Name 实现 Adapter。
func (t *Tiingo) Name() capability.Provider { return capability.Tiingo }

// Secrets 实现 Adapter。
func (t *Tiingo) Secrets() []string { return []string{t.key} }

// Build 实现 Adapter。
func (t *Tiingo) Build(ctx context.Context, q Query) (*http.Request, error) {
	if q.Field != capability.FieldQuote {
		return nil, unsupported(capability.Tiingo, q.Field)
	}
	return newGET(ctx, t.base, "/iex/", url.Values{
		"tickers": {q.Instrument.SymbolFor(capability.Tiingo)},
		"token":   {t.key},
	})
}

type tiingoIEX struct {
	Ticker    string    `json:"ticker"`
	TngoLast  Number    `json:"tngoLast"`
	Last      Number    `json:"last"`
	PrevClose Number    `json:"prevClose"`
	Volume    Number    `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Decode 实现 Adapter。
func (t *Tiingo) Decode(q Query, body []byte) (any, error) {
	if q.Field != capability.FieldQuote {
		return nil, unsupported(capability.Tiingo, q.Field)
	}
	var rows []tiingoIEX
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, decodeErr(capability.Tiingo, "iex", err)
	}
	if len(rows) == 0 {
		return nil, emptyPayload(capability.Tiingo, q.Field)
	}
	r := rows[0]
	price := r.TngoLast
	if !price.Valid {
		price = r.Last
	}
	if !price.Valid {
		return nil, emptyPayload(capability.Tiingo, q.Field)
	}
	quote := market.Quote{
		Symbol:        q.Symbol,
		Price:         price.Dec(),
		PreviousClose: r.PrevClose.Dec(),
		Volume:        r.Volume.Float(),
		Timestamp:     r.Timestamp.UTC(),
		Provider:      string(capability.Tiingo),
	}
	quote.Normalize()
	return quote, nil
}
