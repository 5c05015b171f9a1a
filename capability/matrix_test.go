package capability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatrixTable(t *testing.T) {
	m := Default()

	tests := []struct {
		provider    Provider
		cost        int
		reliability float64
		credential  CredentialKind
		keyless     bool
		quarantined bool
	}{
		{Yahoo, 1, 0.95, CredentialSessionToken, true, false},
		{FMP, 999, 0.0, CredentialStaticKey, false, true},
		{EODHD, 10, 0.90, CredentialStaticKey, true, false},
		{Finnhub, 20, 0.99, CredentialStaticKey, false, false},
		{TwelveData, 1, 0.99, CredentialStaticKey, true, false},
		{FRED, 1, 0.99, CredentialStaticKey, false, false},
		{Tiingo, 4, 0.80, CredentialStaticKey, false, false},
		{LocalScanner, 99, 1.0, CredentialNone, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.provider), func(t *testing.T) {
			id, ok := m.Lookup(tt.provider)
			require.True(t, ok)
			assert.Equal(t, tt.cost, id.CostWeight)
			assert.InDelta(t, tt.reliability, id.Reliability, 1e-9)
			assert.Equal(t, tt.credential, id.Credential)
			assert.Equal(t, tt.keyless, id.Keyless)
			assert.Equal(t, tt.quarantined, id.PermanentlyQuarantined)
		})
	}
	assert.Len(t, m.Providers(), len(tests))
}

func TestMatchingSortedByCost(t *testing.T) {
	m := Default()

	got := m.Matching(FieldQuote, Stock)
	names := make([]Provider, 0, len(got))
	for _, id := range got {
		names = append(names, id.Name)
	}

	assert.Equal(t, []Provider{TwelveData, Yahoo, Tiingo, EODHD, Finnhub, FMP}, names)
}

func TestMatchingRespectsAssetAndField(t *testing.T) {
	m := Default()

	macro := m.Matching(FieldMacro, Index)
	require.Len(t, macro, 2)
	assert.Equal(t, FRED, macro[0].Name)
	assert.Equal(t, Yahoo, macro[1].Name)

	assert.Empty(t, m.Matching(FieldQuote, Commodity))
	assert.True(t, m.Supports(Tiingo, FieldQuote, Crypto))
	assert.False(t, m.Supports(Tiingo, FieldCandles, Stock))
}

func TestLookupReturnsCopy(t *testing.T) {
	m := Default()

	id, _ := m.Lookup(Yahoo)
	id.Fields[0] = FieldNews

	again, _ := m.Lookup(Yahoo)
	assert.Equal(t, FieldQuote, again.Fields[0])
}

func TestNewMatrixRejectsBadTables(t *testing.T) {
	_, err := NewMatrix(Identity{Name: ""})
	assert.ErrorIs(t, err, ErrEmptyProvider)

	_, err = NewMatrix(Identity{Name: Yahoo}, Identity{Name: Yahoo})
	assert.ErrorIs(t, err, ErrDuplicateProvider)
}

func TestWithOverrides(t *testing.T) {
	cost := 500
	spacing := 2 * time.Second
	lifted := false

	m, err := Default().WithOverrides(
		Override{Name: TwelveData, CostWeight: &cost, MinSpacing: &spacing},
		Override{Name: FMP, PermanentlyQuarantined: &lifted},
	)
	require.NoError(t, err)

	td, _ := m.Lookup(TwelveData)
	assert.Equal(t, 500, td.CostWeight)
	assert.Equal(t, 2*time.Second, td.MinSpacing)

	fmp, _ := m.Lookup(FMP)
	assert.False(t, fmp.PermanentlyQuarantined)

	// 原矩阵不受影响
	orig, _ := Default().Lookup(TwelveData)
	assert.Equal(t, 1, orig.CostWeight)

	_, err = Default().WithOverrides(Override{Name: "Nope"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestParseHelpers(t *testing.T) {
	f, err := ParseField("CANDLES")
	require.NoError(t, err)
	assert.Equal(t, FieldCandles, f)

	_, err = ParseField("orderbook")
	assert.Error(t, err)

	assert.Equal(t, Stock, ParseAssetType(""))
	assert.Equal(t, ETF, ParseAssetType("etf"))
	assert.Equal(t, Unknown, ParseAssetType("bond"))
}

func TestDefaultLimitsAndTTL(t *testing.T) {
	limits := DefaultDailyLimits()
	assert.Equal(t, 800, limits[TwelveData])
	assert.Equal(t, 25, limits[AlphaVantage])
	_, capped := limits[FRED]
	assert.False(t, capped)

	assert.Equal(t, 15*time.Second, DefaultCacheTTL(FieldQuote))
	assert.Equal(t, 24*time.Hour, DefaultCacheTTL(FieldProfile))
}
