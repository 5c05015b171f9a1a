package instrument

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wyfcoding/heimdall/capability"
)

func TestResolveAliases(t *testing.T) {
	tests := []struct {
		in     string
		yahoo  string
		fred   string
		asset  capability.AssetType
		series bool
	}{
		{"vix", "^VIX", "VIXCLS", capability.Index, false},
		{"DXY", "DX-Y.NYB", "", capability.Index, false},
		{"US10Y", "^TNX", "DGS10", capability.Index, false},
		{"GOLD", "GLD", "", capability.ETF, false},
		{"silver", "SI=F", "", capability.Commodity, false},
		{"OIL", "CL=F", "DCOILWTICO", capability.Commodity, false},
		{"BTC", "BTC-USD", "", capability.Crypto, false},
		{"INFLATION", "", "CPIAUCSL", capability.Index, true},
		{"GDP", "", "GDPC1", capability.Index, true},
		{"UNRATE", "", "UNRATE", capability.Index, true},
		{"FEDFUNDS", "", "FEDFUNDS", capability.Index, true},
		{"FRED.DGS10", "", "DGS10", capability.Index, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := Resolve(tt.in)
			assert.Equal(t, tt.yahoo, got.YahooSymbol)
			assert.Equal(t, tt.fred, got.FREDSeriesID)
			assert.Equal(t, tt.asset, got.AssetType)
			assert.Equal(t, tt.series, got.IsMacroSeries())
		})
	}
}

func TestResolveFallbacks(t *testing.T) {
	assert.Equal(t, capability.Index, Resolve("^GSPC").AssetType)

	fx := Resolve("gbpusd=x")
	assert.Equal(t, capability.Forex, fx.AssetType)
	assert.Equal(t, "GBP/USD", fx.TwelveData)

	assert.Equal(t, capability.Commodity, Resolve("HG=F").AssetType)
	assert.Equal(t, "SOL/USD", Resolve("SOL-USD").TwelveData)

	stock := Resolve(" aapl ")
	assert.Equal(t, "AAPL", stock.ID)
	assert.Equal(t, capability.Stock, stock.AssetType)
	assert.False(t, IsMacroSeries("AAPL"))
}

func TestSymbolFor(t *testing.T) {
	aapl := Resolve("AAPL")
	assert.Equal(t, "AAPL", aapl.SymbolFor(capability.Yahoo))
	assert.Equal(t, "AAPL.US", aapl.SymbolFor(capability.EODHD))
	assert.Equal(t, "AAPL", aapl.SymbolFor(capability.Finnhub))

	vix := Resolve("VIX")
	assert.Equal(t, "^VIX", vix.SymbolFor(capability.Yahoo))
	assert.Equal(t, "VIXCLS", vix.SymbolFor(capability.FRED))
	assert.Equal(t, "VIX.INDX", vix.SymbolFor(capability.EODHD))
	assert.Equal(t, "VIX", vix.SymbolFor(capability.TwelveData))

	assert.Equal(t, "BTC-USD.CC", Resolve("BTC").SymbolFor(capability.EODHD))
	assert.Equal(t, "GLD", Resolve("GOLD").SymbolFor(capability.Finnhub))
}

func TestAssetTypeHint(t *testing.T) {
	assert.Equal(t, capability.Crypto, AssetType("BTC", capability.Stock))
	assert.Equal(t, capability.ETF, AssetType("XYZ", capability.ETF))
	assert.Equal(t, capability.Index, AssetType("^VIX", ""))
}
