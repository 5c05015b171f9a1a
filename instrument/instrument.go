// Package instrument 将调用方使用的内部代号（VIX、GOLD、CPI、AAPL）解析为规范标的，
// 并给出各数据源上的符号映射与宏观序列路由。
package instrument

import (
	"strings"

	"github.com/wyfcoding/heimdall/capability"
)

// SourceType 标的的数据来源类型。
type SourceType string

const (
	// SourceMarket 可交易标的（行情类数据源）。
	SourceMarket SourceType = "market"
	// SourceMacroSeries 经济统计序列（FRED）。
	SourceMacroSeries SourceType = "macroSeries"
)

// FREDPrefix 显式指定 FRED 序列的前缀，例如 FRED.DGS10。
const FREDPrefix = "FRED."

// Instrument 规范标的定义。
type Instrument struct {
	ID           string               `json:"id"`
	DisplayName  string               `json:"display_name"`
	AssetType    capability.AssetType `json:"asset_type"`
	YahooSymbol  string               `json:"yahoo_symbol,omitempty"`
	FREDSeriesID string               `json:"fred_series_id,omitempty"`
	TwelveData   string               `json:"twelve_data_symbol,omitempty"`
	Source       SourceType           `json:"source"`
}

// IsMacroSeries 判断是否应路由到 FRED。
func (i Instrument) IsMacroSeries() bool {
	return i.Source == SourceMacroSeries && i.FREDSeriesID != ""
}

// SymbolFor 返回标的在指定数据源上的符号。
func (i Instrument) SymbolFor(p capability.Provider) string {
	switch p {
	case capability.Yahoo, capability.LocalScanner:
		if i.YahooSymbol != "" {
			return i.YahooSymbol
		}
	case capability.FRED:
		if i.FREDSeriesID != "" {
			return i.FREDSeriesID
		}
	case capability.TwelveData:
		if i.TwelveData != "" {
			return i.TwelveData
		}
	case capability.EODHD:
		return eodhdSymbol(i)
	}
	return i.ticker()
}

// ticker 返回不含交易所修饰的基础代码。
func (i Instrument) ticker() string {
	if i.YahooSymbol != "" && !strings.ContainsAny(i.YahooSymbol, "^=") {
		return i.YahooSymbol
	}
	return i.ID
}

// eodhdSymbol 按资产类别补交易所后缀：美股 .US，指数 .INDX，加密 .CC，外汇 .FOREX。
func eodhdSymbol(i Instrument) string {
	t := i.ticker()
	if strings.Contains(t, ".") {
		return t
	}
	switch i.AssetType {
	case capability.Crypto:
		return strings.TrimSuffix(t, "-USD") + "-USD.CC"
	case capability.Forex:
		return strings.TrimSuffix(strings.TrimSuffix(i.YahooSymbol, "=X"), ".") + ".FOREX"
	case capability.Index:
		return strings.TrimPrefix(i.YahooSymbol, "^") + ".INDX"
	default:
		return t + ".US"
	}
}

var (
	cpi    = macro("CPI", "CPI", "CPIAUCSL")
	labor  = macro("UNRATE", "Unemployment Rate", "UNRATE")
	growth = macro("GDP", "Real GDP", "GDPC1")
	funds  = macro("FEDFUNDS", "Fed Funds Rate", "FEDFUNDS")
	bond2y = macro("US2Y", "2Y Treasury", "DGS2")
	claims = macro("CLAIMS", "Initial Jobless Claims", "ICSA")

	rates  = Instrument{ID: "US10Y", DisplayName: "10Y Treasury Yield", AssetType: capability.Index, YahooSymbol: "^TNX", FREDSeriesID: "DGS10", TwelveData: "TNX", Source: SourceMarket}
	vix    = Instrument{ID: "VIX", DisplayName: "Volatility (VIX)", AssetType: capability.Index, YahooSymbol: "^VIX", FREDSeriesID: "VIXCLS", TwelveData: "VIX", Source: SourceMarket}
	dxy    = Instrument{ID: "DXY", DisplayName: "Dollar Index", AssetType: capability.Index, YahooSymbol: "DX-Y.NYB", TwelveData: "DXY", Source: SourceMarket}
	gold   = Instrument{ID: "GOLD", DisplayName: "Gold", AssetType: capability.ETF, YahooSymbol: "GLD", TwelveData: "XAU/USD", Source: SourceMarket}
	silver = Instrument{ID: "SILVER", DisplayName: "Silver", AssetType: capability.Commodity, YahooSymbol: "SI=F", TwelveData: "XAG/USD", Source: SourceMarket}
	oil    = Instrument{ID: "OIL", DisplayName: "Crude Oil", AssetType: capability.Commodity, YahooSymbol: "CL=F", FREDSeriesID: "DCOILWTICO", TwelveData: "WTI", Source: SourceMarket}
	btc    = Instrument{ID: "BTC", DisplayName: "Bitcoin", AssetType: capability.Crypto, YahooSymbol: "BTC-USD", TwelveData: "BTC/USD", Source: SourceMarket}
	spy    = Instrument{ID: "SPY", DisplayName: "S&P 500", AssetType: capability.ETF, YahooSymbol: "SPY", TwelveData: "SPY", Source: SourceMarket}
)

func macro(id, name, series string) Instrument {
	return Instrument{ID: id, DisplayName: name, AssetType: capability.Index, FREDSeriesID: series, Source: SourceMacroSeries}
}

// aliases 大写别名到规范标的。
var aliases = map[string]Instrument{
	"CPI": cpi, "CPI_US": cpi, "INFLATION": cpi, "MACRO.CPI": cpi, "CPIAUCSL": cpi,
	"LABOR": labor, "UNEMP": labor, "UNRATE": labor, "MACRO.LABOR": labor,
	"GROWTH": growth, "GDP": growth, "GDPC1": growth, "MACRO.GROWTH": growth,
	"FEDFUNDS": funds, "FED_FUNDS": funds, "MACRO.FEDFUNDS": funds,
	"BOND2Y": bond2y, "US2Y": bond2y, "MACRO.BOND2Y": bond2y,
	"CLAIMS": claims, "ICSA": claims, "MACRO.CLAIMS": claims,

	"RATES": rates, "US10Y": rates, "TNX": rates, "^TNX": rates, "MACRO.RATES": rates, "MACRO.TNX": rates,
	"VIX": vix, "VOLATILITY": vix, "MACRO.VIX": vix, "^VIX": vix,
	"DXY": dxy, "DOLLAR": dxy, "MACRO.DXY": dxy, "DX-Y.NYB": dxy,
	"SP500": spy, "SPY": spy, "MACRO.SPY": spy, "GSPC": spy,
	"NASDAQ": {ID: "NASDAQ", DisplayName: "Nasdaq Composite", AssetType: capability.Index, YahooSymbol: "^IXIC", TwelveData: "IXIC", Source: SourceMarket},
	"DJI":    {ID: "DJI", DisplayName: "Dow Jones", AssetType: capability.Index, YahooSymbol: "^DJI", TwelveData: "DJI", Source: SourceMarket},

	"GOLD": gold, "XAU": gold, "MACRO.GOLD": gold, "GC=F": gold,
	"SILVER": silver, "XAG": silver, "MACRO.SILVER": silver, "SI=F": silver,
	"OIL": oil, "WTI": oil, "CRUDE": oil, "MACRO.OIL": oil, "CL=F": oil,
	"NATGAS": {ID: "NATGAS", DisplayName: "Natural Gas", AssetType: capability.Commodity, YahooSymbol: "NG=F", TwelveData: "NATGAS", Source: SourceMarket},

	"BTC": btc, "BITCOIN": btc, "MACRO.BTC": btc, "BTC-USD": btc,
	"ETH": {ID: "ETH", DisplayName: "Ethereum", AssetType: capability.Crypto, YahooSymbol: "ETH-USD", TwelveData: "ETH/USD", Source: SourceMarket},

	"EURUSD": {ID: "EURUSD", DisplayName: "EUR/USD", AssetType: capability.Forex, YahooSymbol: "EURUSD=X", FREDSeriesID: "DEXUSEU", TwelveData: "EUR/USD", Source: SourceMarket},
	"USDTRY": {ID: "USDTRY", DisplayName: "USD/TRY", AssetType: capability.Forex, YahooSymbol: "USDTRY=X", FREDSeriesID: "DEXUSTU", TwelveData: "USD/TRY", Source: SourceMarket},
}

// Resolve 解析内部代号。依次匹配：FRED. 前缀、已知别名、Yahoo 指数(^)、外汇(=X)、期货(=F)、加密(-USD)，
// 其余按股票处理。
func Resolve(id string) Instrument {
	key := strings.ToUpper(strings.TrimSpace(id))

	if strings.HasPrefix(key, FREDPrefix) {
		series := strings.TrimPrefix(key, FREDPrefix)
		return macro(series, series, series)
	}
	if known, ok := aliases[key]; ok {
		return known
	}

	switch {
	case strings.HasPrefix(key, "^"):
		return Instrument{ID: key, DisplayName: key, AssetType: capability.Index, YahooSymbol: key, Source: SourceMarket}
	case strings.HasSuffix(key, "=X"):
		return Instrument{ID: key, DisplayName: key, AssetType: capability.Forex, YahooSymbol: key,
			TwelveData: forexPair(strings.TrimSuffix(key, "=X")), Source: SourceMarket}
	case strings.HasSuffix(key, "=F"):
		return Instrument{ID: key, DisplayName: key, AssetType: capability.Commodity, YahooSymbol: key, Source: SourceMarket}
	case strings.HasSuffix(key, "-USD"):
		base := strings.TrimSuffix(key, "-USD")
		return Instrument{ID: key, DisplayName: key, AssetType: capability.Crypto, YahooSymbol: key, TwelveData: base + "/USD", Source: SourceMarket}
	}

	return Instrument{ID: key, DisplayName: key, AssetType: capability.Stock, YahooSymbol: key, TwelveData: key, Source: SourceMarket}
}

func forexPair(s string) string {
	if len(s) == 6 {
		return s[:3] + "/" + s[3:]
	}
	return s
}

// IsMacroSeries 判断代号是否应路由到 FRED。
func IsMacroSeries(id string) bool {
	return Resolve(id).IsMacroSeries()
}

// AssetType 返回代号的资产类别。Stock 是未指定时的默认值，只有 Stock 与 Unknown 以外的提示会覆盖解析结果。
func AssetType(id string, hint capability.AssetType) capability.AssetType {
	if hint != "" && hint != capability.Unknown && hint != capability.Stock {
		return hint
	}
	return Resolve(id).AssetType
}
