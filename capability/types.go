// Package capability 定义数据源能力矩阵：每个数据源可服务的资产类别与数据字段、成本权重、
// 基础可靠性、凭据类型以及是否被永久隔离。矩阵在进程启动时构建，之后不可变。
package capability

import (
	"fmt"
	"strings"
	"time"
)

// Provider 数据源名称。
type Provider string

const (
	Yahoo        Provider = "Yahoo"
	FMP          Provider = "FMP"
	TwelveData   Provider = "TwelveData"
	Tiingo       Provider = "Tiingo"
	Finnhub      Provider = "Finnhub"
	AlphaVantage Provider = "AlphaVantage"
	EODHD        Provider = "EODHD"
	FRED         Provider = "FRED"
	LocalScanner Provider = "LocalScanner"
	CoinGecko    Provider = "CoinGecko"
)

func (p Provider) String() string { return string(p) }

// Field 逻辑数据字段。
type Field string

const (
	FieldQuote        Field = "quote"
	FieldCandles      Field = "candles"
	FieldFundamentals Field = "fundamentals"
	FieldProfile      Field = "profile"
	FieldNews         Field = "news"
	FieldMacro        Field = "macro"
	FieldScreener     Field = "screener"
)

// Fields 返回全部数据字段。
func Fields() []Field {
	return []Field{FieldQuote, FieldCandles, FieldFundamentals, FieldProfile, FieldNews, FieldMacro, FieldScreener}
}

func (f Field) String() string { return string(f) }

// ParseField 解析字段名（大小写不敏感）。
func ParseField(s string) (Field, error) {
	for _, f := range Fields() {
		if strings.EqualFold(s, string(f)) {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown field %q", s)
}

// AssetType 资产类别。
type AssetType string

const (
	Stock     AssetType = "Stock"
	ETF       AssetType = "ETF"
	Crypto    AssetType = "Crypto"
	Forex     AssetType = "Forex"
	Index     AssetType = "Index"
	Commodity AssetType = "Commodity"
	Unknown   AssetType = "Unknown"
)

// AssetTypes 返回全部资产类别。
func AssetTypes() []AssetType {
	return []AssetType{Stock, ETF, Crypto, Forex, Index, Commodity, Unknown}
}

// ParseAssetType 解析资产类别，空串视为 Stock，无法识别返回 Unknown。
func ParseAssetType(s string) AssetType {
	if strings.TrimSpace(s) == "" {
		return Stock
	}
	for _, a := range AssetTypes() {
		if strings.EqualFold(s, string(a)) {
			return a
		}
	}
	return Unknown
}

// CredentialKind 数据源的凭据类型。
type CredentialKind string

const (
	// CredentialNone 无需任何凭据（本地数据源）。
	CredentialNone CredentialKind = "none"
	// CredentialStaticKey 固定 API Key，失效即长期失效。
	CredentialStaticKey CredentialKind = "staticKey"
	// CredentialSessionToken 会话型凭据（cookie/crumb），失效通常是暂时的。
	CredentialSessionToken CredentialKind = "sessionToken"
)

// Identity 数据源的静态身份描述，创建后不可变。
type Identity struct {
	Name                   Provider
	Assets                 []AssetType
	Fields                 []Field
	CostWeight             int
	Reliability            float64
	Credential             CredentialKind
	Keyless                bool // 无需授权即可作为候选
	PermanentlyQuarantined bool
	QuarantineReason       string
	MaxConcurrent          int           // 0 表示不限
	MinSpacing             time.Duration // 相邻两次调用的最小间隔
}

// ServesField 判断是否支持字段 f。
func (i Identity) ServesField(f Field) bool {
	for _, x := range i.Fields {
		if x == f {
			return true
		}
	}
	return false
}

// ServesAsset 判断是否支持资产类别 a。
func (i Identity) ServesAsset(a AssetType) bool {
	for _, x := range i.Assets {
		if x == a {
			return true
		}
	}
	return false
}

// RequiresCredentials 判断是否必须出现在授权集合中才能成为候选。
func (i Identity) RequiresCredentials() bool {
	return !i.Keyless && i.Credential != CredentialNone
}

func (i Identity) clone() Identity {
	i.Assets = append([]AssetType(nil), i.Assets...)
	i.Fields = append([]Field(nil), i.Fields...)
	return i
}
