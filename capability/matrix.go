package capability

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrEmptyProvider 数据源名称为空。
	ErrEmptyProvider = errors.New("provider name is empty")
	// ErrDuplicateProvider 数据源重复定义。
	ErrDuplicateProvider = errors.New("provider defined twice")
	// ErrUnknownProvider 覆盖项引用了不存在的数据源。
	ErrUnknownProvider = errors.New("unknown provider")
)

// defaultIdentities 是唯一的数据源静态配置表。
var defaultIdentities = []Identity{
	{
		Name:        Yahoo,
		Assets:      []AssetType{Stock, ETF, Crypto, Forex, Index},
		Fields:      []Field{FieldQuote, FieldCandles, FieldProfile, FieldScreener, FieldMacro, FieldFundamentals, FieldNews},
		CostWeight:  1,
		Reliability: 0.95,
		Credential:  CredentialSessionToken,
		Keyless:     true,
	},
	{
		Name:                   FMP,
		Assets:                 []AssetType{Stock, ETF},
		Fields:                 []Field{FieldQuote, FieldCandles, FieldFundamentals, FieldProfile, FieldNews},
		CostWeight:             999,
		Reliability:            0.0,
		Credential:             CredentialStaticKey,
		PermanentlyQuarantined: true,
		QuarantineReason:       "Account Suspended - Use TwelveData instead",
	},
	{
		Name:        EODHD,
		Assets:      []AssetType{Stock, ETF, Crypto, Index, Forex},
		Fields:      []Field{FieldQuote, FieldCandles, FieldScreener},
		CostWeight:  10,
		Reliability: 0.90,
		Credential:  CredentialStaticKey,
		Keyless:     true,
	},
	{
		Name:        Finnhub,
		Assets:      []AssetType{Stock, ETF, Forex, Crypto},
		Fields:      []Field{FieldNews, FieldQuote, FieldCandles, FieldFundamentals},
		CostWeight:  20,
		Reliability: 0.99,
		Credential:  CredentialStaticKey,
	},
	{
		Name:          TwelveData,
		Assets:        []AssetType{Stock, Forex, ETF, Crypto},
		Fields:        []Field{FieldQuote, FieldCandles, FieldFundamentals},
		CostWeight:    1,
		Reliability:   0.99,
		Credential:    CredentialStaticKey,
		Keyless:       true,
		MaxConcurrent: 1,
		MinSpacing:    10 * time.Second,
	},
	{
		Name:        FRED,
		Assets:      []AssetType{Index},
		Fields:      []Field{FieldMacro},
		CostWeight:  1,
		Reliability: 0.99,
		Credential:  CredentialStaticKey,
	},
	{
		Name:        Tiingo,
		Assets:      []AssetType{Stock, Crypto, ETF},
		Fields:      []Field{FieldQuote},
		CostWeight:  4,
		Reliability: 0.80,
		Credential:  CredentialStaticKey,
	},
	{
		Name:        LocalScanner,
		Assets:      []AssetType{Stock, ETF, Crypto},
		Fields:      []Field{FieldScreener},
		CostWeight:  99,
		Reliability: 1.0,
		Credential:  CredentialNone,
		Keyless:     true,
	},
}

// defaultDailyLimits 数据源每日调用上限，缺省即不限。
var defaultDailyLimits = map[Provider]int{
	FMP:          50000,
	Yahoo:        100000,
	TwelveData:   800,
	Finnhub:      60,
	AlphaVantage: 25,
	Tiingo:       50,
	EODHD:        100000,
}

// defaultCacheTTL 各字段的结果缓存时长。
var defaultCacheTTL = map[Field]time.Duration{
	FieldQuote:        15 * time.Second,
	FieldCandles:      300 * time.Second,
	FieldMacro:        300 * time.Second,
	FieldNews:         300 * time.Second,
	FieldScreener:     60 * time.Second,
	FieldFundamentals: 3600 * time.Second,
	FieldProfile:      86400 * time.Second,
}

// DefaultDailyLimits 返回默认每日上限表的副本。
func DefaultDailyLimits() map[Provider]int {
	out := make(map[Provider]int, len(defaultDailyLimits))
	for k, v := range defaultDailyLimits {
		out[k] = v
	}
	return out
}

// DefaultCacheTTL 返回字段 f 的默认缓存时长。
func DefaultCacheTTL(f Field) time.Duration {
	return defaultCacheTTL[f]
}

// Matrix 静态能力矩阵。构建后只读，可被任意 goroutine 并发访问。
type Matrix struct {
	entries map[Provider]Identity
	ordered []Provider
}

// NewMatrix 根据身份表构建矩阵。
func NewMatrix(ids ...Identity) (*Matrix, error) {
	m := &Matrix{entries: make(map[Provider]Identity, len(ids))}
	for _, id := range ids {
		if id.Name == "" {
			return nil, ErrEmptyProvider
		}
		if _, dup := m.entries[id.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProvider, id.Name)
		}
		m.entries[id.Name] = id.clone()
		m.ordered = append(m.ordered, id.Name)
	}
	m.sortOrder()
	return m, nil
}

// Default 返回内置能力矩阵。
func Default() *Matrix {
	m, err := NewMatrix(defaultIdentities...)
	if err != nil {
		panic(err)
	}
	return m
}

// 按成本升序，成本相同按名称排序，保证结果稳定。
func (m *Matrix) sortOrder() {
	sort.SliceStable(m.ordered, func(i, j int) bool {
		a, b := m.entries[m.ordered[i]], m.entries[m.ordered[j]]
		if a.CostWeight != b.CostWeight {
			return a.CostWeight < b.CostWeight
		}
		return a.Name < b.Name
	})
}

// Lookup 查询数据源身份。
func (m *Matrix) Lookup(p Provider) (Identity, bool) {
	id, ok := m.entries[p]
	if !ok {
		return Identity{}, false
	}
	return id.clone(), true
}

// Providers 返回所有数据源，按成本升序。
func (m *Matrix) Providers() []Identity {
	out := make([]Identity, 0, len(m.ordered))
	for _, p := range m.ordered {
		out = append(out, m.entries[p].clone())
	}
	return out
}

// Matching 返回同时支持 field 与 asset 的数据源（含永久隔离项），按成本升序。
func (m *Matrix) Matching(field Field, asset AssetType) []Identity {
	var out []Identity
	for _, p := range m.ordered {
		id := m.entries[p]
		if id.ServesField(field) && id.ServesAsset(asset) {
			out = append(out, id.clone())
		}
	}
	return out
}

// Supports 判断数据源能否服务该字段与资产类别。
func (m *Matrix) Supports(p Provider, field Field, asset AssetType) bool {
	id, ok := m.entries[p]
	return ok && id.ServesField(field) && id.ServesAsset(asset)
}

// Override 配置层对单个数据源的覆盖项，nil 字段保持原值。
type Override struct {
	Name                   Provider
	CostWeight             *int
	Keyless                *bool
	PermanentlyQuarantined *bool
	QuarantineReason       *string
	MaxConcurrent          *int
	MinSpacing             *time.Duration
}

// WithOverrides 基于当前矩阵生成应用了覆盖项的新矩阵。
func (m *Matrix) WithOverrides(overrides ...Override) (*Matrix, error) {
	ids := make([]Identity, 0, len(m.ordered))
	index := make(map[Provider]int, len(m.ordered))
	for _, p := range m.ordered {
		index[p] = len(ids)
		ids = append(ids, m.entries[p].clone())
	}

	for _, ov := range overrides {
		i, ok := index[ov.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, ov.Name)
		}
		id := &ids[i]
		if ov.CostWeight != nil {
			id.CostWeight = *ov.CostWeight
		}
		if ov.Keyless != nil {
			id.Keyless = *ov.Keyless
		}
		if ov.PermanentlyQuarantined != nil {
			id.PermanentlyQuarantined = *ov.PermanentlyQuarantined
		}
		if ov.QuarantineReason != nil {
			id.QuarantineReason = *ov.QuarantineReason
		}
		if ov.MaxConcurrent != nil {
			id.MaxConcurrent = *ov.MaxConcurrent
		}
		if ov.MinSpacing != nil {
			id.MinSpacing = *ov.MinSpacing
		}
	}
	return NewMatrix(ids...)
}
