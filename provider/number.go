package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Number 兼容数据源返回的数值格式：JSON 数字、数字字符串、null、空串以及 "NA"、"."、"None" 等缺失标记。
type Number struct {
	Value decimal.Decimal
	Valid bool
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = Number{}
		return nil
	}
	s := string(data)
	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		s = strings.TrimSpace(str)
		switch strings.ToUpper(s) {
		case "", "NA", "N/A", ".", "NONE", "NULL", "-":
			*n = Number{}
			return nil
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	*n = Number{Value: d, Valid: true}
	return nil
}

// Float 返回 float64 值，缺失为 0。
func (n Number) Float() float64 {
	if !n.Valid {
		return 0
	}
	return n.Value.InexactFloat64()
}

// Dec 返回 decimal 值，缺失为 0。
func (n Number) Dec() decimal.Decimal {
	if !n.Valid {
		return decimal.Zero
	}
	return n.Value
}

// yahooValue Yahoo quoteSummary 中 {"raw": 1.2, "fmt": "1.20"} 形式的数值。
type yahooValue struct {
	Raw Number `json:"raw"`
}
