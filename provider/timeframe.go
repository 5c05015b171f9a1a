package provider

import (
	"strings"
	"time"
)

// Timeframe 规范化后的 K 线周期。
type Timeframe struct {
	Name     string
	Duration time.Duration
}

var timeframes = map[string]Timeframe{
	"1m":  {"1m", time.Minute},
	"5m":  {"5m", 5 * time.Minute},
	"15m": {"15m", 15 * time.Minute},
	"30m": {"30m", 30 * time.Minute},
	"1h":  {"1h", time.Hour},
	"4h":  {"4h", 4 * time.Hour},
	"1d":  {"1d", 24 * time.Hour},
	"1w":  {"1w", 7 * 24 * time.Hour},
	"1mo": {"1mo", 30 * 24 * time.Hour},
}

var timeframeAliases = map[string]string{
	"1min": "1m", "5min": "5m", "15min": "15m", "30min": "30m",
	"60m": "1h", "60min": "1h", "1hour": "1h", "4hour": "4h",
	"1day": "1d", "d": "1d", "day": "1d", "daily": "1d",
	"1week": "1w", "1wk": "1w", "w": "1w", "weekly": "1w", "1month": "1mo", "monthly": "1mo",
}

// ParseTimeframe 解析周期，无法识别时回退为日线。
func ParseTimeframe(s string) Timeframe {
	k := strings.ToLower(strings.TrimSpace(s))
	if alias, ok := timeframeAliases[k]; ok {
		k = alias
	}
	if tf, ok := timeframes[k]; ok {
		return tf
	}
	return timeframes["1d"]
}

// yahooInterval 返回 Yahoo chart 的 interval 与 range。
// Yahoo 没有 4 小时线，使用 60m 并扩大区间。
func yahooInterval(tf Timeframe) (interval, rng string) {
	switch tf.Name {
	case "1m":
		return "1m", "1d"
	case "5m":
		return "5m", "5d"
	case "15m":
		return "15m", "5d"
	case "30m":
		return "30m", "1mo"
	case "1h":
		return "60m", "3mo"
	case "4h":
		return "60m", "6mo"
	case "1w":
		return "1wk", "5y"
	case "1mo":
		return "1mo", "10y"
	default:
		return "1d", "2y"
	}
}

// twelveDataInterval 返回 TwelveData 的 interval 参数。
func twelveDataInterval(tf Timeframe) string {
	switch tf.Name {
	case "1m":
		return "1min"
	case "5m":
		return "5min"
	case "15m":
		return "15min"
	case "30m":
		return "30min"
	case "1h":
		return "1h"
	case "4h":
		return "4h"
	case "1w":
		return "1week"
	case "1mo":
		return "1month"
	default:
		return "1day"
	}
}

// finnhubResolution 返回 Finnhub 的 resolution 参数。
func finnhubResolution(tf Timeframe) string {
	switch tf.Name {
	case "1m":
		return "1"
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "30m":
		return "30"
	case "1h", "4h":
		return "60"
	case "1w":
		return "W"
	case "1mo":
		return "M"
	default:
		return "D"
	}
}

// eodhdPeriod 返回 EODHD 的 period 参数，日内周期不受支持。
func eodhdPeriod(tf Timeframe) (string, bool) {
	switch tf.Name {
	case "1d":
		return "d", true
	case "1w":
		return "w", true
	case "1mo":
		return "m", true
	default:
		return "", false
	}
}
