package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{
			"https://api.twelvedata.com/quote?symbol=AAPL&apikey=secret123",
			"https://api.twelvedata.com/quote?symbol=AAPL&apikey=MASKED",
		},
		{
			"https://finnhub.io/api/v1/quote?symbol=AAPL&token=abc",
			"https://finnhub.io/api/v1/quote?symbol=AAPL&token=MASKED",
		},
		{
			"https://api.stlouisfed.org/fred/series/observations?series_id=CPIAUCSL&api_key=k1&file_type=json",
			"https://api.stlouisfed.org/fred/series/observations?series_id=CPIAUCSL&api_key=MASKED&file_type=json",
		},
		{
			"https://example.com/x?KEY=abc&auth=zz#frag",
			"https://example.com/x?KEY=MASKED&auth=MASKED#frag",
		},
		{
			"https://eodhd.com/api/eod/AAPL.US?api_token=demo&fmt=json",
			"https://eodhd.com/api/eod/AAPL.US?api_token=MASKED&fmt=json",
		},
		{"https://example.com/?symbol=MSFT", "https://example.com/?symbol=MSFT"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, MaskURL(tt.in))
	}
}

func TestScrubBody(t *testing.T) {
	assert.Equal(t, HTMLPlaceholder, ScrubBody("<!DOCTYPE html><html><body>502</body></html>", 300))
	assert.Equal(t, HTMLPlaceholder, ScrubBody("  <html><head></head></html>", 300))

	got := ScrubBody("{\"error\":\"bad\",\n\"url\":\"/q?apikey=xyz\"}", 300)
	assert.Equal(t, "{\"error\":\"bad\", \"url\":\"/q?apikey=MASKED\"}", got)

	long := strings.Repeat("a", 500)
	assert.Len(t, ScrubBody(long, 300), 300)
	assert.Empty(t, ScrubBody("", 300))
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "key MASKED echoed", MaskSecret("key abcd1234 echoed", "abcd1234"))
	assert.Equal(t, "short ab", MaskSecret("short ab", "ab"))
}

func TestMaskString(t *testing.T) {
	assert.Equal(t, "abc****xyz", MaskString("abcdefghxyz", 3, 3))
	assert.Equal(t, "****", MaskString("abcd", 2, 2))
}
