package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/market"
	"github.com/wyfcoding/heimdall/xerrors"
)

func TestLookupProvider(t *testing.T) {
	m := capability.Default()

	id, err := lookupProvider(m, "twelvedata")
	require.NoError(t, err)
	assert.Equal(t, capability.TwelveData, id)

	_, err = lookupProvider(m, "nobody")
	assert.Equal(t, xerrors.CategoryInvalidRequest, xerrors.CategoryOf(err))
}

func TestRenderQuote(t *testing.T) {
	var buf bytes.Buffer
	q := market.Quote{
		Symbol:    "AAPL",
		Price:     decimal.RequireFromString("190.5"),
		Change:    decimal.RequireFromString("1.5"),
		Provider:  "Yahoo",
		Timestamp: time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC),
	}
	require.NoError(t, renderResult(&buf, q))
	out := buf.String()
	assert.Contains(t, out, "SYMBOL")
	assert.Contains(t, out, "190.5")
	assert.Contains(t, out, "2026-01-02T15:00:00Z")
}

func TestRenderFallsBackToJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderResult(&buf, market.Profile{Symbol: "AAPL", Provider: "FMP"}))
	assert.Contains(t, buf.String(), `"symbol": "AAPL"`)
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{{"serve"}, {"fetch"}, {"diag"}, {"reset", "bans"}, {"reset", "locks"}, {"reset", "quota"}} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}

	root.SetArgs([]string{"fetch", "bogus", "AAPL"})
	root.SetOut(&bytes.Buffer{})
	assert.Error(t, root.Execute())
}
