package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/logging"
	"github.com/wyfcoding/heimdall/storage"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newLedger(opts ...Option) (*Ledger, *clock) {
	clk := &clock{t: time.Date(2026, 10, 19, 23, 50, 0, 0, time.Local)}
	opts = append([]Option{WithClock(clk.Now), WithLogger(logging.Discard())}, opts...)
	return New(opts...), clk
}

func TestCanSpendAgainstDailyLimit(t *testing.T) {
	l, _ := newLedger()

	for i := 0; i < 59; i++ {
		l.RecordSuccess(capability.Finnhub)
	}
	assert.True(t, l.CanSpend(capability.Finnhub, 1))
	assert.False(t, l.CanSpend(capability.Finnhub, 2))
	assert.False(t, l.IsExhausted(capability.Finnhub))

	l.Spend(capability.Finnhub, 1)
	assert.False(t, l.CanSpend(capability.Finnhub, 1))
	assert.True(t, l.IsExhausted(capability.Finnhub))

	snap := l.Snapshot(capability.Finnhub)
	assert.Equal(t, Snapshot{
		Provider: capability.Finnhub, Succeeded: 60, DailyLimit: 60, Remaining: 0, IsExhausted: true,
	}, snap)
}

func TestUncappedProvider(t *testing.T) {
	l, _ := newLedger()
	l.Spend(capability.FRED, 1000)
	assert.True(t, l.CanSpend(capability.FRED, 1_000_000))
	assert.False(t, l.IsExhausted(capability.FRED))

	snap := l.Snapshot(capability.FRED)
	assert.Equal(t, 0, snap.DailyLimit)
	assert.Equal(t, -1, snap.Remaining)
	assert.Equal(t, 1000, snap.Succeeded)
}

func TestLimitOverrides(t *testing.T) {
	l, _ := newLedger(WithLimits(map[capability.Provider]int{
		capability.FRED:    2,
		capability.Finnhub: 0,
	}))
	l.Spend(capability.FRED, 2)
	assert.True(t, l.IsExhausted(capability.FRED))
	assert.Equal(t, -1, l.Snapshot(capability.Finnhub).Remaining)
}

func TestCountersAndSnapshots(t *testing.T) {
	l, _ := newLedger()
	l.RecordAttempt(capability.TwelveData)
	l.RecordAttempt(capability.TwelveData)
	l.RecordFailure(capability.TwelveData)
	l.RecordSuccess(capability.TwelveData)

	snap := l.Snapshot(capability.TwelveData)
	assert.Equal(t, 2, snap.Attempted)
	assert.Equal(t, 1, snap.Succeeded)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 799, snap.Remaining)

	all := l.Snapshots()
	names := make([]capability.Provider, 0, len(all))
	for _, s := range all {
		names = append(names, s.Provider)
	}
	assert.Equal(t, []capability.Provider{
		capability.AlphaVantage, capability.EODHD, capability.FMP, capability.Finnhub,
		capability.Tiingo, capability.TwelveData, capability.Yahoo,
	}, names)

	l.Reset(capability.TwelveData)
	assert.Zero(t, l.Snapshot(capability.TwelveData).Attempted)
}

func TestCountersResetOnNewDay(t *testing.T) {
	l, clk := newLedger()
	for i := 0; i < 60; i++ {
		l.RecordSuccess(capability.Finnhub)
	}
	require.True(t, l.IsExhausted(capability.Finnhub))

	clk.Set(time.Date(2026, 10, 20, 0, 0, 1, 0, time.Local))
	assert.False(t, l.IsExhausted(capability.Finnhub))
	assert.Zero(t, l.Snapshot(capability.Finnhub).Succeeded)
}

func TestConcurrentSpendHasNoLostUpdates(t *testing.T) {
	l, _ := newLedger()
	const n = 500
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Spend(capability.Yahoo, 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, n, l.Snapshot(capability.Yahoo).Succeeded)
}

func TestFlushAndLoad(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	l, clk := newLedger(WithStore(store))
	l.RecordAttempt(capability.TwelveData)
	l.RecordSuccess(capability.TwelveData)
	require.NoError(t, l.Flush(ctx))
	require.NoError(t, l.Flush(ctx))

	restored := New(WithStore(store), WithClock(clk.Now), WithLogger(logging.Discard()))
	require.NoError(t, restored.Load(ctx))
	assert.Equal(t, 1, restored.Snapshot(capability.TwelveData).Succeeded)

	clk.Set(time.Date(2026, 10, 20, 8, 0, 0, 0, time.Local))
	nextDay := New(WithStore(store), WithClock(clk.Now), WithLogger(logging.Discard()))
	require.NoError(t, nextDay.Load(ctx))
	assert.Zero(t, nextDay.Snapshot(capability.TwelveData).Succeeded)
}
