package limiter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/logging"
	"github.com/wyfcoding/heimdall/xerrors"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newGate(t *testing.T, clk *testClock, ids ...capability.Identity) *Gate {
	t.Helper()
	m, err := capability.NewMatrix(ids...)
	require.NoError(t, err)
	opts := []GateOption{WithGateLogger(logging.Discard())}
	if clk != nil {
		opts = append(opts, WithGateClock(clk.Now))
	}
	return NewGate(m, opts...)
}

func TestGateConcurrencyFailsFast(t *testing.T) {
	g := newGate(t, nil, capability.Identity{Name: "P", MaxConcurrent: 1})

	p1, err := g.Acquire(context.Background(), "P")
	require.NoError(t, err)
	assert.Equal(t, 1, g.Active("P"))

	_, err = g.Acquire(context.Background(), "P")
	require.Error(t, err)
	assert.Equal(t, xerrors.CategoryRateLimited, xerrors.CategoryOf(err))
	assert.ErrorIs(t, err, ErrConcurrencyLimit)
	assert.Contains(t, err.Error(), "Max Concurrency (1) Reached for P")

	p1.Release()
	p1.Release()
	assert.Equal(t, 0, g.Active("P"))

	p2, err := g.Acquire(context.Background(), "P")
	require.NoError(t, err)
	p2.Release()
}

func TestGateUnlimitedProvider(t *testing.T) {
	g := newGate(t, nil, capability.Identity{Name: "P"})
	var permits []*Permit
	for i := 0; i < 20; i++ {
		p, err := g.Acquire(context.Background(), "P")
		require.NoError(t, err)
		permits = append(permits, p)
	}
	for _, p := range permits {
		p.Release()
	}
}

func TestGateRateLock(t *testing.T) {
	clk := &testClock{t: time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)}
	g := newGate(t, clk, capability.Identity{Name: "P"})

	until := g.TripMinuteLimit("P", 0)
	assert.Equal(t, clk.Now().Add(DefaultMinuteLockout), until)

	_, err := g.Acquire(context.Background(), "P")
	require.Error(t, err)
	assert.Equal(t, xerrors.CategoryRateLimited, xerrors.CategoryOf(err))
	assert.ErrorIs(t, err, ErrHardLocked)
	assert.Contains(t, err.Error(), "Rate Limit Locked. Reset at")

	st := g.Status("P")
	assert.Equal(t, LockRateLimited, st.State)
	assert.Equal(t, until, st.Until)

	clk.Advance(DefaultMinuteLockout)
	p, err := g.Acquire(context.Background(), "P")
	require.NoError(t, err)
	p.Release()
	assert.Equal(t, LockOpen, g.Status("P").State)
}

func TestGateQuarantine(t *testing.T) {
	clk := &testClock{t: time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)}
	g := newGate(t, clk, capability.Identity{Name: "P"})

	g.Quarantine("P", time.Minute, "upstream 5xx")
	_, err := g.Acquire(context.Background(), "P")
	require.Error(t, err)
	assert.Equal(t, xerrors.CategoryCircuitOpen, xerrors.CategoryOf(err))
	assert.Contains(t, err.Error(), "Quarantined: upstream 5xx")

	// 更短的锁不覆盖更晚到期的锁。
	g.TripMinuteLimit("P", time.Second)
	assert.Equal(t, LockQuarantined, g.Status("P").State)

	g.Unlock("P")
	p, err := g.Acquire(context.Background(), "P")
	require.NoError(t, err)
	p.Release()
}

func TestGateSpacingWaits(t *testing.T) {
	g := newGate(t, nil, capability.Identity{Name: "P", MinSpacing: 80 * time.Millisecond})

	p1, err := g.Acquire(context.Background(), "P")
	require.NoError(t, err)
	p1.Release()

	start := time.Now()
	p2, err := g.Acquire(context.Background(), "P")
	require.NoError(t, err)
	p2.Release()
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestGateCancelledWaitReleasesSlot(t *testing.T) {
	g := newGate(t, nil, capability.Identity{Name: "P", MaxConcurrent: 2, MinSpacing: time.Hour})

	p1, err := g.Acquire(context.Background(), "P")
	require.NoError(t, err)
	defer p1.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Acquire(ctx, "P")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, g.Active("P"))
}

func TestGateSetLimits(t *testing.T) {
	g := newGate(t, nil, capability.Identity{Name: "P", MaxConcurrent: 1})
	held, err := g.Acquire(context.Background(), "P")
	require.NoError(t, err)

	g.SetLimits("P", Limits{MaxConcurrent: 3})
	p, err := g.Acquire(context.Background(), "P")
	require.NoError(t, err)
	assert.Equal(t, 3, g.Status("P").MaxConcurrent)

	held.Release()
	p.Release()
	assert.Equal(t, 0, g.Active("P"))
}

func TestSemaphoreLimiter(t *testing.T) {
	l := NewSemaphoreLimiter(1)
	require.NoError(t, l.Acquire(context.Background()))
	assert.False(t, l.TryAcquire())
	assert.Equal(t, 1, l.InUse())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Acquire(ctx), context.DeadlineExceeded)

	l.Release()
	assert.True(t, l.TryAcquire())
	l.Release()

	unlimited := NewSemaphoreLimiter(0)
	assert.True(t, unlimited.TryAcquire())
	assert.Equal(t, 0, unlimited.Capacity())
}
