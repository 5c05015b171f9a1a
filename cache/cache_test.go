package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/heimdall/breaker"
	"github.com/wyfcoding/heimdall/config"
	"github.com/wyfcoding/heimdall/logging"
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

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type quote struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

func TestKey(t *testing.T) {
	assert.Equal(t, "quote|AAPL", Key("quote", " aapl "))
	assert.Equal(t, "candles|MSFT|1d|100", Key("candles", "msft", "1d", "100"))
	assert.Equal(t, "news|TSLA|5", Key("news", "TSLA", "", "5"))
}

func TestTTLCacheExpiry(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)}
	c := NewTTLCache(0, clk.Now)

	require.NoError(t, c.Set(ctx, "quote|AAPL", quote{"AAPL", 190.5}, 15*time.Second))

	var got quote
	require.NoError(t, c.Get(ctx, "quote|AAPL", &got))
	assert.Equal(t, 190.5, got.Price)

	clk.Advance(14 * time.Second)
	ok, err := c.Exists(ctx, "quote|AAPL")
	require.NoError(t, err)
	assert.True(t, ok)

	clk.Advance(time.Second)
	assert.ErrorIs(t, c.Get(ctx, "quote|AAPL", &got), ErrCacheMiss)
	assert.Equal(t, 0, c.Len())
}

func TestTTLCacheReturnsIndependentCopies(t *testing.T) {
	ctx := context.Background()
	c := NewTTLCache(0, nil)
	in := []quote{{"AAPL", 1}}
	require.NoError(t, c.Set(ctx, "k", in, time.Minute))
	in[0].Price = 99

	var a, b []quote
	require.NoError(t, c.Get(ctx, "k", &a))
	require.NoError(t, c.Get(ctx, "k", &b))
	a[0].Price = 42
	assert.Equal(t, 1.0, b[0].Price)
}

func TestTTLCacheCleanupPastThreshold(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)}
	c := NewTTLCache(3, clk.Now)

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, c.Set(ctx, k, 1, time.Second))
	}
	assert.Equal(t, 3, c.Len())

	clk.Advance(2 * time.Second)
	// 未超过阈值前过期条目保留。
	assert.Equal(t, 3, c.Len())

	require.NoError(t, c.Set(ctx, "d", 1, time.Minute))
	assert.Equal(t, 1, c.Len())

	require.NoError(t, c.Delete(ctx, "d"))
	assert.Equal(t, 0, c.Len())
}

func TestBigCacheEnvelopeTTL(t *testing.T) {
	ctx := context.Background()
	c, err := NewBigCache(config.BigCacheConfig{Shards: 16, HardMaxCacheSize: 8})
	require.NoError(t, err)
	defer c.Close()

	clk := &clock{t: time.Now()}
	c.now = clk.Now

	require.NoError(t, c.Set(ctx, "quote|AAPL", quote{"AAPL", 10}, 15*time.Second))
	var got quote
	require.NoError(t, c.Get(ctx, "quote|AAPL", &got))
	assert.Equal(t, "AAPL", got.Symbol)

	clk.Advance(16 * time.Second)
	assert.ErrorIs(t, c.Get(ctx, "quote|AAPL", &got), ErrCacheMiss)
	ok, err := c.Exists(ctx, "quote|AAPL")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Delete(ctx, "missing"))
}

func TestMultiLevelBackfillsL1(t *testing.T) {
	ctx := context.Background()
	l1 := NewTTLCache(0, nil)
	l2 := NewTTLCache(0, nil)
	m := NewMultiLevelCache(l1, l2, logging.Discard())

	require.NoError(t, l2.Set(ctx, "k", quote{"X", 3}, time.Minute))
	var got quote
	require.NoError(t, m.Get(ctx, "k", &got))
	assert.Equal(t, 3.0, got.Price)

	ok, _ := l1.Exists(ctx, "k")
	assert.True(t, ok)

	require.NoError(t, m.Delete(ctx, "k"))
	assert.ErrorIs(t, m.Get(ctx, "k", &got), ErrCacheMiss)

	require.NoError(t, m.Set(ctx, "k2", 1, time.Minute))
	ok, err := m.Exists(ctx, "k2")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, m.Close())
}

func TestRedisCacheBreakerOpensOnUnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 50 * time.Millisecond,
	})
	defer client.Close()

	c := NewRedisCache(client, "heimdall", nil)
	var v quote
	for i := 0; i < 10; i++ {
		err := c.Get(context.Background(), "k", &v)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCacheMiss)
	}
	assert.ErrorIs(t, c.Get(context.Background(), "k", &v), breaker.ErrServiceUnavailable)
	assert.Equal(t, "heimdall:k", c.buildKey("k"))
	assert.Equal(t, "other:k", c.WithPrefix("other").buildKey("k"))
}

func TestNewSelectsBackend(t *testing.T) {
	c, err := New(config.CacheConfig{Backend: "memory"}, nil, logging.Discard(), nil)
	require.NoError(t, err)
	assert.IsType(t, &TTLCache{}, c)

	_, err = New(config.CacheConfig{Backend: "redis"}, nil, logging.Discard(), nil)
	assert.Error(t, err)

	_, err = New(config.CacheConfig{Backend: "nope"}, nil, logging.Discard(), nil)
	assert.Error(t, err)
}
