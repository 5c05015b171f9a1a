// Package coalesce 合并同一请求标识的并发调用：同一时刻只发起一次上游操作，
// 其余调用方挂接到同一句柄并共享结果。
package coalesce

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTimeout 上游操作的默认上限时长。
const DefaultTimeout = 30 * time.Second

// call 一个在途操作及其挂接的调用方计数。
type call struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Group 请求合并组。零值不可用，使用 New 创建。
type Group struct {
	flight  singleflight.Group
	timeout time.Duration

	mu    sync.Mutex
	calls map[string]*call
}

// New 创建合并组；timeout <= 0 使用 DefaultTimeout。
func New(timeout time.Duration) *Group {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Group{timeout: timeout, calls: make(map[string]*call)}
}

// Do 执行或挂接到 key 对应的在途操作。
// 首个调用方启动 fn，fn 收到的 ctx 脱离调用方的取消信号，仅受组级超时约束；
// 单个调用方的 ctx 取消只让该调用方返回 ctx.Err()。全部调用方都离开时，
// 上游操作被取消，key 立即释放。shared 表示结果被多个调用方共享。
func (g *Group) Do(ctx context.Context, key string, fn func(context.Context) (any, error)) (v any, shared bool, err error) {
	g.mu.Lock()
	c, ok := g.calls[key]
	if !ok {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		c = &call{ctx: runCtx, cancel: cancel}
		g.calls[key] = c
	}
	c.waiters++
	// 与 calls 表在同一把锁内挂接，检查与插入对同一 key 是原子的。
	ch := g.flight.DoChan(key, func() (any, error) {
		defer g.finish(key, c)
		return fn(c.ctx)
	})
	g.mu.Unlock()

	select {
	case res := <-ch:
		g.leave(key, c, false)
		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		g.leave(key, c, true)
		return nil, false, ctx.Err()
	}
}

// finish 在上游操作结束时释放 key，之后到达的调用方会发起新的操作。
func (g *Group) finish(key string, c *call) {
	g.mu.Lock()
	if g.calls[key] == c {
		delete(g.calls, key)
		g.flight.Forget(key)
	}
	g.mu.Unlock()
	c.cancel()
}

func (g *Group) leave(key string, c *call, abandoned bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c.waiters--
	if !abandoned || c.waiters > 0 {
		return
	}
	if g.calls[key] == c {
		delete(g.calls, key)
		g.flight.Forget(key)
	}
	c.cancel()
}

// InFlight 当前在途操作数。
func (g *Group) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// Waiters 返回 key 对应在途操作的挂接调用方数量。
func (g *Group) Waiters(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.calls[key]; ok {
		return c.waiters
	}
	return 0
}

// Do 是 Group.Do 的类型化封装。
func Do[T any](ctx context.Context, g *Group, key string, fn func(context.Context) (T, error)) (T, bool, error) {
	v, shared, err := g.Do(ctx, key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	var zero T
	if err != nil {
		return zero, shared, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, shared, nil
	}
	return t, shared, nil
}
