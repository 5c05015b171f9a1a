package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/logging"
	"github.com/wyfcoding/heimdall/metrics"
	"github.com/wyfcoding/heimdall/xerrors"
)

// DefaultMinuteLockout 分钟级限流触发后的默认硬锁时长。
const DefaultMinuteLockout = 70 * time.Second

// ErrHardLocked 数据源处于硬锁期（限流锁或隔离）。
var ErrHardLocked = errors.New("provider hard locked")

// LockState 硬锁状态。
type LockState string

const (
	LockOpen        LockState = "open"
	LockRateLimited LockState = "rateLimited"
	LockQuarantined LockState = "quarantined"
)

// Status 数据源在闸门中的状态快照。
type Status struct {
	Provider      capability.Provider `json:"provider"`
	State         LockState           `json:"state"`
	Until         time.Time           `json:"until,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	Active        int                 `json:"active"`
	MaxConcurrent int                 `json:"max_concurrent"`
}

// Limits 单个数据源的调用约束。
type Limits struct {
	MaxConcurrent int
	MinSpacing    time.Duration
}

type hardLock struct {
	state  LockState
	until  time.Time
	reason string
}

type lane struct {
	limits Limits
	sem    *SemaphoreLimiter
	spacer *LocalLimiter
}

// GateOption 定义 Gate 构造参数。
type GateOption func(*Gate)

// WithGateLogger 注入日志。
func WithGateLogger(l *logging.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// WithGateMetrics 注入指标采集器。
func WithGateMetrics(m *metrics.Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// WithGateClock 注入时钟。
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// WithMinuteLockout 设置分钟级限流硬锁时长。
func WithMinuteLockout(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.minuteLockout = d
		}
	}
}

// Gate 预算闸门：在调用数据源前依次检查硬锁、并发上限与最小调用间隔。
// 间隔等待只挂起当前调用方，不持有全局锁。
type Gate struct {
	mu     sync.Mutex
	lanes  map[capability.Provider]*lane
	locks  map[capability.Provider]hardLock
	limits map[capability.Provider]Limits

	minuteLockout time.Duration
	logger        *logging.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
}

// NewGate 按能力矩阵中各数据源的并发与间隔约束创建闸门。
func NewGate(matrix *capability.Matrix, opts ...GateOption) *Gate {
	g := &Gate{
		lanes:         make(map[capability.Provider]*lane),
		locks:         make(map[capability.Provider]hardLock),
		limits:        make(map[capability.Provider]Limits),
		minuteLockout: DefaultMinuteLockout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrDefault(g.logger).Named("gate")
	if matrix != nil {
		for _, id := range matrix.Providers() {
			g.limits[id.Name] = Limits{MaxConcurrent: id.MaxConcurrent, MinSpacing: id.MinSpacing}
		}
	}
	return g
}

// SetLimits 调整数据源约束；已发放的许可仍归还到旧通道。
func (g *Gate) SetLimits(p capability.Provider, l Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits[p] = l
	delete(g.lanes, p)
}

func (g *Gate) laneFor(p capability.Provider) *lane {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ln, ok := g.lanes[p]; ok {
		return ln
	}
	l := g.limits[p]
	ln := &lane{
		limits: l,
		sem:    NewSemaphoreLimiter(l.MaxConcurrent),
		spacer: NewSpacingLimiter(l.MinSpacing),
	}
	g.lanes[p] = ln
	return ln
}

// lockFor 返回生效中的硬锁，过期的锁在此惰性清除。
func (g *Gate) lockFor(p capability.Provider) (hardLock, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	lk, ok := g.locks[p]
	if !ok {
		return hardLock{}, false
	}
	if !g.now().Before(lk.until) {
		delete(g.locks, p)
		return hardLock{}, false
	}
	return lk, true
}

// Permit 一次已放行调用的许可，调用结束后必须 Release。
type Permit struct {
	once    sync.Once
	release func()
}

// Release 归还并发令牌，可重复调用。
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		if p.release != nil {
			p.release()
		}
	})
}

// Acquire 申请调用数据源 p 的许可。
// 硬锁期间直接拒绝；并发已满时快速失败；需要间隔时等待，等待期间 ctx 取消会归还令牌。
func (g *Gate) Acquire(ctx context.Context, p capability.Provider) (*Permit, error) {
	if lk, ok := g.lockFor(p); ok {
		return nil, g.reject(ctx, p, lk)
	}

	ln := g.laneFor(p)
	if !ln.sem.TryAcquire() {
		g.metrics.ObserveGateRejection(string(p), "concurrency")
		msg := fmt.Sprintf("Max Concurrency (%d) Reached for %s", ln.limits.MaxConcurrent, p)
		return nil, xerrors.New(xerrors.CategoryRateLimited, 429, msg, ErrConcurrencyLimit).
			WithSource(string(p), "")
	}

	if err := ln.spacer.Wait(ctx); err != nil {
		ln.sem.Release()
		g.metrics.ObserveGateRejection(string(p), "cancelled")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("gate: spacing wait for %s: %w", p, err)
	}

	// 等待间隔期间可能被其他调用方触发硬锁。
	if lk, ok := g.lockFor(p); ok {
		ln.sem.Release()
		return nil, g.reject(ctx, p, lk)
	}

	return &Permit{release: ln.sem.Release}, nil
}

func (g *Gate) reject(ctx context.Context, p capability.Provider, lk hardLock) error {
	switch lk.state {
	case LockRateLimited:
		g.metrics.ObserveGateRejection(string(p), "rate_limited")
		g.logger.DebugContext(ctx, "gate rejected: rate lock", "provider", p, "reset_at", lk.until)
		return xerrors.New(xerrors.CategoryRateLimited, 429,
			"Rate Limit Locked. Reset at "+lk.until.Format(time.RFC3339), ErrHardLocked).
			WithSource(string(p), "").WithContext("reset_at", lk.until)
	default:
		g.metrics.ObserveGateRejection(string(p), "quarantined")
		g.logger.DebugContext(ctx, "gate rejected: quarantined", "provider", p, "until", lk.until)
		return xerrors.New(xerrors.CategoryCircuitOpen, 503, "Quarantined: "+lk.reason, ErrHardLocked).
			WithSource(string(p), "").WithContext("until", lk.until)
	}
}

// TripMinuteLimit 触发分钟级限流硬锁；d <= 0 使用默认时长。
// 已存在更晚到期的锁时保留原锁。
func (g *Gate) TripMinuteLimit(p capability.Provider, d time.Duration) time.Time {
	if d <= 0 {
		d = g.minuteLockout
	}
	until := g.setLock(p, hardLock{state: LockRateLimited, until: g.now().Add(d), reason: "minute limit"})
	g.logger.Warn("provider rate locked", "provider", p, "reset_at", until)
	return until
}

// Quarantine 对数据源施加短时硬隔离。
func (g *Gate) Quarantine(p capability.Provider, d time.Duration, reason string) time.Time {
	until := g.setLock(p, hardLock{state: LockQuarantined, until: g.now().Add(d), reason: reason})
	g.logger.Warn("provider gate quarantined", "provider", p, "until", until, "reason", reason)
	return until
}

func (g *Gate) setLock(p capability.Provider, lk hardLock) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.locks[p]; ok && cur.until.After(lk.until) {
		return cur.until
	}
	g.locks[p] = lk
	return lk.until
}

// Unlock 清除数据源的硬锁。
func (g *Gate) Unlock(p capability.Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.locks, p)
}

// UnlockAll 清除全部硬锁。
func (g *Gate) UnlockAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locks = make(map[capability.Provider]hardLock)
}

// Active 数据源当前在途调用数。
func (g *Gate) Active(p capability.Provider) int {
	g.mu.Lock()
	ln, ok := g.lanes[p]
	g.mu.Unlock()
	if !ok {
		return 0
	}
	return ln.sem.InUse()
}

// Status 返回数据源的闸门状态。
func (g *Gate) Status(p capability.Provider) Status {
	st := Status{Provider: p, State: LockOpen, Active: g.Active(p)}
	g.mu.Lock()
	st.MaxConcurrent = g.limits[p].MaxConcurrent
	g.mu.Unlock()
	if lk, ok := g.lockFor(p); ok {
		st.State = lk.state
		st.Until = lk.until
		st.Reason = lk.reason
	}
	return st
}
