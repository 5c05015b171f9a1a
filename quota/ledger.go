// Package quota 按自然日统计每个数据源的调用次数，并对照每日上限判断额度。
// 计数器在跨日后的第一次访问时自动清零。
package quota

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/logging"
	"github.com/wyfcoding/heimdall/metrics"
	"github.com/wyfcoding/heimdall/storage"
)

// StoreKey 计数器在持久化存储中的键。
const StoreKey = "heimdall:quota"

const dayLayout = "2006-01-02"

// Counters 单个数据源当日的计数。
type Counters struct {
	Attempted   int       `json:"attempted"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	LastSuccess time.Time `json:"last_success,omitzero"`
	LastFailure time.Time `json:"last_failure,omitzero"`
}

// Snapshot 对外暴露的配额快照。未设上限的数据源 DailyLimit 为 0、Remaining 为 -1。
type Snapshot struct {
	Provider    capability.Provider `json:"provider"`
	Attempted   int                 `json:"attempted"`
	Succeeded   int                 `json:"succeeded"`
	Failed      int                 `json:"failed"`
	DailyLimit  int                 `json:"daily_limit"`
	Remaining   int                 `json:"remaining"`
	IsExhausted bool                `json:"is_exhausted"`
}

type persisted struct {
	Day      string                           `json:"day"`
	Counters map[capability.Provider]Counters `json:"counters"`
}

// Ledger 配额账本。
type Ledger struct {
	mu       sync.Mutex
	limits   map[capability.Provider]int
	counters map[capability.Provider]*Counters
	day      string
	dirty    bool

	store   storage.Store
	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option 定义 Ledger 构造参数。
type Option func(*Ledger)

// WithStore 注入持久化存储。
func WithStore(s storage.Store) Option {
	return func(l *Ledger) { l.store = s }
}

// WithLogger 注入日志。
func WithLogger(logger *logging.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithMetrics 注入指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLimits 覆盖每日上限；值小于等于 0 表示取消该数据源的上限。
func WithLimits(overrides map[capability.Provider]int) Option {
	return func(l *Ledger) {
		for p, n := range overrides {
			if n <= 0 {
				delete(l.limits, p)
				continue
			}
			l.limits[p] = n
		}
	}
}

// New 构造配额账本，默认上限取自能力矩阵。
func New(opts ...Option) *Ledger {
	l := &Ledger{
		limits:   capability.DefaultDailyLimits(),
		counters: make(map[capability.Provider]*Counters),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.OrDefault(l.logger).Named("quota")
	l.day = l.now().Format(dayLayout)
	return l
}

// rollLocked 跨日时清空计数。
func (l *Ledger) rollLocked() {
	today := l.now().Format(dayLayout)
	if today == l.day {
		return
	}
	l.logger.Info("new day detected, resetting daily quota", "previous", l.day, "today", today)
	l.day = today
	l.counters = make(map[capability.Provider]*Counters)
	l.dirty = true
}

func (l *Ledger) countersLocked(p capability.Provider) *Counters {
	c, ok := l.counters[p]
	if !ok {
		c = &Counters{}
		l.counters[p] = c
	}
	return c
}

// RecordAttempt 记录一次调用尝试。
func (l *Ledger) RecordAttempt(p capability.Provider) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	l.countersLocked(p).Attempted++
	l.dirty = true
}

// RecordSuccess 记录一次成功调用，等价于 Spend(p, 1)。
func (l *Ledger) RecordSuccess(p capability.Provider) {
	l.Spend(p, 1)
}

// RecordFailure 记录一次失败调用。
func (l *Ledger) RecordFailure(p capability.Provider) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	c := l.countersLocked(p)
	c.Failed++
	c.LastFailure = l.now()
	l.dirty = true
}

// Spend 消耗 cost 个额度（计入成功计数）。
func (l *Ledger) Spend(p capability.Provider, cost int) {
	l.mu.Lock()
	l.rollLocked()
	c := l.countersLocked(p)
	c.Succeeded += cost
	c.LastSuccess = l.now()
	l.dirty = true
	used := c.Succeeded
	limit, capped := l.limits[p]
	l.mu.Unlock()

	l.metrics.SetQuotaUsed(string(p), used)
	if capped && used == limit {
		l.logger.Warn("daily quota exhausted", "provider", p, "limit", limit)
	}
}

// CanSpend 判断再消耗 cost 个额度是否仍在上限内；无上限时恒为 true。
func (l *Ledger) CanSpend(p capability.Provider, cost int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	limit, ok := l.limits[p]
	if !ok {
		return true
	}
	used := 0
	if c, exists := l.counters[p]; exists {
		used = c.Succeeded
	}
	return used+cost <= limit
}

// IsExhausted 判断当日额度是否已用尽。
func (l *Ledger) IsExhausted(p capability.Provider) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	return l.snapshotLocked(p).IsExhausted
}

func (l *Ledger) snapshotLocked(p capability.Provider) Snapshot {
	var c Counters
	if existing, ok := l.counters[p]; ok {
		c = *existing
	}
	s := Snapshot{Provider: p, Attempted: c.Attempted, Succeeded: c.Succeeded, Failed: c.Failed, Remaining: -1}
	if limit, ok := l.limits[p]; ok {
		s.DailyLimit = limit
		s.Remaining = max(0, limit-c.Succeeded)
		s.IsExhausted = c.Succeeded >= limit
	}
	return s
}

// Snapshot 返回单个数据源的快照。
func (l *Ledger) Snapshot(p capability.Provider) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	return l.snapshotLocked(p)
}

// Snapshots 返回所有设有上限或已有计数的数据源快照，按名称排序。
func (l *Ledger) Snapshots() []Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()

	seen := make(map[capability.Provider]struct{}, len(l.limits)+len(l.counters))
	for p := range l.limits {
		seen[p] = struct{}{}
	}
	for p := range l.counters {
		seen[p] = struct{}{}
	}
	out := make([]Snapshot, 0, len(seen))
	for p := range seen {
		out = append(out, l.snapshotLocked(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Reset 清空某个数据源的当日计数。
func (l *Ledger) Reset(p capability.Provider) {
	l.mu.Lock()
	l.rollLocked()
	delete(l.counters, p)
	l.dirty = true
	l.mu.Unlock()

	l.metrics.SetQuotaUsed(string(p), 0)
	l.logger.Info("quota reset", "provider", p)
}

// Load 从持久化存储恢复当日计数；存储中的日期不是今天时忽略。
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	var saved persisted
	if err := storage.GetJSON(ctx, l.store, StoreKey, &saved); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	if saved.Day != l.day {
		l.logger.InfoContext(ctx, "stored quota belongs to another day, ignored", "stored", saved.Day, "today", l.day)
		return nil
	}
	for p, c := range saved.Counters {
		l.counters[p] = &c
		l.metrics.SetQuotaUsed(string(p), c.Succeeded)
	}
	return nil
}

// Flush 在计数有变化时写入持久化存储。
func (l *Ledger) Flush(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	l.mu.Lock()
	l.rollLocked()
	if !l.dirty {
		l.mu.Unlock()
		return nil
	}
	snap := persisted{Day: l.day, Counters: make(map[capability.Provider]Counters, len(l.counters))}
	for p, c := range l.counters {
		snap.Counters[p] = *c
	}
	l.dirty = false
	l.mu.Unlock()

	if err := storage.SetJSON(ctx, l.store, StoreKey, snap, 48*time.Hour); err != nil {
		l.mu.Lock()
		l.dirty = true
		l.mu.Unlock()
		return err
	}
	return nil
}
