// Package telemetry 记录每一次数据源尝试：有界追踪日志、失败证据、引擎新鲜度与诊断导出。
// 所有导出内容中的凭据与 HTML 页面在写入时即被清洗。
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wyfcoding/heimdall/idgen"
	"github.com/wyfcoding/heimdall/logging"
	"github.com/wyfcoding/heimdall/security"
)

// DefaultCapacity 追踪日志默认保留的事件数。
const DefaultCapacity = 100

// defaultBodyLimit 响应体摘录的默认字符数。
const defaultBodyLimit = 300

// CachePolicy 结果的来源。
type CachePolicy string

const (
	CacheNetwork   CachePolicy = "network"
	CacheHit       CachePolicy = "cache"
	CacheCoalesced CachePolicy = "coalesced"
	CacheBypass    CachePolicy = "bypass"
	CacheLocal     CachePolicy = "local"
)

// TraceEvent 一次数据源尝试（或被跳过的候选）的记录。
type TraceEvent struct {
	ID              string      `json:"id"`
	Timestamp       time.Time   `json:"timestamp"`
	DurationMs      int64       `json:"duration_ms"`
	Engine          string      `json:"engine,omitempty"`
	Provider        string      `json:"provider"`
	Endpoint        string      `json:"endpoint"`
	Symbol          string      `json:"symbol"`
	StatusCode      int         `json:"status_code"`
	ByteCount       int         `json:"byte_count"`
	CachePolicy     CachePolicy `json:"cache_policy,omitempty"`
	Success         bool        `json:"success"`
	FailureCategory string      `json:"failure_category,omitempty"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	RetryCount      int         `json:"retry_count"`
	FailoverPath    []string    `json:"failover_path,omitempty"`
	BodyPrefix      string      `json:"body_prefix,omitempty"`
	Candidates      []string    `json:"candidates,omitempty"`
	DecisionPath    []string    `json:"decision_path,omitempty"`
	Coalesced       bool        `json:"coalesced"`
}

// TraceOption 追踪日志选项。
type TraceOption func(*TraceLog)

// WithBodyLimit 设置响应体摘录长度。
func WithBodyLimit(n int) TraceOption {
	return func(t *TraceLog) {
		if n > 0 {
			t.bodyLimit = n
		}
	}
}

// WithTraceClock 注入时钟。
func WithTraceClock(now func() time.Time) TraceOption {
	return func(t *TraceLog) {
		if now != nil {
			t.now = now
		}
	}
}

// WithTraceLogger 设置日志。
func WithTraceLogger(l *logging.Logger) TraceOption {
	return func(t *TraceLog) { t.logger = logging.OrDefault(l).Named("telemetry") }
}

// TraceLog 有界环形追踪日志。满时淘汰最旧的事件，订阅者收不过来时丢弃事件而不阻塞写入方。
type TraceLog struct {
	mu        sync.RWMutex
	buf       []TraceEvent
	head      int // 下一个写入位置
	size      int
	bodyLimit int
	now       func() time.Time
	logger    *logging.Logger

	subMu   sync.RWMutex
	subs    map[int]chan TraceEvent
	nextSub int
	dropped atomic.Int64
}

// NewTraceLog 创建追踪日志，capacity <= 0 时使用默认容量。
func NewTraceLog(capacity int, opts ...TraceOption) *TraceLog {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	t := &TraceLog{
		buf:       make([]TraceEvent, capacity),
		bodyLimit: defaultBodyLimit,
		now:       time.Now,
		logger:    logging.Default().Named("telemetry"),
		subs:      make(map[int]chan TraceEvent),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Capacity 返回容量。
func (t *TraceLog) Capacity() int { return len(t.buf) }

// Record 追加一条事件并返回写入后的副本（已补全 ID、时间戳并清洗摘录）。
func (t *TraceLog) Record(ctx context.Context, ev TraceEvent) TraceEvent {
	if ev.ID == "" {
		ev.ID = idgen.GenTraceID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = t.now()
	}
	ev.BodyPrefix = security.ScrubBody(ev.BodyPrefix, t.bodyLimit)
	ev.ErrorMessage = security.MaskURL(ev.ErrorMessage)

	t.mu.Lock()
	t.buf[t.head] = ev
	t.head = (t.head + 1) % len(t.buf)
	if t.size < len(t.buf) {
		t.size++
	}
	t.mu.Unlock()

	if ev.Success {
		t.logger.DebugContext(ctx, "provider attempt", "provider", ev.Provider, "endpoint", ev.Endpoint,
			"symbol", ev.Symbol, "duration_ms", ev.DurationMs, "cache", ev.CachePolicy)
	} else {
		t.logger.DebugContext(ctx, "provider attempt failed", "provider", ev.Provider, "endpoint", ev.Endpoint,
			"symbol", ev.Symbol, "status", ev.StatusCode, "category", ev.FailureCategory)
	}

	t.publish(ev)
	return ev
}

func (t *TraceLog) publish(ev TraceEvent) {
	t.subMu.RLock()
	defer t.subMu.RUnlock()
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			t.dropped.Add(1)
		}
	}
}

// Events 返回全部事件，最新的在前。
func (t *TraceLog) Events() []TraceEvent {
	return t.Recent(0)
}

// Recent 返回最近 n 条事件（n <= 0 表示全部），最新的在前。
func (t *TraceLog) Recent(n int) []TraceEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n <= 0 || n > t.size {
		n = t.size
	}
	out := make([]TraceEvent, 0, n)
	for i := 1; i <= n; i++ {
		idx := (t.head - i + len(t.buf)) % len(t.buf)
		out = append(out, t.buf[idx])
	}
	return out
}

// Len 当前保留的事件数。
func (t *TraceLog) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Clear 清空日志。
func (t *TraceLog) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.buf)
	t.head, t.size = 0, 0
}

// Subscribe 订阅新事件。返回的取消函数会关闭通道，可重复调用。
func (t *TraceLog) Subscribe(buffer int) (<-chan TraceEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan TraceEvent, buffer)

	t.subMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.subMu.Lock()
			delete(t.subs, id)
			t.subMu.Unlock()
			close(ch)
		})
	}
}

// Dropped 因订阅者缓冲已满而丢弃的事件数。
func (t *TraceLog) Dropped() int64 {
	return t.dropped.Load()
}
