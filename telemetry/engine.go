package telemetry

import (
	"sort"
	"sync"
	"time"
)

// Freshness 引擎数据新鲜度。
type Freshness string

const (
	Fresh   Freshness = "fresh"
	Stale   Freshness = "stale"
	Missing Freshness = "missing"
)

const (
	freshWindow = 5 * time.Minute
	staleWindow = time.Hour
)

// EngineStatus 单个引擎的新鲜度快照。
type EngineStatus struct {
	Engine      string    `json:"engine"`
	LastSuccess time.Time `json:"last_success,omitzero"`
	Freshness   Freshness `json:"freshness"`
}

// EngineHealth 跟踪各下游引擎标签最近一次取数成功的时间。
type EngineHealth struct {
	mu   sync.RWMutex
	last map[string]time.Time
	now  func() time.Time
}

// NewEngineHealth 创建引擎新鲜度跟踪器，engines 为预期的引擎，未成功前显示为 missing。
func NewEngineHealth(now func() time.Time, engines ...string) *EngineHealth {
	if now == nil {
		now = time.Now
	}
	e := &EngineHealth{last: make(map[string]time.Time), now: now}
	for _, name := range engines {
		e.last[name] = time.Time{}
	}
	return e
}

// MarkSuccess 记录引擎的一次成功取数。
func (e *EngineHealth) MarkSuccess(engine string) {
	if engine == "" {
		return
	}
	e.mu.Lock()
	e.last[engine] = e.now()
	e.mu.Unlock()
}

func (e *EngineHealth) classify(last, now time.Time) Freshness {
	switch {
	case last.IsZero():
		return Missing
	case now.Sub(last) < freshWindow:
		return Fresh
	case now.Sub(last) < staleWindow:
		return Stale
	default:
		return Missing
	}
}

// Status 返回单个引擎状态。
func (e *EngineHealth) Status(engine string) EngineStatus {
	e.mu.RLock()
	last := e.last[engine]
	e.mu.RUnlock()
	return EngineStatus{Engine: engine, LastSuccess: last, Freshness: e.classify(last, e.now())}
}

// Snapshot 返回全部引擎状态，按名称排序。
func (e *EngineHealth) Snapshot() []EngineStatus {
	now := e.now()
	e.mu.RLock()
	out := make([]EngineStatus, 0, len(e.last))
	for name, last := range e.last {
		out = append(out, EngineStatus{Engine: name, LastSuccess: last, Freshness: e.classify(last, now)})
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Engine < out[j].Engine })
	return out
}
