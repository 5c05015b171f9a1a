package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/wyfcoding/heimdall/security"
)

// Evidence 某数据源最近一次失败的现场。
type Evidence struct {
	Provider   string    `json:"provider"`
	Endpoint   string    `json:"endpoint"`
	Symbol     string    `json:"symbol"`
	URL        string    `json:"url,omitempty"`
	StatusCode int       `json:"status_code"`
	Category   string    `json:"category"`
	Message    string    `json:"message,omitempty"`
	BodyPrefix string    `json:"body_prefix,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EvidenceLocker 按数据源保存最近一次失败证据，写入时脱敏。
type EvidenceLocker struct {
	mu        sync.RWMutex
	items     map[string]Evidence
	bodyLimit int
	now       func() time.Time
}

// NewEvidenceLocker 创建证据柜。
func NewEvidenceLocker(bodyLimit int, now func() time.Time) *EvidenceLocker {
	if bodyLimit <= 0 {
		bodyLimit = defaultBodyLimit
	}
	if now == nil {
		now = time.Now
	}
	return &EvidenceLocker{items: make(map[string]Evidence), bodyLimit: bodyLimit, now: now}
}

// Record 保存证据。secrets 为需要额外抹去的凭据原文。
func (l *EvidenceLocker) Record(ev Evidence, secrets ...string) Evidence {
	ev.URL = security.MaskURL(security.MaskSecret(ev.URL, secrets...))
	ev.Message = security.MaskURL(security.MaskSecret(ev.Message, secrets...))
	ev.BodyPrefix = security.ScrubBody(security.MaskSecret(ev.BodyPrefix, secrets...), l.bodyLimit)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}

	l.mu.Lock()
	l.items[ev.Provider] = ev
	l.mu.Unlock()
	return ev
}

// Latest 返回数据源最近一次失败证据。
func (l *EvidenceLocker) Latest(provider string) (Evidence, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ev, ok := l.items[provider]
	return ev, ok
}

// All 返回全部证据，按数据源名称排序。
func (l *EvidenceLocker) All() []Evidence {
	l.mu.RLock()
	out := make([]Evidence, 0, len(l.items))
	for _, ev := range l.items {
		out = append(out, ev)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Clear 清空证据。
func (l *EvidenceLocker) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = make(map[string]Evidence)
}
