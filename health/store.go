// Package health 维护数据源的滚动健康评分，并提供基础设施就绪检查。
// 健康分仅作参考，不单独拦截请求。
package health

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/logging"
	"github.com/wyfcoding/heimdall/metrics"
	"github.com/wyfcoding/heimdall/xerrors"
)

const (
	latencyAlpha   = 0.2
	successStep    = 0.01
	successRelax   = 1.0 // 每次成功减少的惩罚分
	decayPerMinute = 1.0
)

// Score 单个数据源的滚动健康评分。
type Score struct {
	Provider     capability.Provider `json:"provider"`
	SuccessRate  float64             `json:"success_rate"`
	LatencyMs    float64             `json:"latency_ms"`
	ErrorCount   int                 `json:"error_count"`
	Penalty      float64             `json:"penalty"`
	LastUpdated  time.Time           `json:"last_updated,omitzero"`

	latencySeeded bool
}

// Neutral 未观测过的数据源的默认评分。
func Neutral(p capability.Provider) Score {
	return Score{Provider: p, SuccessRate: 1.0}
}

// Value 综合分：成功率按惩罚分折减，取值 [0, 1]。
func (s Score) Value() float64 {
	return s.SuccessRate * math.Max(0, 1-s.Penalty/100)
}

// Store 健康评分存储。
type Store struct {
	mu        sync.Mutex
	scores    map[capability.Provider]*Score
	lastDecay time.Time

	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewStore 构造健康评分存储，now 为 nil 时使用 time.Now。
func NewStore(logger *logging.Logger, m *metrics.Metrics, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		scores:    make(map[capability.Provider]*Score),
		lastDecay: now(),
		logger:    logging.OrDefault(logger).Named("health"),
		metrics:   m,
		now:       now,
	}
}

func (s *Store) scoreLocked(p capability.Provider) *Score {
	sc, ok := s.scores[p]
	if !ok {
		n := Neutral(p)
		sc = &n
		s.scores[p] = sc
	}
	return sc
}

// ReportSuccess 成功：成功率向 1.0 靠拢，延迟做指数滑动平均，惩罚分回落。
func (s *Store) ReportSuccess(p capability.Provider, latency time.Duration) {
	ms := float64(latency) / float64(time.Millisecond)

	s.mu.Lock()
	sc := s.scoreLocked(p)
	sc.LastUpdated = s.now()
	if sc.latencySeeded {
		sc.LatencyMs = (1-latencyAlpha)*sc.LatencyMs + latencyAlpha*ms
	} else {
		sc.LatencyMs = ms
		sc.latencySeeded = true
	}
	sc.SuccessRate = math.Min(1.0, sc.SuccessRate+successStep)
	sc.Penalty = math.Max(0, sc.Penalty-successRelax)
	value := sc.Value()
	s.mu.Unlock()

	s.metrics.SetHealthScore(string(p), value)
}

// ReportError 按错误严重程度累加惩罚；symbolNotFound 属于调用方错误，不影响评分。
func (s *Store) ReportError(p capability.Provider, err error) {
	category := xerrors.CategoryOf(err)
	if category == xerrors.CategorySymbolNotFound {
		return
	}
	_, core := xerrors.FromError(err)

	s.mu.Lock()
	sc := s.scoreLocked(p)
	sc.LastUpdated = s.now()
	sc.ErrorCount++
	switch {
	case !core:
		sc.Penalty += 5
	case category == xerrors.CategoryAuthInvalid:
		sc.Penalty += 50
		sc.SuccessRate *= 0.5
	case category == xerrors.CategoryRateLimited:
		sc.Penalty += 20
		sc.SuccessRate *= 0.9
	case category == xerrors.CategoryServerError:
		sc.Penalty += 10
	case category == xerrors.CategoryEntitlementDenied:
		sc.Penalty += 5
	default:
		sc.Penalty += 2
	}
	value := sc.Value()
	s.mu.Unlock()

	s.metrics.SetHealthScore(string(p), value)
}

// Score 返回数据源评分，未观测时返回中性评分。
func (s *Store) Score(p capability.Provider) Score {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.scores[p]; ok {
		return *sc
	}
	return Neutral(p)
}

// Scores 返回所有已观测数据源的评分，按名称排序。
func (s *Store) Scores() []Score {
	s.mu.Lock()
	out := make([]Score, 0, len(s.scores))
	for _, sc := range s.scores {
		out = append(out, *sc)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Reset 清除数据源评分，恢复中性。
func (s *Store) Reset(p capability.Provider) {
	s.mu.Lock()
	delete(s.scores, p)
	s.mu.Unlock()
	s.metrics.SetHealthScore(string(p), 1)
	s.logger.InfoContext(context.Background(), "health score reset", "provider", p)
}

// Decay 按上次衰减以来经过的分钟数回落惩罚分（每分钟 1 分）。
func (s *Store) Decay() {
	now := s.now()
	s.mu.Lock()
	minutes := now.Sub(s.lastDecay).Minutes()
	if minutes <= 0 {
		s.mu.Unlock()
		return
	}
	s.lastDecay = now
	values := make(map[capability.Provider]float64, len(s.scores))
	for p, sc := range s.scores {
		sc.Penalty = math.Max(0, sc.Penalty-minutes*decayPerMinute)
		values[p] = sc.Value()
	}
	s.mu.Unlock()

	for p, v := range values {
		s.metrics.SetHealthScore(string(p), v)
	}
}
