package breaker

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/logging"
	"github.com/wyfcoding/heimdall/metrics"
)

// State 熔断器状态的对外表示。
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Settings 数据源熔断器参数.
type Settings struct {
	FailureThreshold uint32        // closed 状态下连续失败多少次后打开
	SuccessThreshold uint32        // half-open 状态下连续成功多少次后关闭
	OpenTimeout      time.Duration // open 状态持续多久后进入 half-open
}

// DefaultSettings 默认参数。
func DefaultSettings() Settings {
	return Settings{FailureThreshold: 5, SuccessThreshold: 2, OpenTimeout: 60 * time.Second}
}

func (s Settings) normalized() Settings {
	d := DefaultSettings()
	if s.FailureThreshold == 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.SuccessThreshold == 0 {
		s.SuccessThreshold = d.SuccessThreshold
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = d.OpenTimeout
	}
	return s
}

// Status 单个数据源熔断器的诊断快照。
type Status struct {
	Provider       capability.Provider `json:"provider"`
	State          State               `json:"state"`
	FailureCount   int                 `json:"failure_count"`
	LastFailure    time.Time           `json:"last_failure,omitzero"`
	LastTransition time.Time           `json:"last_transition,omitzero"`
}

type entry struct {
	cb       *gobreaker.TwoStepCircuitBreaker
	critical atomic.Bool
	// trials half-open 状态下已放行且尚未结束的试探请求数。
	trials atomic.Int32

	mu             sync.Mutex
	failureCount   int
	lastFailure    time.Time
	lastTransition time.Time
}

// Set 每个数据源一个两阶段熔断器。
type Set struct {
	mu       sync.Mutex
	settings Settings
	entries  map[capability.Provider]*entry

	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewSet 构造熔断器集合。
func NewSet(s Settings, logger *logging.Logger, m *metrics.Metrics) *Set {
	return &Set{
		settings: s.normalized(),
		entries:  make(map[capability.Provider]*entry),
		logger:   logging.OrDefault(logger).Named("breaker"),
		metrics:  m,
	}
}

func (s *Set) newEntry(p capability.Provider, st Settings) *entry {
	e := &entry{}
	e.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        string(p),
		MaxRequests: st.SuccessThreshold,
		Timeout:     st.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= st.FailureThreshold || e.critical.Load()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.mu.Lock()
			e.lastTransition = time.Now()
			if to == gobreaker.StateClosed {
				e.failureCount = 0
			}
			e.mu.Unlock()

			s.logger.Warn("circuit breaker state changed",
				"provider", name, "from", fromGobreaker(from), "to", fromGobreaker(to))
			s.metrics.SetBreakerState(name, float64(to))
		},
	})
	return e
}

func (s *Set) get(p capability.Provider) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[p]
	if !ok {
		e = s.newEntry(p, s.settings)
		s.entries[p] = e
	}
	return e
}

// CanRequest 仅在 open 且冷却未结束时返回 false；冷却结束后此调用会把状态推进到 half-open。
func (s *Set) CanRequest(p capability.Provider) bool {
	return s.get(p).cb.State() != gobreaker.StateOpen
}

// Admit 判断数据源当前是否可请求，并在 half-open 状态下占用一个试探名额，
// 同时在途的试探请求不超过 SuccessThreshold。请求结束后必须调用 release，重复调用无副作用。
func (s *Set) Admit(p capability.Provider) (release func(), ok bool) {
	e := s.get(p)
	switch e.cb.State() {
	case gobreaker.StateOpen:
		return func() {}, false
	case gobreaker.StateHalfOpen:
		s.mu.Lock()
		limit := int32(s.settings.SuccessThreshold)
		s.mu.Unlock()
		for {
			n := e.trials.Load()
			if n >= limit {
				return func() {}, false
			}
			if e.trials.CompareAndSwap(n, n+1) {
				break
			}
		}
		var once sync.Once
		return func() { once.Do(func() { e.trials.Add(-1) }) }, true
	default:
		return func() {}, true
	}
}

// ReportSuccess 记录一次成功。
func (s *Set) ReportSuccess(p capability.Provider) {
	e := s.get(p)
	done, err := e.cb.Allow()
	if err != nil {
		return
	}
	done(true)
}

// ReportFailure 记录一次失败；critical 为 true 时在 closed 状态下立即打开。
func (s *Set) ReportFailure(p capability.Provider, critical bool) {
	e := s.get(p)

	e.mu.Lock()
	e.failureCount++
	e.lastFailure = time.Now()
	e.mu.Unlock()

	done, err := e.cb.Allow()
	if err != nil {
		return
	}
	if critical {
		e.critical.Store(true)
	}
	done(false)
	e.critical.Store(false)
}

// Reset 将数据源熔断器恢复为 closed。
func (s *Set) Reset(p capability.Provider) {
	s.mu.Lock()
	s.entries[p] = s.newEntry(p, s.settings)
	s.mu.Unlock()
	s.metrics.SetBreakerState(string(p), float64(gobreaker.StateClosed))
	s.logger.InfoContext(context.Background(), "circuit breaker reset", "provider", p)
}

// ResetAll 重置所有熔断器。
func (s *Set) ResetAll() {
	s.mu.Lock()
	providers := make([]capability.Provider, 0, len(s.entries))
	for p := range s.entries {
		s.entries[p] = s.newEntry(p, s.settings)
		providers = append(providers, p)
	}
	s.mu.Unlock()
	for _, p := range providers {
		s.metrics.SetBreakerState(string(p), float64(gobreaker.StateClosed))
	}
}

// Configure 以新参数重建所有熔断器（用于配置热更新）。
func (s *Set) Configure(st Settings) {
	s.mu.Lock()
	s.settings = st.normalized()
	s.mu.Unlock()
	s.ResetAll()
}

// Status 返回单个数据源的状态快照。
func (s *Set) Status(p capability.Provider) Status {
	e := s.get(p)
	state := fromGobreaker(e.cb.State())
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Provider:       p,
		State:          state,
		FailureCount:   e.failureCount,
		LastFailure:    e.lastFailure,
		LastTransition: e.lastTransition,
	}
}

// Statuses 返回所有已知数据源的状态，按名称排序。
func (s *Set) Statuses() []Status {
	s.mu.Lock()
	providers := make([]capability.Provider, 0, len(s.entries))
	for p := range s.entries {
		providers = append(providers, p)
	}
	s.mu.Unlock()

	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })
	out := make([]Status, 0, len(providers))
	for _, p := range providers {
		out = append(out, s.Status(p))
	}
	return out
}
