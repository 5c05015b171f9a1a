// Package scheduler 提供按固定间隔运行维护任务的调度器。
package scheduler

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wyfcoding/heimdall/logging"
	"github.com/wyfcoding/heimdall/metrics"
	"github.com/wyfcoding/heimdall/retry"
)

var (
	// ErrJobNameEmpty 任务名称为空。
	ErrJobNameEmpty = errors.New("job name is empty")
	// ErrJobIntervalInvalid 任务间隔非法。
	ErrJobIntervalInvalid = errors.New("job interval is invalid")
	// ErrJobAlreadyExists 任务名称重复。
	ErrJobAlreadyExists = errors.New("job already exists")
	// ErrJobHandlerNil 任务处理函数为空。
	ErrJobHandlerNil = errors.New("job handler is nil")
	// ErrStarted 调度器已启动，不再接受新任务。
	ErrStarted = errors.New("scheduler already started")
)

// Job 定义定时任务函数原型。
type Job func(ctx context.Context) error

// JobConfig 定义任务调度参数。
type JobConfig struct {
	Name       string        // 任务名称（唯一）。
	Interval   time.Duration // 调度间隔。
	Jitter     time.Duration // 触发前的随机抖动上限。
	Timeout    time.Duration // 单次执行超时。
	Retry      retry.Config  // 失败后的重试策略，零值表示不重试。
	RunOnStart bool          // 启动时立即执行一次。
	// AllowConcurrent 为 false 时，上一次执行未结束的触发会被跳过。
	AllowConcurrent bool
}

// Scheduler 负责任务的统一调度与生命周期管理。
type Scheduler struct {
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	jobs    map[string]*jobRunner
	order   []string
	started bool
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

type jobRunner struct {
	cfg     JobConfig
	handler Job
	running atomic.Bool
	runs    atomic.Int64
}

// New 创建任务调度器，logger 与 m 均可为空。
func New(logger *logging.Logger, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		logger:  logging.OrDefault(logger).Named("scheduler"),
		metrics: m,
		jobs:    make(map[string]*jobRunner),
		stop:    make(chan struct{}),
	}
}

// AddJob 注册一个新的调度任务。
func (s *Scheduler) AddJob(cfg JobConfig, handler Job) error {
	if cfg.Name == "" {
		return ErrJobNameEmpty
	}
	if cfg.Interval <= 0 {
		return ErrJobIntervalInvalid
	}
	if handler == nil {
		return ErrJobHandlerNil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrStarted
	}
	if _, exists := s.jobs[cfg.Name]; exists {
		return ErrJobAlreadyExists
	}
	s.jobs[cfg.Name] = &jobRunner{cfg: cfg, handler: handler}
	s.order = append(s.order, cfg.Name)
	return nil
}

// Jobs 按注册顺序返回任务名称。
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Runs 返回任务已完成的执行次数。
func (s *Scheduler) Runs(name string) int64 {
	s.mu.Lock()
	runner, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return runner.runs.Load()
}

// Start 启动调度器，每个任务在独立的 goroutine 中运行。
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.started = true

	for _, name := range s.order {
		s.wg.Add(1)
		go s.runJob(ctx, s.jobs[name])
	}
	s.logger.InfoContext(ctx, "scheduler started", "jobs", s.order)
	return nil
}

// Stop 关闭调度器并等待所有任务退出。
func (s *Scheduler) Stop(ctx context.Context) error {
	s.once.Do(func() { close(s.stop) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		s.logger.InfoContext(ctx, "scheduler stopped")
		return nil
	}
}

func (s *Scheduler) runJob(ctx context.Context, runner *jobRunner) {
	defer s.wg.Done()

	if runner.cfg.RunOnStart {
		s.execute(ctx, runner)
	}

	ticker := time.NewTicker(runner.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if runner.cfg.Jitter > 0 {
				select {
				case <-time.After(randomJitter(runner.cfg.Jitter)):
				case <-s.stop:
					return
				case <-ctx.Done():
					return
				}
			}
			s.execute(ctx, runner)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, runner *jobRunner) {
	name := runner.cfg.Name
	if !runner.cfg.AllowConcurrent {
		if !runner.running.CompareAndSwap(false, true) {
			s.logger.WarnContext(ctx, "scheduler job skipped (already running)", "job", name)
			return
		}
		defer runner.running.Store(false)
	}

	execCtx := ctx
	if runner.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, runner.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := retry.Retry(execCtx, func() error { return runner.handler(execCtx) }, runner.cfg.Retry)
	runner.runs.Add(1)
	s.metrics.ObserveJob(name, err)

	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler job failed", "job", name, "error", err)
		return
	}
	s.logger.DebugContext(ctx, "scheduler job succeeded", "job", name, "elapsed", time.Since(start))
}

func randomJitter(maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	return rand.N(maxJitter)
}
