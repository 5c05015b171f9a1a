package scheduler

import (
	"context"
	"time"

	"github.com/wyfcoding/heimdall/config"
)

// 维护任务名称。
const (
	JobQuarantinePrune = "quarantine.prune"
	JobQuotaFlush      = "quota.flush"
	JobHealthDecay     = "health.decay"
)

const (
	defaultPruneInterval = time.Minute
	defaultFlushInterval = 30 * time.Second
	defaultDecayInterval = time.Minute
	maintenanceTimeout   = 10 * time.Second
)

// Pruner 清理过期隔离记录。
type Pruner interface {
	Prune(ctx context.Context) int
}

// Flusher 持久化有变化的状态。
type Flusher interface {
	Flush(ctx context.Context) error
}

// Decayer 随时间回落健康惩罚分。
type Decayer interface {
	Decay()
}

// Maintenance 维护任务的作用对象，为空的项不注册对应任务。
type Maintenance struct {
	Registry Pruner
	Quota    Flusher
	Health   Decayer
}

// RegisterMaintenance 按配置间隔注册隔离表清理、配额落盘与健康分衰减任务。
func RegisterMaintenance(s *Scheduler, cfg config.SchedulerConfig, m Maintenance) error {
	if m.Registry != nil {
		err := s.AddJob(JobConfig{
			Name:     JobQuarantinePrune,
			Interval: orDefault(cfg.PruneInterval, defaultPruneInterval),
			Timeout:  maintenanceTimeout,
		}, func(ctx context.Context) error {
			if n := m.Registry.Prune(ctx); n > 0 {
				s.logger.InfoContext(ctx, "expired quarantine records pruned", "removed", n)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	if m.Quota != nil {
		err := s.AddJob(JobConfig{
			Name:     JobQuotaFlush,
			Interval: orDefault(cfg.FlushInterval, defaultFlushInterval),
			Timeout:  maintenanceTimeout,
		}, m.Quota.Flush)
		if err != nil {
			return err
		}
	}
	if m.Health != nil {
		err := s.AddJob(JobConfig{
			Name:     JobHealthDecay,
			Interval: orDefault(cfg.DecayInterval, defaultDecayInterval),
		}, func(context.Context) error {
			m.Health.Decay()
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
