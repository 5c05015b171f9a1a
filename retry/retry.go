// Package retry 提供了指数或线性退避的重试机制.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Func 定义了可被重试执行的业务函数原型.
type Func func() error

// Config 封装了重试策略的详细控制参数.
// Multiplier <= 0 时退避为线性：第 n 次重试前等待 InitialBackoff × n.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
	MaxRetries     int
}

// DefaultRetryConfig 返回一个通用的默认重试配置.
func DefaultRetryConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

// Linear 返回总尝试次数为 attempts、退避按 step 线性增长的配置.
func Linear(attempts int, step, maxBackoff time.Duration) Config {
	if attempts < 1 {
		attempts = 1
	}
	return Config{MaxRetries: attempts - 1, InitialBackoff: step, MaxBackoff: maxBackoff}
}

// Retry 根据配置的策略执行函数 fn.
func Retry(ctx context.Context, fn Func, cfg Config) error {
	return If(ctx, fn, func(error) bool { return true }, cfg)
}

// If 仅在 shouldRetry 返回 true 时进行重试.
func If(ctx context.Context, fn Func, shouldRetry func(error) bool, cfg Config) error {
	if cfg.MaxRetries <= 0 {
		return fn()
	}

	var lastErr error
	for retryIdx := 0; retryIdx <= cfg.MaxRetries; retryIdx++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if retryIdx == cfg.MaxRetries || !shouldRetry(lastErr) {
			break
		}

		timer := time.NewTimer(cfg.Backoff(retryIdx + 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxRetries+1, lastErr)
}

// Backoff 返回第 n 次重试前的等待时长（n 从 1 开始）.
func (c Config) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	var next float64
	if c.Multiplier <= 0 {
		next = float64(c.InitialBackoff) * float64(n)
	} else {
		next = float64(c.InitialBackoff)
		for i := 1; i < n; i++ {
			next *= c.Multiplier
		}
	}
	if c.Jitter > 0 {
		next += (rand.Float64()*2 - 1) * c.Jitter * next
	}
	d := time.Duration(next)
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}
