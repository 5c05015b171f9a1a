// Package limiter 实现数据源的预算闸门：硬锁（分钟级限流锁、短时隔离）、并发上限与最小调用间隔，
// 以及其底层的信号量与令牌桶原语。
package limiter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter 是一个基于令牌桶算法的本地限流器。
type LocalLimiter struct {
	limiter *rate.Limiter
}

// NewLocalLimiter 创建并返回一个新的 LocalLimiter 实例。
// r: 每秒生成的令牌数；b: 令牌桶容量。
func NewLocalLimiter(r rate.Limit, b int) *LocalLimiter {
	return &LocalLimiter{limiter: rate.NewLimiter(r, b)}
}

// NewSpacingLimiter 创建保证相邻两次放行间隔不小于 minSpacing 的限流器；
// minSpacing <= 0 时返回 nil，表示不做间隔控制。
func NewSpacingLimiter(minSpacing time.Duration) *LocalLimiter {
	if minSpacing <= 0 {
		return nil
	}
	return NewLocalLimiter(rate.Every(minSpacing), 1)
}

// Allow 非阻塞地尝试获取一个令牌。
func (l *LocalLimiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow()
}

// Wait 阻塞直到获得令牌，仅挂起调用方自身；ctx 取消或截止时间不足时返回错误。
func (l *LocalLimiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}
