package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wyfcoding/heimdall/logging"
)

// MultiLevelCache 实现多级缓存 (L1: 本地, L2: 分布式)
type MultiLevelCache struct {
	l1       Cache
	l2       Cache
	backfill time.Duration
	tracer   trace.Tracer
	logger   *logging.Logger
}

// NewMultiLevelCache 创建多级缓存，L2 命中后以较短 TTL 回填 L1。
func NewMultiLevelCache(l1, l2 Cache, logger *logging.Logger) *MultiLevelCache {
	return &MultiLevelCache{
		l1:       l1,
		l2:       l2,
		backfill: 15 * time.Second,
		tracer:   otel.Tracer("github.com/wyfcoding/heimdall/cache"),
		logger:   logging.OrDefault(logger),
	}
}

func (c *MultiLevelCache) Get(ctx context.Context, key string, value any) error {
	ctx, span := c.tracer.Start(ctx, "MultiLevelCache.Get", trace.WithAttributes(
		attribute.String("cache.key", key),
	))
	defer span.End()

	if err := c.l1.Get(ctx, key, value); err == nil {
		span.SetAttributes(attribute.String("cache.hit", "L1"))
		return nil
	}

	err := c.l2.Get(ctx, key, value)
	if err == nil {
		span.SetAttributes(attribute.String("cache.hit", "L2"))
		if err := c.l1.Set(ctx, key, value, c.backfill); err != nil {
			c.logger.ErrorContext(ctx, "failed to backfill L1 cache", "key", key, "error", err)
		}
		return nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		c.logger.WarnContext(ctx, "L2 cache unavailable", "key", key, "error", err)
	}

	span.SetAttributes(attribute.String("cache.hit", "miss"))
	return ErrCacheMiss
}

func (c *MultiLevelCache) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	ctx, span := c.tracer.Start(ctx, "MultiLevelCache.Set", trace.WithAttributes(
		attribute.String("cache.key", key),
	))
	defer span.End()

	// 本地先写，L2 故障时本进程仍可命中。
	if err := c.l1.Set(ctx, key, value, expiration); err != nil {
		c.logger.ErrorContext(ctx, "failed to set L1 cache", "key", key, "error", err)
	}
	if err := c.l2.Set(ctx, key, value, expiration); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to set L2")
		return fmt.Errorf("failed to set L2: %w", err)
	}
	return nil
}

func (c *MultiLevelCache) Delete(ctx context.Context, keys ...string) error {
	if err := c.l1.Delete(ctx, keys...); err != nil {
		c.logger.ErrorContext(ctx, "failed to delete from L1 cache", "keys", keys, "error", err)
	}
	return c.l2.Delete(ctx, keys...)
}

func (c *MultiLevelCache) Exists(ctx context.Context, key string) (bool, error) {
	exists, err := c.l1.Exists(ctx, key)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to check L1 cache existence", "key", key, "error", err)
	}
	if exists {
		return true, nil
	}
	return c.l2.Exists(ctx, key)
}

func (c *MultiLevelCache) Close() error {
	var err error
	if l1Err := c.l1.Close(); l1Err != nil {
		c.logger.Error("failed to close L1 cache", "error", l1Err)
		err = l1Err
	}
	if l2Err := c.l2.Close(); l2Err != nil {
		c.logger.Error("failed to close L2 cache", "error", l2Err)
		err = l2Err
	}
	return err
}
