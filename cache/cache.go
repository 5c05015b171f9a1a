// Package cache 提供了缓存抽象和多种缓存实现：带惰性清理的 TTL 内存缓存、BigCache 本地缓存、
// 受熔断保护的 Redis 缓存以及多级缓存。值统一以 JSON 序列化存储，读取方获得独立副本。
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wyfcoding/heimdall/config"
	"github.com/wyfcoding/heimdall/logging"
	"github.com/wyfcoding/heimdall/metrics"
)

// ErrCacheMiss 缓存未命中或已过期。
var ErrCacheMiss = errors.New("cache miss")

// Cache defines the cache interface
type Cache interface {
	Get(ctx context.Context, key string, value any) error
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// Key 由请求标识构建缓存键："field|SYMBOL|param..."，空参数被忽略。
func Key(field, symbol string, params ...string) string {
	parts := make([]string, 0, 2+len(params))
	parts = append(parts, field, strings.ToUpper(strings.TrimSpace(symbol)))
	for _, p := range params {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "|")
}

// New 按配置创建缓存后端。redis 与 multilevel 需要 rdb。
func New(cfg config.CacheConfig, rdb *redis.Client, logger *logging.Logger, m *metrics.Metrics) (Cache, error) {
	logger = logging.OrDefault(logger).Named("cache")
	switch cfg.Backend {
	case "", "memory":
		return NewTTLCache(cfg.CleanupThreshold, nil), nil
	case "bigcache":
		return NewBigCache(cfg.BigCache)
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("cache backend %q requires a redis client", cfg.Backend)
		}
		return NewRedisCache(rdb, cfg.Prefix, m), nil
	case "multilevel":
		if rdb == nil {
			return nil, fmt.Errorf("cache backend %q requires a redis client", cfg.Backend)
		}
		l1 := NewTTLCache(cfg.CleanupThreshold, nil)
		return NewMultiLevelCache(l1, NewRedisCache(rdb, cfg.Prefix, m), logger), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
