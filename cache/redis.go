package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wyfcoding/heimdall/breaker"
	"github.com/wyfcoding/heimdall/metrics"
)

// RedisCache implements Cache using Redis
// 所有命令经熔断器保护，Redis 故障时快速失败而不拖慢数据获取链路。
type RedisCache struct {
	client *redis.Client
	prefix string
	cb     *breaker.Breaker
}

// NewRedisCache 基于共享客户端创建 Redis 缓存，客户端的生命周期由调用方管理。
func NewRedisCache(client *redis.Client, prefix string, m *metrics.Metrics) *RedisCache {
	cb := breaker.NewBreaker(breaker.Options{
		Name:         "redis-cache",
		Timeout:      30 * time.Second,
		FailureRatio: 0.6,
		MinRequests:  10,
	}, m)
	return &RedisCache{client: client, prefix: prefix, cb: cb}
}

// WithPrefix returns a new RedisCache with a key prefix
// The underlying client and breaker are shared
func (c *RedisCache) WithPrefix(prefix string) *RedisCache {
	return &RedisCache{client: c.client, prefix: prefix, cb: c.cb}
}

// buildKey 构建带有前缀的 key。
func (c *RedisCache) buildKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}

// Get 从缓存中获取值。未命中不计入熔断失败。
func (c *RedisCache) Get(ctx context.Context, key string, value any) error {
	fullKey := c.buildKey(key)
	res, err := c.cb.Execute(func() (any, error) {
		data, err := c.client.Get(ctx, fullKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return []byte(nil), nil
		}
		return data, err
	})
	if err != nil {
		return err
	}
	data, _ := res.([]byte)
	if data == nil {
		return ErrCacheMiss
	}
	return json.Unmarshal(data, value)
}

// Set 设置缓存值，value 会被JSON序列化后存储。
func (c *RedisCache) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	if expiration <= 0 {
		expiration = DefaultTTL
	}
	fullKey := c.buildKey(key)
	_, err = c.cb.Execute(func() (any, error) {
		return nil, c.client.Set(ctx, fullKey, data, expiration).Err()
	})
	return err
}

// Delete 从缓存中删除值。
func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	fullKeys := make([]string, len(keys))
	for i, key := range keys {
		fullKeys[i] = c.buildKey(key)
	}
	_, err := c.cb.Execute(func() (any, error) {
		return nil, c.client.Del(ctx, fullKeys...).Err()
	})
	return err
}

// Exists 检查 key 是否存在。
func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	fullKey := c.buildKey(key)
	return breaker.ExecuteTyped(c.cb, func() (bool, error) {
		n, err := c.client.Exists(ctx, fullKey).Result()
		if err != nil {
			return false, err
		}
		return n > 0, nil
	})
}

// Close 不关闭共享客户端。
func (c *RedisCache) Close() error {
	return nil
}
