package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/wyfcoding/heimdall/config"
)

// BigCache 实现了 `Cache` 接口，使用 `allegro/bigcache` 作为底层存储。
// bigcache 只有全局 LifeWindow，单条 TTL 通过值外层的过期信封实现。
type BigCache struct {
	cache *bigcache.BigCache
	now   func() time.Time
}

type envelope struct {
	ExpiresAt int64           `json:"e"`
	Data      json.RawMessage `json:"d"`
}

// NewBigCache 创建并返回一个新的 BigCache 实例。
func NewBigCache(cfg config.BigCacheConfig) (*BigCache, error) {
	life := cfg.LifeWindow
	if life <= 0 {
		life = 24 * time.Hour
	}
	bc := bigcache.DefaultConfig(life)
	bc.CleanWindow = 5 * time.Minute
	if cfg.CleanWindow > 0 {
		bc.CleanWindow = cfg.CleanWindow
	}
	if cfg.Shards > 0 {
		bc.Shards = cfg.Shards
	}
	if cfg.MaxEntrySize > 0 {
		bc.MaxEntrySize = cfg.MaxEntrySize
	}
	bc.HardMaxCacheSize = cfg.HardMaxCacheSize
	bc.Verbose = false

	cache, err := bigcache.New(context.Background(), bc)
	if err != nil {
		return nil, fmt.Errorf("初始化 bigcache 失败: %w", err)
	}
	return &BigCache{cache: cache, now: time.Now}, nil
}

// Get 从BigCache中获取指定键的值，信封已过期时删除并返回 ErrCacheMiss。
func (c *BigCache) Get(_ context.Context, key string, value any) error {
	raw, err := c.cache.Get(key)
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return ErrCacheMiss
		}
		return err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	if c.now().UnixNano() >= env.ExpiresAt {
		_ = c.cache.Delete(key)
		return ErrCacheMiss
	}
	return json.Unmarshal(env.Data, value)
}

// Set 将值包装进带过期时间的信封后写入。
func (c *BigCache) Set(_ context.Context, key string, value any, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	if expiration <= 0 {
		expiration = DefaultTTL
	}
	raw, err := json.Marshal(envelope{ExpiresAt: c.now().Add(expiration).UnixNano(), Data: data})
	if err != nil {
		return err
	}
	return c.cache.Set(key, raw)
}

// Delete 从BigCache中删除一个或多个键，键不存在不报错。
func (c *BigCache) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		if err := c.cache.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
			return err
		}
	}
	return nil
}

// Exists 检查BigCache中是否存在未过期的键。
func (c *BigCache) Exists(ctx context.Context, key string) (bool, error) {
	var discard json.RawMessage
	err := c.Get(ctx, key, &discard)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrCacheMiss) {
		return false, nil
	}
	return false, err
}

// Len 当前条目数。
func (c *BigCache) Len() int {
	return c.cache.Len()
}

// Close 关闭BigCache实例，释放其占用的资源。
func (c *BigCache) Close() error {
	return c.cache.Close()
}
