package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultCleanupThreshold 条目数超过该值时 Set 触发一次过期清理。
	DefaultCleanupThreshold = 1000
	// DefaultTTL 调用方未指定 TTL 时使用的时长。
	DefaultTTL = time.Minute
)

type ttlEntry struct {
	data   []byte
	expiry time.Time
}

// TTLCache 进程内过期缓存。过期条目在读取时惰性删除，
// 或在条目数超过阈值时由 Set 统一清理，不启动后台协程。
type TTLCache struct {
	mu        sync.Mutex
	entries   map[string]ttlEntry
	threshold int
	now       func() time.Time
}

// NewTTLCache 创建 TTL 缓存；threshold <= 0 使用默认阈值，now 为 nil 使用系统时钟。
func NewTTLCache(threshold int, now func() time.Time) *TTLCache {
	if threshold <= 0 {
		threshold = DefaultCleanupThreshold
	}
	if now == nil {
		now = time.Now
	}
	return &TTLCache{entries: make(map[string]ttlEntry), threshold: threshold, now: now}
}

// Get 仅在 now < expiry 时返回值，否则删除条目并返回 ErrCacheMiss。
func (c *TTLCache) Get(_ context.Context, key string, value any) error {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && !c.now().Before(e.expiry) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return ErrCacheMiss
	}
	return json.Unmarshal(e.data, value)
}

// Set 写入值，expiration <= 0 使用 DefaultTTL。
func (c *TTLCache) Set(_ context.Context, key string, value any, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	if expiration <= 0 {
		expiration = DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.entries[key] = ttlEntry{data: data, expiry: now.Add(expiration)}
	if len(c.entries) > c.threshold {
		c.cleanupLocked(now)
	}
	return nil
}

func (c *TTLCache) cleanupLocked(now time.Time) int {
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiry) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Cleanup 立即清理全部过期条目，返回删除数。
func (c *TTLCache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanupLocked(c.now())
}

// Delete 删除指定键。
func (c *TTLCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

// Exists 检查未过期的键是否存在。
func (c *TTLCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok && !c.now().Before(e.expiry) {
		delete(c.entries, key)
		return false, nil
	}
	return ok, nil
}

// Len 当前存储的条目数（含尚未清理的过期条目）。
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge 清空缓存。
func (c *TTLCache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]ttlEntry)
	c.mu.Unlock()
}

// Close 清空缓存。
func (c *TTLCache) Close() error {
	c.Purge()
	return nil
}
