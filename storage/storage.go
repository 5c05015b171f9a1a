// Package storage 提供两类持久化能力：
// 键值存储 Store（隔离表、配额计数等小型状态）与对象存储 BundleStore（调试包归档）。
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wyfcoding/heimdall/config"
)

// ErrNotFound 键不存在或已过期.
var ErrNotFound = errors.New("storage: key not found")

// Store 定义了小型状态持久化的通用接口，支持多驱动扩展。
type Store interface {
	// Get 读取键值，不存在时返回 ErrNotFound。
	Get(ctx context.Context, key string) ([]byte, error)
	// Set 写入键值，ttl 为 0 表示永不过期。
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete 删除键，键不存在不视为错误。
	Delete(ctx context.Context, key string) error
	// Close 释放底层资源。
	Close() error
}

// BundleStore 定义了调试包归档所需的对象存储接口。
type BundleStore interface {
	// Upload 简单上传文件
	Upload(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error
	// Download 下载文件
	Download(ctx context.Context, objectName string) (io.ReadCloser, error)
	// GetPresignedURL 获取带签名的临时访问地址
	GetPresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)
	// Delete 删除文件
	Delete(ctx context.Context, objectName string) error
}

// GetJSON 读取并反序列化 JSON 值.
func GetJSON(ctx context.Context, s Store, key string, out any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return nil
}

// SetJSON 序列化并写入 JSON 值.
func SetJSON(ctx context.Context, s Store, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

// Open 按配置构造 Store。redis 后端需要传入已建立的客户端。
func Open(cfg config.StorageConfig, rdb *redis.Client) (Store, error) {
	switch cfg.Backend {
	case "", "badger":
		return OpenBadger(BadgerConfig{Path: cfg.BadgerPath, Prefix: cfg.Prefix})
	case "redis":
		if rdb == nil {
			return nil, errors.New("storage: redis backend requires a redis client")
		}
		return NewRedisStore(rdb, cfg.Prefix), nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}
