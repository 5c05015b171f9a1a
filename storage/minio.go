package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/wyfcoding/heimdall/config"
)

var errMinioNotReady = errors.New("minio client not initialized")

// MinIOClient 实现了 BundleStore 接口，是对接 MinIO 或 S3 兼容存储系统的具体驱动。
type MinIOClient struct {
	mu     sync.RWMutex
	client *minio.Client
	bucket string
}

// NewMinIOClient 构造一个新的 MinIO 存储驱动。
func NewMinIOClient(cfg config.MinioConfig) (*MinIOClient, error) {
	client, err := newMinioClient(cfg)
	if err != nil {
		return nil, err
	}
	slog.Info("minio_client initialized", "endpoint", cfg.Endpoint, "bucket", cfg.BucketName)
	return &MinIOClient{client: client, bucket: cfg.BucketName}, nil
}

func (c *MinIOClient) current() (*minio.Client, string, error) {
	if c == nil {
		return nil, "", errMinioNotReady
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, "", errMinioNotReady
	}
	return c.client, c.bucket, nil
}

// EnsureBucket 确保存储桶存在.
func (c *MinIOClient) EnsureBucket(ctx context.Context) error {
	client, bucket, err := c.current()
	if err != nil {
		return err
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("minio bucket check: %w", err)
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
}

// Upload 将数据流上传至绑定的存储桶。
func (c *MinIOClient) Upload(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error {
	client, bucket, err := c.current()
	if err != nil {
		return err
	}
	start := time.Now()
	if _, err := client.PutObject(ctx, bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		slog.Error("minio upload failed", "object", objectName, "error", err)
		return err
	}
	slog.Debug("minio upload successful", "object", objectName, "duration", time.Since(start))
	return nil
}

// Download 下载文件.
func (c *MinIOClient) Download(ctx context.Context, objectName string) (io.ReadCloser, error) {
	client, bucket, err := c.current()
	if err != nil {
		return nil, err
	}
	return client.GetObject(ctx, bucket, objectName, minio.GetObjectOptions{})
}

// Delete 删除文件.
func (c *MinIOClient) Delete(ctx context.Context, objectName string) error {
	client, bucket, err := c.current()
	if err != nil {
		return err
	}
	return client.RemoveObject(ctx, bucket, objectName, minio.RemoveObjectOptions{})
}

// GetPresignedURL 获取带签名的临时访问地址.
func (c *MinIOClient) GetPresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	client, bucket, err := c.current()
	if err != nil {
		return "", err
	}
	u, err := client.PresignedGetObject(ctx, bucket, objectName, expiry, url.Values{})
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// UpdateConfig 使用最新配置刷新 MinIO 客户端。
func (c *MinIOClient) UpdateConfig(cfg config.MinioConfig) error {
	if c == nil {
		return errMinioNotReady
	}
	client, err := newMinioClient(cfg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.client = client
	c.bucket = cfg.BucketName
	c.mu.Unlock()
	slog.Info("minio client updated", "endpoint", cfg.Endpoint, "bucket", cfg.BucketName)
	return nil
}

// RegisterReloadHook 注册 MinIO 客户端热更新回调。
func RegisterReloadHook(client *MinIOClient) {
	if client == nil {
		return
	}
	config.RegisterReloadHook(func(updated *config.Config) {
		if updated == nil || !updated.Minio.Enabled {
			return
		}
		if err := client.UpdateConfig(updated.Minio); err != nil {
			slog.Error("minio client reload failed", "error", err)
		}
	})
}

func newMinioClient(cfg config.MinioConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		slog.Error("failed to create minio client", "endpoint", cfg.Endpoint, "error", err)
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return client, nil
}
