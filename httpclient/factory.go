package httpclient

import (
	"time"

	"github.com/wyfcoding/heimdall/config"
	"github.com/wyfcoding/heimdall/logging"
	"github.com/wyfcoding/heimdall/metrics"
	"github.com/wyfcoding/heimdall/retry"
)

// NewFromConfig 基于统一配置构造 HTTP 客户端。
func NewFromConfig(cfg config.HTTPClientConfig, userAgent string, bodyPrefixLimit int, logger *logging.Logger, m *metrics.Metrics, opts ...Option) *Client {
	return NewClient(Config{
		UserAgent:       userAgent,
		Timeout:         cfg.Timeout,
		SlowThreshold:   cfg.SlowThreshold,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		BodyPrefixLimit: bodyPrefixLimit,
		Retry:           normalizeRetryConfig(cfg),
	}, logger, m, opts...)
}

// normalizeRetryConfig 传输层重试：默认 3 次尝试，退避 RetryInitial × 次数。
func normalizeRetryConfig(cfg config.HTTPClientConfig) retry.Config {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	step := cfg.RetryInitial
	if step <= 0 {
		step = 500 * time.Millisecond
	}
	return retry.Linear(attempts, step, cfg.RetryMaxBackoff)
}
