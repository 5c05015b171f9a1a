package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/wyfcoding/heimdall/storage"
)

const defaultCheckTimeout = 2 * time.Second

// Checker 定义健康检查函数原型。
type Checker func(ctx context.Context) error

// Checks 以名称索引的一组就绪检查。
type Checks struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewChecks 构造空检查集合。
func NewChecks() *Checks {
	return &Checks{checkers: make(map[string]Checker)}
}

// Add 注册一个检查项。
func (c *Checks) Add(name string, checker Checker) {
	if checker == nil {
		return
	}
	c.mu.Lock()
	c.checkers[name] = checker
	c.mu.Unlock()
}

// Run 并发执行全部检查，返回 名称 -> 错误描述（成功为 "ok"），以及是否全部通过。
func (c *Checks) Run(ctx context.Context) (map[string]string, bool) {
	c.mu.RLock()
	names := make([]string, 0, len(c.checkers))
	for name := range c.checkers {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]string, len(names))
	var mu sync.Mutex
	var wg sync.WaitGroup
	healthy := true
	for _, name := range names {
		c.mu.RLock()
		checker := c.checkers[name]
		c.mu.RUnlock()

		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, defaultCheckTimeout)
			defer cancel()
			err := checker(cctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[name] = err.Error()
				healthy = false
				return
			}
			results[name] = "ok"
		}(name, checker)
	}
	wg.Wait()
	return results, healthy
}

// RedisChecker 返回 Redis 健康检查函数。
func RedisChecker(client redis.UniversalClient) Checker {
	return func(ctx context.Context) error {
		if client == nil {
			return errors.New("redis client is nil")
		}
		return client.Ping(ctx).Err()
	}
}

// StoreChecker 通过写入并读回探针键检查状态存储。
func StoreChecker(s storage.Store) Checker {
	return func(ctx context.Context) error {
		if s == nil {
			return errors.New("state store is nil")
		}
		const probeKey = "heimdall:readyz"
		stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano))
		if err := s.Set(ctx, probeKey, stamp, time.Minute); err != nil {
			return fmt.Errorf("state store write failed: %w", err)
		}
		if _, err := s.Get(ctx, probeKey); err != nil {
			return fmt.Errorf("state store read failed: %w", err)
		}
		return nil
	}
}

// HTTPChecker 返回 HTTP 依赖健康检查函数。
func HTTPChecker(url string) Checker {
	return func(ctx context.Context) error {
		if url == "" {
			return errors.New("health check url is empty")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("http health check status: %d", resp.StatusCode)
		}
		return nil
	}
}

// KafkaChecker 返回 Kafka 依赖健康检查函数。
func KafkaChecker(brokers []string) Checker {
	return func(ctx context.Context) error {
		if len(brokers) == 0 {
			return errors.New("kafka brokers is empty")
		}
		dialer := &kafkago.Dialer{Timeout: defaultCheckTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", brokers[0])
		if err != nil {
			return fmt.Errorf("kafka dial failed: %w", err)
		}
		defer conn.Close()
		if _, err := conn.Brokers(); err != nil {
			return fmt.Errorf("kafka brokers fetch failed: %w", err)
		}
		return nil
	}
}
