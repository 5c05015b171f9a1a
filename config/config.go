// Package config 提供了统一的配置加载与管理能力：TOML 文件 + 环境变量覆盖、结构校验、热更新与脱敏打印。
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wyfcoding/heimdall/logging"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 HEIMDALL_LOG_LEVEL=debug。
const EnvPrefix = "HEIMDALL"

// Config 全局顶级配置结构.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"     toml:"server"`
	Log        LogConfig        `mapstructure:"log"        toml:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"    toml:"metrics"`
	Tracing    TracingConfig    `mapstructure:"tracing"    toml:"tracing"`
	Providers  ProvidersConfig  `mapstructure:"providers"  toml:"providers"`
	Breaker    BreakerConfig    `mapstructure:"breaker"    toml:"breaker"`
	Gate       GateConfig       `mapstructure:"gate"       toml:"gate"`
	Quota      QuotaConfig      `mapstructure:"quota"      toml:"quota"`
	Cache      CacheConfig      `mapstructure:"cache"      toml:"cache"`
	HTTPClient HTTPClientConfig `mapstructure:"httpclient" toml:"httpclient"`
	Storage    StorageConfig    `mapstructure:"storage"    toml:"storage"`
	Redis      RedisConfig      `mapstructure:"redis"      toml:"redis"`
	Minio      MinioConfig      `mapstructure:"minio"      toml:"minio"`
	Kafka      KafkaConfig      `mapstructure:"kafka"      toml:"kafka"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"  toml:"scheduler"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"  toml:"telemetry"`
	Snowflake  SnowflakeConfig  `mapstructure:"snowflake"  toml:"snowflake"`
}

// ServerConfig 定义服务器运行时的基础网络与环境参数.
type ServerConfig struct {
	Name           string        `mapstructure:"name"            toml:"name"            validate:"required"`
	Environment    string        `mapstructure:"environment"     toml:"environment"     validate:"oneof=dev test prod"`
	Addr           string        `mapstructure:"addr"            toml:"addr"            validate:"required"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"    toml:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"   toml:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"    toml:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" toml:"request_timeout"` // 单个逻辑请求的超时
	AdminAllowlist []string      `mapstructure:"admin_allowlist" toml:"admin_allowlist"` // 管理接口 IP/CIDR 白名单
}

// LogConfig 定义日志输出、级别与切割策略.
type LogConfig struct {
	Level      string `mapstructure:"level"       toml:"level"       validate:"omitempty,oneof=debug info warn error"`
	File       string `mapstructure:"file"        toml:"file"`
	Console    bool   `mapstructure:"console"     toml:"console"`
	MaxSize    int    `mapstructure:"max_size"    toml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"     toml:"max_age"`
	Compress   bool   `mapstructure:"compress"    toml:"compress"`
}

// MetricsConfig 普罗米修斯监控指标暴露配置.
type MetricsConfig struct {
	Path    string `mapstructure:"path"    toml:"path"`
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
}

// TracingConfig 分布式链路追踪（OpenTelemetry）配置.
type TracingConfig struct {
	ServiceName  string  `mapstructure:"service_name"  toml:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint" toml:"otlp_endpoint"`
	SamplerRatio float64 `mapstructure:"sampler_ratio" toml:"sampler_ratio" validate:"gte=0,lte=1"`
	Enabled      bool    `mapstructure:"enabled"       toml:"enabled"`
}

// ProvidersConfig 数据源凭据与能力覆盖。
type ProvidersConfig struct {
	Keys        map[string]string  `mapstructure:"keys"         toml:"keys"`       // 数据源 -> API Key
	Authorized  []string           `mapstructure:"authorized"   toml:"authorized"` // 为空时由 Keys 推导
	UserAgent   string             `mapstructure:"user_agent"   toml:"user_agent"`
	ForceUnlock []string           `mapstructure:"force_unlock" toml:"force_unlock"` // 启动时强制解除的隔离键
	Universe    []string           `mapstructure:"universe"     toml:"universe"`     // 本地扫描器的候选标的
	Overrides   []ProviderOverride `mapstructure:"overrides"    toml:"overrides"    validate:"dive"`
	BaseURLs    map[string]string  `mapstructure:"base_urls"    toml:"base_urls"` // 测试或代理场景下覆盖数据源地址
}

// ProviderOverride 覆盖单个数据源的静态能力，未设置的字段保持内置值。
type ProviderOverride struct {
	Name                   string         `mapstructure:"name"                    toml:"name"                    validate:"required"`
	CostWeight             *int           `mapstructure:"cost_weight"             toml:"cost_weight"`
	Keyless                *bool          `mapstructure:"keyless"                 toml:"keyless"`
	PermanentlyQuarantined *bool          `mapstructure:"permanently_quarantined" toml:"permanently_quarantined"`
	MaxConcurrent          *int           `mapstructure:"max_concurrent"          toml:"max_concurrent"`
	MinSpacing             *time.Duration `mapstructure:"min_spacing"             toml:"min_spacing"`
}

// BreakerConfig 定义每个数据源熔断器的状态机参数.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold" toml:"failure_threshold" validate:"gte=1"`
	SuccessThreshold uint32        `mapstructure:"success_threshold" toml:"success_threshold" validate:"gte=1"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"      toml:"open_timeout"`
}

// GateConfig 定义预算闸门参数。
type GateConfig struct {
	MinuteLockout time.Duration `mapstructure:"minute_lockout" toml:"minute_lockout"`
}

// QuotaConfig 定义每日配额覆盖。
type QuotaConfig struct {
	Limits map[string]int `mapstructure:"limits" toml:"limits"`
}

// CacheConfig 通用缓存策略配置.
type CacheConfig struct {
	Backend          string                   `mapstructure:"backend"           toml:"backend"           validate:"oneof=memory bigcache redis multilevel"`
	Prefix           string                   `mapstructure:"prefix"            toml:"prefix"`
	CleanupThreshold int                      `mapstructure:"cleanup_threshold" toml:"cleanup_threshold"`
	TTL              map[string]time.Duration `mapstructure:"ttl"               toml:"ttl"`
	BigCache         BigCacheConfig           `mapstructure:"bigcache"          toml:"bigcache"`
}

// BigCacheConfig 高性能本地内存缓存参数.
type BigCacheConfig struct {
	LifeWindow       time.Duration `mapstructure:"life_window"         toml:"life_window"`
	CleanWindow      time.Duration `mapstructure:"clean_window"        toml:"clean_window"`
	Shards           int           `mapstructure:"shards"              toml:"shards"`
	MaxEntrySize     int           `mapstructure:"max_entry_size"      toml:"max_entry_size"`
	HardMaxCacheSize int           `mapstructure:"hard_max_cache_size" toml:"hard_max_cache_size"`
}

// HTTPClientConfig 定义数据源 HTTP 客户端配置。
type HTTPClientConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"           toml:"timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"      toml:"max_attempts"      validate:"gte=1"`
	RetryInitial    time.Duration `mapstructure:"retry_initial"     toml:"retry_initial"`
	RetryMaxBackoff time.Duration `mapstructure:"retry_max_backoff" toml:"retry_max_backoff"`
	SlowThreshold   time.Duration `mapstructure:"slow_threshold"    toml:"slow_threshold"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"    toml:"max_body_bytes"`
}

// StorageConfig 定义隔离表与配额计数的持久化后端。
type StorageConfig struct {
	Backend    string `mapstructure:"backend"     toml:"backend"     validate:"oneof=badger redis memory"`
	BadgerPath string `mapstructure:"badger_path" toml:"badger_path"`
	Prefix     string `mapstructure:"prefix"      toml:"prefix"`
}

// RedisConfig 定义 Redis 连接与池化参数.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"           toml:"addr"`
	Password     string        `mapstructure:"password"       toml:"password"`
	DB           int           `mapstructure:"db"             toml:"db"`
	PoolSize     int           `mapstructure:"pool_size"      toml:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns" toml:"min_idle_conns"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"   toml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"  toml:"write_timeout"`
}

// MinioConfig 定义调试包上传所用的 S3 兼容对象存储.
type MinioConfig struct {
	Enabled         bool   `mapstructure:"enabled"           toml:"enabled"`
	Endpoint        string `mapstructure:"endpoint"          toml:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"     toml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" toml:"secret_access_key"`
	BucketName      string `mapstructure:"bucket_name"       toml:"bucket_name"`
	UseSSL          bool   `mapstructure:"use_ssl"           toml:"use_ssl"`
}

// KafkaConfig 定义请求追踪事件的 Kafka 投递参数.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"       toml:"enabled"`
	Brokers      []string      `mapstructure:"brokers"       toml:"brokers"`
	Topic        string        `mapstructure:"topic"         toml:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" toml:"write_timeout"`
	BatchSize    int           `mapstructure:"batch_size"    toml:"batch_size"`
	Async        bool          `mapstructure:"async"         toml:"async"`
}

// SchedulerConfig 定义维护任务的调度间隔。
type SchedulerConfig struct {
	PruneInterval time.Duration `mapstructure:"prune_interval" toml:"prune_interval"`
	FlushInterval time.Duration `mapstructure:"flush_interval" toml:"flush_interval"`
	DecayInterval time.Duration `mapstructure:"decay_interval" toml:"decay_interval"`
}

// TelemetryConfig 定义追踪日志容量与摘录长度。
type TelemetryConfig struct {
	TraceCapacity   int `mapstructure:"trace_capacity"    toml:"trace_capacity"`
	BodyPrefixLimit int `mapstructure:"body_prefix_limit" toml:"body_prefix_limit"`
}

// SnowflakeConfig 追踪事件 ID 生成器参数.
type SnowflakeConfig struct {
	StartTime string `mapstructure:"start_time" toml:"start_time"`
	Type      string `mapstructure:"type"       toml:"type"`
	MachineID int64  `mapstructure:"machine_id" toml:"machine_id"`
}

// Default 返回可直接运行的默认配置。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:           "heimdall",
			Environment:    "dev",
			Addr:           ":8080",
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    60 * time.Second,
			RequestTimeout: 20 * time.Second,
			AdminAllowlist: []string{"127.0.0.1", "::1"},
		},
		Log:     LogConfig{Level: "info", MaxSize: 100, MaxBackups: 5, MaxAge: 7},
		Metrics: MetricsConfig{Path: "/metrics", Enabled: true},
		Tracing: TracingConfig{ServiceName: "heimdall", SamplerRatio: 1.0},
		Providers: ProvidersConfig{
			UserAgent:   "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15",
			ForceUnlock: []string{"FMP_ALL", "Yahoo_ALL"},
			Universe:    []string{"AAPL", "MSFT", "NVDA", "AMZN", "GOOGL", "META", "TSLA", "SPY", "QQQ", "BTC-USD"},
		},
		Breaker: BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, OpenTimeout: 60 * time.Second},
		Gate:    GateConfig{MinuteLockout: 70 * time.Second},
		Cache: CacheConfig{
			Backend:          "memory",
			Prefix:           "heimdall:cache:",
			CleanupThreshold: 1000,
			BigCache: BigCacheConfig{
				LifeWindow:       24 * time.Hour,
				CleanWindow:      5 * time.Minute,
				Shards:           64,
				MaxEntrySize:     4096,
				HardMaxCacheSize: 256,
			},
		},
		HTTPClient: HTTPClientConfig{
			Timeout:         15 * time.Second,
			MaxAttempts:     3,
			RetryInitial:    500 * time.Millisecond,
			RetryMaxBackoff: 2 * time.Second,
			SlowThreshold:   3 * time.Second,
			MaxBodyBytes:    8 << 20,
		},
		Storage:   StorageConfig{Backend: "badger", BadgerPath: "data/heimdall", Prefix: "heimdall:"},
		Redis:     RedisConfig{Addr: "127.0.0.1:6379", PoolSize: 10, ReadTimeout: 3 * time.Second, WriteTimeout: 3 * time.Second},
		Kafka:     KafkaConfig{Topic: "heimdall.traces", WriteTimeout: 5 * time.Second, BatchSize: 100, Async: true},
		Scheduler: SchedulerConfig{PruneInterval: time.Minute, FlushInterval: 30 * time.Second, DecayInterval: time.Minute},
		Telemetry: TelemetryConfig{TraceCapacity: 100, BodyPrefixLimit: 300},
		Snowflake: SnowflakeConfig{Type: "sonyflake", StartTime: "2024-01-01", MachineID: 1},
	}
}

var (
	vInstance = viper.New()
	validate  = validator.New()

	hooksMu  sync.Mutex
	onReload []func(*Config)
)

// RegisterReloadHook 注册配置热更新回调。
func RegisterReloadHook(hook func(*Config)) {
	if hook == nil {
		return
	}
	hooksMu.Lock()
	defer hooksMu.Unlock()
	onReload = append(onReload, hook)
}

// Validate 校验配置结构。
func Validate(conf *Config) error {
	if err := validate.Struct(conf); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// Load 加载配置：先填充默认值，再依次叠加配置文件与环境变量。
// path 为空时仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	conf := Default()

	vInstance.SetConfigType("toml")
	vInstance.SetEnvPrefix(EnvPrefix)
	vInstance.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vInstance.AutomaticEnv()
	bindEnvKeys(vInstance)

	if path != "" {
		vInstance.SetConfigFile(path)
		if err := vInstance.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config error: %w", err)
		}
	}

	if err := vInstance.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("unmarshal config error: %w", err)
	}
	if err := Validate(conf); err != nil {
		return nil, err
	}

	if path != "" {
		watch(conf)
	}
	return conf, nil
}

// bindEnvKeys 让仅通过环境变量提供的常用键也能参与 Unmarshal。
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"log.level", "server.addr", "server.environment", "storage.backend", "storage.badger_path",
		"cache.backend", "redis.addr", "redis.password", "tracing.enabled", "tracing.otlp_endpoint",
		"kafka.enabled", "minio.enabled",
	} {
		_ = v.BindEnv(key)
	}
}

func watch(conf *Config) {
	vInstance.WatchConfig()
	vInstance.OnConfigChange(func(event fsnotify.Event) {
		slog.Info("detecting config change", "file", event.Name)
		const debounceTimeout = 500 * time.Millisecond
		time.Sleep(debounceTimeout)

		next := Default()
		if err := vInstance.Unmarshal(next); err != nil {
			slog.Error("reload config unmarshal failed", "error", err)
			return
		}
		if err := Validate(next); err != nil {
			slog.Error("reload config validation failed", "error", err)
			return
		}

		logging.SetLevel(next.Log.Level)
		*conf = *next
		slog.Info("config hot-reloaded and validated successfully")

		hooksMu.Lock()
		hooks := append([]func(*Config){}, onReload...)
		hooksMu.Unlock()
		for _, hook := range hooks {
			hook(next)
		}
	})
}

// PrintWithMask 脱敏打印当前配置.
func PrintWithMask(conf any) {
	masked, err := Masked(conf)
	if err != nil {
		slog.Error("failed to mask config for printing", "error", err)
		return
	}
	slog.Info("Current effective configuration", "config", masked)
}

// Masked 返回脱敏后的配置 JSON 文本。
func Masked(conf any) (string, error) {
	data, err := json.Marshal(conf)
	if err != nil {
		return "", err
	}

	var configMap map[string]any
	if err := json.Unmarshal(data, &configMap); err != nil {
		return "", err
	}

	mask(configMap)

	maskedJSON, err := json.MarshalIndent(configMap, "", "  ")
	if err != nil {
		return "", err
	}
	return string(maskedJSON), nil
}

func mask(configMap map[string]any) {
	sensitiveKeys := []string{"password", "secret", "dsn", "keys", "token", "access_key"}

	for key, val := range configMap {
		lower := strings.ToLower(key)
		sensitive := false
		for _, sensitiveKey := range sensitiveKeys {
			if strings.Contains(lower, sensitiveKey) {
				sensitive = true
				break
			}
		}
		if sensitive {
			configMap[key] = maskValue(val)
			continue
		}

		if subMap, ok := val.(map[string]any); ok {
			mask(subMap)
			continue
		}

		if slice, ok := val.([]any); ok {
			for _, item := range slice {
				if itemMap, ok := item.(map[string]any); ok {
					mask(itemMap)
				}
			}
		}
	}
}

// maskValue 保留 map 的键（例如数据源名称），只隐藏值。
func maskValue(val any) any {
	if m, ok := val.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k := range m {
			out[k] = "******"
		}
		return out
	}
	if val == nil || val == "" {
		return val
	}
	return "******"
}

// GetViper 返回底层的 Viper 实例.
func GetViper() *viper.Viper {
	return vInstance
}
