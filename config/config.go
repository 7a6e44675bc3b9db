package config

import (
	"errors"
	"fmt"
	"time"

	"taskviews/pkg/config"
	"taskviews/pkg/logger"
)

// ProjectionConfig 投影引擎和批处理配置
type ProjectionConfig struct {
	ItemParallelism           int           `yaml:"item_parallelism"`
	BatchTimeout              time.Duration `yaml:"batch_timeout"`
	MaxDeliveries             int64         `yaml:"max_deliveries"` // 超过后批次进入死信队列
	TaskViewBatchSize         int           `yaml:"task_view_batch_size"`
	LegacyCompletionTimestamp bool          `yaml:"legacy_completion_timestamp"`
	DashboardDebounce         time.Duration `yaml:"dashboard_debounce"`
	DashboardTimeout          time.Duration `yaml:"dashboard_timeout"`
	DashboardLockTTL          time.Duration `yaml:"dashboard_lock_ttl"`
}

// StreamConfig 一个变更流对应的队列
type StreamConfig struct {
	Queue      string `yaml:"queue"`
	RoutingKey string `yaml:"routing_key"`
}

type StreamsConfig struct {
	Tasks StreamConfig `yaml:"tasks"`
	Users StreamConfig `yaml:"users"`
}

type CheckpointConfig struct {
	Path string `yaml:"path"`
}

// RetryConfig 失败视图重试配置
type RetryConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// RebuildConfig 全量重建配置
type RebuildConfig struct {
	Schedule    string `yaml:"schedule"` // cron 表达式，空则不调度
	Parallelism int    `yaml:"parallelism"`
	OnStartup   bool   `yaml:"on_startup"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

type Config struct {
	Service        string               `yaml:"service"`
	DB             config.DBConfig      `yaml:"db"`
	MQ             config.MQConfig      `yaml:"mq"`
	Redis          config.RedisConfig   `yaml:"redis"`
	Server         config.ServerConfig  `yaml:"server"`
	Logger         logger.Config        `yaml:"logger"`
	Tracing        TracingConfig        `yaml:"tracing"`
	Projection     ProjectionConfig     `yaml:"projection"`
	Streams        StreamsConfig        `yaml:"streams"`
	Checkpoint     CheckpointConfig     `yaml:"checkpoint"`
	Retry          RetryConfig          `yaml:"retry"`
	Rebuild        RebuildConfig        `yaml:"rebuild"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// Load 使用统一配置中心加载配置
func Load() (*Config, error) {
	env := config.GetConfigEnv()
	configDir := config.GetEnv("CONFIG_DIR", "config")

	cfgMap, err := config.LoadConfig(env, configDir)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := config.Decode(cfgMap, &cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖（优先级最高）
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideServerFromEnv(&cfg.Server)

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Service == "" {
		c.Service = "taskviews-worker"
	}
	if c.MQ.Exchange == "" {
		c.MQ.Exchange = "events"
	}
	if c.MQ.Prefetch <= 0 {
		c.MQ.Prefetch = 1
	}
	if c.Projection.ItemParallelism <= 0 {
		c.Projection.ItemParallelism = 8
	}
	if c.Projection.BatchTimeout <= 0 {
		c.Projection.BatchTimeout = 30 * time.Second
	}
	if c.Projection.MaxDeliveries <= 0 {
		c.Projection.MaxDeliveries = 5
	}
	if c.Projection.TaskViewBatchSize <= 0 {
		c.Projection.TaskViewBatchSize = 100
	}
	if c.Projection.DashboardTimeout <= 0 {
		c.Projection.DashboardTimeout = 30 * time.Second
	}
	if c.Projection.DashboardLockTTL <= 0 {
		c.Projection.DashboardLockTTL = time.Minute
	}
	if c.Streams.Tasks.RoutingKey == "" {
		c.Streams.Tasks.RoutingKey = "tasks.changed"
	}
	if c.Streams.Users.RoutingKey == "" {
		c.Streams.Users.RoutingKey = "users.changed"
	}
	if c.Retry.Interval <= 0 {
		c.Retry.Interval = 5 * time.Second
	}
	if c.Retry.BatchSize <= 0 {
		c.Retry.BatchSize = 50
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 10
	}
	if c.Rebuild.Parallelism <= 0 {
		c.Rebuild.Parallelism = 8
	}
	if c.CircuitBreaker.MaxFailures <= 0 {
		c.CircuitBreaker.MaxFailures = 5
	}
	if c.CircuitBreaker.ResetTimeout <= 0 {
		c.CircuitBreaker.ResetTimeout = 30 * time.Second
	}
}

// Validate 启动时校验配置
func (c *Config) Validate() error {
	var errs []error
	if c.DB.Host == "" || c.DB.Name == "" {
		errs = append(errs, errors.New("db.host and db.name are required"))
	}
	if c.MQ.URL == "" {
		errs = append(errs, errors.New("mq.url is required"))
	}
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Streams.Tasks.Queue == "" || c.Streams.Users.Queue == "" {
		errs = append(errs, errors.New("streams.tasks.queue and streams.users.queue are required"))
	}
	if c.Checkpoint.Path == "" {
		errs = append(errs, errors.New("checkpoint.path is required"))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio %v out of [0,1]", c.Tracing.SampleRatio))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

