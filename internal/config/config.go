package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Processors ProcessorsConfig `mapstructure:"processors"`
	Health     HealthConfig     `mapstructure:"health"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Summary    SummaryConfig    `mapstructure:"summary"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RedisConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	Password          string        `mapstructure:"password"`
	DB                int           `mapstructure:"db"`
	PoolSize          int           `mapstructure:"pool_size"`
	ConnectRetries    uint          `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type ProcessorsConfig struct {
	DefaultURL          string        `mapstructure:"default_url"`
	FallbackURL         string        `mapstructure:"fallback_url"`
	PaymentTimeout      time.Duration `mapstructure:"payment_timeout"`
	HealthTimeout       time.Duration `mapstructure:"health_timeout"`
	RetryAttempts       uint          `mapstructure:"retry_attempts"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	BreakerMinRequests  uint32        `mapstructure:"breaker_min_requests"`
	BreakerFailureRatio float64       `mapstructure:"breaker_failure_ratio"`
	BreakerTimeout      time.Duration `mapstructure:"breaker_timeout"`
	// BreakerHalfOpenRequests caps trial requests while a breaker is half-open.
	// Zero sizes it to the dispatch gate.
	BreakerHalfOpenRequests uint32 `mapstructure:"breaker_half_open_requests"`
}

// HalfOpenRequests returns the half-open trial budget for a dispatch gate of
// the given size.
func (c ProcessorsConfig) HalfOpenRequests(concurrency int) uint32 {
	if c.BreakerHalfOpenRequests > 0 {
		return c.BreakerHalfOpenRequests
	}
	return uint32(max(concurrency, 1))
}

type HealthConfig struct {
	FreshWindow     time.Duration `mapstructure:"fresh_window"`
	StatusTTL       time.Duration `mapstructure:"status_ttl"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	MonitorEnabled  bool          `mapstructure:"monitor_enabled"`
}

type WorkerConfig struct {
	Count          int           `mapstructure:"count"`
	BatchSize      int           `mapstructure:"batch_size"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	IdleSleep      time.Duration `mapstructure:"idle_sleep"`
	ErrorBackoff   time.Duration `mapstructure:"error_backoff"`
}

// Concurrency returns the size of the dispatch gate, deriving it from
// GOMAXPROCS when unset.
func (c WorkerConfig) Concurrency() int {
	if c.MaxConcurrency > 0 {
		return c.MaxConcurrency
	}
	return 16 * runtime.GOMAXPROCS(0)
}

type SummaryConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("worker.count", "WORKER_COUNT", "N_WORKERS"); err != nil {
		return nil, fmt.Errorf("failed to bind worker.count: %w", err)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/rinha")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Redis.Host == "" {
		errs = append(errs, fmt.Errorf("redis.host is required"))
	}
	if c.Redis.Port <= 0 {
		errs = append(errs, fmt.Errorf("redis.port must be positive"))
	}
	if c.Redis.ConnectRetries == 0 {
		errs = append(errs, fmt.Errorf("redis.connect_retries must be positive"))
	}
	if c.Processors.DefaultURL == "" {
		errs = append(errs, fmt.Errorf("processors.default_url is required"))
	}
	if c.Processors.FallbackURL == "" {
		errs = append(errs, fmt.Errorf("processors.fallback_url is required"))
	}
	if c.Processors.PaymentTimeout <= 0 {
		errs = append(errs, fmt.Errorf("processors.payment_timeout must be positive"))
	}
	if c.Processors.RetryAttempts == 0 {
		errs = append(errs, fmt.Errorf("processors.retry_attempts must be positive"))
	}
	if c.Processors.BreakerFailureRatio <= 0 || c.Processors.BreakerFailureRatio > 1 {
		errs = append(errs, fmt.Errorf("processors.breaker_failure_ratio must be in (0, 1]"))
	}
	if c.Health.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("health.lock_ttl must be positive"))
	}
	if c.Health.StatusTTL < c.Health.FreshWindow {
		errs = append(errs, fmt.Errorf("health.status_ttl must not be shorter than health.fresh_window"))
	}
	if c.Health.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("health.probe_timeout must be positive"))
	}
	if c.Health.MonitorInterval <= 0 {
		errs = append(errs, fmt.Errorf("health.monitor_interval must be positive"))
	}
	if c.Worker.Count <= 0 {
		errs = append(errs, fmt.Errorf("worker.count must be positive"))
	}
	if c.Worker.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("worker.batch_size must be positive"))
	}
	if c.Worker.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("worker.max_concurrency must not be negative"))
	}
	if c.Worker.IdleSleep <= 0 {
		errs = append(errs, fmt.Errorf("worker.idle_sleep must be positive"))
	}
	if c.Summary.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("summary.poll_interval must be positive"))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 64)
	v.SetDefault("redis.connect_retries", 60)
	v.SetDefault("redis.connect_retry_delay", "1s")

	v.SetDefault("processors.default_url", "http://payment-processor-default:8080")
	v.SetDefault("processors.fallback_url", "http://payment-processor-fallback:8080")
	v.SetDefault("processors.payment_timeout", "2s")
	v.SetDefault("processors.health_timeout", "5s")
	v.SetDefault("processors.retry_attempts", 3)
	v.SetDefault("processors.retry_delay", "0s")
	v.SetDefault("processors.breaker_min_requests", 50)
	v.SetDefault("processors.breaker_failure_ratio", 0.95)
	v.SetDefault("processors.breaker_timeout", "2s")
	v.SetDefault("processors.breaker_half_open_requests", 0)

	v.SetDefault("health.fresh_window", "10s")
	v.SetDefault("health.status_ttl", "60s")
	v.SetDefault("health.lock_ttl", "10s")
	v.SetDefault("health.probe_timeout", "5s")
	v.SetDefault("health.monitor_interval", "5s")
	v.SetDefault("health.monitor_enabled", true)

	v.SetDefault("worker.count", 1)
	v.SetDefault("worker.batch_size", 100)
	v.SetDefault("worker.max_concurrency", 0)
	v.SetDefault("worker.idle_sleep", "5ms")
	v.SetDefault("worker.error_backoff", "1s")

	v.SetDefault("summary.poll_interval", "5ms")

	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.enabled", true)
}
