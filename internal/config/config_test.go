package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.Equal(t, uint(60), cfg.Redis.ConnectRetries)
	assert.Equal(t, 2*time.Second, cfg.Processors.PaymentTimeout)
	assert.Equal(t, 5*time.Second, cfg.Processors.HealthTimeout)
	assert.Equal(t, uint(3), cfg.Processors.RetryAttempts)
	assert.Equal(t, 10*time.Second, cfg.Health.FreshWindow)
	assert.Equal(t, 60*time.Second, cfg.Health.StatusTTL)
	assert.Equal(t, 10*time.Second, cfg.Health.LockTTL)
	assert.Equal(t, 5*time.Second, cfg.Health.MonitorInterval)
	assert.True(t, cfg.Health.MonitorEnabled)
	assert.Equal(t, 100, cfg.Worker.BatchSize)
	assert.Equal(t, 5*time.Millisecond, cfg.Worker.IdleSleep)
	assert.Equal(t, 5*time.Millisecond, cfg.Summary.PollInterval)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("PROCESSORS_DEFAULT_URL", "http://default:9000")
	t.Setenv("HEALTH_MONITOR_ENABLED", "false")
	t.Setenv("WORKER_BATCH_SIZE", "200")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis:6379", cfg.Redis.Addr())
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, "http://default:9000", cfg.Processors.DefaultURL)
	assert.False(t, cfg.Health.MonitorEnabled)
	assert.Equal(t, 200, cfg.Worker.BatchSize)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_LegacyWorkerCount(t *testing.T) {
	t.Setenv("N_WORKERS", "4")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Worker.Count)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("WORKER_BATCH_SIZE", "0")
	t.Setenv("SERVER_PORT", "70000")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker.batch_size")
	assert.Contains(t, err.Error(), "server.port")
}

func TestValidate_HealthWindows(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Health.StatusTTL = time.Second
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health.status_ttl")
}

func TestProcessorsConfig_HalfOpenRequests(t *testing.T) {
	assert.Equal(t, uint32(64), ProcessorsConfig{}.HalfOpenRequests(64))
	assert.Equal(t, uint32(5), ProcessorsConfig{BreakerHalfOpenRequests: 5}.HalfOpenRequests(64))
	assert.Equal(t, uint32(1), ProcessorsConfig{}.HalfOpenRequests(0))
}

func TestLoad_HalfOpenRequestsOverride(t *testing.T) {
	t.Setenv("PROCESSORS_BREAKER_HALF_OPEN_REQUESTS", "12")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, uint32(12), cfg.Processors.BreakerHalfOpenRequests)
}

func TestWorkerConfig_Concurrency(t *testing.T) {
	assert.Equal(t, 8, WorkerConfig{MaxConcurrency: 8}.Concurrency())
	assert.Positive(t, WorkerConfig{}.Concurrency())
}
