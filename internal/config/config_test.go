package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, "INFO", cfg.Log.Level)
	assert.Equal(t, int32(20), cfg.Postgres.MaxConns)
	assert.Equal(t, 30*time.Second, cfg.RedisLock.TTL)
	assert.Len(t, cfg.TaskQueue.RetryDelays, 5)
	assert.Equal(t, 500*time.Millisecond, cfg.Polling.MinInterval)
	assert.Equal(t, 1.5, cfg.Polling.BackoffFactor)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("FABRIC_APP_ENV", "production")
	t.Setenv("FABRIC_POSTGRES_MAX_CONNS", "5")
	t.Setenv("FABRIC_REDIS_TLS", "true")
	t.Setenv("FABRIC_POLLING_BACKOFF_FACTOR", "3")

	cfg := FromEnv()

	assert.Equal(t, "production", cfg.AppEnv)
	assert.Equal(t, int32(5), cfg.Postgres.MaxConns)
	assert.True(t, cfg.Redis.TLSEnabled)
	assert.Equal(t, 3.0, cfg.Polling.BackoffFactor)
}

func TestGetenvDurationFallsBackOnInvalid(t *testing.T) {
	os.Setenv("FABRIC_TEST_DURATION", "not-a-duration")
	defer os.Unsetenv("FABRIC_TEST_DURATION")

	got := getenvDuration("FABRIC_TEST_DURATION", 7*time.Second)
	assert.Equal(t, 7*time.Second, got)
}
