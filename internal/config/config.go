// Package config loads the fabric's runtime configuration from environment
// variables into a single nested Config struct.
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	AppEnv string

	Log struct {
		Level string
	}

	Postgres struct {
		DSN      string
		MaxConns int32
	}

	Redis struct {
		Addr       string
		Username   string
		Password   string
		DB         int
		TLSEnabled bool
	}

	RedisLock struct {
		KeyPrefix       string
		TTL             time.Duration
		RefreshInterval time.Duration
	}

	NATS struct {
		URL            string
		OpsLogSubject  string
		ConnectTimeout time.Duration
	}

	Sentry struct {
		DSN         string
		Environment string
		Release     string
	}

	Prometheus struct {
		Namespace string
	}

	OpsLog struct {
		BufferSize    int
		FlushInterval time.Duration
		FlushBatch    int
	}

	Cache struct {
		CleanupInterval time.Duration
		DefaultTTL      time.Duration
	}

	TaskQueue struct {
		RetryDelays     []time.Duration
		BatchSize       int
		BatchTimeout    time.Duration
		CleanupInterval time.Duration
		CompletedTTL    time.Duration
	}

	Polling struct {
		MinInterval     time.Duration
		MaxInterval     time.Duration
		BackoffFactor   float64
		BatchSize       int
	}

	Shutdown struct {
		Timeout time.Duration
	}
}

// FromEnv builds a Config from the process environment, applying the same
// defaults-with-fallback pattern used throughout this service.
func FromEnv() Config {
	var cfg Config

	cfg.AppEnv = getenv("FABRIC_APP_ENV", "development")
	cfg.Log.Level = getenv("FABRIC_LOG_LEVEL", "INFO")

	cfg.Postgres.DSN = getenv("FABRIC_POSTGRES_DSN", "postgres://localhost:5432/fabric?sslmode=disable")
	cfg.Postgres.MaxConns = int32(getenvInt("FABRIC_POSTGRES_MAX_CONNS", 20))

	cfg.Redis.Addr = getenv("FABRIC_REDIS_ADDR", "localhost:6379")
	cfg.Redis.Username = getenv("FABRIC_REDIS_USERNAME", "")
	cfg.Redis.Password = getenv("FABRIC_REDIS_PASSWORD", "")
	cfg.Redis.DB = getenvInt("FABRIC_REDIS_DB", 0)
	cfg.Redis.TLSEnabled = getenvBool("FABRIC_REDIS_TLS", false)

	cfg.RedisLock.KeyPrefix = getenv("FABRIC_LOCK_PREFIX", "fabric:lock:")
	cfg.RedisLock.TTL = getenvDuration("FABRIC_LOCK_TTL", 30*time.Second)
	cfg.RedisLock.RefreshInterval = getenvDuration("FABRIC_LOCK_REFRESH_INTERVAL", 10*time.Second)

	cfg.NATS.URL = getenv("FABRIC_NATS_URL", "")
	cfg.NATS.OpsLogSubject = getenv("FABRIC_NATS_OPSLOG_SUBJECT", "fabric.opslog")
	cfg.NATS.ConnectTimeout = getenvDuration("FABRIC_NATS_CONNECT_TIMEOUT", 5*time.Second)

	cfg.Sentry.DSN = getenv("FABRIC_SENTRY_DSN", "")
	cfg.Sentry.Environment = getenv("FABRIC_SENTRY_ENVIRONMENT", cfg.AppEnv)
	cfg.Sentry.Release = getenv("FABRIC_SENTRY_RELEASE", "")

	cfg.Prometheus.Namespace = getenv("FABRIC_PROMETHEUS_NAMESPACE", "fabric")

	cfg.OpsLog.BufferSize = getenvInt("FABRIC_OPSLOG_BUFFER_SIZE", 1024)
	cfg.OpsLog.FlushInterval = getenvDuration("FABRIC_OPSLOG_FLUSH_INTERVAL", 2*time.Second)
	cfg.OpsLog.FlushBatch = getenvInt("FABRIC_OPSLOG_FLUSH_BATCH", 50)

	cfg.Cache.CleanupInterval = getenvDuration("FABRIC_CACHE_CLEANUP_INTERVAL", time.Minute)
	cfg.Cache.DefaultTTL = getenvDuration("FABRIC_CACHE_DEFAULT_TTL", 5*time.Minute)

	cfg.TaskQueue.RetryDelays = []time.Duration{
		1 * time.Second, 5 * time.Second, 15 * time.Second, 60 * time.Second, 300 * time.Second,
	}
	cfg.TaskQueue.BatchSize = getenvInt("FABRIC_TASKQUEUE_BATCH_SIZE", 10)
	cfg.TaskQueue.BatchTimeout = getenvDuration("FABRIC_TASKQUEUE_BATCH_TIMEOUT", 30*time.Second)
	cfg.TaskQueue.CleanupInterval = getenvDuration("FABRIC_TASKQUEUE_CLEANUP_INTERVAL", 10*time.Minute)
	cfg.TaskQueue.CompletedTTL = getenvDuration("FABRIC_TASKQUEUE_COMPLETED_TTL", 24*time.Hour)

	cfg.Polling.MinInterval = getenvDuration("FABRIC_POLLING_MIN_INTERVAL", 500*time.Millisecond)
	cfg.Polling.MaxInterval = getenvDuration("FABRIC_POLLING_MAX_INTERVAL", 30*time.Second)
	cfg.Polling.BackoffFactor = getenvFloat("FABRIC_POLLING_BACKOFF_FACTOR", 1.5)
	cfg.Polling.BatchSize = getenvInt("FABRIC_POLLING_BATCH_SIZE", 20)

	cfg.Shutdown.Timeout = getenvDuration("FABRIC_SHUTDOWN_TIMEOUT", 15*time.Second)

	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

