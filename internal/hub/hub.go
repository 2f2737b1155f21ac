// Package hub implements the Coordination Hub: the lifecycle owner that
// wires the Store Gateway, Message Bus, Result Cache, Session Store, Task
// Queue, Notification Service and Polling Supervisor together, and runs
// the shared background schedulers.
package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sabiedu/sabiedu-edulms/internal/config"
	"github.com/sabiedu/sabiedu-edulms/internal/locks"
	natsclient "github.com/sabiedu/sabiedu-edulms/internal/nats"
	"github.com/sabiedu/sabiedu-edulms/internal/messagebus"
	"github.com/sabiedu/sabiedu-edulms/internal/notify"
	"github.com/sabiedu/sabiedu-edulms/internal/observability"
	"github.com/sabiedu/sabiedu-edulms/internal/opslog"
	"github.com/sabiedu/sabiedu-edulms/internal/polling"
	"github.com/sabiedu/sabiedu-edulms/internal/rcache"
	redisclient "github.com/sabiedu/sabiedu-edulms/internal/redis"
	"github.com/sabiedu/sabiedu-edulms/internal/session"
	"github.com/sabiedu/sabiedu-edulms/internal/sentry"
	"github.com/sabiedu/sabiedu-edulms/internal/store"
	"github.com/sabiedu/sabiedu-edulms/internal/taskqueue"

	redis "github.com/redis/go-redis/v9"
	"github.com/prometheus/client_golang/prometheus"
)

// Hub is the single entrypoint a process uses to reach every fabric
// component.
type Hub struct {
	cfg config.Config
	log *slog.Logger

	Store    *store.Gateway
	Bus      messagebus.Bus
	Cache    *rcache.Cache
	Sessions *session.Store
	Tasks    *taskqueue.Queue
	Notify   *notify.Service
	Polling  *polling.Supervisor
	Metrics  *observability.Metrics

	opsLog     *opslog.Writer
	natsClient *natsclient.Client
	redis      *redis.Client
	lockMgr    *locks.CircuitBreakerManager
	instanceID string

	stopSchedulers chan struct{}
}

// New constructs every component but does not start background loops;
// call Start for that.
func New(ctx context.Context, cfg config.Config, log *slog.Logger, metricsReg prometheus.Registerer) (*Hub, error) {
	if log == nil {
		log = slog.Default()
	}

	gw, err := store.New(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, log)
	if err != nil {
		sentry.CaptureFatal("hub.store", err)
		return nil, err
	}

	var natsClient *natsclient.Client
	var mirror opslog.Mirror
	if cfg.NATS.URL != "" {
		natsClient = natsclient.NewClient(natsclient.Config{
			URL:            cfg.NATS.URL,
			ConnectTimeout: cfg.NATS.ConnectTimeout,
			ReconnectWait:  2 * time.Second,
			MaxReconnects:  -1,
			PublishTimeout: 2 * time.Second,
		}, log)
		if err := natsClient.Connect(ctx); err != nil {
			log.Warn("hub: nats mirror disabled, connect failed", slog.String("error", err.Error()))
			natsClient = nil
		} else {
			mirror = opslog.NewNATSMirror(natsClient, cfg.NATS.OpsLogSubject, log)
		}
	}

	ops := opslog.New(gw, mirror, cfg.OpsLog.BufferSize, cfg.OpsLog.FlushBatch, cfg.OpsLog.FlushInterval, log)

	redisClient := redisclient.NewClient(redisclient.Config{
		Addr: cfg.Redis.Addr, Username: cfg.Redis.Username, Password: cfg.Redis.Password,
		DB: cfg.Redis.DB, TLSEnabled: cfg.Redis.TLSEnabled,
	})
	baseLockMgr := locks.NewRedisManager(redisClient)
	lockMgr := locks.NewCircuitBreakerManager(baseLockMgr, locks.DefaultCircuitBreakerConfig())

	var metrics *observability.Metrics
	if metricsReg != nil {
		metrics = observability.NewMetrics(cfg.Prometheus.Namespace, metricsReg)
		lockMgr.SetMetrics(locks.CircuitBreakerMetricsCallbacks{
			LockSuccess:       metrics.LockAcquireSuccess.Inc,
			LockFailure:       metrics.LockAcquireFailure.Inc,
			CircuitState:      metrics.CircuitBreakerState.Set,
			ReacquireAttempt:  func(instanceID, result string) { metrics.LockReacquireAttempts.WithLabelValues(instanceID, result).Inc() },
			ReacquireFallback: func(instanceID, circuitState string) { metrics.LockReacquireFallback.WithLabelValues(instanceID, circuitState).Inc() },
		})
	}
	lockMgr.OnStateChange(func(old, new locks.CircuitState) {
		log.Warn("hub: scheduler lock circuit breaker state changed", slog.String("from", old.String()), slog.String("to", new.String()))
	})

	h := &Hub{
		cfg:            cfg,
		log:            log,
		Store:          gw,
		Bus:            messagebus.New(gw),
		Cache:          rcache.New(gw),
		Sessions:       session.New(gw),
		Tasks:          taskqueue.New(gw, log),
		Notify:         notify.New(gw, log),
		Metrics:        metrics,
		opsLog:         ops,
		natsClient:     natsClient,
		redis:          redisClient,
		lockMgr:        lockMgr,
		instanceID:     uuid.New().String(),
		stopSchedulers: make(chan struct{}),
	}
	h.Polling = polling.New(h.Bus, polling.Config{
		MinInterval: cfg.Polling.MinInterval, MaxInterval: cfg.Polling.MaxInterval,
		BackoffFactor: cfg.Polling.BackoffFactor, BatchSize: cfg.Polling.BatchSize,
	}, log)

	return h, nil
}

// Start rehydrates subscriptions and launches the shared background
// schedulers (cache cleanup, task cleanup), each guarded by the
// distributed lock so only one fabric process runs them at a time.
func (h *Hub) Start(ctx context.Context) error {
	h.opsLog.Start()

	if err := h.Notify.Start(ctx); err != nil {
		return err
	}

	go h.runScheduler(ctx, "cache-cleanup", h.cfg.Cache.CleanupInterval, func(ctx context.Context) {
		if _, err := h.Cache.CleanupExpired(ctx); err != nil {
			h.log.Warn("hub: cache cleanup failed", slog.String("error", err.Error()))
		}
	})
	go h.runScheduler(ctx, "task-cleanup", h.cfg.TaskQueue.CleanupInterval, func(ctx context.Context) {
		if _, err := h.Tasks.CleanupCompleted(ctx, h.cfg.TaskQueue.CompletedTTL); err != nil {
			h.log.Warn("hub: task cleanup failed", slog.String("error", err.Error()))
		}
	})

	sentry.CaptureLifecycleEvent("started", nil, nil)
	return nil
}

// Stop tears components down in reverse order of Start, bounded by
// cfg.Shutdown.Timeout.
func (h *Hub) Stop(ctx context.Context) {
	close(h.stopSchedulers)

	shutdownCtx, cancel := context.WithTimeout(ctx, h.cfg.Shutdown.Timeout)
	defer cancel()

	h.Polling.StopAll(shutdownCtx)
	h.opsLog.Stop(shutdownCtx)
	h.lockMgr.StopHealthCheck()
	if h.natsClient != nil {
		h.natsClient.Close()
	}
	if h.redis != nil {
		_ = h.redis.Close()
	}
	h.Store.Close()

	sentry.CaptureLifecycleEvent("stopped", nil, nil)
}

// HealthCheck reports the Store Gateway's round-trip latency and, when
// metrics are enabled, records it on the store latency histogram.
func (h *Hub) HealthCheck(ctx context.Context) (time.Duration, error) {
	latency, err := h.Store.HealthCheck(ctx)
	if h.Metrics != nil && err == nil {
		h.Metrics.StoreLatency.Observe(latency.Seconds())
	}
	return latency, err
}

// LogOp records an entry on the best-effort operation log.
func (h *Hub) LogOp(agentID, operation string, success bool, detail string) {
	h.opsLog.Log(opslog.Entry{AgentID: agentID, Operation: operation, Success: success, Detail: detail})
}

// runScheduler is a supervised ticker loop guarded by a singleton
// Redis-backed lock: when multiple fabric processes share one Postgres,
// only the process currently holding name's lock actually runs fn. A
// Redis outage trips the manager's circuit breaker, which falls back to a
// no-op lock that always "succeeds" — favoring availability (every process
// runs cleanup) over strict single-runner correctness while Redis is down.
func (h *Hub) runScheduler(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	key := h.cfg.RedisLock.KeyPrefix + name
	ttl := int(h.cfg.RedisLock.TTL.Seconds())

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopSchedulers:
			return
		case <-ticker.C:
			lock, acquired, err := h.lockMgr.Acquire(ctx, key, ttl)
			if err != nil || !acquired {
				continue
			}
			stopKeepAlive := make(chan struct{})
			go h.keepAliveLock(ctx, key, lock, stopKeepAlive)
			fn(ctx)
			close(stopKeepAlive)
			_ = lock.Release(ctx)
		}
	}
}

// keepAliveLock periodically confirms this process still owns lock while fn
// runs, so a scheduler whose Redis lock has been stolen or expired out from
// under it (circuit breaker fallback handed a no-op lock to someone else)
// is observable instead of silently racing another instance.
func (h *Hub) keepAliveLock(ctx context.Context, key string, lock locks.Lock, stop chan struct{}) {
	interval := h.cfg.RedisLock.RefreshInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			owned, err := h.lockMgr.CheckLockOwnership(ctx, key, lock)
			if err != nil || !owned {
				h.lockMgr.RecordLockReacquireFallback(h.instanceID, h.lockMgr.GetState())
				h.log.Warn("hub: scheduler lock ownership lost mid-run", slog.String("key", key))
				continue
			}
			h.lockMgr.RecordLockReacquire(h.instanceID, "ok")
		}
	}
}
