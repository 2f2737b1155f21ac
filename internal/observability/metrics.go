package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors exported by the coordination
// fabric.
type Metrics struct {
	MessagesPublished *prometheus.CounterVec
	MessagesPolled    *prometheus.CounterVec
	MessagesAcked     *prometheus.CounterVec

	TasksEnqueued *prometheus.CounterVec
	TasksDequeued *prometheus.CounterVec
	TasksRetried  *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	PollerBacklog *prometheus.GaugeVec
	StoreLatency  prometheus.Histogram

	LockAcquireSuccess    prometheus.Counter
	LockAcquireFailure    prometheus.Counter
	CircuitBreakerState   prometheus.Gauge
	LockReacquireAttempts *prometheus.CounterVec
	LockReacquireFallback *prometheus.CounterVec
}

// NewMetrics registers collectors with the provided namespace.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_published_total", Help: "Total messages published to the bus.",
		}, []string{"kind"}),
		MessagesPolled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_polled_total", Help: "Total messages returned by a poll.",
		}, []string{"agent_id"}),
		MessagesAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_acked_total", Help: "Total messages acknowledged.",
		}, []string{"agent_id"}),
		TasksEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_enqueued_total", Help: "Total tasks enqueued.",
		}, []string{"kind"}),
		TasksDequeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_dequeued_total", Help: "Total tasks dequeued.",
		}, []string{"agent_id"}),
		TasksRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_retried_total", Help: "Total task retry attempts scheduled.",
		}, []string{"kind"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_processing_duration_seconds", Help: "Task processing duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total", Help: "Total result cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_misses_total", Help: "Total result cache misses.",
		}),
		PollerBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "poller_backlog", Help: "Unprocessed message count observed by an agent's poller.",
		}, []string{"agent_id"}),
		StoreLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "store_health_check_seconds", Help: "Store gateway health check round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}),
		LockAcquireSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "scheduler_lock_acquire_success_total", Help: "Total successful distributed scheduler lock acquisitions.",
		}),
		LockAcquireFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "scheduler_lock_acquire_failure_total", Help: "Total failed distributed scheduler lock acquisitions.",
		}),
		CircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "scheduler_lock_circuit_state", Help: "Scheduler lock circuit breaker state (0=closed, 1=open, 2=half-open).",
		}),
		LockReacquireAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scheduler_lock_reacquire_attempts_total", Help: "Total scheduler lock ownership checks during a held lock's lifetime.",
		}, []string{"instance_id", "result"}),
		LockReacquireFallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scheduler_lock_reacquire_fallback_total", Help: "Total times a scheduler lost ownership of its lock mid-run and fell back.",
		}, []string{"instance_id", "circuit_state"}),
	}

	reg.MustRegister(
		m.MessagesPublished, m.MessagesPolled, m.MessagesAcked,
		m.TasksEnqueued, m.TasksDequeued, m.TasksRetried, m.TaskDuration,
		m.CacheHits, m.CacheMisses, m.PollerBacklog, m.StoreLatency,
		m.LockAcquireSuccess, m.LockAcquireFailure, m.CircuitBreakerState,
		m.LockReacquireAttempts, m.LockReacquireFallback,
	)

	return m
}
