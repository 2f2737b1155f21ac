// Package taskqueue implements the Task Queue: a priority+FIFO work queue
// with dependency gating, delayed scheduling, and exponential backoff retry
// for agent-executed work.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sabiedu/sabiedu-edulms/internal/store"
	"github.com/sabiedu/sabiedu-edulms/internal/validate"
)

// Priority is an integer 1..10 where lower values are more urgent: a
// priority-1 task always dequeues before a priority-10 task regardless of
// age.
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 2
	PriorityNormal     Priority = 5
	PriorityLow        Priority = 8
	PriorityBackground Priority = 10
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

const DefaultMaxRetries = 3

// RetryDelays mirrors the fabric's original backoff schedule: attempt N
// waits RetryDelays[min(N, len-1)] before the task is eligible again.
var RetryDelays = []time.Duration{
	1 * time.Second, 5 * time.Second, 15 * time.Second, 60 * time.Second, 300 * time.Second,
}

var (
	ErrNotFound        = errors.New("taskqueue: task not found")
	ErrNotProcessing   = errors.New("taskqueue: task is not in processing state")
	ErrAlreadyFinished = errors.New("taskqueue: task already in a terminal state")
)

type Task struct {
	ID          uuid.UUID
	AgentID     string
	Kind        string
	Params      json.RawMessage
	Priority    Priority
	Status      Status
	DependsOn   []uuid.UUID
	NotBefore   *time.Time
	RetryCount  int
	MaxRetries  int
	Result      json.RawMessage
	LastError   string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Stats summarizes queue activity, optionally scoped to one agent.
// Supplemental operation carried over from the fabric's original task
// queue manager (get_queue_stats).
type Stats struct {
	Total           int64
	Pending         int64
	Processing      int64
	Completed       int64
	Failed          int64
	AvgProcessingMS float64
	SuccessRate     float64
	ByAgent         map[string]int64
	ByKind          map[string]int64
}

type Handler func(ctx context.Context, t Task) error

type Queue struct {
	gw       *store.Gateway
	log      *slog.Logger
	handlers map[string]Handler
}

func New(gw *store.Gateway, log *slog.Logger) *Queue {
	return &Queue{gw: gw, log: log, handlers: make(map[string]Handler)}
}

// RegisterHandler binds kind to a processing function used by BatchProcess.
func (q *Queue) RegisterHandler(kind string, h Handler) {
	q.handlers[kind] = h
}

func (q *Queue) Enqueue(ctx context.Context, t Task) (Task, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Priority == 0 {
		t.Priority = PriorityNormal
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Params == nil {
		t.Params = json.RawMessage("{}")
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = DefaultMaxRetries
	}
	if err := validate.Struct(validate.EnqueueRequest{AgentID: t.AgentID, Kind: t.Kind, Priority: int(t.Priority)}); err != nil {
		return Task{}, err
	}

	err := q.gw.QueryRow(ctx, "taskqueue.enqueue", `
		INSERT INTO tasks (id, agent_id, kind, params, priority, status, depends_on, not_before, retry_count, max_retries, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, now())
		RETURNING created_at
	`, func(row pgx.Row) error {
		return row.Scan(&t.CreatedAt)
	}, t.ID, t.AgentID, t.Kind, t.Params, int(t.Priority), t.Status, uuidArray(t.DependsOn), t.NotBefore, t.MaxRetries)
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

// EnqueueBatch inserts every task in a single transaction: either all tasks
// land or none do, so a dependency graph is never half-enqueued.
func (q *Queue) EnqueueBatch(ctx context.Context, tasks []Task) ([]Task, error) {
	tx, err := q.gw.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		if t.Priority == 0 {
			t.Priority = PriorityNormal
		}
		if t.Status == "" {
			t.Status = StatusPending
		}
		if t.Params == nil {
			t.Params = json.RawMessage("{}")
		}
		if t.MaxRetries == 0 {
			t.MaxRetries = DefaultMaxRetries
		}
		row := tx.QueryRow(ctx, `
			INSERT INTO tasks (id, agent_id, kind, params, priority, status, depends_on, not_before, retry_count, max_retries, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, now())
			RETURNING created_at
		`, t.ID, t.AgentID, t.Kind, t.Params, int(t.Priority), t.Status, uuidArray(t.DependsOn), t.NotBefore, t.MaxRetries)
		if err := row.Scan(&t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// Dequeue atomically claims the highest-priority (lowest priority number),
// oldest eligible pending task for agentID and marks it processing.
// Eligibility requires not_before to have passed and every dependency to be
// completed; both checks live in the same statement as the claim, so a
// second concurrent dequeuer can never observe a half-claimed or
// stale-eligible row. FOR UPDATE SKIP LOCKED lets concurrent dequeuers skip
// rows already being claimed instead of blocking on them.
func (q *Queue) Dequeue(ctx context.Context, agentID string, kinds ...string) (*Task, error) {
	var t Task
	var notBefore *time.Time
	var dependsOn []uuid.UUID
	var result *json.RawMessage
	if kinds == nil {
		// A nil slice is sent as NULL, and cardinality(NULL) = 0 is not true.
		kinds = []string{}
	}
	err := q.gw.QueryRow(ctx, "taskqueue.dequeue", `
		UPDATE tasks SET status = 'processing', started_at = now()
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'pending'
			  AND agent_id = $1
			  AND (not_before IS NULL OR not_before <= now())
			  AND (cardinality($2::text[]) = 0 OR kind = ANY($2::text[]))
			  AND NOT EXISTS (
			      SELECT 1 FROM tasks dep
			      WHERE dep.id = ANY(tasks.depends_on) AND dep.status <> 'completed'
			  )
			ORDER BY priority ASC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, agent_id, kind, params, priority, status, depends_on, not_before, retry_count, max_retries, result, last_error, created_at, started_at
	`, func(row pgx.Row) error {
		return row.Scan(&t.ID, &t.AgentID, &t.Kind, &t.Params, &t.Priority, &t.Status, &dependsOn, &notBefore, &t.RetryCount, &t.MaxRetries, &result, &t.LastError, &t.CreatedAt, &t.StartedAt)
	}, agentID, kinds)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	t.DependsOn = dependsOn
	t.NotBefore = notBefore
	if result != nil {
		t.Result = *result
	}
	return &t, nil
}

// Complete marks id completed and stores its result. GetQueueStats' average
// processing time is derived from started_at and completed_at.
func (q *Queue) Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	affected, err := q.gw.Exec(ctx, "taskqueue.complete", `
		UPDATE tasks SET status = 'completed', result = $2, completed_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id, result)
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotProcessing
	}
	return nil
}

// Fail records a failed attempt. When retry is true and retry_count has not
// reached the task's own max_retries, the task returns to pending with
// not_before pushed out by the backoff schedule and will_retry is true;
// otherwise (retry is false, or retries are exhausted) the task moves to
// the terminal failed state and will_retry is false.
func (q *Queue) Fail(ctx context.Context, id uuid.UUID, reason string, retry bool) (willRetry bool, err error) {
	var retryCount, maxRetries int
	qerr := q.gw.QueryRow(ctx, "taskqueue.fail_read", `
		SELECT retry_count, max_retries FROM tasks WHERE id = $1 AND status = 'processing'
	`, func(row pgx.Row) error { return row.Scan(&retryCount, &maxRetries) }, id)
	if qerr != nil {
		if isNotFound(qerr) {
			return false, ErrNotProcessing
		}
		return false, qerr
	}

	if !retry || retryCount >= maxRetries {
		_, err := q.gw.Exec(ctx, "taskqueue.fail_terminal", `
			UPDATE tasks SET status = 'failed', last_error = $2, completed_at = now()
			WHERE id = $1 AND status = 'processing'
		`, id, reason)
		return false, err
	}

	delayIdx := retryCount
	if delayIdx >= len(RetryDelays) {
		delayIdx = len(RetryDelays) - 1
	}
	delay := RetryDelays[delayIdx]
	_, err = q.gw.Exec(ctx, "taskqueue.fail_retry", `
		UPDATE tasks SET status = 'pending', retry_count = retry_count + 1,
		       last_error = $2, not_before = now() + $3, started_at = NULL
		WHERE id = $1 AND status = 'processing'
	`, id, reason, delay)
	if err != nil {
		return false, err
	}
	return true, nil
}

// Cancel conditionally transitions a still-pending task to failed. A task
// already being processed is left alone (no-op), per the fabric's contract
// that cancellation never interrupts in-flight work.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID, reason string) error {
	affected, err := q.gw.Exec(ctx, "taskqueue.cancel", `
		UPDATE tasks SET status = 'failed', last_error = $2, completed_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id, "Cancelled: "+reason)
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadyFinished
	}
	return nil
}

// RetryFailed manually resets a terminally-failed task back to pending,
// clearing its retry counter so it gets the full backoff schedule again.
func (q *Queue) RetryFailed(ctx context.Context, id uuid.UUID) error {
	affected, err := q.gw.Exec(ctx, "taskqueue.retry_failed", `
		UPDATE tasks SET status = 'pending', retry_count = 0, last_error = '', not_before = NULL
		WHERE id = $1 AND status = 'failed'
	`, id)
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Queue) GetStatus(ctx context.Context, id uuid.UUID) (Task, error) {
	var t Task
	var notBefore *time.Time
	var dependsOn []uuid.UUID
	var result *json.RawMessage
	err := q.gw.QueryRow(ctx, "taskqueue.get_status", `
		SELECT id, agent_id, kind, params, priority, status, depends_on, not_before, retry_count, max_retries, result, last_error, created_at, started_at, completed_at
		FROM tasks WHERE id = $1
	`, func(row pgx.Row) error {
		return row.Scan(&t.ID, &t.AgentID, &t.Kind, &t.Params, &t.Priority, &t.Status, &dependsOn, &notBefore, &t.RetryCount, &t.MaxRetries, &result, &t.LastError, &t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	}, id)
	if err != nil {
		if isNotFound(err) {
			return Task{}, ErrNotFound
		}
		return Task{}, err
	}
	t.DependsOn = dependsOn
	t.NotBefore = notBefore
	if result != nil {
		t.Result = *result
	}
	return t, nil
}

func (q *Queue) GetPendingCount(ctx context.Context, agentID string) (int64, error) {
	var count int64
	err := q.gw.QueryRow(ctx, "taskqueue.pending_count", `
		SELECT count(*) FROM tasks WHERE status = 'pending' AND ($1 = '' OR agent_id = $1)
	`, func(row pgx.Row) error { return row.Scan(&count) }, agentID)
	return count, err
}

// BatchProcess dequeues up to batchSize tasks for agentID (optionally
// restricted to kinds) and runs each through its registered handler,
// completing or failing it based on the handler's result. It stops early
// if ctx is cancelled, or once timeout has elapsed between tasks — an
// in-flight handler is always allowed to finish. A kind with no registered
// handler fails permanently without retry, per the queue's contract.
func (q *Queue) BatchProcess(ctx context.Context, agentID string, batchSize int, kinds []string, timeout time.Duration) (processed, failed int, err error) {
	deadline := time.Now().Add(timeout)
	for i := 0; i < batchSize; i++ {
		select {
		case <-ctx.Done():
			return processed, failed, ctx.Err()
		default:
		}
		if timeout > 0 && time.Now().After(deadline) {
			break
		}

		t, derr := q.Dequeue(ctx, agentID, kinds...)
		if derr != nil {
			return processed, failed, derr
		}
		if t == nil {
			break
		}

		handler, ok := q.handlers[t.Kind]
		if !ok {
			_, _ = q.Fail(ctx, t.ID, "no handler registered for kind "+t.Kind, false)
			failed++
			continue
		}

		if herr := handler(ctx, *t); herr != nil {
			if q.log != nil {
				q.log.Warn("taskqueue: handler failed", slog.String("task_id", t.ID.String()), slog.String("kind", t.Kind), slog.String("error", herr.Error()))
			}
			_, _ = q.Fail(ctx, t.ID, herr.Error(), true)
			failed++
			continue
		}
		if cerr := q.Complete(ctx, t.ID, nil); cerr != nil {
			return processed, failed, cerr
		}
		processed++
	}
	return processed, failed, nil
}

// GetQueueStats aggregates queue state, optionally scoped to one agent.
// Supplemental operation carried over from the fabric's original task
// queue manager.
func (q *Queue) GetQueueStats(ctx context.Context, agentID string) (Stats, error) {
	stats := Stats{ByAgent: make(map[string]int64), ByKind: make(map[string]int64)}

	err := q.gw.Query(ctx, "taskqueue.stats_by_status", `
		SELECT status, count(*) FROM tasks WHERE $1 = '' OR agent_id = $1 GROUP BY status
	`, func(rows pgx.Rows) error {
		for rows.Next() {
			var status string
			var count int64
			if err := rows.Scan(&status, &count); err != nil {
				return err
			}
			stats.Total += count
			switch Status(status) {
			case StatusPending:
				stats.Pending = count
			case StatusProcessing:
				stats.Processing = count
			case StatusCompleted:
				stats.Completed = count
			case StatusFailed:
				stats.Failed = count
			}
		}
		return nil
	}, agentID)
	if err != nil {
		return Stats{}, err
	}

	err = q.gw.Query(ctx, "taskqueue.stats_by_agent", `
		SELECT agent_id, count(*) FROM tasks WHERE $1 = '' OR agent_id = $1 GROUP BY agent_id
	`, func(rows pgx.Rows) error {
		for rows.Next() {
			var agent string
			var count int64
			if err := rows.Scan(&agent, &count); err != nil {
				return err
			}
			stats.ByAgent[agent] = count
		}
		return nil
	}, agentID)
	if err != nil {
		return Stats{}, err
	}

	err = q.gw.Query(ctx, "taskqueue.stats_by_kind", `
		SELECT kind, count(*) FROM tasks WHERE $1 = '' OR agent_id = $1 GROUP BY kind
	`, func(rows pgx.Rows) error {
		for rows.Next() {
			var kind string
			var count int64
			if err := rows.Scan(&kind, &count); err != nil {
				return err
			}
			stats.ByKind[kind] = count
		}
		return nil
	}, agentID)
	if err != nil {
		return Stats{}, err
	}

	err = q.gw.QueryRow(ctx, "taskqueue.stats_processing_time", `
		SELECT COALESCE(avg(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000), 0)
		FROM tasks WHERE status = 'completed' AND started_at IS NOT NULL AND ($1 = '' OR agent_id = $1)
	`, func(row pgx.Row) error { return row.Scan(&stats.AvgProcessingMS) }, agentID)
	if err != nil {
		return Stats{}, err
	}

	if finished := stats.Completed + stats.Failed; finished > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(finished)
	}
	return stats, nil
}

// CleanupCompleted deletes terminal tasks older than olderThan.
func (q *Queue) CleanupCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	return q.gw.Exec(ctx, "taskqueue.cleanup_completed", `
		DELETE FROM tasks WHERE status IN ('completed', 'failed', 'cancelled')
		  AND completed_at <= now() - make_interval(secs => $1)
	`, int64(olderThan.Seconds()))
}

// GetDependencies returns the tasks that id depends on.
func (q *Queue) GetDependencies(ctx context.Context, id uuid.UUID) ([]Task, error) {
	t, err := q.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(t.DependsOn))
	for _, dep := range t.DependsOn {
		d, err := q.GetStatus(ctx, dep)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// GetDependents returns tasks that depend on id.
func (q *Queue) GetDependents(ctx context.Context, id uuid.UUID) ([]Task, error) {
	var out []Task
	err := q.gw.Query(ctx, "taskqueue.dependents", `
		SELECT id, agent_id, kind, params, priority, status, depends_on, not_before, retry_count, max_retries, result, last_error, created_at, started_at, completed_at
		FROM tasks WHERE $1 = ANY(depends_on)
	`, func(rows pgx.Rows) error {
		for rows.Next() {
			var t Task
			var notBefore *time.Time
			var dependsOn []uuid.UUID
			var result *json.RawMessage
			if err := rows.Scan(&t.ID, &t.AgentID, &t.Kind, &t.Params, &t.Priority, &t.Status, &dependsOn, &notBefore, &t.RetryCount, &t.MaxRetries, &result, &t.LastError, &t.CreatedAt, &t.StartedAt, &t.CompletedAt); err != nil {
				return err
			}
			t.DependsOn = dependsOn
			t.NotBefore = notBefore
			if result != nil {
				t.Result = *result
			}
			out = append(out, t)
		}
		return nil
	}, id)
	return out, err
}

func uuidArray(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}

func isNotFound(err error) bool {
	var se *store.Error
	return errors.As(err, &se) && se.Kind == store.KindNotFound
}
