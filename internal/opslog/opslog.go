// Package opslog implements the fabric's best-effort operation log: a
// fire-and-forget channel drained by a dedicated background writer, so that
// logging an operation never blocks the caller that performed it.
package opslog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sabiedu/sabiedu-edulms/internal/store"
)

// Entry is one record of the audit trail: "agent X did operation Y at
// time Z, with this outcome".
type Entry struct {
	ID        uuid.UUID
	AgentID   string
	Operation string
	Success   bool
	Detail    string
	CreatedAt time.Time
}

// Mirror optionally fans entries out to an external sink (NATS) in addition
// to Postgres. A nil Mirror disables mirroring.
type Mirror interface {
	Publish(ctx context.Context, e Entry)
}

// Writer owns the background goroutine that drains buffered entries onto
// Postgres in small batches.
type Writer struct {
	gw     *store.Gateway
	mirror Mirror
	log    *slog.Logger

	buffer    int
	batch     int
	flushEvry time.Duration

	entries chan Entry
	dropped atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func New(gw *store.Gateway, mirror Mirror, bufferSize, flushBatch int, flushInterval time.Duration, log *slog.Logger) *Writer {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if flushBatch <= 0 {
		flushBatch = 50
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	return &Writer{
		gw:        gw,
		mirror:    mirror,
		log:       log,
		buffer:    bufferSize,
		batch:     flushBatch,
		flushEvry: flushInterval,
		entries:   make(chan Entry, bufferSize),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the drain loop. It must be called once before Log.
func (w *Writer) Start() {
	go w.run()
}

// Stop signals the drain loop to flush and exit, waiting up to ctx's
// deadline.
func (w *Writer) Stop(ctx context.Context) {
	w.stopOnce.Do(func() { close(w.stopCh) })
	select {
	case <-w.doneCh:
	case <-ctx.Done():
	}
}

// Log records an operation. It never blocks: if the buffer is full the new
// entry is dropped and counted (entries already queued are kept), because the
// operation log is explicitly best-effort and must never slow down or fail
// the caller's real work.
func (w *Writer) Log(e Entry) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	select {
	case w.entries <- e:
	default:
		w.dropped.Add(1)
		if w.log != nil {
			w.log.Warn("opslog: buffer full, dropping entry",
				slog.String("agent_id", e.AgentID), slog.String("operation", e.Operation))
		}
	}
}

// Dropped reports how many entries have been discarded since startup.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

func (w *Writer) run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.flushEvry)
	defer ticker.Stop()

	pending := make([]Entry, 0, w.batch)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		w.flush(pending)
		pending = pending[:0]
	}

	for {
		select {
		case e := <-w.entries:
			pending = append(pending, e)
			if w.mirror != nil {
				w.mirror.Publish(context.Background(), e)
			}
			if len(pending) >= w.batch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.stopCh:
			// drain whatever is already queued, best-effort, then exit.
			for {
				select {
				case e := <-w.entries:
					pending = append(pending, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(entries []Entry) {
	if w.gw == nil || len(entries) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, e := range entries {
		_, err := w.gw.Exec(ctx, "opslog.write",
			`INSERT INTO operation_log (id, agent_id, operation, success, detail, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.AgentID, e.Operation, e.Success, e.Detail, e.CreatedAt)
		if err != nil && w.log != nil {
			w.log.Warn("opslog: write failed", slog.String("error", err.Error()))
		}
	}
}
