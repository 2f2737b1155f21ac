// Package store implements the Store Gateway: a pooled Postgres connection
// with classified errors and transient-fault retry, shared by every other
// fabric component instead of each owning its own pool.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Gateway owns the Postgres pool and the retry policy applied to
// transient failures (connection resets, serialization failures).
type Gateway struct {
	Pool *pgxpool.Pool
	log  *slog.Logger
}

// New connects a pool to dsn and returns a ready Gateway.
func New(ctx context.Context, dsn string, maxConns int32, log *slog.Logger) (*Gateway, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET TIME ZONE 'UTC'")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	return &Gateway{Pool: pool, log: log}, nil
}

func (g *Gateway) Close() {
	g.Pool.Close()
}

// HealthCheck issues a trivial query and reports round-trip latency.
func (g *Gateway) HealthCheck(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	var ok int
	err := g.Pool.QueryRow(ctx, "SELECT 1").Scan(&ok)
	if err != nil {
		return time.Since(start), classify("gateway.health_check", err)
	}
	return time.Since(start), nil
}

// withRetry mirrors the original service's tenacity decorator: three
// attempts, exponential backoff between 4s and 10s, only on transient
// faults.
func (g *Gateway) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		classified := classify(op, err)
		if !Retryable(classified) {
			return retry.Unrecoverable(classified)
		}
		return classified
	}

	err := retry.Do(
		attempt,
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(4*time.Second),
		retry.MaxDelay(10*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			if g.log != nil {
				g.log.Warn("store: retrying transient failure",
					slog.String("op", op), slog.Uint64("attempt", uint64(n+1)), slog.String("error", err.Error()))
			}
		}),
	)
	return err
}

// Exec runs a statement with the retry policy applied and returns the
// number of affected rows.
func (g *Gateway) Exec(ctx context.Context, op, sql string, args ...any) (int64, error) {
	var affected int64
	err := g.withRetry(ctx, op, func(ctx context.Context) error {
		tag, err := g.Pool.Exec(ctx, sql, args...)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	return affected, err
}

// QueryRow runs a single-row query with the retry policy applied. The scan
// callback is invoked on success; its error (e.g. pgx.ErrNoRows) is
// classified like any other driver error.
func (g *Gateway) QueryRow(ctx context.Context, op, sql string, scan func(pgx.Row) error, args ...any) error {
	return g.withRetry(ctx, op, func(ctx context.Context) error {
		row := g.Pool.QueryRow(ctx, sql, args...)
		return scan(row)
	})
}

// Query runs a multi-row query with the retry policy applied. rows passed
// to fn is only valid for the duration of the call; fn must not retain it.
func (g *Gateway) Query(ctx context.Context, op, sql string, fn func(pgx.Rows) error, args ...any) error {
	return g.withRetry(ctx, op, func(ctx context.Context) error {
		rows, err := g.Pool.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		if err := fn(rows); err != nil {
			return err
		}
		return rows.Err()
	})
}
