package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies a store failure so callers can decide whether to retry,
// surface a not-found result, or treat the failure as fatal.
type Kind string

const (
	KindTransient Kind = "transient"
	KindIntegrity Kind = "integrity"
	KindNotFound  Kind = "not_found"
	KindFatal     Kind = "fatal"
)

// Error wraps an underlying driver error with a classified Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets callers write errors.Is(err, store.ErrNotFound) instead of
// reaching into the Kind field directly.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrTransient:
		return e.Kind == KindTransient
	}
	return false
}

var (
	ErrNotFound  = errors.New("store: not found")
	ErrTransient = errors.New("store: transient failure")
)

// classify inspects err and produces a *Error with the right Kind. op is a
// short label ("messagebus.publish", "taskqueue.dequeue", ...) used purely
// for log/error context.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &Error{Kind: KindNotFound, Op: op, Err: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code[:2] == "23": // integrity_constraint_violation class
			return &Error{Kind: KindIntegrity, Op: op, Err: err}
		case pgErr.Code[:2] == "40": // transaction_rollback class (serialization failures, deadlocks)
			return &Error{Kind: KindTransient, Op: op, Err: err}
		case pgErr.Code[:2] == "08": // connection_exception class
			return &Error{Kind: KindTransient, Op: op, Err: err}
		}
		return &Error{Kind: KindFatal, Op: op, Err: err}
	}

	var connErr interface{ Timeout() bool }
	if errors.As(err, &connErr) && connErr.Timeout() {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}

	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// Retryable reports whether err (as returned by the Gateway) should be
// retried by a caller that didn't go through the Gateway's own retry
// wrapper (withRetry).
func Retryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == KindTransient
	}
	return false
}
