// Package sentry reports the fabric's Fatal-kind errors and Hub lifecycle
// events to Sentry when a DSN is configured. It has no capture helper for
// HandlerFailure-kind errors; polling and task handler failures are only
// logged. It is a thin wrapper: callers never import getsentry/sentry-go
// directly.
package sentry

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
)

var sentryEnabled atomic.Bool

func Init(dsn, environment, release string) error {
	if dsn == "" {
		sentryEnabled.Store(false)
		return nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	}); err != nil {
		sentryEnabled.Store(false)
		return err
	}
	sentryEnabled.Store(true)
	return nil
}

func Enabled() bool {
	return sentryEnabled.Load()
}

// CaptureLifecycleEvent records a Hub lifecycle transition (the Hub sends
// "started" and "stopped") as an info-level Sentry message.
func CaptureLifecycleEvent(phase string, tags map[string]string, extras map[string]any) {
	if !Enabled() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("event", "lifecycle")
		scope.SetTag("lifecycle_phase", phase)
		scope.SetLevel(sentry.LevelInfo)
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		for k, v := range extras {
			scope.SetExtra(k, v)
		}
		sentry.CaptureMessage(fmt.Sprintf("fabric.lifecycle.%s", phase))
	})
}

// CaptureFatal reports a Fatal-kind error: a misconfiguration or store
// failure that prevents the Hub from starting at all.
func CaptureFatal(component string, err error) {
	if err == nil || !Enabled() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		scope.SetTag("error_kind", "fatal")
		sentry.CaptureException(err)
	})
}

func Flush(timeout time.Duration) {
	if !Enabled() {
		return
	}
	sentry.Flush(timeout)
}
