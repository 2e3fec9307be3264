// Package sentry wraps the Sentry SDK. Every function is a safe no-op until
// Init succeeds with a DSN.
package sentry

import (
	"fmt"
	"runtime"
	"time"

	gosentry "github.com/getsentry/sentry-go"
)

// enabled tracks whether sentry was successfully initialized.
var enabled bool

// Init initializes the Sentry SDK. An empty dsn disables reporting.
func Init(dsn, environment, version string) error {
	enabled = false
	if dsn == "" {
		return nil
	}

	err := gosentry.Init(gosentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          "tgcode@" + version,
		AttachStacktrace: true,
		SampleRate:       1.0,
	})
	if err != nil {
		return fmt.Errorf("init sentry: %w", err)
	}

	gosentry.ConfigureScope(func(scope *gosentry.Scope) {
		scope.SetTag("os", runtime.GOOS)
		scope.SetTag("arch", runtime.GOARCH)
		scope.SetTag("go_version", runtime.Version())
		scope.SetTag("version", version)
	})

	enabled = true
	return nil
}

// IsEnabled returns whether sentry is active.
func IsEnabled() bool {
	return enabled
}

// Flush waits up to 2 seconds for buffered events to be sent.
func Flush() {
	if !enabled {
		return
	}
	gosentry.Flush(2 * time.Second)
}

// ReportPanic reports a recovered panic value. Unlike RecoverPanic it does
// not re-panic, so long-running goroutines can keep serving.
func ReportPanic(v any, tags map[string]string) {
	if !enabled || v == nil {
		return
	}
	hub := gosentry.CurrentHub().Clone()
	hub.WithScope(func(scope *gosentry.Scope) {
		scope.SetTags(tags)
		hub.Recover(v)
	})
	hub.Flush(2 * time.Second)
}

// RecoverPanic captures a panic to Sentry, flushes, then re-panics.
// Usage: defer sentry.RecoverPanic()
func RecoverPanic() {
	if !enabled {
		return
	}
	if err := recover(); err != nil {
		gosentry.CurrentHub().Recover(err)
		gosentry.Flush(2 * time.Second)
		panic(err)
	}
}
