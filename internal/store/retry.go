package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// isBusyError reports whether err is a SQLite concurrency error (SQLITE_BUSY
// or "database is locked") that warrants a retry.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

const (
	busyRetries   = 3
	busyBaseDelay = 50 * time.Millisecond
)

// withBusyRetry runs fn, retrying busy errors with exponential backoff
// (50ms, 100ms). Other errors are returned immediately.
func withBusyRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < busyRetries; i++ {
		err = fn()
		if err == nil || !isBusyError(err) {
			return err
		}
		if i == busyRetries-1 {
			break
		}
		delay := busyBaseDelay * time.Duration(1<<i)
		slog.Debug("database busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, busyRetries, err)
}
