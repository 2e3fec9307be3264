package store

import (
	"context"
	"log/slog"
	"time"
)

// SweepInterval is how often the retention sweeper runs.
const SweepInterval = time.Hour

// StartRetentionSweeper runs a background goroutine that periodically removes
// sessions unused for longer than retention. A non-positive retention
// disables it.
func StartRetentionSweeper(ctx context.Context, repo Repository, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(SweepInterval)
	go func() {
		defer ticker.Stop()
		logger.Info("retention sweeper started", "interval", SweepInterval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, repo, time.Now().Add(-retention), logger)
			case <-ctx.Done():
				logger.Info("retention sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweep(ctx context.Context, repo Repository, before time.Time, logger *slog.Logger) int64 {
	n, err := repo.PruneSessions(ctx, before)
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("retention sweep interrupted", "error", err)
			return 0
		}
		logger.Error("retention sweep failed", "error", err)
		return 0
	}
	if n > 0 {
		logger.Info("retention sweep removed idle sessions", "count", n, "before", before)
	}
	return n
}
