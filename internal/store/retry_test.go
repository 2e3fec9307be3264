package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithBusyRetry(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := withBusyRetry(ctx, "op", func() error {
		calls++
		if calls < 2 {
			return errors.New("SQLITE_BUSY: database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	plain := errors.New("constraint failed")
	err = withBusyRetry(ctx, "op", func() error { calls++; return plain })
	assert.ErrorIs(t, err, plain)
	assert.Equal(t, 1, calls)

	calls = 0
	err = withBusyRetry(ctx, "op", func() error { calls++; return errors.New("database is locked") })
	require.Error(t, err)
	assert.Equal(t, busyRetries, calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestIsBusyError(t *testing.T) {
	assert.False(t, isBusyError(nil))
	assert.True(t, isBusyError(errors.New("SQLITE_BUSY")))
	assert.True(t, isBusyError(errors.New("database is locked (5)")))
	assert.False(t, isBusyError(errors.New("no such table")))
}

func TestSweepPrunes(t *testing.T) {
	ctx := context.Background()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "tgcode.db"))
	require.NoError(t, err)
	defer repo.Close()
	base := time.Unix(1_700_000_000, 0)
	repo.SetNow(func() time.Time { return base })
	require.NoError(t, repo.SetSessionID(ctx, 1, "/a", "s1"))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	assert.Equal(t, int64(0), sweep(ctx, repo, base, logger))
	assert.Equal(t, int64(1), sweep(ctx, repo, base.Add(time.Second), logger))
}

func TestStartRetentionSweeperDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Must return without starting anything.
	StartRetentionSweeper(ctx, nil, 0, nil)
}
