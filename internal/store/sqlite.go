package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/tgcode/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		conversation_id INTEGER NOT NULL,
		directory TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (conversation_id, directory)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS models (
		conversation_id INTEGER NOT NULL,
		directory TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		model_id TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, directory)
	);

	CREATE TABLE IF NOT EXISTS active_projects (
		conversation_id INTEGER PRIMARY KEY,
		alias TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetSessionID returns the session recorded for the pair.
func (s *SQLiteStore) GetSessionID(ctx context.Context, conversationID int64, directory string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM sessions WHERE conversation_id = ? AND directory = ?`,
		conversationID, directory,
	).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session id: %w", err)
	}
	return sessionID, nil
}

// SetSessionID records sessionID for the pair, evicting stale mappings in
// both directions.
func (s *SQLiteStore) SetSessionID(ctx context.Context, conversationID int64, directory, sessionID string) error {
	return withBusyRetry(ctx, "set session id", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sessions WHERE (conversation_id = ? AND directory = ?) OR session_id = ?`,
			conversationID, directory, sessionID,
		); err != nil {
			return fmt.Errorf("evict previous mapping: %w", err)
		}

		now := s.now().Unix()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (session_id, conversation_id, directory, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			sessionID, conversationID, directory, now, now,
		); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return tx.Commit()
	})
}

// GetOwner resolves a session id to the conversation and directory that own it.
func (s *SQLiteStore) GetOwner(ctx context.Context, sessionID string) (domain.Owner, bool, error) {
	var owner domain.Owner
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, directory FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&owner.ConversationID, &owner.Directory)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Owner{}, false, nil
	}
	if err != nil {
		return domain.Owner{}, false, fmt.Errorf("get session owner: %w", err)
	}
	return owner, true, nil
}

// TouchSession updates the session's last-used time.
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string) error {
	return withBusyRetry(ctx, "touch session", func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET updated_at = ? WHERE session_id = ?`, s.now().Unix(), sessionID)
		if err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		if rows, err := result.RowsAffected(); err == nil && rows == 0 {
			slog.Debug("TouchSession affected 0 rows", "session_id", sessionID)
		}
		return nil
	})
}

// ClearSession forgets the session of one pair.
func (s *SQLiteStore) ClearSession(ctx context.Context, conversationID int64, directory string) error {
	return withBusyRetry(ctx, "clear session", func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM sessions WHERE conversation_id = ? AND directory = ?`, conversationID, directory)
		if err != nil {
			return fmt.Errorf("clear session: %w", err)
		}
		return nil
	})
}

// ClearSessions removes every session mapping.
func (s *SQLiteStore) ClearSessions(ctx context.Context) (int64, error) {
	var n int64
	err := withBusyRetry(ctx, "clear sessions", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM sessions`)
		if err != nil {
			return fmt.Errorf("clear sessions: %w", err)
		}
		n, err = result.RowsAffected()
		return err
	})
	return n, err
}

// ListSessions returns every session mapping.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]domain.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, conversation_id, directory, created_at, updated_at
		FROM sessions ORDER BY conversation_id, directory`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var records []domain.SessionRecord
	for rows.Next() {
		var rec domain.SessionRecord
		var createdAt, updatedAt int64
		if err := rows.Scan(&rec.SessionID, &rec.ConversationID, &rec.Directory, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0)
		rec.UpdatedAt = time.Unix(updatedAt, 0)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return records, nil
}

// PruneSessions removes sessions last used before the cutoff.
func (s *SQLiteStore) PruneSessions(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := withBusyRetry(ctx, "prune sessions", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, before.Unix())
		if err != nil {
			return fmt.Errorf("prune sessions: %w", err)
		}
		n, err = result.RowsAffected()
		return err
	})
	return n, err
}

// GetModel returns the model pinned for the pair.
func (s *SQLiteStore) GetModel(ctx context.Context, conversationID int64, directory string) (domain.ModelRef, error) {
	var m domain.ModelRef
	err := s.db.QueryRowContext(ctx,
		`SELECT provider_id, model_id FROM models WHERE conversation_id = ? AND directory = ?`,
		conversationID, directory,
	).Scan(&m.ProviderID, &m.ModelID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ModelRef{}, nil
	}
	if err != nil {
		return domain.ModelRef{}, fmt.Errorf("get model: %w", err)
	}
	return m, nil
}

// SetModel pins or, for a zero model, clears the pair's model.
func (s *SQLiteStore) SetModel(ctx context.Context, conversationID int64, directory string, model domain.ModelRef) error {
	return withBusyRetry(ctx, "set model", func() error {
		if model.IsZero() {
			_, err := s.db.ExecContext(ctx,
				`DELETE FROM models WHERE conversation_id = ? AND directory = ?`, conversationID, directory)
			if err != nil {
				return fmt.Errorf("clear model: %w", err)
			}
			return nil
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO models (conversation_id, directory, provider_id, model_id, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, directory) DO UPDATE SET
				provider_id = excluded.provider_id,
				model_id = excluded.model_id,
				updated_at = excluded.updated_at`,
			conversationID, directory, model.ProviderID, model.ModelID, s.now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("set model: %w", err)
		}
		return nil
	})
}

// GetActiveProject returns the alias chosen by the conversation.
func (s *SQLiteStore) GetActiveProject(ctx context.Context, conversationID int64) (string, error) {
	var alias string
	err := s.db.QueryRowContext(ctx,
		`SELECT alias FROM active_projects WHERE conversation_id = ?`, conversationID,
	).Scan(&alias)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get active project: %w", err)
	}
	return alias, nil
}

// SetActiveProject records the alias chosen by the conversation.
func (s *SQLiteStore) SetActiveProject(ctx context.Context, conversationID int64, alias string) error {
	return withBusyRetry(ctx, "set active project", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO active_projects (conversation_id, alias, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(conversation_id) DO UPDATE SET
				alias = excluded.alias,
				updated_at = excluded.updated_at`,
			conversationID, alias, s.now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("set active project: %w", err)
		}
		return nil
	})
}
