// Package store persists the session ownership index and per-conversation
// preferences.
package store

import (
	"context"
	"time"

	"github.com/ashureev/tgcode/internal/domain"
)

// Repository defines the interface for persisting session ownership and
// conversation preferences.
type Repository interface {
	// GetSessionID returns the backend session for a conversation in a
	// project directory, or "" if none is recorded.
	GetSessionID(ctx context.Context, conversationID int64, directory string) (string, error)

	// SetSessionID records sessionID for the pair. The mapping is one-to-one:
	// a previous session of the pair is forgotten, and sessionID is removed
	// from any other pair that held it.
	SetSessionID(ctx context.Context, conversationID int64, directory, sessionID string) error

	// GetOwner resolves a session id to its owner. ok is false when unknown.
	GetOwner(ctx context.Context, sessionID string) (owner domain.Owner, ok bool, err error)

	// TouchSession marks a session as used now.
	TouchSession(ctx context.Context, sessionID string) error

	// ClearSession forgets the session of one pair.
	ClearSession(ctx context.Context, conversationID int64, directory string) error

	// ClearSessions forgets every session and returns how many were removed.
	ClearSessions(ctx context.Context) (int64, error)

	// ListSessions returns every recorded session ordered by conversation and directory.
	ListSessions(ctx context.Context) ([]domain.SessionRecord, error)

	// PruneSessions removes sessions last used before the cutoff.
	PruneSessions(ctx context.Context, before time.Time) (int64, error)

	// GetModel returns the model pinned for the pair; zero when none.
	GetModel(ctx context.Context, conversationID int64, directory string) (domain.ModelRef, error)

	// SetModel pins a model for the pair. A zero model clears the pin.
	SetModel(ctx context.Context, conversationID int64, directory string, model domain.ModelRef) error

	// GetActiveProject returns the project alias chosen by a conversation, or "".
	GetActiveProject(ctx context.Context, conversationID int64) (string, error)

	// SetActiveProject records the project alias chosen by a conversation.
	SetActiveProject(ctx context.Context, conversationID int64, alias string) error

	// Ping verifies storage connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying resources.
	Close() error
}
