// Package domain contains core domain types shared across tgcode.
package domain

import (
	"time"
)

// Project is a named working directory on the agent host.
type Project struct {
	Alias string `json:"alias" toml:"-"`
	Path  string `json:"path" toml:"path"`
}

// Owner identifies who a backend session belongs to: a conversation working
// in a project directory.
type Owner struct {
	ConversationID int64  `json:"conversation_id"`
	Directory      string `json:"directory"`
}

// SessionRecord is one row of the session ownership index.
type SessionRecord struct {
	SessionID      string    `json:"session_id"`
	ConversationID int64     `json:"conversation_id"`
	Directory      string    `json:"directory"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Owner returns the record's owning conversation and directory.
func (r *SessionRecord) Owner() Owner {
	return Owner{ConversationID: r.ConversationID, Directory: r.Directory}
}

// Idle returns how long the session has gone without being used as of now.
// Returns 0 for records touched in the future.
func (r *SessionRecord) Idle(now time.Time) time.Duration {
	d := now.Sub(r.UpdatedAt)
	if d < 0 {
		return 0
	}
	return d
}

// ModelRef names a provider model, written "provider/model".
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// IsZero reports whether no model is set.
func (m ModelRef) IsZero() bool {
	return m.ProviderID == "" && m.ModelID == ""
}

func (m ModelRef) String() string {
	if m.IsZero() {
		return ""
	}
	return m.ProviderID + "/" + m.ModelID
}
