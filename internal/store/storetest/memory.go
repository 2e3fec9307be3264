// Package storetest provides an in-memory store.Repository for tests.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/tgcode/internal/domain"
	"github.com/ashureev/tgcode/internal/store"
)

var _ store.Repository = (*Memory)(nil)

// Memory is an in-process repository. Nothing survives a restart.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*domain.SessionRecord
	byOwner  map[domain.Owner]string
	models   map[domain.Owner]domain.ModelRef
	projects map[int64]string
	now      func() time.Time
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*domain.SessionRecord),
		byOwner:  make(map[domain.Owner]string),
		models:   make(map[domain.Owner]domain.ModelRef),
		projects: make(map[int64]string),
		now:      time.Now,
	}
}

// SetNow replaces the clock used to stamp session records.
func (m *Memory) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) GetSessionID(_ context.Context, conversationID int64, directory string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byOwner[domain.Owner{ConversationID: conversationID, Directory: directory}], nil
}

func (m *Memory) SetSessionID(_ context.Context, conversationID int64, directory, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner := domain.Owner{ConversationID: conversationID, Directory: directory}
	if old, ok := m.byOwner[owner]; ok {
		delete(m.sessions, old)
	}
	if rec, ok := m.sessions[sessionID]; ok {
		delete(m.byOwner, rec.Owner())
	}

	now := m.now()
	m.sessions[sessionID] = &domain.SessionRecord{
		SessionID:      sessionID,
		ConversationID: conversationID,
		Directory:      directory,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.byOwner[owner] = sessionID
	return nil
}

func (m *Memory) GetOwner(_ context.Context, sessionID string) (domain.Owner, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return domain.Owner{}, false, nil
	}
	return rec.Owner(), true, nil
}

func (m *Memory) TouchSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[sessionID]; ok {
		rec.UpdatedAt = m.now()
	}
	return nil
}

func (m *Memory) ClearSession(_ context.Context, conversationID int64, directory string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner := domain.Owner{ConversationID: conversationID, Directory: directory}
	if sid, ok := m.byOwner[owner]; ok {
		delete(m.sessions, sid)
		delete(m.byOwner, owner)
	}
	return nil
}

func (m *Memory) ClearSessions(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.sessions))
	m.sessions = make(map[string]*domain.SessionRecord)
	m.byOwner = make(map[domain.Owner]string)
	return n, nil
}

func (m *Memory) ListSessions(_ context.Context) ([]domain.SessionRecord, error) {
	m.mu.Lock()
	out := make([]domain.SessionRecord, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, *rec)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConversationID != out[j].ConversationID {
			return out[i].ConversationID < out[j].ConversationID
		}
		return out[i].Directory < out[j].Directory
	})
	return out, nil
}

func (m *Memory) PruneSessions(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for sid, rec := range m.sessions {
		if rec.UpdatedAt.Before(before) {
			delete(m.sessions, sid)
			delete(m.byOwner, rec.Owner())
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetModel(_ context.Context, conversationID int64, directory string) (domain.ModelRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.models[domain.Owner{ConversationID: conversationID, Directory: directory}], nil
}

func (m *Memory) SetModel(_ context.Context, conversationID int64, directory string, model domain.ModelRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := domain.Owner{ConversationID: conversationID, Directory: directory}
	if model.IsZero() {
		delete(m.models, key)
		return nil
	}
	m.models[key] = model
	return nil
}

func (m *Memory) GetActiveProject(_ context.Context, conversationID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.projects[conversationID], nil
}

func (m *Memory) SetActiveProject(_ context.Context, conversationID int64, alias string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[conversationID] = alias
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }
