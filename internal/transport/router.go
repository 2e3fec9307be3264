package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrNoRoute is returned when no transport serves a conversation.
var ErrNoRoute = errors.New("no transport for conversation")

// Router dispatches calls to the transport that owns a conversation.
// Conversations without an explicit route go to the fallback, if any.
type Router struct {
	mu       sync.RWMutex
	fallback Transport
	routes   map[int64]Transport
}

// NewRouter creates a router. fallback may be nil.
func NewRouter(fallback Transport) *Router {
	return &Router{fallback: fallback, routes: make(map[int64]Transport)}
}

// Route binds a conversation to t.
func (r *Router) Route(conversationID int64, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[conversationID] = t
}

// Unroute removes the binding of a conversation.
func (r *Router) Unroute(conversationID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, conversationID)
}

func (r *Router) lookup(conversationID int64) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.routes[conversationID]; ok {
		return t, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, ErrNoRoute
}

func (r *Router) SendText(ctx context.Context, msg Message) (int, error) {
	t, err := r.lookup(msg.ConversationID)
	if err != nil {
		return 0, err
	}
	return t.SendText(ctx, msg)
}

func (r *Router) EditText(ctx context.Context, conversationID int64, messageID int, text string, buttons [][]Button) error {
	t, err := r.lookup(conversationID)
	if err != nil {
		return err
	}
	return t.EditText(ctx, conversationID, messageID, text, buttons)
}

// AnswerCallback forwards to the owning transport when it supports callback
// notices, and is a no-op otherwise.
func (r *Router) AnswerCallback(ctx context.Context, conversationID int64, callbackID, text string) error {
	t, err := r.lookup(conversationID)
	if err != nil {
		return err
	}
	if a, ok := t.(CallbackAnswerer); ok {
		return a.AnswerCallback(ctx, conversationID, callbackID, text)
	}
	return nil
}
