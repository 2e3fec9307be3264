// Package guard tracks the single in-flight prompt of each conversation.
//
// A conversation holds at most one entry at a time. Every entry owns a
// cancellation Token and a timer; the timer fires at most once, and only for
// the entry it was scheduled for, even if the conversation has since started a
// new prompt.
package guard

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultTimeout is used when New is given a non-positive duration.
const DefaultTimeout = 10 * time.Minute

// Token is the cancellation handle of one guard entry. Its context is handed to
// backend calls so that cancelling the token abandons them on the client side.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newToken() *Token {
	ctx, cancel := context.WithCancel(context.Background())
	return &Token{ctx: ctx, cancel: cancel}
}

// Context returns a context cancelled together with the token.
func (t *Token) Context() context.Context { return t.ctx }

// Done is closed once the token is cancelled.
func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

// Cancelled reports whether the token was cancelled by a timeout or an abort.
func (t *Token) Cancelled() bool { return t.ctx.Err() != nil }

// TimeoutInfo is the entry state captured when its timer fires.
type TimeoutInfo struct {
	ReplyTo   int
	SessionID string
}

// AbortResult is the entry state captured by Abort.
type AbortResult struct {
	Token     *Token
	ReplyTo   int
	SessionID string
}

type entry struct {
	token     *Token
	timer     Timer
	replyTo   int
	sessionID string
}

// Guard is the per-conversation in-flight tracker.
type Guard struct {
	mu      sync.Mutex
	timeout time.Duration
	clock   Clock
	logger  *slog.Logger
	entries map[int64]*entry
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c Clock) Option {
	return func(g *Guard) { g.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// New creates a guard whose entries time out after timeout.
func New(timeout time.Duration, opts ...Option) *Guard {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	g := &Guard{
		timeout: timeout,
		clock:   realClock{},
		logger:  slog.Default(),
		entries: make(map[int64]*entry),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Timeout returns the configured prompt timeout.
func (g *Guard) Timeout() time.Duration { return g.timeout }

// TryStart claims the conversation. It returns nil when a prompt is already in
// flight; the caller must reject the new request. onTimeout runs on the timer
// goroutine after the entry has been removed and its token cancelled.
func (g *Guard) TryStart(conversationID int64, replyTo int, onTimeout func(TimeoutInfo)) *Token {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.entries[conversationID]; busy {
		return nil
	}

	tok := newToken()
	e := &entry{token: tok, replyTo: replyTo}
	e.timer = g.clock.AfterFunc(g.timeout, func() {
		g.fire(conversationID, tok, onTimeout)
	})
	g.entries[conversationID] = e
	return tok
}

func (g *Guard) fire(conversationID int64, tok *Token, onTimeout func(TimeoutInfo)) {
	g.mu.Lock()
	e, ok := g.entries[conversationID]
	if !ok || e.token != tok {
		g.mu.Unlock()
		return
	}
	delete(g.entries, conversationID)
	info := TimeoutInfo{ReplyTo: e.replyTo, SessionID: e.sessionID}
	g.mu.Unlock()

	tok.cancel()
	g.logger.Warn("prompt timed out",
		"conversation_id", conversationID,
		"session_id", info.SessionID,
		"timeout", g.timeout,
	)
	if onTimeout != nil {
		onTimeout(info)
	}
}

// SetSessionID records the backend session on the entry owned by tok. Calls
// carrying a token from an earlier entry are ignored.
func (g *Guard) SetSessionID(conversationID int64, tok *Token, sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[conversationID]; ok && e.token == tok {
		e.sessionID = sessionID
	}
}

// Abort removes the entry, cancels its token and returns the captured state.
func (g *Guard) Abort(conversationID int64) (AbortResult, bool) {
	g.mu.Lock()
	e, ok := g.entries[conversationID]
	if !ok {
		g.mu.Unlock()
		return AbortResult{}, false
	}
	delete(g.entries, conversationID)
	e.timer.Stop()
	g.mu.Unlock()

	e.token.cancel()
	return AbortResult{Token: e.token, ReplyTo: e.replyTo, SessionID: e.sessionID}, true
}

// Finish removes the entry for the conversation, whichever it is. Safe to call
// when nothing is in flight.
func (g *Guard) Finish(conversationID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[conversationID]; ok {
		e.timer.Stop()
		delete(g.entries, conversationID)
	}
}

// Release is Finish limited to the entry owned by tok. It reports whether an
// entry was removed.
func (g *Guard) Release(conversationID int64, tok *Token) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[conversationID]
	if !ok || e.token != tok {
		return false
	}
	e.timer.Stop()
	delete(g.entries, conversationID)
	return true
}

// IsInFlight reports whether the conversation has a prompt in flight.
func (g *Guard) IsInFlight(conversationID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.entries[conversationID]
	return ok
}

// InFlight lists the busy conversations in ascending order.
func (g *Guard) InFlight() []int64 {
	g.mu.Lock()
	ids := make([]int64, 0, len(g.entries))
	for id := range g.entries {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
