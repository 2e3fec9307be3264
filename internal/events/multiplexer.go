package events

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/ashureev/tgcode/internal/domain"
	"github.com/ashureev/tgcode/internal/opencode"
	"github.com/ashureev/tgcode/internal/pending"
)

// DefaultReconnectDelay is the pause between a stream ending and the next
// connection attempt.
const DefaultReconnectDelay = time.Second

// Source produces the global event stream.
type Source interface {
	Events(ctx context.Context) iter.Seq2[opencode.GlobalEvent, error]
}

// Owners resolves a session id to its conversation.
type Owners interface {
	GetOwner(ctx context.Context, sessionID string) (domain.Owner, bool, error)
}

// Rejecter declines interactions the bridge could not surface.
type Rejecter interface {
	RejectQuestion(ctx context.Context, requestID, directory string) error
	ReplyToPermission(ctx context.Context, requestID string, reply opencode.PermissionReply, directory string) error
}

// Notifier renders interactions into the owning conversation and returns the
// message id that holds the buttons.
type Notifier interface {
	NotifyPermission(ctx context.Context, p pending.PermissionRequest) (int, error)
	NotifyQuestion(ctx context.Context, q *pending.QuestionRequest) (int, error)
}

// StatusReporter is told when the stream connects and disconnects.
type StatusReporter interface {
	SetEventStreamConnected(connected bool)
}

// Multiplexer consumes the stream and dispatches events one at a time.
type Multiplexer struct {
	source   Source
	owners   Owners
	registry *pending.Registry
	backend  Rejecter
	notifier Notifier
	delay    time.Duration
	status   StatusReporter
	logger   *slog.Logger
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithReconnectDelay sets the fixed backoff between connection attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(m *Multiplexer) {
		if d > 0 {
			m.delay = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Multiplexer) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithStatusReporter registers a connectivity observer.
func WithStatusReporter(r StatusReporter) Option {
	return func(m *Multiplexer) { m.status = r }
}

// New creates a multiplexer.
func New(source Source, owners Owners, registry *pending.Registry, backend Rejecter, notifier Notifier, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		source:   source,
		owners:   owners,
		registry: registry,
		backend:  backend,
		notifier: notifier,
		delay:    DefaultReconnectDelay,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run consumes the stream until ctx is cancelled, reconnecting after every
// end or failure. It returns nil on cancellation.
func (m *Multiplexer) Run(ctx context.Context) error {
	m.logger.Info("event multiplexer started", "reconnect_delay", m.delay)
	for {
		if ctx.Err() != nil {
			m.logger.Info("event multiplexer shutting down", "reason", ctx.Err())
			return nil
		}

		connected := false
		for ge, err := range m.source.Events(ctx) {
			if err != nil {
				if ctx.Err() == nil {
					m.logger.Warn("event stream failed", "error", err)
				}
				break
			}
			if !connected {
				connected = true
				m.report(true)
			}
			m.handle(ctx, ge)
		}
		if connected {
			m.report(false)
		}

		if ctx.Err() != nil {
			m.logger.Info("event multiplexer shutting down", "reason", ctx.Err())
			return nil
		}
		m.logger.Debug("event stream ended, reconnecting", "delay", m.delay)

		timer := time.NewTimer(m.delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("event multiplexer shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

func (m *Multiplexer) report(connected bool) {
	if m.status != nil {
		m.status.SetEventStreamConnected(connected)
	}
}

func (m *Multiplexer) handle(ctx context.Context, ge opencode.GlobalEvent) {
	ev, err := Decode(ge)
	if err != nil {
		m.logger.Warn("dropping malformed event", "type", ge.Payload.Type, "error", err)
		return
	}
	switch e := ev.(type) {
	case PermissionAsked:
		m.handlePermission(ctx, e)
	case QuestionAsked:
		m.handleQuestion(ctx, e)
	}
}

func (m *Multiplexer) owner(ctx context.Context, sessionID, kind, requestID string) (domain.Owner, bool) {
	owner, ok, err := m.owners.GetOwner(ctx, sessionID)
	if err != nil {
		m.logger.Error("session owner lookup failed", "session_id", sessionID, "request_id", requestID, "error", err)
		return domain.Owner{}, false
	}
	if !ok {
		m.logger.Debug("dropping "+kind+" for unowned session", "session_id", sessionID, "request_id", requestID)
		return domain.Owner{}, false
	}
	return owner, true
}

func directoryOf(owner domain.Owner, envelope string) string {
	if owner.Directory != "" {
		return owner.Directory
	}
	return envelope
}

func (m *Multiplexer) handlePermission(ctx context.Context, e PermissionAsked) {
	owner, ok := m.owner(ctx, e.SessionID, "permission", e.ID)
	if !ok {
		return
	}

	p := pending.PermissionRequest{
		RequestID:      e.ID,
		ConversationID: owner.ConversationID,
		Directory:      directoryOf(owner, e.Directory),
		Summary:        e.Summary(),
	}
	m.registry.AddPermission(&p)

	msgID, err := m.notifier.NotifyPermission(ctx, p)
	if err != nil {
		m.registry.TakePermission(p.RequestID)
		m.logger.Error("failed to deliver permission request, rejecting",
			"conversation_id", owner.ConversationID, "request_id", e.ID, "error", err)
		if err := m.backend.ReplyToPermission(ctx, e.ID, opencode.ReplyReject, p.Directory); err != nil {
			m.logger.Warn("failed to reject permission", "request_id", e.ID, "error", err)
		}
		return
	}
	m.registry.SetPermissionMessage(p.RequestID, msgID)
	m.logger.Info("permission request delivered",
		"conversation_id", owner.ConversationID, "request_id", e.ID, "permission", e.Permission)
}

func (m *Multiplexer) handleQuestion(ctx context.Context, e QuestionAsked) {
	owner, ok := m.owner(ctx, e.SessionID, "question", e.ID)
	if !ok {
		return
	}
	dir := directoryOf(owner, e.Directory)

	q := &pending.QuestionRequest{
		RequestID:      e.ID,
		ConversationID: owner.ConversationID,
		Directory:      dir,
		Questions:      e.Questions,
	}
	if len(q.Questions) == 0 {
		m.logger.Warn("rejecting empty question", "conversation_id", owner.ConversationID, "request_id", e.ID)
		m.reject(ctx, e.ID, dir)
		return
	}
	if !m.registry.AddQuestion(q) {
		m.logger.Info("rejecting question, conversation already has one open",
			"conversation_id", owner.ConversationID, "request_id", e.ID)
		m.reject(ctx, e.ID, dir)
		return
	}

	snapshot, ok := m.registry.QuestionFor(owner.ConversationID)
	if !ok || snapshot.RequestID != e.ID {
		return
	}
	msgID, err := m.notifier.NotifyQuestion(ctx, snapshot)
	if err != nil {
		m.registry.RemoveQuestion(owner.ConversationID, e.ID)
		m.logger.Warn("failed to deliver question, rejecting",
			"conversation_id", owner.ConversationID, "request_id", e.ID, "error", err)
		m.reject(ctx, e.ID, dir)
		return
	}
	m.registry.SetQuestionMessage(owner.ConversationID, e.ID, msgID)
	m.logger.Info("question delivered",
		"conversation_id", owner.ConversationID, "request_id", e.ID, "sub_questions", len(e.Questions))
}

func (m *Multiplexer) reject(ctx context.Context, requestID, directory string) {
	if err := m.backend.RejectQuestion(ctx, requestID, directory); err != nil {
		m.logger.Warn("failed to reject question", "request_id", requestID, "error", err)
	}
}
