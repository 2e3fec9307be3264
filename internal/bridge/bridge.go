// Package bridge turns chat updates into agent prompts and agent interactions
// into chat messages.
//
// One Orchestrator serves every conversation. Each conversation has at most
// one prompt in flight, tracked by a guard.Guard; the prompt itself runs in
// its own goroutine so slow agents never block the update loop.
package bridge

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/tgcode/internal/domain"
	"github.com/ashureev/tgcode/internal/guard"
	"github.com/ashureev/tgcode/internal/opencode"
	"github.com/ashureev/tgcode/internal/pending"
	"github.com/ashureev/tgcode/internal/store"
	"github.com/ashureev/tgcode/internal/transport"
)

const (
	// DefaultMaxFileSize bounds a single attachment.
	DefaultMaxFileSize = 20 << 20
	// DefaultDownloadTimeout bounds fetching a single attachment.
	DefaultDownloadTimeout = time.Minute

	// detachedTimeout bounds chat and backend calls made outside a prompt's
	// own context (timeouts, aborts, late failures).
	detachedTimeout = 30 * time.Second
)

// Attachment is a file received from the chat platform. Open fetches its
// content lazily so oversized files are refused before any download.
type Attachment struct {
	Filename string
	Mime     string
	Size     int64
	Open     func(ctx context.Context) (io.ReadCloser, error)
}

// Callback is an inline button press.
type Callback struct {
	ID        string
	Data      string
	MessageID int
}

// Update is one inbound chat event: a text or file message, a command or a
// button press.
type Update struct {
	ConversationID int64
	UserID         int64
	MessageID      int
	Text           string
	Files          []Attachment
	Callback       *Callback
}

// Backend is the agent server.
type Backend interface {
	CreateSession(ctx context.Context, directory string) (string, error)
	Prompt(ctx context.Context, req opencode.PromptRequest) (*opencode.PromptResponse, error)
	Abort(ctx context.Context, sessionID, directory string) (bool, error)
	Providers(ctx context.Context, directory string) (*opencode.ProvidersResponse, error)
	Config(ctx context.Context, directory string) (*opencode.ServerConfig, error)
	ReplyToPermission(ctx context.Context, requestID string, reply opencode.PermissionReply, directory string) error
	ReplyToQuestion(ctx context.Context, requestID string, answers [][]string, directory string) error
	RejectQuestion(ctx context.Context, requestID, directory string) error
}

// ProjectResolver picks the project a conversation works in.
type ProjectResolver interface {
	ActiveProject(ctx context.Context, conversationID int64) (domain.Project, error)
	Projects() []domain.Project
	Select(ctx context.Context, conversationID int64, alias string) (domain.Project, error)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Transport transport.Transport
	Backend   Backend
	Store     store.Repository
	Projects  ProjectResolver
	Guard     *guard.Guard
	Registry  *pending.Registry
	Logger    *slog.Logger
}

// Options tune message and attachment handling. Zero values use defaults.
type Options struct {
	ChunkSize       int
	MaxFileSize     int64
	DownloadTimeout time.Duration
}

// Status is a point-in-time summary for health reporting.
type Status struct {
	InFlight           []int64 `json:"in_flight"`
	PendingQuestions   int     `json:"pending_questions"`
	PendingPermissions int     `json:"pending_permissions"`
}

// Orchestrator coordinates prompts, commands and interactions.
type Orchestrator struct {
	transport transport.Transport
	answerer  transport.CallbackAnswerer
	backend   Backend
	store     store.Repository
	projects  ProjectResolver
	guard     *guard.Guard
	registry  *pending.Registry
	logger    *slog.Logger
	opts      Options

	wg sync.WaitGroup
}

// New creates an orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = transport.DefaultChunkSize
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = DefaultDownloadTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		transport: deps.Transport,
		backend:   deps.Backend,
		store:     deps.Store,
		projects:  deps.Projects,
		guard:     deps.Guard,
		registry:  deps.Registry,
		logger:    logger,
		opts:      opts,
	}
	if a, ok := deps.Transport.(transport.CallbackAnswerer); ok {
		o.answerer = a
	}
	return o
}

// Dispatch handles one update. Prompts continue in the background after
// Dispatch returns; everything else completes before it returns.
func (o *Orchestrator) Dispatch(ctx context.Context, u Update) {
	if u.Callback != nil {
		o.handleCallback(ctx, u)
		return
	}
	if len(u.Files) == 0 {
		if name, args, ok := parseCommand(u.Text); ok {
			o.handleCommand(ctx, u, name, args)
			return
		}
	}
	o.handleMessage(ctx, u)
}

// Wait blocks until every background prompt has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Status reports in-flight prompts and pending interactions.
func (o *Orchestrator) Status() Status {
	return Status{
		InFlight:           o.guard.InFlight(),
		PendingQuestions:   len(o.registry.Questions()),
		PendingPermissions: len(o.registry.Permissions()),
	}
}

func detached() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), detachedTimeout)
}

// send posts text threaded under replyTo. Failures are logged only.
func (o *Orchestrator) send(ctx context.Context, conversationID int64, replyTo int, text string) {
	msg := transport.Message{ConversationID: conversationID, Text: text, ReplyTo: replyTo}
	if _, err := transport.SendChunked(ctx, o.transport, msg, o.opts.ChunkSize); err != nil {
		o.logger.Warn("failed to send message", "conversation_id", conversationID, "error", err)
	}
}

func (o *Orchestrator) edit(ctx context.Context, conversationID int64, messageID int, text string, buttons [][]transport.Button) {
	if messageID == 0 {
		return
	}
	if err := o.transport.EditText(ctx, conversationID, messageID, text, buttons); err != nil {
		o.logger.Warn("failed to edit message",
			"conversation_id", conversationID, "message_id", messageID, "error", err)
	}
}

// notice acknowledges a button press with a short toast. Without a callback
// or a transport that supports toasts it falls back to a chat message.
func (o *Orchestrator) notice(ctx context.Context, conversationID int64, callbackID string, replyTo int, text string) {
	if callbackID != "" && o.answerer != nil {
		if err := o.answerer.AnswerCallback(ctx, conversationID, callbackID, text); err != nil {
			o.logger.Warn("failed to answer callback", "conversation_id", conversationID, "error", err)
		}
		return
	}
	if text != "" {
		o.send(ctx, conversationID, replyTo, text)
	}
}

// parseCommand splits "/name@bot arg..." into its lower-cased name and the
// remaining text.
func parseCommand(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text, " ")
	head, _, _ = strings.Cut(head[1:], "@")
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}
