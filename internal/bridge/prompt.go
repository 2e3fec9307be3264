package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/tgcode/internal/domain"
	"github.com/ashureev/tgcode/internal/guard"
	"github.com/ashureev/tgcode/internal/opencode"
	"github.com/ashureev/tgcode/internal/pending"
	"github.com/ashureev/tgcode/internal/sentry"
	"github.com/ashureev/tgcode/internal/transport"
)

func (o *Orchestrator) handleMessage(ctx context.Context, u Update) {
	conv := u.ConversationID

	if o.registry.HasQuestion(conv) {
		if len(u.Files) > 0 {
			o.send(ctx, conv, u.MessageID, msgQuestionFileBusy)
			return
		}
		if o.answerTyped(ctx, u) {
			return
		}
	}

	if strings.TrimSpace(u.Text) == "" && len(u.Files) == 0 {
		return
	}

	project, err := o.projects.ActiveProject(ctx, conv)
	if err != nil {
		msg, generic := userMessage(err)
		if generic {
			o.logger.Error("failed to resolve project", "conversation_id", conv, "error", err)
		}
		o.send(ctx, conv, u.MessageID, msg)
		return
	}

	tok := o.guard.TryStart(conv, u.MessageID, func(info guard.TimeoutInfo) {
		o.onTimeout(conv, project, info)
	})
	if tok == nil {
		o.logger.Info("prompt rejected, conversation busy", "conversation_id", conv)
		o.send(ctx, conv, u.MessageID, msgBusy)
		return
	}

	o.wg.Add(1)
	go o.runPrompt(u, project, tok)
}

// answerTyped routes text to the open question. It reports false when the
// question disappeared in the meantime and the text should become a prompt.
func (o *Orchestrator) answerTyped(ctx context.Context, u Update) bool {
	res, err := o.registry.SubmitTypedAnswer(ctx, u.ConversationID, strings.TrimSpace(u.Text))
	if errors.Is(err, pending.ErrNoQuestion) {
		return false
	}
	o.renderResult(ctx, u.ConversationID, "", u.MessageID, res, err)
	return true
}

func (o *Orchestrator) runPrompt(u Update, project domain.Project, tok *guard.Token) {
	conv := u.ConversationID
	logger := o.logger.With("conversation_id", conv, "project", project.Alias)

	defer o.wg.Done()
	defer o.guard.Release(conv, tok)
	defer func() {
		if v := recover(); v != nil {
			logger.Error("prompt panicked", "panic", v)
			sentry.ReportPanic(v, map[string]string{"component": "bridge"})
			if !tok.Cancelled() {
				ctx, cancel := detached()
				defer cancel()
				o.send(ctx, conv, u.MessageID, msgGeneric)
			}
		}
	}()

	if err := o.prompt(tok, u, project, logger); err != nil {
		o.fail(tok, conv, u.MessageID, err, logger)
	}
}

func (o *Orchestrator) prompt(tok *guard.Token, u Update, project domain.Project, logger *slog.Logger) error {
	ctx := tok.Context()
	conv := u.ConversationID

	if tok.Cancelled() {
		return nil
	}
	sessionID, err := o.ensureSessionID(ctx, conv, project.Path, logger)
	if err != nil {
		return err
	}
	o.guard.SetSessionID(conv, tok, sessionID)
	if tok.Cancelled() {
		return nil
	}
	logger = logger.With("session_id", sessionID)

	files, err := o.download(ctx, u.Files)
	if err != nil {
		return err
	}
	model, err := o.store.GetModel(ctx, conv, project.Path)
	if err != nil {
		return fmt.Errorf("load pinned model: %w", err)
	}
	if len(files) > 0 {
		if err := o.checkCapability(ctx, project.Path, model, files); err != nil {
			return err
		}
	}

	logger.Debug("sending prompt", "files", len(files), "model", model.String())
	resp, err := o.backend.Prompt(ctx, opencode.PromptRequest{
		SessionID: sessionID,
		Directory: project.Path,
		Text:      u.Text,
		Files:     files,
		Model:     model,
	})
	if err != nil {
		return fmt.Errorf("prompt session %s: %w", sessionID, err)
	}

	persist := context.WithoutCancel(ctx)
	if used := resp.Info.Model(); model.IsZero() && !used.IsZero() {
		if err := o.store.SetModel(persist, conv, project.Path, used); err != nil {
			logger.Warn("failed to pin model", "model", used.String(), "error", err)
		}
	}
	if err := o.store.TouchSession(persist, sessionID); err != nil {
		logger.Warn("failed to touch session", "error", err)
	}

	text := resp.Text()
	if text == "" {
		return newBackendRequestError(resp.Info)
	}
	if tok.Cancelled() {
		logger.Info("dropping reply that arrived after cancellation")
		return nil
	}

	sendCtx, cancel := detached()
	defer cancel()
	msg := transport.Message{ConversationID: conv, Text: text, ReplyTo: u.MessageID}
	if _, err := transport.SendChunked(sendCtx, o.transport, msg, o.opts.ChunkSize); err != nil {
		logger.Warn("failed to deliver reply", "error", err)
		return nil
	}
	logger.Info("prompt answered", "chars", len(text))
	return nil
}

func (o *Orchestrator) fail(tok *guard.Token, conversationID int64, replyTo int, err error, logger *slog.Logger) {
	if tok.Cancelled() {
		logger.Debug("prompt ended after cancellation", "error", err)
		return
	}
	msg, generic := userMessage(err)
	if generic {
		logger.Error("prompt failed", "error", err)
	} else {
		logger.Warn("prompt failed", "error", err)
	}
	ctx, cancel := detached()
	defer cancel()
	o.send(ctx, conversationID, replyTo, msg)
}

func (o *Orchestrator) ensureSessionID(ctx context.Context, conversationID int64, directory string, logger *slog.Logger) (string, error) {
	sessionID, err := o.store.GetSessionID(ctx, conversationID, directory)
	if err != nil {
		return "", fmt.Errorf("look up session: %w", err)
	}
	if sessionID != "" {
		return sessionID, nil
	}

	sessionID, err = o.backend.CreateSession(ctx, directory)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if err := o.store.SetSessionID(context.WithoutCancel(ctx), conversationID, directory, sessionID); err != nil {
		return "", fmt.Errorf("record session %s: %w", sessionID, err)
	}
	logger.Info("session created", "session_id", sessionID)
	return sessionID, nil
}

func (o *Orchestrator) download(ctx context.Context, atts []Attachment) ([]opencode.File, error) {
	if len(atts) == 0 {
		return nil, nil
	}
	files := make([]opencode.File, 0, len(atts))
	for _, a := range atts {
		f, err := o.fetch(ctx, a)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func (o *Orchestrator) fetch(ctx context.Context, a Attachment) (opencode.File, error) {
	limit := o.opts.MaxFileSize
	if a.Size > limit {
		return opencode.File{}, &DownloadError{Kind: DownloadTooLarge, Filename: a.Filename, Limit: limit}
	}

	dctx, cancel := context.WithTimeout(ctx, o.opts.DownloadTimeout)
	defer cancel()

	rc, err := a.Open(dctx)
	if err != nil {
		return opencode.File{}, downloadError(dctx, a, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return opencode.File{}, downloadError(dctx, a, err)
	}
	if int64(len(data)) > limit {
		return opencode.File{}, &DownloadError{Kind: DownloadTooLarge, Filename: a.Filename, Limit: limit}
	}

	mime := a.Mime
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return opencode.File{Mime: mime, Filename: a.Filename, Data: data}, nil
}

func downloadError(ctx context.Context, a Attachment, err error) error {
	kind := DownloadFailed
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = DownloadTimeout
	}
	return &DownloadError{Kind: kind, Filename: a.Filename, Err: err}
}

// modalities lists the non-text inputs the files require.
func modalities(files []opencode.File) []string {
	var out []string
	seen := map[string]bool{}
	for _, f := range files {
		var m string
		switch {
		case strings.HasPrefix(f.Mime, "image/"):
			m = "image"
		case f.Mime == "application/pdf":
			m = "pdf"
		default:
			continue
		}
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// checkCapability verifies that the pinned model, or the server default when
// nothing is pinned, accepts the attached content.
func (o *Orchestrator) checkCapability(ctx context.Context, directory string, pinned domain.ModelRef, files []opencode.File) error {
	needs := modalities(files)
	if len(needs) == 0 {
		return nil
	}

	ref := pinned
	if ref.IsZero() {
		cfg, err := o.backend.Config(ctx, directory)
		if err != nil {
			return fmt.Errorf("load server config: %w", err)
		}
		ref, err = domain.ParseModelRef(cfg.Model)
		if err != nil {
			return &CapabilityError{
				Reason: "Could not tell which model would read the attachment. Pin one with /model and try again.",
			}
		}
	}

	providers, err := o.backend.Providers(ctx, directory)
	if err != nil {
		return fmt.Errorf("list providers: %w", err)
	}
	m, ok := providers.Lookup(ref)
	if !ok {
		return &CapabilityError{
			Model:  ref.String(),
			Reason: fmt.Sprintf("Model %s is not available on the server. Pick another one with /model.", ref),
		}
	}
	if m.Modalities == nil {
		return &CapabilityError{
			Model:  ref.String(),
			Reason: fmt.Sprintf("Model %s does not report which attachments it accepts, so the file was not sent.", ref),
		}
	}
	for _, need := range needs {
		if !m.Accepts(need) {
			return &CapabilityError{
				Model:  ref.String(),
				Reason: fmt.Sprintf("Model %s cannot read %s attachments. Pick another one with /model.", ref, need),
			}
		}
	}
	return nil
}

func (o *Orchestrator) onTimeout(conversationID int64, project domain.Project, info guard.TimeoutInfo) {
	ctx, cancel := detached()
	defer cancel()

	o.cancelQuestion(ctx, conversationID, msgQuestionTimedOut)

	timeout := o.guard.Timeout()
	if info.SessionID == "" {
		o.send(ctx, conversationID, info.ReplyTo, fmt.Sprintf(msgTimeoutNoSession, timeout))
		return
	}

	aborted, err := o.backend.Abort(ctx, info.SessionID, project.Path)
	switch {
	case err != nil:
		o.logger.Warn("abort after timeout failed",
			"conversation_id", conversationID, "session_id", info.SessionID, "error", err)
		o.send(ctx, conversationID, info.ReplyTo, fmt.Sprintf(msgTimeoutAbortFailed, timeout))
	case aborted:
		o.send(ctx, conversationID, info.ReplyTo, fmt.Sprintf(msgTimeoutAborted, timeout))
	default:
		o.send(ctx, conversationID, info.ReplyTo, fmt.Sprintf(msgTimeoutNotAborted, timeout))
	}
}

// cancelQuestion rejects the conversation's open question, if any, and closes
// its message with reason.
func (o *Orchestrator) cancelQuestion(ctx context.Context, conversationID int64, reason string) {
	res, err := o.registry.CancelQuestion(ctx, conversationID, reason)
	if errors.Is(err, pending.ErrNoQuestion) {
		return
	}
	if err != nil {
		o.logger.Warn("failed to reject question", "conversation_id", conversationID, "error", err)
	}
	if res.Question != nil {
		o.edit(ctx, conversationID, res.Question.MessageID, reason, nil)
	}
}
