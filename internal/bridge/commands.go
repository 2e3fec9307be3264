package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ashureev/tgcode/internal/domain"
	"github.com/ashureev/tgcode/internal/projects"
	"github.com/ashureev/tgcode/internal/transport"
)

func (o *Orchestrator) handleCommand(ctx context.Context, u Update, name, args string) {
	o.logger.Debug("command received", "conversation_id", u.ConversationID, "command", name)

	switch name {
	case "start", "help":
		o.send(ctx, u.ConversationID, u.MessageID, msgHelp)
	case "abort":
		o.abort(ctx, u)
	case "new":
		o.newSession(ctx, u)
	case "projects":
		o.listProjects(ctx, u)
	case "project":
		o.selectProject(ctx, u, args)
	case "models":
		o.listModels(ctx, u)
	case "model":
		o.pinModel(ctx, u, args)
	case "status":
		o.status(ctx, u)
	default:
		o.send(ctx, u.ConversationID, u.MessageID, fmt.Sprintf("Unknown command /%s. See /help.", name))
	}
}

func (o *Orchestrator) abort(ctx context.Context, u Update) {
	conv := u.ConversationID
	res, ok := o.guard.Abort(conv)
	if !ok {
		o.send(ctx, conv, u.MessageID, msgNothingToAbort)
		return
	}
	o.logger.Info("prompt aborted by user", "conversation_id", conv, "session_id", res.SessionID)

	replyTo := res.ReplyTo
	if replyTo == 0 {
		replyTo = u.MessageID
	}
	o.send(ctx, conv, replyTo, msgAborting)
	o.cancelQuestion(ctx, conv, msgQuestionAborted)

	if res.SessionID == "" {
		return
	}
	var directory string
	if owner, found, err := o.store.GetOwner(ctx, res.SessionID); err != nil {
		o.logger.Warn("session owner lookup failed", "session_id", res.SessionID, "error", err)
	} else if found {
		directory = owner.Directory
	}
	if _, err := o.backend.Abort(ctx, res.SessionID, directory); err != nil {
		o.logger.Warn("backend abort failed", "conversation_id", conv, "session_id", res.SessionID, "error", err)
	}
}

// activeProject resolves the project or tells the user why it cannot.
func (o *Orchestrator) activeProject(ctx context.Context, u Update) (domain.Project, bool) {
	p, err := o.projects.ActiveProject(ctx, u.ConversationID)
	if err != nil {
		msg, generic := userMessage(err)
		if generic {
			o.logger.Error("failed to resolve project", "conversation_id", u.ConversationID, "error", err)
		}
		o.send(ctx, u.ConversationID, u.MessageID, msg)
		return domain.Project{}, false
	}
	return p, true
}

func (o *Orchestrator) newSession(ctx context.Context, u Update) {
	if o.guard.IsInFlight(u.ConversationID) {
		o.send(ctx, u.ConversationID, u.MessageID, "A prompt is still running. Use /abort first.")
		return
	}
	p, ok := o.activeProject(ctx, u)
	if !ok {
		return
	}
	if err := o.store.ClearSession(ctx, u.ConversationID, p.Path); err != nil {
		o.logger.Error("failed to clear session", "conversation_id", u.ConversationID, "error", err)
		o.send(ctx, u.ConversationID, u.MessageID, msgGeneric)
		return
	}
	o.send(ctx, u.ConversationID, u.MessageID,
		fmt.Sprintf("Started over in %s. Your next message opens a new session.", p.Alias))
}

func (o *Orchestrator) listProjects(ctx context.Context, u Update) {
	list := o.projects.Projects()
	if len(list) == 0 {
		o.send(ctx, u.ConversationID, u.MessageID, msgNoProject)
		return
	}
	active, err := o.projects.ActiveProject(ctx, u.ConversationID)
	if err != nil && !projects.IsNoProject(err) {
		o.logger.Warn("failed to resolve project", "conversation_id", u.ConversationID, "error", err)
	}

	var b strings.Builder
	b.WriteString("Projects:")
	for _, p := range list {
		marker := "  "
		if p.Alias == active.Alias {
			marker = "→ "
		}
		fmt.Fprintf(&b, "\n%s%s  %s", marker, p.Alias, p.Path)
	}
	b.WriteString("\n\nSwitch with /project <alias>.")
	o.send(ctx, u.ConversationID, u.MessageID, b.String())
}

func (o *Orchestrator) selectProject(ctx context.Context, u Update, alias string) {
	if alias == "" {
		if p, ok := o.activeProject(ctx, u); ok {
			o.send(ctx, u.ConversationID, u.MessageID, fmt.Sprintf("Active project: %s (%s)", p.Alias, p.Path))
		}
		return
	}
	p, err := o.projects.Select(ctx, u.ConversationID, alias)
	switch {
	case errors.Is(err, projects.ErrUnknownProject):
		o.send(ctx, u.ConversationID, u.MessageID, fmt.Sprintf("Unknown project %q. See /projects.", alias))
	case err != nil:
		o.logger.Error("failed to select project", "conversation_id", u.ConversationID, "alias", alias, "error", err)
		o.send(ctx, u.ConversationID, u.MessageID, msgGeneric)
	default:
		o.send(ctx, u.ConversationID, u.MessageID, fmt.Sprintf("Switched to %s (%s).", p.Alias, p.Path))
	}
}

func (o *Orchestrator) listModels(ctx context.Context, u Update) {
	p, ok := o.activeProject(ctx, u)
	if !ok {
		return
	}
	providers, err := o.backend.Providers(ctx, p.Path)
	if err != nil {
		o.logger.Error("failed to list providers", "conversation_id", u.ConversationID, "error", err)
		o.send(ctx, u.ConversationID, u.MessageID, msgGeneric)
		return
	}
	pinned, err := o.store.GetModel(ctx, u.ConversationID, p.Path)
	if err != nil {
		o.logger.Warn("failed to load pinned model", "conversation_id", u.ConversationID, "error", err)
	}

	var refs []string
	for _, prov := range providers.Providers {
		for id := range prov.Models {
			refs = append(refs, domain.ModelRef{ProviderID: prov.ID, ModelID: id}.String())
		}
	}
	if len(refs) == 0 {
		o.send(ctx, u.ConversationID, u.MessageID, "The server offers no models.")
		return
	}
	sort.Strings(refs)

	var b strings.Builder
	b.WriteString("Models:")
	for _, r := range refs {
		marker := "  "
		if r == pinned.String() {
			marker = "→ "
		}
		b.WriteString("\n" + marker + r)
	}
	b.WriteString("\n\nPin one with /model <provider/model>.")
	msg := transport.Message{ConversationID: u.ConversationID, Text: b.String(), ReplyTo: u.MessageID}
	if _, err := transport.SendChunked(ctx, o.transport, msg, o.opts.ChunkSize); err != nil {
		o.logger.Warn("failed to send model list", "conversation_id", u.ConversationID, "error", err)
	}
}

func (o *Orchestrator) pinModel(ctx context.Context, u Update, arg string) {
	p, ok := o.activeProject(ctx, u)
	if !ok {
		return
	}
	conv := u.ConversationID

	switch arg {
	case "":
		pinned, err := o.store.GetModel(ctx, conv, p.Path)
		if err != nil {
			o.logger.Error("failed to load pinned model", "conversation_id", conv, "error", err)
			o.send(ctx, conv, u.MessageID, msgGeneric)
			return
		}
		if pinned.IsZero() {
			o.send(ctx, conv, u.MessageID, "No model pinned; the server default is used.")
			return
		}
		o.send(ctx, conv, u.MessageID, "Pinned model: "+pinned.String())
		return

	case "reset":
		if err := o.store.SetModel(ctx, conv, p.Path, domain.ModelRef{}); err != nil {
			o.logger.Error("failed to clear model", "conversation_id", conv, "error", err)
			o.send(ctx, conv, u.MessageID, msgGeneric)
			return
		}
		o.send(ctx, conv, u.MessageID, "Model unpinned; the server default is used.")
		return
	}

	ref, err := domain.ParseModelRef(arg)
	if err != nil {
		o.send(ctx, conv, u.MessageID, "Usage: /model <provider/model> or /model reset")
		return
	}
	providers, err := o.backend.Providers(ctx, p.Path)
	if err != nil {
		o.logger.Error("failed to list providers", "conversation_id", conv, "error", err)
		o.send(ctx, conv, u.MessageID, msgGeneric)
		return
	}
	if _, ok := providers.Lookup(ref); !ok {
		o.send(ctx, conv, u.MessageID, fmt.Sprintf("Unknown model %s. See /models.", ref))
		return
	}
	if err := o.store.SetModel(ctx, conv, p.Path, ref); err != nil {
		o.logger.Error("failed to pin model", "conversation_id", conv, "error", err)
		o.send(ctx, conv, u.MessageID, msgGeneric)
		return
	}
	o.send(ctx, conv, u.MessageID, fmt.Sprintf("Pinned %s for %s.", ref, p.Alias))
}

func (o *Orchestrator) status(ctx context.Context, u Update) {
	conv := u.ConversationID
	var b strings.Builder

	p, err := o.projects.ActiveProject(ctx, conv)
	if err != nil {
		b.WriteString("Project: none")
	} else {
		fmt.Fprintf(&b, "Project: %s (%s)", p.Alias, p.Path)
		if sid, err := o.store.GetSessionID(ctx, conv, p.Path); err == nil && sid != "" {
			fmt.Fprintf(&b, "\nSession: %s", sid)
		} else {
			b.WriteString("\nSession: none yet")
		}
		if m, err := o.store.GetModel(ctx, conv, p.Path); err == nil && !m.IsZero() {
			fmt.Fprintf(&b, "\nModel: %s", m)
		} else {
			b.WriteString("\nModel: server default")
		}
	}

	if o.guard.IsInFlight(conv) {
		b.WriteString("\nPrompt: running")
	} else {
		b.WriteString("\nPrompt: idle")
	}
	if o.registry.HasQuestion(conv) {
		b.WriteString("\nQuestion: waiting for your answer")
	}
	o.send(ctx, conv, u.MessageID, b.String())
}
