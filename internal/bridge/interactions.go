package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ashureev/tgcode/internal/opencode"
	"github.com/ashureev/tgcode/internal/pending"
	"github.com/ashureev/tgcode/internal/transport"
)

// Callback data prefixes.
const (
	cbPermission = "perm"
	cbQuestion   = "q"
)

// NotifyPermission posts a permission request with its decision buttons.
func (o *Orchestrator) NotifyPermission(ctx context.Context, p pending.PermissionRequest) (int, error) {
	return o.transport.SendText(ctx, transport.Message{
		ConversationID: p.ConversationID,
		Text:           p.Summary,
		Buttons:        permissionButtons(p.RequestID),
	})
}

// NotifyQuestion posts the current sub-question of q.
func (o *Orchestrator) NotifyQuestion(ctx context.Context, q *pending.QuestionRequest) (int, error) {
	text, buttons := renderQuestion(q)
	return o.transport.SendText(ctx, transport.Message{
		ConversationID: q.ConversationID,
		Text:           text,
		Buttons:        buttons,
	})
}

func permissionButtons(requestID string) [][]transport.Button {
	data := func(d pending.Decision) string {
		return cbPermission + ":" + string(d) + ":" + requestID
	}
	return [][]transport.Button{{
		{Text: "Allow once", Data: data(pending.DecisionOnce)},
		{Text: "Always allow", Data: data(pending.DecisionAlways)},
		{Text: "Reject", Data: data(pending.DecisionReject)},
	}}
}

func decisionText(d pending.Decision) string {
	switch d {
	case pending.DecisionOnce:
		return "Allowed once."
	case pending.DecisionAlways:
		return "Always allowed."
	default:
		return "Rejected."
	}
}

// renderQuestion renders the current sub-question. Single-select options
// answer immediately; multi-select options toggle and need Done.
func renderQuestion(q *pending.QuestionRequest) (string, [][]transport.Button) {
	cur := q.Current()

	var b strings.Builder
	title := cur.Header
	if title == "" {
		title = "Question"
	}
	b.WriteString("❓ " + title)
	if len(q.Questions) > 1 {
		fmt.Fprintf(&b, " (%d/%d)", q.Index+1, len(q.Questions))
	}
	if cur.Prompt != "" {
		b.WriteString("\n" + cur.Prompt)
	}
	for _, opt := range cur.Options {
		if opt.Description != "" {
			fmt.Fprintf(&b, "\n• %s: %s", opt.Label, opt.Description)
		}
	}
	if cur.Multiple {
		b.WriteString("\n\nSelect one or more options, then press Done.")
	}
	if cur.Custom {
		b.WriteString("\n\nOr type your own answer.")
	}

	rows := make([][]transport.Button, 0, len(cur.Options)+2)
	for i, opt := range cur.Options {
		btn := transport.Button{Text: opt.Label}
		if cur.Multiple {
			if q.Selected(opt.Label) {
				btn.Text = "✅ " + opt.Label
			}
			btn.Data = fmt.Sprintf("%s:tog:%d:%d", cbQuestion, q.Index, i)
		} else {
			btn.Data = fmt.Sprintf("%s:sel:%d:%d", cbQuestion, q.Index, i)
		}
		rows = append(rows, []transport.Button{btn})
	}
	if cur.Multiple {
		rows = append(rows, []transport.Button{{Text: "Done", Data: fmt.Sprintf("%s:ok:%d", cbQuestion, q.Index)}})
	}
	rows = append(rows, []transport.Button{{Text: "Dismiss", Data: cbQuestion + ":x"}})
	return b.String(), rows
}

// renderAnswered summarises a submitted question.
func renderAnswered(q *pending.QuestionRequest) string {
	var b strings.Builder
	b.WriteString("✅ Answered")
	for i, sub := range q.Questions {
		label := sub.Header
		if label == "" {
			label = sub.Prompt
		}
		var answer []string
		if i < len(q.Answers) {
			answer = q.Answers[i]
		}
		fmt.Fprintf(&b, "\n%s: %s", label, strings.Join(answer, ", "))
	}
	return b.String()
}

func (o *Orchestrator) handleCallback(ctx context.Context, u Update) {
	cb := u.Callback
	kind, rest, _ := strings.Cut(cb.Data, ":")
	switch kind {
	case cbPermission:
		o.handlePermissionCallback(ctx, u, rest)
	case cbQuestion:
		o.handleQuestionCallback(ctx, u, rest)
	default:
		o.logger.Debug("unknown callback", "conversation_id", u.ConversationID, "data", cb.Data)
		o.notice(ctx, u.ConversationID, cb.ID, cb.MessageID, msgNoLongerPending)
	}
}

func (o *Orchestrator) handlePermissionCallback(ctx context.Context, u Update, rest string) {
	cb := u.Callback
	conv := u.ConversationID
	decisionRaw, requestID, ok := strings.Cut(rest, ":")
	decision := pending.Decision(decisionRaw)
	if !ok || requestID == "" || !decision.Valid() {
		o.notice(ctx, conv, cb.ID, cb.MessageID, msgNoLongerPending)
		return
	}

	if p, found := o.registry.Permission(requestID); !found || p.ConversationID != conv {
		o.notice(ctx, conv, cb.ID, cb.MessageID, msgNoLongerPending)
		return
	}
	p, found := o.registry.TakePermission(requestID)
	if !found {
		o.notice(ctx, conv, cb.ID, cb.MessageID, msgNoLongerPending)
		return
	}

	if err := o.backend.ReplyToPermission(ctx, requestID, opencode.PermissionReply(decision), p.Directory); err != nil {
		o.logger.Warn("failed to reply to permission",
			"conversation_id", conv, "request_id", requestID, "error", err)
		o.registry.AddPermission(&p)
		o.notice(ctx, conv, cb.ID, cb.MessageID, "Sending the decision failed. Try again.")
		return
	}
	o.logger.Info("permission decided", "conversation_id", conv, "request_id", requestID, "decision", decision)

	messageID := p.MessageID
	if messageID == 0 {
		messageID = cb.MessageID
	}
	o.edit(ctx, conv, messageID, p.Summary+"\n\n"+decisionText(decision), nil)
	o.notice(ctx, conv, cb.ID, cb.MessageID, "")
}

func (o *Orchestrator) handleQuestionCallback(ctx context.Context, u Update, rest string) {
	cb := u.Callback
	conv := u.ConversationID
	fields := strings.Split(rest, ":")

	var (
		res pending.Result
		err error
	)
	switch {
	case len(fields) == 1 && fields[0] == "x":
		res, err = o.registry.DismissQuestion(ctx, conv, cb.MessageID, msgQuestionDismiss)
	case len(fields) == 3 && (fields[0] == "sel" || fields[0] == "tog"):
		sub, err1 := strconv.Atoi(fields[1])
		opt, err2 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil {
			o.notice(ctx, conv, cb.ID, cb.MessageID, msgNoLongerPending)
			return
		}
		if fields[0] == "sel" {
			res, err = o.registry.SelectSingleOption(ctx, conv, cb.MessageID, sub, opt)
		} else {
			res, err = o.registry.ToggleOption(conv, cb.MessageID, sub, opt)
		}
	case len(fields) == 2 && fields[0] == "ok":
		sub, convErr := strconv.Atoi(fields[1])
		if convErr != nil {
			o.notice(ctx, conv, cb.ID, cb.MessageID, msgNoLongerPending)
			return
		}
		res, err = o.registry.ConfirmMultiSelect(ctx, conv, cb.MessageID, sub)
	default:
		o.notice(ctx, conv, cb.ID, cb.MessageID, msgNoLongerPending)
		return
	}
	o.renderResult(ctx, conv, cb.ID, cb.MessageID, res, err)
}

// renderResult updates the question message after a registry operation and
// acknowledges the user. callbackID is empty for typed answers.
func (o *Orchestrator) renderResult(ctx context.Context, conversationID int64, callbackID string, replyTo int, res pending.Result, err error) {
	switch {
	case errors.Is(err, pending.ErrNoQuestion):
		o.notice(ctx, conversationID, callbackID, replyTo, msgNoLongerPending)
		return
	case errors.Is(err, pending.ErrStale), errors.Is(err, pending.ErrBadOption),
		errors.Is(err, pending.ErrNotMultiple), errors.Is(err, pending.ErrNotSingle):
		o.notice(ctx, conversationID, callbackID, replyTo, msgStale)
		return
	case errors.Is(err, pending.ErrNoSelection):
		o.notice(ctx, conversationID, callbackID, replyTo, msgSelectOne)
		return
	case errors.Is(err, pending.ErrFreeformDisabled):
		o.notice(ctx, conversationID, callbackID, replyTo, msgChooseOption)
		return
	}

	q := res.Question
	if q == nil {
		return
	}
	if err != nil {
		o.logger.Warn("failed to send question outcome",
			"conversation_id", conversationID, "request_id", q.RequestID, "error", err)
		if res.Outcome == pending.OutcomeSubmitted {
			o.edit(ctx, conversationID, q.MessageID, msgSubmitFailed, nil)
			o.notice(ctx, conversationID, callbackID, replyTo, msgSubmitFailed)
			return
		}
	}

	switch res.Outcome {
	case pending.OutcomeUpdated, pending.OutcomeNext:
		text, buttons := renderQuestion(q)
		o.edit(ctx, conversationID, q.MessageID, text, buttons)
	case pending.OutcomeSubmitted:
		o.edit(ctx, conversationID, q.MessageID, renderAnswered(q), nil)
	case pending.OutcomeCancelled:
		o.edit(ctx, conversationID, q.MessageID, res.Reason, nil)
	}
	if callbackID != "" {
		o.notice(ctx, conversationID, callbackID, replyTo, "")
	}
}
