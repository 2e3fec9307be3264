package pending

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// QuestionReplier forwards question outcomes to the backend.
type QuestionReplier interface {
	ReplyToQuestion(ctx context.Context, requestID string, answers [][]string, directory string) error
	RejectQuestion(ctx context.Context, requestID, directory string) error
}

// Registry holds pending questions (one per conversation) and pending
// permissions (any number, keyed by request id).
type Registry struct {
	mu          sync.Mutex
	questions   map[int64]*QuestionRequest
	permissions map[string]*PermissionRequest
	replier     QuestionReplier
	logger      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(replier QuestionReplier, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		questions:   make(map[int64]*QuestionRequest),
		permissions: make(map[string]*PermissionRequest),
		replier:     replier,
		logger:      logger,
	}
}

// Result is the state after a question operation. Question is a snapshot; for
// OutcomeSubmitted and OutcomeCancelled it is the final state of the removed
// entry.
type Result struct {
	Outcome  Outcome
	Question *QuestionRequest
	Reason   string
}

// AddQuestion registers q unless its conversation already has an open
// question, in which case it returns false and leaves the registry untouched.
func (r *Registry) AddQuestion(q *QuestionRequest) bool {
	if len(q.Questions) == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.questions[q.ConversationID]; exists {
		return false
	}
	q.Index = 0
	q.Answers = make([][]string, len(q.Questions))
	r.questions[q.ConversationID] = q
	return true
}

// SetQuestionMessage records the chat message that renders the question.
func (r *Registry) SetQuestionMessage(conversationID int64, requestID string, messageID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.questions[conversationID]; ok && q.RequestID == requestID {
		q.MessageID = messageID
	}
}

// RemoveQuestion drops the question without notifying the backend.
func (r *Registry) RemoveQuestion(conversationID int64, requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.questions[conversationID]; ok && q.RequestID == requestID {
		delete(r.questions, conversationID)
	}
}

// HasQuestion reports whether the conversation has an open question.
func (r *Registry) HasQuestion(conversationID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.questions[conversationID]
	return ok
}

// QuestionFor returns a snapshot of the conversation's open question.
func (r *Registry) QuestionFor(conversationID int64) (*QuestionRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.questions[conversationID]
	if !ok {
		return nil, false
	}
	return q.clone(), true
}

// Questions returns snapshots of every open question.
func (r *Registry) Questions() []*QuestionRequest {
	r.mu.Lock()
	out := make([]*QuestionRequest, 0, len(r.questions))
	for _, q := range r.questions {
		out = append(out, q.clone())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

// ToggleOption flips an option of the current multi-select sub-question.
// messageID is the message holding the pressed button; 0 skips the check.
func (r *Registry) ToggleOption(conversationID int64, messageID, subIndex, optIndex int) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, err := r.current(conversationID, messageID, subIndex)
	if err != nil {
		return Result{}, err
	}
	cur := q.Current()
	if !cur.Multiple {
		return Result{}, ErrNotMultiple
	}
	if optIndex < 0 || optIndex >= len(cur.Options) {
		return Result{}, ErrBadOption
	}

	label := cur.Options[optIndex].Label
	answer := q.Answers[q.Index]
	if answer == nil {
		answer = []string{}
	}
	if i := indexOf(answer, label); i >= 0 {
		answer = append(answer[:i], answer[i+1:]...)
	} else {
		answer = append(answer, label)
	}
	q.Answers[q.Index] = answer
	return Result{Outcome: OutcomeUpdated, Question: q.clone()}, nil
}

// SelectSingleOption answers the current single-select sub-question and
// advances.
func (r *Registry) SelectSingleOption(ctx context.Context, conversationID int64, messageID, subIndex, optIndex int) (Result, error) {
	r.mu.Lock()
	q, err := r.current(conversationID, messageID, subIndex)
	if err != nil {
		r.mu.Unlock()
		return Result{}, err
	}
	cur := q.Current()
	if cur.Multiple {
		r.mu.Unlock()
		return Result{}, ErrNotSingle
	}
	if optIndex < 0 || optIndex >= len(cur.Options) {
		r.mu.Unlock()
		return Result{}, ErrBadOption
	}
	q.Answers[q.Index] = []string{cur.Options[optIndex].Label}
	return r.advanceOrSubmit(ctx, q)
}

// ConfirmMultiSelect submits the toggled selection of the current multi-select
// sub-question and advances.
func (r *Registry) ConfirmMultiSelect(ctx context.Context, conversationID int64, messageID, subIndex int) (Result, error) {
	r.mu.Lock()
	q, err := r.current(conversationID, messageID, subIndex)
	if err != nil {
		r.mu.Unlock()
		return Result{}, err
	}
	if !q.Current().Multiple {
		r.mu.Unlock()
		return Result{}, ErrNotMultiple
	}
	if len(q.Answers[q.Index]) == 0 {
		r.mu.Unlock()
		return Result{}, ErrNoSelection
	}
	return r.advanceOrSubmit(ctx, q)
}

// SubmitTypedAnswer answers the current sub-question with free text.
func (r *Registry) SubmitTypedAnswer(ctx context.Context, conversationID int64, text string) (Result, error) {
	r.mu.Lock()
	q, ok := r.questions[conversationID]
	if !ok {
		r.mu.Unlock()
		return Result{}, ErrNoQuestion
	}
	if !q.Current().Custom {
		r.mu.Unlock()
		return Result{}, ErrFreeformDisabled
	}
	q.Answers[q.Index] = []string{text}
	return r.advanceOrSubmit(ctx, q)
}

// CancelQuestion removes the conversation's question and rejects it to the
// backend. The entry is gone even when the reject call fails.
func (r *Registry) CancelQuestion(ctx context.Context, conversationID int64, reason string) (Result, error) {
	return r.cancel(ctx, conversationID, 0, reason)
}

// DismissQuestion is CancelQuestion for a button press on messageID. A press
// on a message other than the question's fails with ErrStale.
func (r *Registry) DismissQuestion(ctx context.Context, conversationID int64, messageID int, reason string) (Result, error) {
	return r.cancel(ctx, conversationID, messageID, reason)
}

func (r *Registry) cancel(ctx context.Context, conversationID int64, messageID int, reason string) (Result, error) {
	r.mu.Lock()
	q, ok := r.questions[conversationID]
	if !ok {
		r.mu.Unlock()
		return Result{}, ErrNoQuestion
	}
	if !q.onMessage(messageID) {
		r.mu.Unlock()
		return Result{}, ErrStale
	}
	delete(r.questions, conversationID)
	r.mu.Unlock()

	res := Result{Outcome: OutcomeCancelled, Question: q, Reason: reason}
	if err := r.replier.RejectQuestion(ctx, q.RequestID, q.Directory); err != nil {
		return res, fmt.Errorf("reject question %s: %w", q.RequestID, err)
	}
	return res, nil
}

// advanceOrSubmit must be called with r.mu held; it releases the lock.
func (r *Registry) advanceOrSubmit(ctx context.Context, q *QuestionRequest) (Result, error) {
	if !q.IsLast() {
		q.Index++
		snapshot := q.clone()
		r.mu.Unlock()
		return Result{Outcome: OutcomeNext, Question: snapshot}, nil
	}

	for i, a := range q.Answers {
		if len(a) == 0 {
			r.mu.Unlock()
			panic(fmt.Sprintf("pending: submitting question %s with sub-question %d unanswered", q.RequestID, i))
		}
	}
	// Claim before the backend call so a concurrent press cannot submit twice.
	delete(r.questions, q.ConversationID)
	r.mu.Unlock()

	res := Result{Outcome: OutcomeSubmitted, Question: q}
	if err := r.replier.ReplyToQuestion(ctx, q.RequestID, q.Answers, q.Directory); err != nil {
		return res, fmt.Errorf("reply to question %s: %w", q.RequestID, err)
	}
	r.logger.Info("question answered",
		"conversation_id", q.ConversationID,
		"request_id", q.RequestID,
		"sub_questions", len(q.Questions),
	)
	return res, nil
}

// current must be called with r.mu held.
func (r *Registry) current(conversationID int64, messageID, subIndex int) (*QuestionRequest, error) {
	q, ok := r.questions[conversationID]
	if !ok {
		return nil, ErrNoQuestion
	}
	if !q.onMessage(messageID) || subIndex != q.Index {
		return nil, ErrStale
	}
	return q, nil
}

// AddPermission registers a permission request, replacing any entry with the
// same request id.
func (r *Registry) AddPermission(p *PermissionRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permissions[p.RequestID] = p
}

// SetPermissionMessage records the chat message that renders the permission.
func (r *Registry) SetPermissionMessage(requestID string, messageID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.permissions[requestID]; ok {
		p.MessageID = messageID
	}
}

// Permission returns a copy of the pending permission.
func (r *Registry) Permission(requestID string) (PermissionRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.permissions[requestID]
	if !ok {
		return PermissionRequest{}, false
	}
	return *p, true
}

// TakePermission removes and returns the permission. Only the first caller for
// a request id gets it.
func (r *Registry) TakePermission(requestID string) (PermissionRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.permissions[requestID]
	if !ok {
		return PermissionRequest{}, false
	}
	delete(r.permissions, requestID)
	return *p, true
}

// Permissions lists pending permissions ordered by conversation then id.
func (r *Registry) Permissions() []PermissionRequest {
	r.mu.Lock()
	out := make([]PermissionRequest, 0, len(r.permissions))
	for _, p := range r.permissions {
		out = append(out, *p)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConversationID != out[j].ConversationID {
			return out[i].ConversationID < out[j].ConversationID
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
