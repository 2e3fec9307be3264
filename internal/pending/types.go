// Package pending tracks backend-initiated interactions (permission requests
// and multi-step questions) that are waiting for a chat user's decision.
package pending

import "errors"

// Option is one selectable answer of a sub-question.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description"`
}

// Question is one sub-question of a question request.
type Question struct {
	Header   string   `json:"header"`
	Prompt   string   `json:"question"`
	Options  []Option `json:"options"`
	Multiple bool     `json:"multiple"`
	// Custom reports whether a typed free-form answer is accepted.
	Custom bool `json:"custom"`
}

// QuestionRequest is an open question request. At most one exists per
// conversation.
type QuestionRequest struct {
	RequestID      string
	ConversationID int64
	MessageID      int
	Directory      string
	Questions      []Question
	Index          int
	// Answers holds the selected labels per sub-question; nil means unanswered.
	Answers [][]string
}

// onMessage reports whether a press on messageID targets this question.
// Either side being 0 means unknown and matches.
func (q *QuestionRequest) onMessage(messageID int) bool {
	return messageID == 0 || q.MessageID == 0 || messageID == q.MessageID
}

// Current returns the sub-question being asked.
func (q *QuestionRequest) Current() Question {
	return q.Questions[q.Index]
}

// IsLast reports whether the current sub-question is the final one.
func (q *QuestionRequest) IsLast() bool {
	return q.Index == len(q.Questions)-1
}

// Selected reports whether label is part of the current answer.
func (q *QuestionRequest) Selected(label string) bool {
	for _, l := range q.Answers[q.Index] {
		if l == label {
			return true
		}
	}
	return false
}

func (q *QuestionRequest) clone() *QuestionRequest {
	c := *q
	c.Answers = make([][]string, len(q.Answers))
	for i, a := range q.Answers {
		if a != nil {
			c.Answers[i] = append([]string{}, a...)
		}
	}
	return &c
}

// PermissionRequest is a permission request awaiting a decision.
type PermissionRequest struct {
	RequestID      string
	ConversationID int64
	MessageID      int
	Directory      string
	Summary        string
}

// Decision is the answer to a permission request.
type Decision string

const (
	DecisionOnce   Decision = "once"
	DecisionAlways Decision = "always"
	DecisionReject Decision = "reject"
)

// Valid reports whether d is one of the known decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionOnce, DecisionAlways, DecisionReject:
		return true
	}
	return false
}

// Outcome tells the caller what to render after a question operation.
type Outcome int

const (
	// OutcomeUpdated means the current sub-question changed in place (toggle).
	OutcomeUpdated Outcome = iota
	// OutcomeNext means the next sub-question must be rendered.
	OutcomeNext
	// OutcomeSubmitted means all answers were sent and the entry is gone.
	OutcomeSubmitted
	// OutcomeCancelled means the request was rejected and the entry is gone.
	OutcomeCancelled
)

var (
	// ErrNoQuestion is returned when the conversation has no open question.
	ErrNoQuestion = errors.New("no pending question")
	// ErrStale is returned for button presses on a sub-question that is no
	// longer current.
	ErrStale = errors.New("question has moved on")
	// ErrNotMultiple is returned when toggling a single-select sub-question.
	ErrNotMultiple = errors.New("sub-question does not allow multiple selections")
	// ErrNotSingle is returned when single-selecting on a multi-select sub-question.
	ErrNotSingle = errors.New("sub-question expects multiple selections")
	// ErrFreeformDisabled is returned for typed answers the sub-question does
	// not accept.
	ErrFreeformDisabled = errors.New("please choose one of the options")
	// ErrNoSelection is returned when confirming an empty multi-selection.
	ErrNoSelection = errors.New("select at least one option")
	// ErrBadOption is returned for an option index out of range.
	ErrBadOption = errors.New("unknown option")
)
