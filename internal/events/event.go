// Package events routes the agent server's global event stream to the
// conversations that own the originating sessions.
package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/tgcode/internal/opencode"
	"github.com/ashureev/tgcode/internal/pending"
)

// Event is a decoded stream event: PermissionAsked, QuestionAsked or Unknown.
type Event interface {
	EventType() string
}

const (
	TypePermissionAsked = "permission.asked"
	TypeQuestionAsked   = "question.asked"
)

// PermissionAsked is raised when the agent needs approval for a tool call.
type PermissionAsked struct {
	Directory  string         `json:"-"`
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionID"`
	Permission string         `json:"permission"`
	Patterns   []string       `json:"patterns"`
	Metadata   map[string]any `json:"metadata"`
	Always     []string       `json:"always"`
}

func (PermissionAsked) EventType() string { return TypePermissionAsked }

// Summary is the human readable description shown with the decision buttons.
func (e PermissionAsked) Summary() string {
	var b strings.Builder
	b.WriteString("Permission requested: ")
	if e.Permission != "" {
		b.WriteString(e.Permission)
	} else {
		b.WriteString("unknown action")
	}
	for _, p := range e.Patterns {
		b.WriteString("\n  ")
		b.WriteString(p)
	}
	return b.String()
}

// QuestionAsked is raised when the agent asks the user to choose.
type QuestionAsked struct {
	Directory string
	ID        string
	SessionID string
	Questions []pending.Question
}

func (QuestionAsked) EventType() string { return TypeQuestionAsked }

// Unknown is any event type the bridge does not handle.
type Unknown struct {
	Type string
}

func (u Unknown) EventType() string { return u.Type }

type questionWire struct {
	Header   string           `json:"header"`
	Question string           `json:"question"`
	Options  []pending.Option `json:"options"`
	Multiple bool             `json:"multiple"`
	Custom   *bool            `json:"custom"`
}

type questionAskedWire struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	Questions []questionWire `json:"questions"`
}

// Decode converts a stream envelope into an Event.
func Decode(ge opencode.GlobalEvent) (Event, error) {
	switch ge.Payload.Type {
	case TypePermissionAsked:
		var e PermissionAsked
		if err := json.Unmarshal(ge.Payload.Properties, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", TypePermissionAsked, err)
		}
		if e.ID == "" || e.SessionID == "" {
			return nil, fmt.Errorf("decode %s: missing id or sessionID", TypePermissionAsked)
		}
		e.Directory = ge.Directory
		return e, nil

	case TypeQuestionAsked:
		var w questionAskedWire
		if err := json.Unmarshal(ge.Payload.Properties, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", TypeQuestionAsked, err)
		}
		if w.ID == "" || w.SessionID == "" {
			return nil, fmt.Errorf("decode %s: missing id or sessionID", TypeQuestionAsked)
		}
		e := QuestionAsked{Directory: ge.Directory, ID: w.ID, SessionID: w.SessionID}
		for _, q := range w.Questions {
			custom := true
			if q.Custom != nil {
				custom = *q.Custom
			}
			e.Questions = append(e.Questions, pending.Question{
				Header:   q.Header,
				Prompt:   q.Question,
				Options:  q.Options,
				Multiple: q.Multiple,
				Custom:   custom,
			})
		}
		return e, nil

	default:
		return Unknown{Type: ge.Payload.Type}, nil
	}
}
