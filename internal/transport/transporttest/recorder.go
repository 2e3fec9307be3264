// Package transporttest provides an in-memory transport.Transport for tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/ashureev/tgcode/internal/transport"
)

var (
	_ transport.Transport        = (*Recorder)(nil)
	_ transport.CallbackAnswerer = (*Recorder)(nil)
)

// Edit is an EditText call captured by Recorder.
type Edit struct {
	ConversationID int64
	MessageID      int
	Text           string
	Buttons        [][]transport.Button
}

// Recorder is an in-memory Transport that records every call. Message ids
// start at 1 and increase.
type Recorder struct {
	mu      sync.Mutex
	nextID  int
	sent    []transport.Message
	edits   []Edit
	answers []string
	SendErr error
	EditErr error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) SendText(_ context.Context, msg transport.Message) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SendErr != nil {
		return 0, r.SendErr
	}
	r.nextID++
	r.sent = append(r.sent, msg)
	return r.nextID, nil
}

func (r *Recorder) EditText(_ context.Context, conversationID int64, messageID int, text string, buttons [][]transport.Button) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.EditErr != nil {
		return r.EditErr
	}
	r.edits = append(r.edits, Edit{ConversationID: conversationID, MessageID: messageID, Text: text, Buttons: buttons})
	return nil
}

func (r *Recorder) AnswerCallback(_ context.Context, _ int64, _ string, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers = append(r.answers, text)
	return nil
}

// Answers returns the texts of answered callbacks.
func (r *Recorder) Answers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.answers...)
}

// Sent returns a copy of the sent messages.
func (r *Recorder) Sent() []transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Message(nil), r.sent...)
}

// Edits returns a copy of the recorded edits.
func (r *Recorder) Edits() []Edit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Edit(nil), r.edits...)
}

// Texts returns the text of every sent message.
func (r *Recorder) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, m := range r.sent {
		out[i] = m.Text
	}
	return out
}
