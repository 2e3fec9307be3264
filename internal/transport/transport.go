// Package transport defines what the bridge needs from a chat platform.
package transport

import (
	"context"
	"fmt"
	"unicode/utf16"
)

// DefaultChunkSize is the largest message most chat platforms accept.
const DefaultChunkSize = 4096

// Button is an inline button; Data is returned verbatim in the callback.
type Button struct {
	Text string
	Data string
}

// Message is an outgoing chat message.
type Message struct {
	ConversationID int64
	Text           string
	// ReplyTo threads the message under an earlier one; 0 means no thread.
	ReplyTo int
	// Buttons are laid out one row per inner slice.
	Buttons [][]Button
}

// Transport sends and edits chat messages.
type Transport interface {
	// SendText posts a message and returns its platform message id.
	SendText(ctx context.Context, msg Message) (int, error)
	// EditText replaces the text and buttons of an earlier message. A nil
	// buttons value removes the keyboard.
	EditText(ctx context.Context, conversationID int64, messageID int, text string, buttons [][]Button) error
}

// CallbackAnswerer is implemented by transports that acknowledge button
// presses with a short notice (a toast) instead of a chat message.
type CallbackAnswerer interface {
	AnswerCallback(ctx context.Context, conversationID int64, callbackID, text string) error
}

// Split cuts text into chunks of at most limit UTF-16 code units, the unit
// Telegram measures message length in. For text inside the Basic
// Multilingual Plane that is the rune count; emoji and other astral
// characters count twice. Runes are never cut, so a chunk holding a single
// astral rune may exceed a limit of 1. Boundaries are otherwise hard: words
// and lines may be split. Empty text yields no chunks.
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultChunkSize
	}
	if text == "" {
		return nil
	}
	chunks := make([]string, 0, len(text)/limit+1)
	start, units := 0, 0
	for i, r := range text {
		n := utf16.RuneLen(r)
		if n < 0 {
			n = 1
		}
		if units > 0 && units+n > limit {
			chunks = append(chunks, text[start:i])
			start, units = i, 0
		}
		units += n
	}
	return append(chunks, text[start:])
}

// SendChunked sends msg.Text split into chunks. Only the first chunk carries
// ReplyTo and only the last carries Buttons. It returns the id of the first
// message sent.
func SendChunked(ctx context.Context, t Transport, msg Message, limit int) (int, error) {
	chunks := Split(msg.Text, limit)
	if len(chunks) == 0 {
		return 0, nil
	}
	first := 0
	for i, chunk := range chunks {
		m := Message{ConversationID: msg.ConversationID, Text: chunk}
		if i == 0 {
			m.ReplyTo = msg.ReplyTo
		}
		if i == len(chunks)-1 {
			m.Buttons = msg.Buttons
		}
		id, err := t.SendText(ctx, m)
		if err != nil {
			return first, fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if i == 0 {
			first = id
		}
	}
	return first, nil
}
