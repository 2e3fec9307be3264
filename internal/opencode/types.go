package opencode

import (
	"encoding/json"
	"strings"

	"github.com/ashureev/tgcode/internal/domain"
)

// File is an attachment sent with a prompt.
type File struct {
	Mime     string
	Filename string
	Data     []byte
}

// PromptRequest is one user turn.
type PromptRequest struct {
	SessionID string
	Directory string
	Text      string
	Files     []File
	// Model overrides the server default when non-zero.
	Model domain.ModelRef
}

type partInput struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Mime     string `json:"mime,omitempty"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`
}

type promptBody struct {
	Parts []partInput      `json:"parts"`
	Model *domain.ModelRef `json:"model,omitempty"`
}

// MessageError is the structured error the server attaches to a failed
// assistant message.
type MessageError struct {
	Name string `json:"name"`
	Data struct {
		Message    string `json:"message"`
		StatusCode int    `json:"statusCode"`
	} `json:"data"`
}

// MessageInfo describes an assistant message.
type MessageInfo struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"sessionID"`
	ProviderID string        `json:"providerID"`
	ModelID    string        `json:"modelID"`
	Error      *MessageError `json:"error,omitempty"`
}

// Model returns the model that produced the message.
func (i MessageInfo) Model() domain.ModelRef {
	return domain.ModelRef{ProviderID: i.ProviderID, ModelID: i.ModelID}
}

// Part is one part of an assistant message.
type Part struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Synthetic bool   `json:"synthetic"`
	Ignored   bool   `json:"ignored"`
}

// PromptResponse is the assistant's reply to a prompt.
type PromptResponse struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// Text joins the visible text parts of the reply.
func (r *PromptResponse) Text() string {
	var texts []string
	for _, p := range r.Parts {
		if p.Type != "text" || p.Synthetic || p.Ignored {
			continue
		}
		if t := strings.TrimSpace(p.Text); t != "" {
			texts = append(texts, t)
		}
	}
	return strings.Join(texts, "\n\n")
}

// Modalities lists the content kinds a model accepts and produces.
type Modalities struct {
	Input  []string `json:"input"`
	Output []string `json:"output"`
}

// Model is a model offered by a provider.
type Model struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Modalities *Modalities `json:"modalities,omitempty"`
}

// Accepts reports whether the model takes the given input modality
// ("image", "pdf", ...). Models without modality data accept text only.
func (m Model) Accepts(modality string) bool {
	if modality == "text" {
		return true
	}
	if m.Modalities == nil {
		return false
	}
	for _, in := range m.Modalities.Input {
		if in == modality {
			return true
		}
	}
	return false
}

// Provider is a configured model provider.
type Provider struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Models map[string]Model `json:"models"`
}

// ProvidersResponse lists providers and the default model per provider.
type ProvidersResponse struct {
	Providers []Provider        `json:"providers"`
	Default   map[string]string `json:"default"`
}

// Lookup finds a model by reference.
func (r *ProvidersResponse) Lookup(ref domain.ModelRef) (Model, bool) {
	for _, p := range r.Providers {
		if p.ID != ref.ProviderID {
			continue
		}
		m, ok := p.Models[ref.ModelID]
		return m, ok
	}
	return Model{}, false
}

// ServerConfig is the subset of the server configuration the bridge reads.
type ServerConfig struct {
	// Model is the default model, "provider/model".
	Model string `json:"model"`
}

// GlobalEvent is one envelope of the global event stream.
type GlobalEvent struct {
	Directory string       `json:"directory"`
	Payload   EventPayload `json:"payload"`
}

// EventPayload is a typed event with raw properties.
type EventPayload struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// PermissionReply is the answer to a permission request.
type PermissionReply string

const (
	ReplyOnce   PermissionReply = "once"
	ReplyAlways PermissionReply = "always"
	ReplyReject PermissionReply = "reject"
)
