// Package opencode is a client for an opencode-compatible agent server.
package opencode

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/containerd/errdefs"
)

// StatusError is a non-2xx response from the server.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	body := e.Body
	if body == "" {
		body = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, body)
}

// Unwrap maps the status onto an errdefs class.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Status == http.StatusNotFound:
		return errdefs.ErrNotFound
	case e.Status == http.StatusBadRequest:
		return errdefs.ErrInvalidArgument
	case e.Status == http.StatusUnauthorized, e.Status == http.StatusForbidden:
		return errdefs.ErrPermissionDenied
	case e.Status >= 500:
		return errdefs.ErrUnavailable
	default:
		return errdefs.ErrUnknown
	}
}

// Config holds client configuration.
type Config struct {
	BaseURL  string
	Username string
	Password string
	// ConnectTimeout bounds dialing; requests themselves are bounded by ctx.
	ConnectTimeout time.Duration
}

// Client talks to the agent server over HTTP.
type Client struct {
	base     *url.URL
	username string
	password string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient creates a client. It does not contact the server.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse opencode url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("opencode url %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = cfg.ConnectTimeout

	return &Client{
		base:     base,
		username: cfg.Username,
		password: cfg.Password,
		http:     &http.Client{Transport: transport},
		logger:   logger,
	}, nil
}

func (c *Client) endpoint(path, directory string) string {
	u := *c.base
	u.Path = c.base.Path + path
	if directory != "" {
		u.RawQuery = url.Values{"directory": {directory}}.Encode()
	}
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, path, directory string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", path, err)
		}
		r = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, directory), r)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

// do sends a JSON request and decodes the JSON response into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path, directory string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, directory, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close response body", "path", path, "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// CreateSession starts a new agent session in directory.
func (c *Client) CreateSession(ctx context.Context, directory string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/session", directory, struct{}{}, &out); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("create session: server returned no id")
	}
	c.logger.Info("session created", "session_id", out.ID, "directory", directory)
	return out.ID, nil
}

// Prompt sends a user turn and waits for the assistant's complete reply.
func (c *Client) Prompt(ctx context.Context, req PromptRequest) (*PromptResponse, error) {
	body := promptBody{Parts: buildParts(req)}
	if !req.Model.IsZero() {
		m := req.Model
		body.Model = &m
	}

	var out PromptResponse
	path := "/session/" + url.PathEscape(req.SessionID) + "/message"
	if err := c.do(ctx, http.MethodPost, path, req.Directory, body, &out); err != nil {
		return nil, fmt.Errorf("prompt session %s: %w", req.SessionID, err)
	}
	return &out, nil
}

func buildParts(req PromptRequest) []partInput {
	parts := make([]partInput, 0, len(req.Files)+1)
	if req.Text != "" {
		parts = append(parts, partInput{Type: "text", Text: req.Text})
	}
	for _, f := range req.Files {
		parts = append(parts, partInput{
			Type:     "file",
			Mime:     f.Mime,
			Filename: f.Filename,
			URL:      DataURL(f.Mime, f.Data),
		})
	}
	return parts
}

// DataURL encodes data as a base64 data URL.
func DataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Abort asks the server to stop the session's running prompt. It reports
// whether anything was aborted.
func (c *Client) Abort(ctx context.Context, sessionID, directory string) (bool, error) {
	var aborted bool
	path := "/session/" + url.PathEscape(sessionID) + "/abort"
	if err := c.do(ctx, http.MethodPost, path, directory, nil, &aborted); err != nil {
		return false, fmt.Errorf("abort session %s: %w", sessionID, err)
	}
	return aborted, nil
}

// Providers lists configured providers and their models.
func (c *Client) Providers(ctx context.Context, directory string) (*ProvidersResponse, error) {
	var out ProvidersResponse
	if err := c.do(ctx, http.MethodGet, "/config/providers", directory, nil, &out); err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	return &out, nil
}

// Config returns the server configuration.
func (c *Client) Config(ctx context.Context, directory string) (*ServerConfig, error) {
	var out ServerConfig
	if err := c.do(ctx, http.MethodGet, "/config", directory, nil, &out); err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}
	return &out, nil
}

// ReplyToPermission answers a permission request.
func (c *Client) ReplyToPermission(ctx context.Context, requestID string, reply PermissionReply, directory string) error {
	body := struct {
		Reply PermissionReply `json:"reply"`
	}{Reply: reply}
	path := "/permission/" + url.PathEscape(requestID) + "/reply"
	if err := c.do(ctx, http.MethodPost, path, directory, body, nil); err != nil {
		return fmt.Errorf("reply to permission %s: %w", requestID, err)
	}
	return nil
}

// ReplyToQuestion submits the answers, one label list per sub-question.
func (c *Client) ReplyToQuestion(ctx context.Context, requestID string, answers [][]string, directory string) error {
	body := struct {
		Answers [][]string `json:"answers"`
	}{Answers: answers}
	path := "/question/" + url.PathEscape(requestID) + "/reply"
	if err := c.do(ctx, http.MethodPost, path, directory, body, nil); err != nil {
		return fmt.Errorf("reply to question %s: %w", requestID, err)
	}
	return nil
}

// RejectQuestion declines to answer a question.
func (c *Client) RejectQuestion(ctx context.Context, requestID, directory string) error {
	path := "/question/" + url.PathEscape(requestID) + "/reject"
	if err := c.do(ctx, http.MethodPost, path, directory, nil, nil); err != nil {
		return fmt.Errorf("reject question %s: %w", requestID, err)
	}
	return nil
}
