package opencode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/tgcode/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL + "/", Username: "opencode", Password: "pw"}, quietLogger())
	require.NoError(t, err)
	return c
}

func TestNewClientValidatesURL(t *testing.T) {
	t.Parallel()
	_, err := NewClient(Config{BaseURL: "ftp://host"}, nil)
	assert.Error(t, err)
	_, err = NewClient(Config{BaseURL: "://bad"}, nil)
	assert.Error(t, err)
}

func TestCreateSessionSendsDirectoryAndAuth(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/session", r.URL.Path)
		assert.Equal(t, "/srv/api", r.URL.Query().Get("directory"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "opencode", user)
		assert.Equal(t, "pw", pass)
		_, _ = io.WriteString(w, `{"id":"ses_1"}`)
	}))

	id, err := c.CreateSession(context.Background(), "/srv/api")
	require.NoError(t, err)
	assert.Equal(t, "ses_1", id)
}

func TestCreateSessionWithoutID(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	_, err := c.CreateSession(context.Background(), "/d")
	assert.Error(t, err)
}

func TestPromptBuildsPartsAndModel(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/session/ses_1/message", r.URL.Path)
		var body struct {
			Parts []map[string]string `json:"parts"`
			Model *domain.ModelRef    `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Parts, 2)
		assert.Equal(t, "text", body.Parts[0]["type"])
		assert.Equal(t, "hello", body.Parts[0]["text"])
		assert.Equal(t, "file", body.Parts[1]["type"])
		assert.Equal(t, "image/png", body.Parts[1]["mime"])
		assert.Equal(t, "data:image/png;base64,AQID", body.Parts[1]["url"])
		require.NotNil(t, body.Model)
		assert.Equal(t, "anthropic", body.Model.ProviderID)

		_, _ = io.WriteString(w, `{
			"info": {"providerID":"anthropic","modelID":"claude"},
			"parts": [
				{"type":"step-start"},
				{"type":"text","text":"first"},
				{"type":"text","text":"hidden","synthetic":true},
				{"type":"text","text":"second"}
			]
		}`)
	}))

	resp, err := c.Prompt(context.Background(), PromptRequest{
		SessionID: "ses_1",
		Directory: "/d",
		Text:      "hello",
		Files:     []File{{Mime: "image/png", Filename: "a.png", Data: []byte{1, 2, 3}}},
		Model:     domain.ModelRef{ProviderID: "anthropic", ModelID: "claude"},
	})
	require.NoError(t, err)
	assert.Equal(t, "first\n\nsecond", resp.Text())
	assert.Equal(t, "anthropic/claude", resp.Info.Model().String())
	assert.Nil(t, resp.Info.Error)
}

func TestPromptOmitsZeroModelAndDecodesError(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		assert.NotContains(t, string(raw), `"model"`)
		_, _ = io.WriteString(w, `{"info":{"error":{"name":"APIError","data":{"message":"rate limited","statusCode":429}}},"parts":[]}`)
	}))

	resp, err := c.Prompt(context.Background(), PromptRequest{SessionID: "s", Text: "x"})
	require.NoError(t, err)
	require.NotNil(t, resp.Info.Error)
	assert.Equal(t, "rate limited", resp.Info.Error.Data.Message)
	assert.Equal(t, 429, resp.Info.Error.Data.StatusCode)
	assert.Empty(t, resp.Text())
}

func TestPromptHonoursContext(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.Prompt(ctx, PromptRequest{SessionID: "s", Text: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStatusErrorClasses(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusNotFound, errdefs.IsNotFound},
		{http.StatusBadRequest, errdefs.IsInvalidArgument},
		{http.StatusUnauthorized, errdefs.IsPermissionDenied},
		{http.StatusBadGateway, errdefs.IsUnavailable},
		{http.StatusTeapot, errdefs.IsUnknown},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "boom", tc.status)
			}))
			_, err := c.Abort(context.Background(), "s", "/d")
			require.Error(t, err)
			assert.True(t, tc.check(err), "status %d: %v", tc.status, err)
			assert.Contains(t, err.Error(), "boom")
		})
	}
}

func TestAbortProvidersConfig(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session/s1/abort", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "true")
	})
	mux.HandleFunc("GET /config/providers", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{
			"providers":[{"id":"anthropic","models":{
				"claude":{"id":"claude","modalities":{"input":["text","image","pdf"]}},
				"old":{"id":"old"}
			}}],
			"default":{"anthropic":"claude"}
		}`)
	})
	mux.HandleFunc("GET /config", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"model":"anthropic/claude","theme":"x"}`)
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	ok, err := c.Abort(ctx, "s1", "/d")
	require.NoError(t, err)
	assert.True(t, ok)

	providers, err := c.Providers(ctx, "/d")
	require.NoError(t, err)
	m, found := providers.Lookup(domain.ModelRef{ProviderID: "anthropic", ModelID: "claude"})
	require.True(t, found)
	assert.True(t, m.Accepts("image"))
	assert.True(t, m.Accepts("text"))
	old, _ := providers.Lookup(domain.ModelRef{ProviderID: "anthropic", ModelID: "old"})
	assert.False(t, old.Accepts("image"))
	_, found = providers.Lookup(domain.ModelRef{ProviderID: "other", ModelID: "claude"})
	assert.False(t, found)

	cfg, err := c.Config(ctx, "/d")
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude", cfg.Model)
}

func TestRepliesToInteractions(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var got []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, r.Method+" "+r.URL.Path+" "+strings.TrimSpace(string(raw)))
		mu.Unlock()
		_, _ = io.WriteString(w, "true")
	}))
	ctx := context.Background()

	require.NoError(t, c.ReplyToPermission(ctx, "per_1", ReplyAlways, "/d"))
	require.NoError(t, c.ReplyToQuestion(ctx, "que_1", [][]string{{"B"}, {"X", "Y"}}, "/d"))
	require.NoError(t, c.RejectQuestion(ctx, "que_2", "/d"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		`POST /permission/per_1/reply {"reply":"always"}`,
		`POST /question/que_1/reply {"answers":[["B"],["X","Y"]]}`,
		`POST /question/que_2/reject `,
	}, got)
}

func TestEventsDecodesStream(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/global/event", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"directory\":\"/d\",\"payload\":{\"type\":\"server.connected\",\"properties\":{}}}\n\n")
		_, _ = io.WriteString(w, "data: not json\n\n")
		_, _ = io.WriteString(w, ": keepalive\n\n")
		_, _ = io.WriteString(w, "data: {\"directory\":\"/d\",\"payload\":{\"type\":\"permission.asked\",\"properties\":{\"id\":\"per_1\"}}}\n\n")
	}))

	var types []string
	for ev, err := range c.Events(context.Background()) {
		require.NoError(t, err)
		types = append(types, ev.Payload.Type)
		assert.Equal(t, "/d", ev.Directory)
	}
	assert.Equal(t, []string{"server.connected", "permission.asked"}, types)
}

func TestEventsConnectFailure(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	var errs int
	for _, err := range c.Events(context.Background()) {
		require.Error(t, err)
		assert.True(t, errdefs.IsUnavailable(err))
		errs++
	}
	assert.Equal(t, 1, errs)
}
