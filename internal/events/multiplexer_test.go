package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/tgcode/internal/opencode"
	"github.com/ashureev/tgcode/internal/pending"
	"github.com/ashureev/tgcode/internal/store/storetest"
)

type streamItem struct {
	ev  opencode.GlobalEvent
	err error
}

type scriptedSource struct {
	mu       sync.Mutex
	streams  [][]streamItem
	calls    int
	connects chan time.Time
}

func newScriptedSource(streams ...[]streamItem) *scriptedSource {
	return &scriptedSource{streams: streams, connects: make(chan time.Time, 64)}
}

func (s *scriptedSource) Events(context.Context) iter.Seq2[opencode.GlobalEvent, error] {
	return func(yield func(opencode.GlobalEvent, error) bool) {
		s.mu.Lock()
		var items []streamItem
		if s.calls < len(s.streams) {
			items = s.streams[s.calls]
		}
		s.calls++
		s.mu.Unlock()

		select {
		case s.connects <- time.Now():
		default:
		}
		for _, it := range items {
			if !yield(it.ev, it.err) {
				return
			}
		}
	}
}

type fakeNotifier struct {
	mu          sync.Mutex
	nextID      int
	permissions []pending.PermissionRequest
	questions   []*pending.QuestionRequest
	err         error
}

func (f *fakeNotifier) NotifyPermission(_ context.Context, p pending.PermissionRequest) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.nextID++
	f.permissions = append(f.permissions, p)
	return f.nextID, nil
}

func (f *fakeNotifier) NotifyQuestion(_ context.Context, q *pending.QuestionRequest) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.nextID++
	f.questions = append(f.questions, q)
	return f.nextID, nil
}

type fakeBackend struct {
	mu          sync.Mutex
	rejected    []string
	permReplies []string
}

func (f *fakeBackend) ReplyToQuestion(context.Context, string, [][]string, string) error { return nil }

func (f *fakeBackend) RejectQuestion(_ context.Context, requestID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, requestID)
	return nil
}

func (f *fakeBackend) ReplyToPermission(_ context.Context, requestID string, reply opencode.PermissionReply, directory string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permReplies = append(f.permReplies, requestID+":"+string(reply)+"@"+directory)
	return nil
}

type statusRecorder struct {
	mu     sync.Mutex
	states []bool
}

func (s *statusRecorder) SetEventStreamConnected(c bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, c)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func envelope(t *testing.T, typ string, props any) opencode.GlobalEvent {
	t.Helper()
	raw, err := json.Marshal(props)
	require.NoError(t, err)
	return opencode.GlobalEvent{Directory: "/srv/api", Payload: opencode.EventPayload{Type: typ, Properties: raw}}
}

func questionProps(id, session string) map[string]any {
	return map[string]any{
		"id":        id,
		"sessionID": session,
		"questions": []map[string]any{{
			"header":   "Pick",
			"question": "Which one?",
			"options":  []map[string]string{{"label": "A"}, {"label": "B"}},
		}},
	}
}

type harness struct {
	owners   *storetest.Memory
	registry *pending.Registry
	backend  *fakeBackend
	notifier *fakeNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{owners: storetest.NewMemory(), backend: &fakeBackend{}, notifier: &fakeNotifier{}}
	h.registry = pending.NewRegistry(h.backend, quiet())
	require.NoError(t, h.owners.SetSessionID(context.Background(), 10, "/srv/api", "ses_a"))
	return h
}

func (h *harness) mux(src Source, opts ...Option) *Multiplexer {
	opts = append([]Option{WithLogger(quiet())}, opts...)
	return New(src, h.owners, h.registry, h.backend, h.notifier, opts...)
}

func TestSecondQuestionRejectedFirstKept(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	m := h.mux(nil)
	ctx := context.Background()

	m.handle(ctx, envelope(t, TypeQuestionAsked, questionProps("que_1", "ses_a")))
	m.handle(ctx, envelope(t, TypeQuestionAsked, questionProps("que_2", "ses_a")))

	q, ok := h.registry.QuestionFor(10)
	require.True(t, ok)
	assert.Equal(t, "que_1", q.RequestID)
	assert.Equal(t, 1, q.MessageID)
	assert.Equal(t, "/srv/api", q.Directory)
	assert.Equal(t, []string{"que_2"}, h.backend.rejected)
	require.Len(t, h.notifier.questions, 1)
	assert.True(t, h.notifier.questions[0].Questions[0].Custom, "custom defaults to true")
}

func TestUnownedSessionEventsDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	m := h.mux(nil)
	ctx := context.Background()

	m.handle(ctx, envelope(t, TypeQuestionAsked, questionProps("que_x", "ses_unknown")))
	m.handle(ctx, envelope(t, TypePermissionAsked, map[string]any{"id": "per_x", "sessionID": "ses_unknown", "permission": "bash"}))

	assert.Empty(t, h.notifier.questions)
	assert.Empty(t, h.notifier.permissions)
	assert.Empty(t, h.backend.rejected, "unowned questions are dropped, not rejected")
	assert.Empty(t, h.registry.Permissions())
	assert.Empty(t, h.registry.Questions())
}

func TestPermissionDelivered(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	m := h.mux(nil)

	m.handle(context.Background(), envelope(t, TypePermissionAsked, map[string]any{
		"id": "per_1", "sessionID": "ses_a", "permission": "bash", "patterns": []string{"rm -rf build"},
	}))

	p, ok := h.registry.Permission("per_1")
	require.True(t, ok)
	assert.Equal(t, int64(10), p.ConversationID)
	assert.Equal(t, 1, p.MessageID)
	assert.Contains(t, p.Summary, "bash")
	assert.Contains(t, p.Summary, "rm -rf build")
}

func TestDeliveryFailureCleansUp(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.notifier.err = errors.New("chat unreachable")
	m := h.mux(nil)
	ctx := context.Background()

	m.handle(ctx, envelope(t, TypePermissionAsked, map[string]any{"id": "per_1", "sessionID": "ses_a"}))
	m.handle(ctx, envelope(t, TypeQuestionAsked, questionProps("que_1", "ses_a")))

	assert.Empty(t, h.registry.Permissions())
	assert.False(t, h.registry.HasQuestion(10))
	assert.Equal(t, []string{"que_1"}, h.backend.rejected)
	assert.Equal(t, []string{"per_1:reject@/srv/api"}, h.backend.permReplies,
		"an undeliverable permission is rejected so the agent does not wait on it")
}

func TestUnknownAndMalformedIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	m := h.mux(nil)
	ctx := context.Background()

	m.handle(ctx, envelope(t, "session.idle", map[string]any{"sessionID": "ses_a"}))
	m.handle(ctx, envelope(t, TypeQuestionAsked, map[string]any{"sessionID": "ses_a"}))
	m.handle(ctx, opencode.GlobalEvent{Payload: opencode.EventPayload{Type: TypePermissionAsked, Properties: json.RawMessage(`[`)}})

	assert.Empty(t, h.notifier.questions)
	assert.Empty(t, h.notifier.permissions)
}

func TestDecodeQuestionCustomFlag(t *testing.T) {
	t.Parallel()
	props := questionProps("que_1", "ses_a")
	props["questions"] = []map[string]any{
		{"header": "h", "question": "q1", "options": []map[string]string{{"label": "A"}}, "custom": false, "multiple": true},
	}
	ev, err := Decode(envelope(t, TypeQuestionAsked, props))
	require.NoError(t, err)
	q := ev.(QuestionAsked)
	require.Len(t, q.Questions, 1)
	assert.False(t, q.Questions[0].Custom)
	assert.True(t, q.Questions[0].Multiple)
	assert.Equal(t, "q1", q.Questions[0].Prompt)
	assert.Equal(t, "/srv/api", q.Directory)

	ev, err = Decode(opencode.GlobalEvent{Payload: opencode.EventPayload{Type: "message.updated"}})
	require.NoError(t, err)
	assert.Equal(t, Unknown{Type: "message.updated"}, ev)
}

func TestRunReconnectsAfterEndWithDelay(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	src := newScriptedSource(
		[]streamItem{{ev: envelope(t, TypeQuestionAsked, questionProps("que_1", "ses_a"))}},
		[]streamItem{{err: errors.New("connection reset")}},
	)
	status := &statusRecorder{}
	const delay = 30 * time.Millisecond
	m := h.mux(src, WithReconnectDelay(delay), WithStatusReporter(status))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	var stamps []time.Time
	for len(stamps) < 3 {
		select {
		case ts := <-src.connects:
			stamps = append(stamps, ts)
		case <-time.After(2 * time.Second):
			t.Fatal("multiplexer did not reconnect")
		}
	}
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), delay)
	}
	assert.True(t, h.registry.HasQuestion(10), "events are handled before reconnecting")

	status.mu.Lock()
	defer status.mu.Unlock()
	require.GreaterOrEqual(t, len(status.states), 2)
	assert.Equal(t, []bool{true, false}, status.states[:2])
}

func TestRunStopsDuringBackoff(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	src := newScriptedSource()
	m := h.mux(src, WithReconnectDelay(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case <-src.connects:
	case <-time.After(2 * time.Second):
		t.Fatal("multiplexer never connected")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("cancellation during backoff was not prompt")
	}
	src.mu.Lock()
	assert.Equal(t, 1, src.calls)
	src.mu.Unlock()
}

func TestRunReturnsImmediatelyWhenCancelled(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	src := newScriptedSource()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.mux(src).Run(ctx))
	assert.Zero(t, src.calls)
}
