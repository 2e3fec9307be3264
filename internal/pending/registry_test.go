package pending

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submitCall struct {
	RequestID string
	Answers   [][]string
	Directory string
}

type fakeReplier struct {
	mu        sync.Mutex
	submits   []submitCall
	rejects   []string
	submitErr error
}

func (f *fakeReplier) ReplyToQuestion(_ context.Context, requestID string, answers [][]string, directory string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, submitCall{RequestID: requestID, Answers: answers, Directory: directory})
	return f.submitErr
}

func (f *fakeReplier) RejectQuestion(_ context.Context, requestID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects = append(f.rejects, requestID)
	return nil
}

func twoStepQuestion(conv int64) *QuestionRequest {
	return &QuestionRequest{
		RequestID:      "q-two",
		ConversationID: conv,
		Directory:      "/proj",
		Questions: []Question{
			{Header: "Pick", Prompt: "First?", Options: []Option{{Label: "A"}, {Label: "B"}}},
			{Header: "Pick", Prompt: "Second?", Options: []Option{{Label: "X"}, {Label: "Y"}}},
		},
	}
}

func multiQuestion(conv int64) *QuestionRequest {
	return &QuestionRequest{
		RequestID:      "q-multi",
		ConversationID: conv,
		Directory:      "/proj",
		Questions: []Question{{
			Header:   "Checks",
			Prompt:   "Which checks should run?",
			Multiple: true,
			Options:  []Option{{Label: "Typecheck"}, {Label: "Tests"}, {Label: "Build"}},
		}},
	}
}

func TestAddQuestionOnePerConversation(t *testing.T) {
	t.Parallel()
	r := NewRegistry(&fakeReplier{}, nil)

	require.True(t, r.AddQuestion(twoStepQuestion(1)))
	second := multiQuestion(1)
	assert.False(t, r.AddQuestion(second))

	q, ok := r.QuestionFor(1)
	require.True(t, ok)
	assert.Equal(t, "q-two", q.RequestID)

	assert.True(t, r.AddQuestion(multiQuestion(2)))
	assert.Len(t, r.Questions(), 2)
}

func TestAddQuestionRejectsEmpty(t *testing.T) {
	t.Parallel()
	r := NewRegistry(&fakeReplier{}, nil)
	assert.False(t, r.AddQuestion(&QuestionRequest{RequestID: "empty", ConversationID: 1}))
	assert.False(t, r.HasQuestion(1))
}

func TestQuestionSequencingAccumulatesAnswers(t *testing.T) {
	t.Parallel()
	rep := &fakeReplier{}
	r := NewRegistry(rep, nil)
	ctx := context.Background()
	require.True(t, r.AddQuestion(twoStepQuestion(1)))

	res, err := r.SelectSingleOption(ctx, 1, 0, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNext, res.Outcome)
	assert.Equal(t, 1, res.Question.Index)
	assert.Empty(t, rep.submits, "no submit before the last sub-question")

	res, err = r.SelectSingleOption(ctx, 1, 0, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubmitted, res.Outcome)
	require.Len(t, rep.submits, 1)
	assert.Equal(t, submitCall{RequestID: "q-two", Answers: [][]string{{"B"}, {"X"}}, Directory: "/proj"}, rep.submits[0])
	assert.False(t, r.HasQuestion(1))
}

func TestIndexNeverDecreasesAndStalePressRejected(t *testing.T) {
	t.Parallel()
	r := NewRegistry(&fakeReplier{}, nil)
	ctx := context.Background()
	require.True(t, r.AddQuestion(twoStepQuestion(1)))

	_, err := r.SelectSingleOption(ctx, 1, 0, 0, 0)
	require.NoError(t, err)

	_, err = r.SelectSingleOption(ctx, 1, 0, 0, 1)
	assert.ErrorIs(t, err, ErrStale)

	q, _ := r.QuestionFor(1)
	assert.Equal(t, 1, q.Index)
	assert.Equal(t, []string{"A"}, q.Answers[0])
}

func TestPressOnOtherMessageRejected(t *testing.T) {
	t.Parallel()
	rep := &fakeReplier{}
	r := NewRegistry(rep, nil)
	ctx := context.Background()
	require.True(t, r.AddQuestion(twoStepQuestion(1)))
	r.SetQuestionMessage(1, "q-two", 11)

	_, err := r.SelectSingleOption(ctx, 1, 10, 0, 0)
	assert.ErrorIs(t, err, ErrStale)
	_, err = r.DismissQuestion(ctx, 1, 10, "dismissed")
	assert.ErrorIs(t, err, ErrStale)

	res, err := r.SelectSingleOption(ctx, 1, 11, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNext, res.Outcome)

	res, err = r.DismissQuestion(ctx, 1, 11, "dismissed")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Equal(t, []string{"q-two"}, rep.rejects)
	assert.Empty(t, rep.submits)
}

func TestMultiSelectToggleThenConfirm(t *testing.T) {
	t.Parallel()
	rep := &fakeReplier{}
	r := NewRegistry(rep, nil)
	ctx := context.Background()
	require.True(t, r.AddQuestion(multiQuestion(1)))

	_, err := r.ConfirmMultiSelect(ctx, 1, 0, 0)
	assert.ErrorIs(t, err, ErrNoSelection)
	assert.Empty(t, rep.submits)

	res, err := r.ToggleOption(1, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	_, err = r.ToggleOption(1, 0, 0, 2)
	require.NoError(t, err)

	res, err = r.ConfirmMultiSelect(ctx, 1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubmitted, res.Outcome)
	require.Len(t, rep.submits, 1)
	assert.Equal(t, [][]string{{"Typecheck", "Build"}}, rep.submits[0].Answers)
}

func TestToggleFlipsMembership(t *testing.T) {
	t.Parallel()
	r := NewRegistry(&fakeReplier{}, nil)
	require.True(t, r.AddQuestion(multiQuestion(1)))

	_, _ = r.ToggleOption(1, 0, 0, 1)
	res, err := r.ToggleOption(1, 0, 0, 1)
	require.NoError(t, err)
	assert.Empty(t, res.Question.Answers[0])
	assert.NotNil(t, res.Question.Answers[0], "toggled answer is initialised, not nil")

	_, err = r.ConfirmMultiSelect(context.Background(), 1, 0, 0)
	assert.ErrorIs(t, err, ErrNoSelection)
}

func TestModeMismatchErrors(t *testing.T) {
	t.Parallel()
	r := NewRegistry(&fakeReplier{}, nil)
	ctx := context.Background()
	require.True(t, r.AddQuestion(twoStepQuestion(1)))
	require.True(t, r.AddQuestion(multiQuestion(2)))

	_, err := r.ToggleOption(1, 0, 0, 0)
	assert.ErrorIs(t, err, ErrNotMultiple)
	_, err = r.SelectSingleOption(ctx, 2, 0, 0, 0)
	assert.ErrorIs(t, err, ErrNotSingle)
	_, err = r.SelectSingleOption(ctx, 1, 0, 0, 9)
	assert.ErrorIs(t, err, ErrBadOption)
	_, err = r.ToggleOption(3, 0, 0, 0)
	assert.ErrorIs(t, err, ErrNoQuestion)
}

func TestTypedAnswer(t *testing.T) {
	t.Parallel()
	rep := &fakeReplier{}
	r := NewRegistry(rep, nil)
	ctx := context.Background()

	q := twoStepQuestion(1)
	q.Questions[0].Custom = true
	require.True(t, r.AddQuestion(q))

	res, err := r.SubmitTypedAnswer(ctx, 1, "something else")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNext, res.Outcome)

	_, err = r.SubmitTypedAnswer(ctx, 1, "nope")
	assert.ErrorIs(t, err, ErrFreeformDisabled)
	assert.Equal(t, "please choose one of the options", err.Error())

	res, err = r.SelectSingleOption(ctx, 1, 0, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubmitted, res.Outcome)
	assert.Equal(t, [][]string{{"something else"}, {"Y"}}, rep.submits[0].Answers)
}

func TestCancelQuestionRejects(t *testing.T) {
	t.Parallel()
	rep := &fakeReplier{}
	r := NewRegistry(rep, nil)
	require.True(t, r.AddQuestion(twoStepQuestion(1)))

	res, err := r.CancelQuestion(context.Background(), 1, "prompt timed out")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Equal(t, "prompt timed out", res.Reason)
	assert.Equal(t, []string{"q-two"}, rep.rejects)
	assert.False(t, r.HasQuestion(1))

	_, err = r.CancelQuestion(context.Background(), 1, "again")
	assert.ErrorIs(t, err, ErrNoQuestion)
}

func TestSubmitFailureStillRemovesEntry(t *testing.T) {
	t.Parallel()
	rep := &fakeReplier{submitErr: errors.New("backend down")}
	r := NewRegistry(rep, nil)
	require.True(t, r.AddQuestion(multiQuestion(1)))
	_, _ = r.ToggleOption(1, 0, 0, 0)

	res, err := r.ConfirmMultiSelect(context.Background(), 1, 0, 0)
	require.Error(t, err)
	assert.Equal(t, OutcomeSubmitted, res.Outcome)
	assert.False(t, r.HasQuestion(1))
}

func TestSubmitWithGapPanics(t *testing.T) {
	t.Parallel()
	r := NewRegistry(&fakeReplier{}, nil)
	q := twoStepQuestion(1)
	require.True(t, r.AddQuestion(q))

	r.mu.Lock()
	r.questions[1].Index = 1
	r.questions[1].Answers[1] = []string{"X"}
	assert.Panics(t, func() {
		_, _ = r.advanceOrSubmit(context.Background(), r.questions[1])
	})
}

func TestSnapshotsAreIndependent(t *testing.T) {
	t.Parallel()
	r := NewRegistry(&fakeReplier{}, nil)
	require.True(t, r.AddQuestion(multiQuestion(1)))
	res, err := r.ToggleOption(1, 0, 0, 0)
	require.NoError(t, err)

	res.Question.Answers[0][0] = "mutated"
	q, _ := r.QuestionFor(1)
	assert.Equal(t, []string{"Typecheck"}, q.Answers[0])
}

func TestPermissionsTakeOnce(t *testing.T) {
	t.Parallel()
	r := NewRegistry(&fakeReplier{}, nil)
	r.AddPermission(&PermissionRequest{RequestID: "per-2", ConversationID: 5, Summary: "bash: ls"})
	r.AddPermission(&PermissionRequest{RequestID: "per-1", ConversationID: 5, Summary: "edit: a.go"})
	r.AddPermission(&PermissionRequest{RequestID: "per-3", ConversationID: 1})

	list := r.Permissions()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"per-3", "per-1", "per-2"}, []string{list[0].RequestID, list[1].RequestID, list[2].RequestID})

	p, ok := r.TakePermission("per-1")
	require.True(t, ok)
	assert.Equal(t, "edit: a.go", p.Summary)
	_, ok = r.TakePermission("per-1")
	assert.False(t, ok)
	r.SetPermissionMessage("per-2", 77)
	r.SetPermissionMessage("per-1", 78)
	p, ok = r.Permission("per-2")
	require.True(t, ok)
	assert.Equal(t, 77, p.MessageID)
	_, ok = r.Permission("per-1")
	assert.False(t, ok, "setting a message must not resurrect a taken permission")
}

func TestDecisionValid(t *testing.T) {
	t.Parallel()
	assert.True(t, DecisionOnce.Valid())
	assert.True(t, DecisionAlways.Valid())
	assert.True(t, DecisionReject.Valid())
	assert.False(t, Decision("maybe").Valid())
}
