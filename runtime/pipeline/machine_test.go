package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// memStore is an in-test Store with upsert-by-key semantics.
type memStore struct {
	mu   sync.Mutex
	runs map[string]Run
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[string]Run)}
}

func (s *memStore) Load(_ context.Context, id string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return r, nil
}

func (s *memStore) Upsert(_ context.Context, r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.RunTraceID] = r
	return nil
}

// fakeProviders counts provider invocations so tests can assert idempotency.
type fakeProviders struct {
	mu           sync.Mutex
	contentCalls int
	mediaCalls   int
	publishCalls int
	contentErr   error
	mediaErr     error
	publishErr   error
}

func (f *fakeProviders) GenerateContent(_ context.Context, runTraceID, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contentCalls++
	if f.contentErr != nil {
		return "", f.contentErr
	}
	return "content/" + runTraceID, nil
}

func (f *fakeProviders) GenerateMedia(_ context.Context, runTraceID, _, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mediaCalls++
	if f.mediaErr != nil {
		return "", f.mediaErr
	}
	return "media/" + runTraceID, nil
}

func (f *fakeProviders) PublishPost(_ context.Context, in PublishInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishCalls++
	if f.publishErr != nil {
		return "", f.publishErr
	}
	return "post/" + in.RunTraceID, nil
}

func newTestMachine(t *testing.T, providers *fakeProviders) (*Machine, *memStore) {
	t.Helper()
	store := newMemStore()
	ex := NewExecutor()
	acts := &Activities{Store: store, Content: providers, Media: providers, Publisher: providers}
	require.NoError(t, acts.Register(ex))
	ids := 0
	m := NewMachine(store, ex, WithIDGenerator(func() string {
		ids++
		return "run-gen"
	}))
	return m, store
}

func TestStartThenStatusIsPending(t *testing.T) {
	m, _ := newTestMachine(t, &fakeProviders{})
	ctx := context.Background()

	id, err := m.Start(ctx, "b1", "p1", "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	view, err := m.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, PhasePending, view.Phase)
	require.Nil(t, view.Error)
}

func TestStartValidatesInput(t *testing.T) {
	m, _ := newTestMachine(t, &fakeProviders{})
	ctx := context.Background()

	_, err := m.Start(ctx, "", "p1", "")
	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, CodeInvalidInput, e.Code)

	_, err = m.Start(ctx, "b1", "  ", "")
	require.ErrorAs(t, err, &e)
	require.Equal(t, CodeInvalidInput, e.Code)
}

func TestStartIsIdempotent(t *testing.T) {
	m, store := newTestMachine(t, &fakeProviders{})
	ctx := context.Background()

	id, err := m.Start(ctx, "b1", "p1", "r1")
	require.NoError(t, err)
	require.Equal(t, "r1", id)

	// Advance once, then re-deliver the start trigger: progress must survive.
	_, err = m.Advance(ctx, "r1")
	require.NoError(t, err)
	id, err = m.Start(ctx, "b1", "p1", "r1")
	require.NoError(t, err)
	require.Equal(t, "r1", id)
	run, err := store.Load(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, PhaseMedia, run.Phase)
	require.Equal(t, "content/r1", run.ContentRef)
}

func TestAdvanceWalksAllPhases(t *testing.T) {
	providers := &fakeProviders{}
	m, _ := newTestMachine(t, providers)
	ctx := context.Background()

	id, err := m.Start(ctx, "b1", "p1", "r1")
	require.NoError(t, err)

	// First advance executes the content activity.
	env, err := m.Advance(ctx, id)
	require.NoError(t, err)
	require.NoError(t, env.Validate())
	require.Equal(t, StatusCompleted, env.Status)
	view, err := m.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, PhaseMedia, view.Phase)
	require.Equal(t, "content/r1", view.ContentRef)

	// Second advance executes the media activity.
	_, err = m.Advance(ctx, id)
	require.NoError(t, err)
	view, err = m.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, PhasePublish, view.Phase)
	require.Equal(t, "media/r1", view.MediaRef)

	// Third advance publishes and reaches the terminal phase.
	_, err = m.Advance(ctx, id)
	require.NoError(t, err)
	view, err = m.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, PhaseCompleted, view.Phase)
	require.Equal(t, "post/r1", view.PostRef)
	require.Equal(t, 1, providers.contentCalls)
	require.Equal(t, 1, providers.mediaCalls)
	require.Equal(t, 1, providers.publishCalls)
}

func TestAdvanceOnCompletedRunDoesNotRepublish(t *testing.T) {
	providers := &fakeProviders{}
	m, _ := newTestMachine(t, providers)
	ctx := context.Background()

	id, err := m.Start(ctx, "b1", "p1", "r1")
	require.NoError(t, err)
	for range 3 {
		_, err = m.Advance(ctx, id)
		require.NoError(t, err)
	}
	require.Equal(t, 1, providers.publishCalls)

	env, err := m.Advance(ctx, id)
	require.NoError(t, err)
	require.NoError(t, env.Validate())
	require.Equal(t, StatusCompleted, env.Status)
	require.True(t, env.Meta.Replayed)
	require.Equal(t, 1, providers.publishCalls, "terminal redelivery must not re-publish")
}

func TestAdvanceFailureTransitionsToFailed(t *testing.T) {
	providers := &fakeProviders{mediaErr: NewError(CodeProviderFailure, "render rejected")}
	m, _ := newTestMachine(t, providers)
	ctx := context.Background()

	id, err := m.Start(ctx, "b1", "p1", "r1")
	require.NoError(t, err)
	_, err = m.Advance(ctx, id)
	require.NoError(t, err)

	env, err := m.Advance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, env.Status)

	view, err := m.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, PhaseFailed, view.Phase)
	require.NotNil(t, view.Error)
	require.Equal(t, CodeProviderFailure, view.Error.Code)
	require.Equal(t, "render rejected", view.Error.Message)
	// contentRef from the completed phase survives the failure.
	require.Equal(t, "content/r1", view.ContentRef)

	// Failed is terminal: redelivery re-emits the failure without executing.
	env, err = m.Advance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, env.Status)
	require.True(t, env.Meta.Replayed)
	require.Equal(t, 1, providers.mediaCalls)
}

func TestAdvanceUnknownRun(t *testing.T) {
	m, _ := newTestMachine(t, &fakeProviders{})
	_, err := m.Advance(context.Background(), "nope")
	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, CodeNotFound, e.Code)

	_, err = m.Status(context.Background(), "nope")
	require.ErrorAs(t, err, &e)
	require.Equal(t, CodeNotFound, e.Code)
}

func TestActivityShortCircuitsOnCheckpointedRef(t *testing.T) {
	providers := &fakeProviders{}
	store := newMemStore()
	ex := NewExecutor()
	acts := &Activities{Store: store, Content: providers, Media: providers, Publisher: providers}
	require.NoError(t, acts.Register(ex))
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, Run{RunTraceID: "r1", BrandID: "b1", PostPlanID: "p1", Phase: PhaseMedia, ContentRef: "content/r1"}))
	in := ActivityInput{RunTraceID: "r1", BrandID: "b1", PostPlanID: "p1", Step: PhaseContent}

	// The content phase already checkpointed: redelivered invocations return
	// the same reference and never touch the provider.
	for range 2 {
		env := ex.Execute(ctx, ActivityGenerateContent, in)
		require.Equal(t, StatusCompleted, env.Status)
		var res StepResult
		require.NoError(t, env.DecodeResult(&res))
		require.Equal(t, "content/r1", res.Ref)
		require.True(t, res.Reused)
	}
	require.Zero(t, providers.contentCalls)
}
