package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/postpipe/runtime/pipeline"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestNewRequiresDirectory(t *testing.T) {
	_, err := New("")
	require.EqualError(t, err, "directory is required")
}

func TestUpsertThenLoadRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	run := pipeline.Run{
		RunTraceID: "r1",
		BrandID:    "b1",
		PostPlanID: "p1",
		Phase:      pipeline.PhaseMedia,
		ContentRef: "content/r1",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	run.AddEvent(now, pipeline.PhaseMedia, "checkpoint", "content completed")

	require.NoError(t, s.Upsert(ctx, run))
	got, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, run, got)
}

func TestUpsertReplacesPriorRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := pipeline.Run{RunTraceID: "r1", Phase: pipeline.PhasePending}
	require.NoError(t, s.Upsert(ctx, run))

	run.Phase = pipeline.PhaseFailed
	run.Error = pipeline.NewError(pipeline.CodeProviderFailure, "render rejected")
	require.NoError(t, s.Upsert(ctx, run))

	got, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, pipeline.PhaseFailed, got.Phase)
	require.Equal(t, pipeline.CodeProviderFailure, got.Error.Code)
}

func TestLoadUnknownRun(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load(context.Background(), "ghost")
	require.ErrorIs(t, err, pipeline.ErrRunNotFound)
}

func TestLoadTornRecord(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "r1.json"), []byte(`{"phase":`), 0o644))
	_, err := s.Load(context.Background(), "r1")
	var e *pipeline.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, pipeline.CodeInternal, e.Code)
}

func TestPathEscapesSeparators(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := "../escape/attempt"
	require.NoError(t, s.Upsert(ctx, pipeline.Run{RunTraceID: id}))

	got, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, got.RunTraceID)

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "record stays inside the store directory")
}

func TestValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.Error(t, s.Upsert(ctx, pipeline.Run{}))
	_, err := s.Load(ctx, "")
	require.Error(t, err)
	require.False(t, errors.Is(err, pipeline.ErrRunNotFound))
}
