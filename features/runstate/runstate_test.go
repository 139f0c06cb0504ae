package runstate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/postpipe/features/runstate/file"
	"goa.design/postpipe/runtime/pipeline"
)

func TestOpenDefaultsToFileBackend(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runs")
	store, closeStore, err := Open(context.Background(), Config{FileDir: dir})
	require.NoError(t, err)
	defer func() { require.NoError(t, closeStore(context.Background())) }()

	require.IsType(t, (*file.Store)(nil), store)
	require.NoError(t, store.Upsert(context.Background(), pipeline.Run{RunTraceID: "r1"}))
	got, err := store.Load(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, "r1", got.RunTraceID)
}

func TestOpenRejectsMongoWithoutURI(t *testing.T) {
	_, _, err := Open(context.Background(), Config{Backend: BackendMongo})
	require.ErrorContains(t, err, "requires a URI")
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, _, err := Open(context.Background(), Config{Backend: "dynamo"})
	require.ErrorContains(t, err, "unknown backend")
}

func TestFromEnv(t *testing.T) {
	t.Setenv("POSTPIPE_RUNSTATE_BACKEND", "mongo")
	t.Setenv("POSTPIPE_MONGO_URI", "mongodb://localhost:27017")
	t.Setenv("POSTPIPE_MONGO_DATABASE", "pipelines")
	cfg := FromEnv()
	require.Equal(t, BackendMongo, cfg.Backend)
	require.Equal(t, "mongodb://localhost:27017", cfg.MongoURI)
	require.Equal(t, "pipelines", cfg.MongoDatabase)
}
