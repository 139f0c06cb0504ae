// Package file persists run records as one JSON document per run under a
// local directory. It is the zero-dependency backend for development and
// single-node deployments; the mongo backend covers shared deployments.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"goa.design/postpipe/runtime/pipeline"
)

// Store implements pipeline.Store on the local filesystem. Writes go through
// a temp file and rename so a crash mid-write never leaves a torn record.
type Store struct {
	dir string

	// mu serializes writers within this process. Cross-process writers are
	// not coordinated; deployments needing that use the mongo backend.
	mu sync.Mutex
}

// New returns a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, pipeline.WrapError(pipeline.CodeUnavailable, "create run state directory", err)
	}
	return &Store{dir: dir}, nil
}

// Load reads the run record for runTraceID.
func (s *Store) Load(_ context.Context, runTraceID string) (pipeline.Run, error) {
	if runTraceID == "" {
		return pipeline.Run{}, pipeline.NewError(pipeline.CodeInvalidInput, "runTraceId is required")
	}
	data, err := os.ReadFile(s.path(runTraceID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return pipeline.Run{}, pipeline.ErrRunNotFound
		}
		return pipeline.Run{}, pipeline.WrapError(pipeline.CodeUnavailable, "read run record", err)
	}
	var run pipeline.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return pipeline.Run{}, pipeline.WrapError(pipeline.CodeInternal, "decode run record", err)
	}
	return run, nil
}

// Upsert writes the full run record, replacing any prior version.
func (s *Store) Upsert(_ context.Context, run pipeline.Run) error {
	if run.RunTraceID == "" {
		return pipeline.NewError(pipeline.CodeInvalidInput, "runTraceId is required")
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return pipeline.WrapError(pipeline.CodeInternal, "encode run record", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp, err := os.CreateTemp(s.dir, ".run-*.tmp")
	if err != nil {
		return pipeline.WrapError(pipeline.CodeUnavailable, "create temp record", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return pipeline.WrapError(pipeline.CodeUnavailable, "write run record", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return pipeline.WrapError(pipeline.CodeUnavailable, "close run record", err)
	}
	if err := os.Rename(tmpName, s.path(run.RunTraceID)); err != nil {
		_ = os.Remove(tmpName)
		return pipeline.WrapError(pipeline.CodeUnavailable, "commit run record", err)
	}
	return nil
}

// path maps a run trace id to its record file. Ids are escaped so separators
// and other unsafe characters cannot leave the store directory.
func (s *Store) path(runTraceID string) string {
	return filepath.Join(s.dir, url.PathEscape(runTraceID)+".json")
}
