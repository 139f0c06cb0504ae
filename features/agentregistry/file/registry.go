// Package file persists the agent registry as a single JSON document on the
// local filesystem, keyed by logical agent name. It pairs with the file run
// state backend for single-node deployments.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"goa.design/postpipe/runtime/agent"
)

// DefaultFilename is the registry document name under the configured directory.
const DefaultFilename = "agents.json"

// Registry implements agent.Registry over one JSON file. The whole document
// is rewritten on every upsert through a temp file and rename; the registry
// holds a handful of entries so this stays cheap.
type Registry struct {
	path string

	mu sync.Mutex
}

// New returns a Registry stored at dir/agents.json, creating dir if needed.
func New(dir string) (*Registry, error) {
	if dir == "" {
		return nil, errors.New("directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Registry{path: filepath.Join(dir, DefaultFilename)}, nil
}

// Load returns the entry recorded for logicalName.
func (r *Registry) Load(_ context.Context, logicalName string) (agent.Entry, error) {
	if logicalName == "" {
		return agent.Entry{}, errors.New("logical name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.read()
	if err != nil {
		return agent.Entry{}, err
	}
	entry, ok := entries[logicalName]
	if !ok {
		return agent.Entry{}, agent.ErrEntryNotFound
	}
	return entry, nil
}

// Upsert inserts or replaces the entry for its logical name.
func (r *Registry) Upsert(_ context.Context, entry agent.Entry) error {
	if entry.LogicalName == "" {
		return errors.New("logical name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.read()
	if err != nil {
		return err
	}
	entries[entry.LogicalName] = entry
	return r.write(entries)
}

func (r *Registry) read() (map[string]agent.Entry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(map[string]agent.Entry), nil
		}
		return nil, err
	}
	entries := make(map[string]agent.Entry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *Registry) write(entries map[string]agent.Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".agents-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
