// Package inmem provides an in-memory implementation of the run state Client
// for tests and local tooling.
package inmem

import (
	"context"
	"sync"
	"time"

	"goa.design/postpipe/runtime/pipeline"
)

// Client keeps run records in a map. It mirrors the Mongo client's semantics:
// CreatedAt is preserved across upserts and missing runs return
// pipeline.ErrRunNotFound.
type Client struct {
	mu   sync.RWMutex
	runs map[string]pipeline.Run

	// PingErr, when set, is returned by Ping to simulate an unhealthy backend.
	PingErr error
}

// New returns a Client with no recorded runs.
func New() *Client {
	return &Client{runs: make(map[string]pipeline.Run)}
}

// Name identifies the fake in health reports.
func (c *Client) Name() string {
	return "runstate-inmem"
}

// Ping reports the configured health state.
func (c *Client) Ping(context.Context) error {
	return c.PingErr
}

// UpsertRun inserts or replaces the run record.
func (c *Client) UpsertRun(_ context.Context, run pipeline.Run) error {
	if run.RunTraceID == "" {
		return pipeline.NewError(pipeline.CodeInvalidInput, "runTraceId is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.runs[run.RunTraceID]; ok {
		run.CreatedAt = existing.CreatedAt
	} else if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.Events = append([]pipeline.RunEvent(nil), run.Events...)
	c.runs[run.RunTraceID] = run
	return nil
}

// LoadRun returns the stored run record.
func (c *Client) LoadRun(_ context.Context, runTraceID string) (pipeline.Run, error) {
	if runTraceID == "" {
		return pipeline.Run{}, pipeline.NewError(pipeline.CodeInvalidInput, "runTraceId is required")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	run, ok := c.runs[runTraceID]
	if !ok {
		return pipeline.Run{}, pipeline.ErrRunNotFound
	}
	run.Events = append([]pipeline.RunEvent(nil), run.Events...)
	return run, nil
}

// Reset clears all stored records (useful in tests).
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = make(map[string]pipeline.Run)
}
