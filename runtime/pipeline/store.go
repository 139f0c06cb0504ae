package pipeline

import "context"

// Store persists one Run record per runTraceId with upsert semantics.
//
// Upsert is last-write-wins keyed by RunTraceID and atomic per call; the store
// does not detect write conflicts. Callers own read-modify-write ordering:
// the Machine assumes a single writer per run, serialized by the transport.
//
// Load returns ErrRunNotFound (possibly wrapped) when no record exists.
//
// Two backends ship under features/runstate: a transient local one-file-per-run
// store and a partitioned document store keyed by runTraceId. Selection is
// configuration-driven; nothing in this package branches on backend identity.
type Store interface {
	Load(ctx context.Context, runTraceID string) (Run, error)
	Upsert(ctx context.Context, run Run) error
}
