// Package agent implements the logical-agent registry, the resolver that
// reconciles remote agents against their canonical configuration, and the
// tool dispatcher that exposes a fixed tool set through the envelope protocol.
//
// The remote agent service is an external capability behind the Backend
// interface; the registry is the only persisted linkage between a logical
// agent name and its remote identity. Canonical instructions live in the
// registry record; the remote copy is a projection that the resolver pushes
// to on drift.
package agent

import (
	"context"
	"errors"
	"time"
)

// ErrEntryNotFound is returned by Registry implementations when no entry
// exists for the requested logical name.
var ErrEntryNotFound = errors.New("agent: registry entry not found")

type (
	// Entry maps a logical agent name to its remote identity and canonical
	// configuration.
	Entry struct {
		// LogicalName is the stable configuration key for the agent role.
		LogicalName string `json:"logicalName"`
		// AgentID is the remote identity, resolved lazily and cached.
		AgentID string `json:"agentId,omitempty"`
		// Instructions is the canonical instruction text; source of truth
		// independent of the remote agent's current copy.
		Instructions string `json:"instructions,omitempty"`
		// Tools is the ordered set of tool names the agent is expected to
		// expose.
		Tools []string `json:"tools,omitempty"`

		CreatedAt time.Time `json:"createdAt,omitempty"`
		UpdatedAt time.Time `json:"updatedAt,omitempty"`
	}

	// Registry persists entries keyed by logical name with upsert semantics.
	// Load returns ErrEntryNotFound (possibly wrapped) on a miss.
	Registry interface {
		Load(ctx context.Context, logicalName string) (Entry, error)
		Upsert(ctx context.Context, entry Entry) error
	}
)

// clone returns a deep copy so cached entries cannot be mutated by callers.
func (e Entry) clone() Entry {
	out := e
	if len(e.Tools) > 0 {
		out.Tools = append([]string(nil), e.Tools...)
	}
	return out
}
