package agent

import (
	"context"
	"errors"
	"time"

	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"goa.design/postpipe/runtime/pipeline"
)

type (
	// Backend is the narrow interface to the remote agent service. FindAgent
	// returns an empty id (no error) when no agent carries the name.
	Backend interface {
		FindAgent(ctx context.Context, name string) (agentID string, err error)
		CreateAgent(ctx context.Context, name, instructions string, tools []string) (agentID string, err error)
		Instructions(ctx context.Context, agentID string) (string, error)
		UpdateInstructions(ctx context.Context, agentID, instructions string) error
		AttachTools(ctx context.Context, agentID string, tools []string) error
	}

	// Defaults supplies packaged default instructions and tool sets per
	// logical name, used to seed registry entries on first resolution.
	Defaults func(logicalName string) (instructions string, tools []string, ok bool)

	// Resolution reports what a Resolve call did, primarily for logging and
	// tests.
	Resolution struct {
		Entry Entry
		// Created is true when a new remote agent was provisioned.
		Created bool
		// InstructionsPushed is true when canonical instructions were pushed
		// to the remote agent because the remote copy had drifted.
		InstructionsPushed bool
		// ToolsAttached is true when the best-effort tool attachment
		// succeeded.
		ToolsAttached bool
	}

	// Resolver maps logical agent names to remote identities and keeps the
	// remote agent reconciled with the registry's canonical configuration.
	//
	// Error handling is two-tier: tool-attachment failures are logged and
	// swallowed, while instruction-push failures surface as retryable
	// failures; stale instructions are a correctness risk.
	Resolver struct {
		registry Registry
		backend  Backend
		defaults Defaults
		limiter  *rate.Limiter
		now      func() time.Time
	}

	// ResolverOption customizes a Resolver.
	ResolverOption func(*Resolver)
)

// WithDefaults overrides the packaged instruction defaults.
func WithDefaults(d Defaults) ResolverOption {
	return func(r *Resolver) {
		if d != nil {
			r.defaults = d
		}
	}
}

// WithMutationRateLimit bounds the rate of remote agent mutations (create,
// instruction push, tool attach). Unlimited by default.
func WithMutationRateLimit(limit rate.Limit, burst int) ResolverOption {
	return func(r *Resolver) {
		r.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithResolverClock overrides the resolver clock (tests).
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewResolver builds a Resolver over the given registry and backend.
func NewResolver(registry Registry, backend Backend, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		registry: registry,
		backend:  backend,
		defaults: DefaultInstructions,
		limiter:  rate.NewLimiter(rate.Inf, 0),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve maps a logical name to a live remote agent identity:
//
//  1. Registry hit with a cached agentId wins.
//  2. Otherwise search the backend by name and cache the mapping.
//  3. Otherwise create a new remote agent and cache the mapping.
//
// Regardless of path, canonical instructions are seeded from packaged
// defaults when the entry has none, reconciled against the remote copy, and
// pushed on drift. Tool attachment runs best-effort on every resolution.
// The updated entry is persisted before returning.
func (r *Resolver) Resolve(ctx context.Context, logicalName string) (Resolution, error) {
	if logicalName == "" {
		return Resolution{}, pipeline.NewError(pipeline.CodeInvalidInput, "logical agent name is required")
	}
	var res Resolution
	entry, err := r.registry.Load(ctx, logicalName)
	if err != nil {
		if !isEntryNotFound(err) {
			return Resolution{}, pipeline.WrapError(pipeline.CodeUnavailable, "load registry entry", err)
		}
		entry = Entry{LogicalName: logicalName, CreatedAt: r.now().UTC()}
	}

	// Seed canonical configuration from packaged defaults on first use.
	if entry.Instructions == "" {
		if instructions, tools, ok := r.defaults(logicalName); ok {
			entry.Instructions = instructions
			if len(entry.Tools) == 0 {
				entry.Tools = tools
			}
			log.Info(ctx, log.KV{K: "msg", V: "seeded canonical instructions"},
				log.KV{K: "logicalName", V: logicalName})
		}
	}

	if entry.AgentID == "" {
		id, err := r.backend.FindAgent(ctx, logicalName)
		if err != nil {
			return Resolution{}, pipeline.WrapError(pipeline.CodeUnavailable, "search remote agents", err)
		}
		if id == "" {
			if err := r.waitMutation(ctx); err != nil {
				return Resolution{}, err
			}
			id, err = r.backend.CreateAgent(ctx, logicalName, entry.Instructions, entry.Tools)
			if err != nil {
				return Resolution{}, pipeline.WrapError(pipeline.CodeUnavailable, "create remote agent", err)
			}
			res.Created = true
			log.Info(ctx, log.KV{K: "msg", V: "created remote agent"},
				log.KV{K: "logicalName", V: logicalName}, log.KV{K: "agentId", V: id})
		}
		entry.AgentID = id
	}

	// Creation provisions the agent with canonical instructions, so only
	// pre-existing agents need the drift check.
	if !res.Created {
		pushed, err := r.reconcileInstructions(ctx, entry)
		if err != nil {
			return Resolution{}, err
		}
		res.InstructionsPushed = pushed
	}

	res.ToolsAttached = r.ensureTools(ctx, entry)

	entry.UpdatedAt = r.now().UTC()
	if err := r.registry.Upsert(ctx, entry); err != nil {
		return Resolution{}, pipeline.WrapError(pipeline.CodeUnavailable, "persist registry entry", err)
	}
	res.Entry = entry.clone()
	return res, nil
}

// reconcileInstructions compares the canonical instructions against the
// remote copy and pushes canonical on drift. Failures are retryable: leaving
// a remote agent on stale instructions is a correctness risk, not a cosmetic
// one.
func (r *Resolver) reconcileInstructions(ctx context.Context, entry Entry) (bool, error) {
	remote, err := r.backend.Instructions(ctx, entry.AgentID)
	if err != nil {
		return false, pipeline.WrapError(pipeline.CodeReconcileFailed, "read remote instructions", err)
	}
	if remote == entry.Instructions {
		return false, nil
	}
	if err := r.waitMutation(ctx); err != nil {
		return false, err
	}
	if err := r.backend.UpdateInstructions(ctx, entry.AgentID, entry.Instructions); err != nil {
		return false, pipeline.WrapError(pipeline.CodeReconcileFailed, "push canonical instructions", err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "pushed canonical instructions"},
		log.KV{K: "logicalName", V: entry.LogicalName}, log.KV{K: "agentId", V: entry.AgentID})
	return true, nil
}

// ensureTools attaches the configured tool set to the remote agent.
// Best-effort: failures are logged, never fatal.
func (r *Resolver) ensureTools(ctx context.Context, entry Entry) bool {
	if len(entry.Tools) == 0 {
		return false
	}
	if err := r.waitMutation(ctx); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "tool attachment skipped"}, log.KV{K: "err", V: err.Error()})
		return false
	}
	if err := r.backend.AttachTools(ctx, entry.AgentID, entry.Tools); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "tool attachment failed"},
			log.KV{K: "logicalName", V: entry.LogicalName},
			log.KV{K: "agentId", V: entry.AgentID},
			log.KV{K: "err", V: err.Error()})
		return false
	}
	return true
}

func (r *Resolver) waitMutation(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return pipeline.WrapError(pipeline.CodeUnavailable, "rate limit wait", err)
	}
	return nil
}

func isEntryNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound)
}
