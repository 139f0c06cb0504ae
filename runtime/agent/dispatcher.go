package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/clue/log"

	"goa.design/postpipe/runtime/pipeline"
)

type (
	// ToolFunc implements a single tool. The payload has already been
	// validated against the tool's input schema. Implementations must not
	// assume ordering relative to other tools within the same agent turn.
	ToolFunc func(ctx context.Context, payload json.RawMessage) (any, error)

	// ToolSpec declares a callable tool: its name, contract, and handler.
	ToolSpec struct {
		// Name is the tool identifier exposed to agents.
		Name string
		// Description provides human-readable context for agents and tooling.
		Description string
		// InputSchema is the JSON schema the payload is validated against.
		// Empty means no validation.
		InputSchema []byte
		// OutputSchema documents the result shape. Informational only.
		OutputSchema []byte
		// Handler executes the tool.
		Handler ToolFunc

		compiled *jsonschema.Schema
	}

	// Dispatcher routes tool invocations by name and wraps every outcome in
	// an envelope. A tool failure is returned to the calling agent inside the
	// envelope; it never fails the owning run.
	Dispatcher struct {
		mu    sync.RWMutex
		tools map[string]*ToolSpec
		order []string
		now   func() time.Time
	}

	// DispatcherOption customizes a Dispatcher.
	DispatcherOption func(*Dispatcher)
)

// WithDispatcherClock overrides the dispatcher clock (tests).
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{tools: make(map[string]*ToolSpec), now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Register adds a tool, compiling its input schema. Duplicate names and
// malformed schemas are wiring bugs and rejected.
func (d *Dispatcher) Register(spec ToolSpec) error {
	if spec.Name == "" {
		return pipeline.NewError(pipeline.CodeInvalidInput, "tool name is required")
	}
	if spec.Handler == nil {
		return pipeline.Errorf(pipeline.CodeInvalidInput, "tool %q has no handler", spec.Name)
	}
	if len(spec.InputSchema) > 0 {
		compiled, err := compileSchema(spec.Name, spec.InputSchema)
		if err != nil {
			return pipeline.WrapError(pipeline.CodeInvalidInput, fmt.Sprintf("tool %q input schema", spec.Name), err)
		}
		spec.compiled = compiled
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.tools[spec.Name]; dup {
		return pipeline.Errorf(pipeline.CodeInvalidInput, "tool %q already registered", spec.Name)
	}
	d.tools[spec.Name] = &spec
	d.order = append(d.order, spec.Name)
	return nil
}

// Names returns the registered tool names in registration order.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.order...)
}

// Dispatch invokes the named tool and always returns a well-formed envelope:
// unknown tools, schema violations, handler errors, and panics all map to
// failed envelopes with structured error codes.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, payload json.RawMessage) (env pipeline.Envelope) {
	start := d.now()
	defer func() {
		if r := recover(); r != nil {
			env = pipeline.FailedEnvelope(
				pipeline.Errorf(pipeline.CodeInternal, "tool %s panicked: %v", name, r),
				d.meta(name, start),
			)
		}
		if env.Status == pipeline.StatusFailed {
			log.Error(ctx, env.Error, log.KV{K: "tool", V: name})
		}
	}()

	d.mu.RLock()
	spec, ok := d.tools[name]
	d.mu.RUnlock()
	if !ok {
		return pipeline.FailedEnvelope(
			pipeline.Errorf(pipeline.CodeNotFound, "unknown tool %q", name),
			d.meta(name, start),
		)
	}

	if spec.compiled != nil {
		var doc any
		if err := json.Unmarshal(payload, &doc); err != nil {
			return pipeline.FailedEnvelope(
				pipeline.WrapError(pipeline.CodeInvalidInput, "tool payload is not valid JSON", err),
				d.meta(name, start),
			)
		}
		if err := spec.compiled.Validate(doc); err != nil {
			return pipeline.FailedEnvelope(
				pipeline.WrapError(pipeline.CodeInvalidInput, "tool payload rejected by schema", err),
				d.meta(name, start),
			)
		}
	}

	result, err := spec.Handler(ctx, payload)
	if err != nil {
		return pipeline.FailedEnvelope(pipeline.AsError(err, pipeline.CodeProviderFailure), d.meta(name, start))
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return pipeline.FailedEnvelope(
			pipeline.WrapError(pipeline.CodeInternal, fmt.Sprintf("encode %s result", name), err),
			d.meta(name, start),
		)
	}
	return pipeline.CompletedEnvelope(raw, d.meta(name, start))
}

func (d *Dispatcher) meta(name string, start time.Time) pipeline.EnvelopeMeta {
	dur := d.now().Sub(start).Milliseconds()
	if dur < 0 {
		dur = 0
	}
	return pipeline.EnvelopeMeta{DurationMs: dur, Unit: name}
}

func compileSchema(name string, schema []byte) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := "postpipe://tools/" + name + "/input.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}
