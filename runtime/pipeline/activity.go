package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

// Names of the phase-bound activities.
const (
	ActivityGenerateContent = "generate_content"
	ActivityGenerateMedia   = "generate_media"
	ActivityPublishPost     = "publish_post"
)

type (
	// ActivityInput is the small, ID-only payload every activity receives.
	// Full documents are never embedded; activities resolve what they need
	// through their providers. Previous links to the prior step's output
	// reference so relay messages are self-describing without a store read.
	ActivityInput struct {
		RunTraceID string `json:"runTraceId"`
		BrandID    string `json:"brandId"`
		PostPlanID string `json:"postPlanId"`
		Step       Phase  `json:"step"`
		Previous   string `json:"previous,omitempty"`
	}

	// ActivityFunc is a single unit of work. Implementations must be
	// idempotent: a second invocation with the same input after a prior
	// checkpointed success must return the same reference without duplicating
	// externally visible effects.
	ActivityFunc func(ctx context.Context, in ActivityInput) (any, error)

	// Executor invokes registered activities and wraps every outcome
	// (success, provider error, or panic) in a well-formed Envelope. It owns
	// timing and error mapping; no provider fault escapes as an unhandled
	// error.
	Executor struct {
		mu         sync.RWMutex
		activities map[string]ActivityFunc
		tracer     trace.Tracer
		now        func() time.Time
	}

	// ExecutorOption customizes an Executor.
	ExecutorOption func(*Executor)
)

// WithExecutorTracer overrides the OTEL tracer used for per-activity spans.
func WithExecutorTracer(tracer trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithExecutorClock overrides the executor clock (tests).
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor returns an empty Executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		activities: make(map[string]ActivityFunc),
		tracer:     otel.Tracer("goa.design/postpipe/runtime/pipeline"),
		now:        time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Register binds an activity name to its implementation. Duplicate names are
// a wiring bug and rejected.
func (e *Executor) Register(name string, fn ActivityFunc) error {
	if name == "" {
		return NewError(CodeInvalidInput, "activity name is required")
	}
	if fn == nil {
		return NewError(CodeInvalidInput, "activity func is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.activities[name]; dup {
		return Errorf(CodeInvalidInput, "activity %q already registered", name)
	}
	e.activities[name] = fn
	return nil
}

// Execute runs the named activity and returns its envelope. Every execution
// path terminates in an envelope satisfying Validate; errors from the
// underlying provider are mapped to structured error codes, and panics are
// recovered into internal failures.
func (e *Executor) Execute(ctx context.Context, name string, in ActivityInput) (env Envelope) {
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "pipeline."+name,
		trace.WithAttributes(
			attribute.String("pipeline.activity", name),
			attribute.String("pipeline.run_trace_id", in.RunTraceID),
			attribute.String("pipeline.step", string(in.Step)),
		))
	defer func() {
		if r := recover(); r != nil {
			env = FailedEnvelope(
				Errorf(CodeInternal, "activity %s panicked: %v", name, r),
				e.meta(name, start),
			)
		}
		if env.Status == StatusFailed {
			span.SetStatus(codes.Error, env.Error.Message)
			span.SetAttributes(attribute.String("pipeline.error_code", env.Error.Code))
			log.Error(ctx, env.Error, log.KV{K: "activity", V: name}, log.KV{K: "runTraceId", V: in.RunTraceID})
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	e.mu.RLock()
	fn, ok := e.activities[name]
	e.mu.RUnlock()
	if !ok {
		return FailedEnvelope(Errorf(CodeNotFound, "unknown activity %q", name), e.meta(name, start))
	}

	result, err := fn(ctx, in)
	if err != nil {
		return FailedEnvelope(AsError(err, CodeProviderFailure), e.meta(name, start))
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return FailedEnvelope(
			WrapError(CodeInternal, fmt.Sprintf("encode %s result", name), err),
			e.meta(name, start),
		)
	}
	log.Debug(ctx, log.KV{K: "msg", V: "activity completed"},
		log.KV{K: "activity", V: name}, log.KV{K: "runTraceId", V: in.RunTraceID})
	return CompletedEnvelope(raw, e.meta(name, start))
}

func (e *Executor) meta(name string, start time.Time) EnvelopeMeta {
	d := e.now().Sub(start).Milliseconds()
	if d < 0 {
		d = 0
	}
	return EnvelopeMeta{DurationMs: d, Unit: name}
}
