package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
)

type (
	// Machine is the deterministic controller that sequences activities for
	// one run. It performs no I/O beyond the Store checkpoint and delegation
	// to the Executor; every side effect lives inside an activity. On resume
	// it trusts the last checkpointed phase and references rather than
	// recomputing them, which is what makes it transport-agnostic: a queue
	// relay and a durable-execution host drive it identically.
	Machine struct {
		store Store
		exec  *Executor
		now   func() time.Time
		newID func() string
	}

	// MachineOption customizes a Machine.
	MachineOption func(*Machine)
)

// WithClock overrides the machine clock (tests).
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIDGenerator overrides runTraceId generation (tests).
func WithIDGenerator(newID func() string) MachineOption {
	return func(m *Machine) {
		if newID != nil {
			m.newID = newID
		}
	}
}

// NewMachine builds a Machine over the given store and executor.
func NewMachine(store Store, exec *Executor, opts ...MachineOption) *Machine {
	m := &Machine{
		store: store,
		exec:  exec,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start creates the Run record at phase pending, generating a runTraceId when
// the caller does not supply one, and returns the id. Starting an existing
// run is a no-op returning the same id, so at-least-once triggers are safe.
func (m *Machine) Start(ctx context.Context, brandID, postPlanID, runTraceID string) (string, error) {
	if err := validateRef("brandId", brandID); err != nil {
		return "", err
	}
	if err := validateRef("postPlanId", postPlanID); err != nil {
		return "", err
	}
	id := strings.TrimSpace(runTraceID)
	if id == "" {
		id = m.newID()
	}
	if _, err := m.store.Load(ctx, id); err == nil {
		log.Info(ctx, log.KV{K: "msg", V: "run already exists"}, log.KV{K: "runTraceId", V: id})
		return id, nil
	} else if !isNotFound(err) {
		return "", WrapError(CodeUnavailable, "load run", err)
	}
	now := m.now().UTC()
	run := Run{
		RunTraceID: id,
		BrandID:    brandID,
		PostPlanID: postPlanID,
		Phase:      PhasePending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	run.AddEvent(now, PhasePending, "start", "")
	if err := m.store.Upsert(ctx, run); err != nil {
		return "", WrapError(CodeUnavailable, "checkpoint run", err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "run started"},
		log.KV{K: "runTraceId", V: id}, log.KV{K: "brandId", V: brandID}, log.KV{K: "postPlanId", V: postPlanID})
	return id, nil
}

// Advance executes the activity bound to the run's current phase and performs
// at most one phase transition and one checkpoint write. On a completed
// envelope the run moves to the next phase and the phase's output reference is
// persisted; on a failed envelope the run moves to failed with the structured
// error. Advancing a terminal run re-emits the terminal envelope without
// executing anything.
func (m *Machine) Advance(ctx context.Context, runTraceID string) (Envelope, error) {
	run, err := m.store.Load(ctx, runTraceID)
	if err != nil {
		if isNotFound(err) {
			return Envelope{}, Errorf(CodeNotFound, "run %s not found", runTraceID)
		}
		return Envelope{}, WrapError(CodeUnavailable, "load run", err)
	}
	if run.Phase.Terminal() {
		return m.terminalEnvelope(run), nil
	}

	// A pending run has not attempted content yet; the activity executed is
	// always the one bound to the first unfinished working phase.
	executing := run.Phase
	if executing == PhasePending {
		executing = PhaseContent
	}
	env := m.exec.Execute(ctx, activityForPhase(executing), ActivityInput{
		RunTraceID: run.RunTraceID,
		BrandID:    run.BrandID,
		PostPlanID: run.PostPlanID,
		Step:       executing,
		Previous:   run.Ref(previousPhase(executing)),
	})

	now := m.now().UTC()
	switch env.Status {
	case StatusCompleted:
		var res StepResult
		if derr := env.DecodeResult(&res); derr != nil {
			env = FailedEnvelope(WrapError(CodeInternal, "decode step result", derr), env.Meta)
			run.Error = env.Error
			run.Phase = PhaseFailed
			run.AddEvent(now, executing, "failed", env.Error.Message)
		} else {
			run.setRef(executing, res.Ref)
			run.Phase = executing.Next()
			run.AddEvent(now, executing, "completed", "")
		}
	case StatusFailed:
		run.Error = env.Error
		run.Phase = PhaseFailed
		run.AddEvent(now, executing, "failed", env.Error.Message)
	}
	run.UpdatedAt = now
	if err := m.store.Upsert(ctx, run); err != nil {
		// The transition is lost; redelivery redoes the current phase, whose
		// activity short-circuits on the checkpointed reference.
		return Envelope{}, WrapError(CodeUnavailable, "checkpoint run", err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "run advanced"},
		log.KV{K: "runTraceId", V: run.RunTraceID},
		log.KV{K: "executed", V: string(executing)},
		log.KV{K: "phase", V: string(run.Phase)},
		log.KV{K: "status", V: string(env.Status)})
	return env, nil
}

// Status is the read-only projection of the Run record. It never triggers
// execution.
func (m *Machine) Status(ctx context.Context, runTraceID string) (StatusView, error) {
	run, err := m.store.Load(ctx, runTraceID)
	if err != nil {
		if isNotFound(err) {
			return StatusView{}, Errorf(CodeNotFound, "run %s not found", runTraceID)
		}
		return StatusView{}, WrapError(CodeUnavailable, "load run", err)
	}
	return run.View(), nil
}

// terminalEnvelope reconstructs the last known envelope from the checkpointed
// record so terminal redeliveries are observably idempotent.
func (m *Machine) terminalEnvelope(run Run) Envelope {
	meta := EnvelopeMeta{Replayed: true}
	if run.Phase == PhaseFailed {
		err := run.Error
		if err == nil {
			err = NewError(CodeInternal, "run failed without recorded error")
		}
		return FailedEnvelope(err, meta)
	}
	raw, _ := json.Marshal(run.View())
	return CompletedEnvelope(raw, meta)
}

func activityForPhase(p Phase) string {
	switch p {
	case PhaseContent:
		return ActivityGenerateContent
	case PhaseMedia:
		return ActivityGenerateMedia
	case PhasePublish:
		return ActivityPublishPost
	}
	return ""
}

func previousPhase(p Phase) Phase {
	switch p {
	case PhaseMedia:
		return PhaseContent
	case PhasePublish:
		return PhaseMedia
	}
	return PhasePending
}

func validateRef(field, value string) error {
	v := strings.TrimSpace(value)
	if v == "" || v != value {
		return Errorf(CodeInvalidInput, "%s is required and must not contain surrounding whitespace", field)
	}
	return nil
}

func isNotFound(err error) bool {
	if errors.Is(err, ErrRunNotFound) {
		return true
	}
	var e *Error
	return errors.As(err, &e) && e.Code == CodeNotFound
}
