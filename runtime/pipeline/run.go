package pipeline

import (
	"time"
)

// Phase is a named stage of a run's progress. Phases advance monotonically
// over pending < content < media < publish < completed; failed is terminal and
// reachable from the three working phases.
type Phase string

const (
	// PhasePending marks a freshly created run whose content phase has not
	// been attempted. Entry-only, never re-entered.
	PhasePending Phase = "pending"
	// PhaseContent marks the text-generation phase.
	PhaseContent Phase = "content"
	// PhaseMedia marks the media-generation phase.
	PhaseMedia Phase = "media"
	// PhasePublish marks the publication phase.
	PhasePublish Phase = "publish"
	// PhaseCompleted marks a run whose publish phase succeeded. Terminal.
	PhaseCompleted Phase = "completed"
	// PhaseFailed marks a run whose current phase reported a failed envelope.
	// Terminal.
	PhaseFailed Phase = "failed"
)

var phaseRank = map[Phase]int{
	PhasePending:   0,
	PhaseContent:   1,
	PhaseMedia:     2,
	PhasePublish:   3,
	PhaseCompleted: 4,
}

// Terminal reports whether the phase accepts no further transitions.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Working reports whether the phase has an activity bound to it.
func (p Phase) Working() bool {
	return p == PhaseContent || p == PhaseMedia || p == PhasePublish
}

// Next returns the phase that follows p in the success order. Terminal phases
// return themselves.
func (p Phase) Next() Phase {
	switch p {
	case PhasePending:
		return PhaseContent
	case PhaseContent:
		return PhaseMedia
	case PhaseMedia:
		return PhasePublish
	case PhasePublish:
		return PhaseCompleted
	}
	return p
}

// Before reports whether p precedes q in the success order. Failed compares
// before nothing and after nothing.
func (p Phase) Before(q Phase) bool {
	pr, pok := phaseRank[p]
	qr, qok := phaseRank[q]
	return pok && qok && pr < qr
}

// maxRunEvents caps the per-run event trail so long-lived records stay small.
const maxRunEvents = 50

type (
	// Run is the checkpointed record for one end-to-end pipeline execution.
	// It is mutated exclusively by the Machine (single logical writer per
	// run) and persisted through the Store after every phase transition.
	Run struct {
		// RunTraceID is the primary key and correlation token across logs,
		// queue messages, and state-store partitioning.
		RunTraceID string `json:"runTraceId"`
		// BrandID and PostPlanID are opaque foreign references, passed
		// through to providers and never resolved by the orchestrator.
		BrandID    string `json:"brandId"`
		PostPlanID string `json:"postPlanId"`
		// Phase is the stage whose activity the next advance will execute,
		// or a terminal outcome.
		Phase Phase `json:"phase"`
		// ContentRef, MediaRef, and PostRef are set once their phase
		// completes and are immutable thereafter. They double as the
		// idempotency keys that let redelivered activities short-circuit.
		ContentRef string `json:"contentRef,omitempty"`
		MediaRef   string `json:"mediaRef,omitempty"`
		PostRef    string `json:"postRef,omitempty"`
		// Error is present only when Phase is failed.
		Error *Error `json:"error,omitempty"`
		// Events is a capped append-only trail of phase transitions.
		Events []RunEvent `json:"events,omitempty"`

		CreatedAt time.Time `json:"createdAt"`
		// UpdatedAt is bumped on every checkpoint write.
		UpdatedAt time.Time `json:"updatedAt"`
	}

	// RunEvent records one state-machine action for observability.
	RunEvent struct {
		Ts      time.Time `json:"ts"`
		Phase   Phase     `json:"phase"`
		Action  string    `json:"action"`
		Message string    `json:"message,omitempty"`
	}

	// StatusView is the read-only projection of a Run exposed to pollers.
	StatusView struct {
		RunTraceID string `json:"runTraceId"`
		Phase      Phase  `json:"phase"`
		ContentRef string `json:"contentRef,omitempty"`
		MediaRef   string `json:"mediaRef,omitempty"`
		PostRef    string `json:"postRef,omitempty"`
		Error      *Error `json:"error,omitempty"`
	}
)

// AddEvent appends an event to the run's trail, trimming the oldest entries
// beyond the cap.
func (r *Run) AddEvent(ts time.Time, phase Phase, action, message string) {
	r.Events = append(r.Events, RunEvent{Ts: ts, Phase: phase, Action: action, Message: message})
	if n := len(r.Events); n > maxRunEvents {
		r.Events = append(r.Events[:0], r.Events[n-maxRunEvents:]...)
	}
}

// View returns the status projection of the run.
func (r Run) View() StatusView {
	return StatusView{
		RunTraceID: r.RunTraceID,
		Phase:      r.Phase,
		ContentRef: r.ContentRef,
		MediaRef:   r.MediaRef,
		PostRef:    r.PostRef,
		Error:      r.Error,
	}
}

// Ref returns the output reference recorded for the given working phase.
func (r Run) Ref(p Phase) string {
	switch p {
	case PhaseContent:
		return r.ContentRef
	case PhaseMedia:
		return r.MediaRef
	case PhasePublish:
		return r.PostRef
	}
	return ""
}

// setRef records the output reference for the given working phase. Existing
// references are never overwritten.
func (r *Run) setRef(p Phase, ref string) {
	switch p {
	case PhaseContent:
		if r.ContentRef == "" {
			r.ContentRef = ref
		}
	case PhaseMedia:
		if r.MediaRef == "" {
			r.MediaRef = ref
		}
	case PhasePublish:
		if r.PostRef == "" {
			r.PostRef = ref
		}
	}
}
