// Package pipeline implements the durable step-orchestration core for the
// content → media → publish pipeline: the Run record and its phase machine,
// the envelope protocol shared by activities and tools, the activity executor,
// and the run-state store contract.
//
// The package performs no I/O of its own beyond the Store interface and the
// capability-provider boundaries declared in activities.go. Transports
// (queue relay, durable-execution host) and storage backends live under
// runtime/transport and features/ respectively and drive this package.
//
// Concurrency model: a single run is advanced by exactly one worker at a time.
// That guarantee comes from the transport (one queue message or one workflow
// execution in flight per run), not from locking here. Distinct runs never
// contend: the store is keyed by runTraceId.
package pipeline

import (
	"encoding/json"
)

// EnvelopeStatus is the outcome of a unit of work.
type EnvelopeStatus string

const (
	// StatusCompleted indicates the unit of work succeeded and Result is set.
	StatusCompleted EnvelopeStatus = "completed"
	// StatusFailed indicates the unit of work failed and Error is set.
	StatusFailed EnvelopeStatus = "failed"
)

type (
	// Envelope is the uniform result contract returned by every activity and
	// tool invocation. Exactly one of Result and Error is present.
	Envelope struct {
		// Status reports the outcome of the unit of work.
		Status EnvelopeStatus `json:"status"`
		// Result holds the JSON-encoded output. Present iff Status is completed.
		Result json.RawMessage `json:"result,omitempty"`
		// Error holds the structured failure. Present iff Status is failed.
		Error *Error `json:"error,omitempty"`
		// Meta carries timing and provenance metadata. Always present.
		Meta EnvelopeMeta `json:"meta"`
	}

	// EnvelopeMeta carries execution metadata common to all envelopes.
	EnvelopeMeta struct {
		// DurationMs is the wall-clock execution time in milliseconds. Never
		// negative; zero for replayed terminal envelopes.
		DurationMs int64 `json:"durationMs"`
		// Unit names the activity or tool that produced the envelope.
		Unit string `json:"unit,omitempty"`
		// Replayed marks envelopes re-emitted for a terminal run without
		// re-executing anything.
		Replayed bool `json:"replayed,omitempty"`
	}
)

// CompletedEnvelope builds a completed envelope around an already encoded
// result.
func CompletedEnvelope(result json.RawMessage, meta EnvelopeMeta) Envelope {
	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	return Envelope{Status: StatusCompleted, Result: result, Meta: meta}
}

// FailedEnvelope builds a failed envelope around a structured error.
func FailedEnvelope(err *Error, meta EnvelopeMeta) Envelope {
	if err == nil {
		err = NewError(CodeInternal, "unspecified failure")
	}
	return Envelope{Status: StatusFailed, Error: err, Meta: meta}
}

// Validate checks the envelope invariant: exactly one of Result/Error present,
// matching Status, and a non-negative duration.
func (e Envelope) Validate() error {
	switch e.Status {
	case StatusCompleted:
		if len(e.Result) == 0 {
			return NewError(CodeInternal, "completed envelope without result")
		}
		if e.Error != nil {
			return NewError(CodeInternal, "completed envelope carries an error")
		}
	case StatusFailed:
		if e.Error == nil {
			return NewError(CodeInternal, "failed envelope without error")
		}
		if len(e.Result) != 0 {
			return NewError(CodeInternal, "failed envelope carries a result")
		}
	default:
		return Errorf(CodeInternal, "unknown envelope status %q", e.Status)
	}
	if e.Meta.DurationMs < 0 {
		return NewError(CodeInternal, "negative envelope duration")
	}
	return nil
}

// DecodeResult unmarshals the envelope result into v. Returns an error when
// the envelope is not completed.
func (e Envelope) DecodeResult(v any) error {
	if e.Status != StatusCompleted {
		return Errorf(CodeInternal, "cannot decode result of %s envelope", e.Status)
	}
	return json.Unmarshal(e.Result, v)
}
