// Package relay implements the loosely-coupled queue transport: each phase
// transition is driven by a discrete queue message carrying a continuation
// link to the prior step's output. The queue is abstract; features/relay
// provides a Pulse/Redis implementation.
//
// Delivery is at-least-once. The consumer tolerates redelivery end to end:
// the machine replays terminal envelopes without executing, and activities
// short-circuit on checkpointed references. A failed envelope goes to the
// error sink instead of being retried indefinitely.
package relay

import (
	"context"

	"goa.design/clue/log"

	"goa.design/postpipe/runtime/pipeline"
)

type (
	// Message is the transport-agnostic relay payload. Step identifies the
	// phase to execute next; Previous links to the prior step's output
	// reference so the chain is self-describing without a state-store read.
	Message struct {
		RunTraceID string         `json:"runTraceId"`
		BrandID    string         `json:"brandId"`
		PostPlanID string         `json:"postPlanId"`
		Step       pipeline.Phase `json:"step"`
		Previous   string         `json:"previous,omitempty"`
	}

	// Notice is the error-channel payload emitted when a run fails or a
	// message cannot be processed.
	Notice struct {
		RunTraceID string          `json:"runTraceId"`
		Step       pipeline.Phase  `json:"step"`
		Error      *pipeline.Error `json:"error"`
		// Original is the message that triggered the failure, for operator
		// replay.
		Original Message `json:"original"`
	}

	// Queue delivers step messages to the next worker.
	Queue interface {
		Send(ctx context.Context, msg Message) error
	}

	// ErrorSink receives failure notices. Dead-letter handling and
	// supervision are layered on top of it, outside this package.
	ErrorSink interface {
		SendError(ctx context.Context, n Notice) error
	}

	// Consumer advances runs in response to relay messages and emits the
	// continuation message for the next step.
	Consumer struct {
		machine *pipeline.Machine
		steps   Queue
		errors  ErrorSink
	}
)

// NewConsumer builds a Consumer over the given machine and channels.
func NewConsumer(machine *pipeline.Machine, steps Queue, errors ErrorSink) *Consumer {
	return &Consumer{machine: machine, steps: steps, errors: errors}
}

// Seed starts a new run and emits its first step message. It is the relay
// analog of the external start trigger.
func (c *Consumer) Seed(ctx context.Context, brandID, postPlanID, runTraceID string) (string, error) {
	id, err := c.machine.Start(ctx, brandID, postPlanID, runTraceID)
	if err != nil {
		return "", err
	}
	msg := Message{RunTraceID: id, BrandID: brandID, PostPlanID: postPlanID, Step: pipeline.PhaseContent}
	if err := c.steps.Send(ctx, msg); err != nil {
		// The run record exists; a later resubmission resumes from pending.
		return id, pipeline.WrapError(pipeline.CodeUnavailable, "enqueue first step", err)
	}
	return id, nil
}

// Handle processes one relay message: it advances the run, then either emits
// the next step's message, emits a failure notice, or stops at a terminal
// phase. Returned errors are transient and the queue should redeliver the
// message; everything else is settled on the error channel.
func (c *Consumer) Handle(ctx context.Context, msg Message) error {
	if msg.RunTraceID == "" {
		// Unroutable: no run to correlate with, nothing to retry.
		return c.errors.SendError(ctx, Notice{
			Step:     msg.Step,
			Error:    pipeline.NewError(pipeline.CodeInvalidInput, "relay message without runTraceId"),
			Original: msg,
		})
	}
	ctx = log.With(ctx, log.KV{K: "runTraceId", V: msg.RunTraceID})

	// A redelivered message whose step the run has already passed must not
	// advance the run further: replace it with the continuation for the
	// current phase, reconstructed from the Run record. This also resumes
	// runs whose worker crashed after the checkpoint but before the send.
	if view, err := c.machine.Status(ctx, msg.RunTraceID); err == nil && !view.Phase.Terminal() {
		current := view.Phase
		if current == pipeline.PhasePending {
			current = pipeline.PhaseContent
		}
		if msg.Step != "" && msg.Step != current {
			log.Info(ctx, log.KV{K: "msg", V: "re-emitting continuation for stale relay message"},
				log.KV{K: "step", V: string(msg.Step)}, log.KV{K: "phase", V: string(current)})
			next := Message{
				RunTraceID: msg.RunTraceID,
				BrandID:    msg.BrandID,
				PostPlanID: msg.PostPlanID,
				Step:       current,
				Previous:   previousRef(view),
			}
			if err := c.steps.Send(ctx, next); err != nil {
				return pipeline.WrapError(pipeline.CodeUnavailable, "enqueue continuation", err)
			}
			return nil
		}
	}

	env, err := c.machine.Advance(ctx, msg.RunTraceID)
	if err != nil {
		e := pipeline.AsError(err, pipeline.CodeUnavailable)
		if e.Retryable() {
			return e // redeliver
		}
		return c.errors.SendError(ctx, Notice{RunTraceID: msg.RunTraceID, Step: msg.Step, Error: e, Original: msg})
	}

	view, err := c.machine.Status(ctx, msg.RunTraceID)
	if err != nil {
		return pipeline.AsError(err, pipeline.CodeUnavailable)
	}

	if env.Status == pipeline.StatusFailed {
		if env.Meta.Replayed {
			// Terminal redelivery of an already-settled failure: drop it.
			return nil
		}
		return c.errors.SendError(ctx, Notice{RunTraceID: msg.RunTraceID, Step: msg.Step, Error: env.Error, Original: msg})
	}
	if view.Phase.Terminal() {
		log.Info(ctx, log.KV{K: "msg", V: "run reached terminal phase"}, log.KV{K: "phase", V: string(view.Phase)})
		return nil
	}

	next := Message{
		RunTraceID: msg.RunTraceID,
		BrandID:    msg.BrandID,
		PostPlanID: msg.PostPlanID,
		Step:       view.Phase,
		Previous:   previousRef(view),
	}
	if err := c.steps.Send(ctx, next); err != nil {
		return pipeline.WrapError(pipeline.CodeUnavailable, "enqueue next step", err)
	}
	return nil
}

// previousRef picks the continuation link for the next step message.
func previousRef(view pipeline.StatusView) string {
	switch view.Phase {
	case pipeline.PhaseMedia:
		return view.ContentRef
	case pipeline.PhasePublish:
		return view.MediaRef
	}
	return ""
}
