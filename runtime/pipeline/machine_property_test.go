package pipeline

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// flakyProviders succeeds or fails each step according to a scripted outcome
// sequence, so property tests can explore arbitrary failure interleavings.
type flakyProviders struct {
	outcomes []bool
	calls    int
}

func (f *flakyProviders) next() error {
	ok := true
	if f.calls < len(f.outcomes) {
		ok = f.outcomes[f.calls]
	}
	f.calls++
	if !ok {
		return NewError(CodeProviderFailure, "scripted failure")
	}
	return nil
}

func (f *flakyProviders) GenerateContent(context.Context, string, string, string) (string, error) {
	return "c", f.next()
}

func (f *flakyProviders) GenerateMedia(context.Context, string, string, string, string) (string, error) {
	return "m", f.next()
}

func (f *flakyProviders) PublishPost(context.Context, PublishInput) (string, error) {
	return "p", f.next()
}

// TestPhaseMonotonicityProperty verifies that for any sequence of activity
// outcomes, observed phases only ever move forward along
// pending < content < media < publish < completed, or jump to the terminal
// failed phase, and that terminal phases are absorbing.
func TestPhaseMonotonicityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("phases are monotonic and terminals absorb", prop.ForAll(
		func(outcomes []bool, extraAdvances int) bool {
			ctx := context.Background()
			store := newMemStore()
			ex := NewExecutor()
			providers := &flakyProviders{outcomes: outcomes}
			acts := &Activities{Store: store, Content: providers, Media: providers, Publisher: providers}
			if err := acts.Register(ex); err != nil {
				return false
			}
			m := NewMachine(store, ex)

			id, err := m.Start(ctx, "b1", "p1", "")
			if err != nil {
				return false
			}
			prev := PhasePending
			for range len(outcomes) + extraAdvances + 4 {
				env, err := m.Advance(ctx, id)
				if err != nil || env.Validate() != nil {
					return false
				}
				view, err := m.Status(ctx, id)
				if err != nil {
					return false
				}
				cur := view.Phase
				switch {
				case cur == prev:
					if !prev.Terminal() {
						return false // only terminal phases may repeat
					}
				case cur == PhaseFailed:
					if prev.Terminal() {
						return false // terminals never transition again
					}
				case !prev.Before(cur):
					return false
				}
				// failed runs must expose a structured error, in-progress
				// runs must not.
				if (cur == PhaseFailed) != (view.Error != nil) {
					return false
				}
				prev = cur
			}
			return prev.Terminal()
		},
		gen.SliceOf(gen.Bool()),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}

// TestEnvelopeInvariantProperty verifies that every envelope produced by the
// executor satisfies the result-xor-error invariant with a non-negative
// duration, regardless of the activity outcome.
func TestEnvelopeInvariantProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("executor envelopes are well formed", prop.ForAll(
		func(fail, panics bool, msg string) bool {
			ex := NewExecutor()
			err := ex.Register("unit", func(context.Context, ActivityInput) (any, error) {
				if panics {
					panic(msg)
				}
				if fail {
					return nil, NewError(CodeProviderFailure, msg)
				}
				return StepResult{Ref: msg}, nil
			})
			if err != nil {
				return false
			}
			env := ex.Execute(context.Background(), "unit", ActivityInput{RunTraceID: "r"})
			if env.Validate() != nil {
				return false
			}
			hasResult := len(env.Result) > 0
			hasError := env.Error != nil
			return hasResult != hasError && env.Meta.DurationMs >= 0
		},
		gen.Bool(),
		gen.Bool(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
