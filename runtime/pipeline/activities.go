package pipeline

import (
	"context"

	"goa.design/clue/log"
)

type (
	// ContentProvider generates the text content for a post and returns a
	// reference to the stored result. The generation logic itself (agents,
	// models, candidate scoring) lives behind this boundary.
	ContentProvider interface {
		GenerateContent(ctx context.Context, runTraceID, brandID, postPlanID string) (ref string, err error)
	}

	// MediaProvider composes or renders the media asset for a post and
	// returns a reference to the stored result.
	MediaProvider interface {
		GenerateMedia(ctx context.Context, runTraceID, brandID, postPlanID, contentRef string) (ref string, err error)
	}

	// PublishInput carries the references needed to publish a finished post.
	PublishInput struct {
		RunTraceID string `json:"runTraceId"`
		BrandID    string `json:"brandId"`
		PostPlanID string `json:"postPlanId"`
		ContentRef string `json:"contentRef,omitempty"`
		MediaRef   string `json:"mediaRef,omitempty"`
	}

	// Publisher persists the final post and returns its reference. Publishing
	// twice with the same input must be a safe overwrite keyed by the same
	// reference; the activity layer additionally short-circuits when the run
	// already holds a post reference.
	Publisher interface {
		PublishPost(ctx context.Context, in PublishInput) (ref string, err error)
	}

	// StepResult is the result payload of every phase activity.
	StepResult struct {
		// Ref is the output reference persisted for the phase.
		Ref string `json:"ref"`
		// Reused marks a short-circuited invocation that returned the
		// already-checkpointed reference without touching the provider.
		Reused bool `json:"reused,omitempty"`
	}

	// Activities binds the three phase activities to their capability
	// providers. Each activity reads the Run record to short-circuit on an
	// already-persisted reference; it never writes the record, checkpointing
	// belongs to the Machine.
	Activities struct {
		Store     Store
		Content   ContentProvider
		Media     MediaProvider
		Publisher Publisher
	}
)

// Register wires the phase activities into the executor.
func (a *Activities) Register(ex *Executor) error {
	if a.Store == nil {
		return NewError(CodeInvalidInput, "store is required")
	}
	for name, fn := range map[string]ActivityFunc{
		ActivityGenerateContent: a.generateContent,
		ActivityGenerateMedia:   a.generateMedia,
		ActivityPublishPost:     a.publishPost,
	} {
		if err := ex.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func (a *Activities) generateContent(ctx context.Context, in ActivityInput) (any, error) {
	_, ref, ok, err := a.checkpointedRef(ctx, in.RunTraceID, PhaseContent)
	if err != nil || ok {
		return StepResult{Ref: ref, Reused: ok}, err
	}
	if a.Content == nil {
		return nil, NewError(CodeUnavailable, "content provider not configured")
	}
	ref, err = a.Content.GenerateContent(ctx, in.RunTraceID, in.BrandID, in.PostPlanID)
	if err != nil {
		return nil, err
	}
	return StepResult{Ref: ref}, nil
}

func (a *Activities) generateMedia(ctx context.Context, in ActivityInput) (any, error) {
	run, ref, ok, err := a.checkpointedRef(ctx, in.RunTraceID, PhaseMedia)
	if err != nil || ok {
		return StepResult{Ref: ref, Reused: ok}, err
	}
	if a.Media == nil {
		return nil, NewError(CodeUnavailable, "media provider not configured")
	}
	contentRef := run.ContentRef
	if contentRef == "" {
		contentRef = in.Previous
	}
	ref, err = a.Media.GenerateMedia(ctx, in.RunTraceID, in.BrandID, in.PostPlanID, contentRef)
	if err != nil {
		return nil, err
	}
	return StepResult{Ref: ref}, nil
}

func (a *Activities) publishPost(ctx context.Context, in ActivityInput) (any, error) {
	run, ref, ok, err := a.checkpointedRef(ctx, in.RunTraceID, PhasePublish)
	if err != nil || ok {
		return StepResult{Ref: ref, Reused: ok}, err
	}
	if a.Publisher == nil {
		return nil, NewError(CodeUnavailable, "publisher not configured")
	}
	ref, err = a.Publisher.PublishPost(ctx, PublishInput{
		RunTraceID: in.RunTraceID,
		BrandID:    in.BrandID,
		PostPlanID: in.PostPlanID,
		ContentRef: run.ContentRef,
		MediaRef:   run.MediaRef,
	})
	if err != nil {
		return nil, err
	}
	return StepResult{Ref: ref}, nil
}

// checkpointedRef loads the run and returns the already-persisted reference
// for the phase, if any. A hit means a prior invocation succeeded and
// checkpointed; redelivery must not touch the provider again.
func (a *Activities) checkpointedRef(ctx context.Context, runTraceID string, phase Phase) (Run, string, bool, error) {
	run, err := a.Store.Load(ctx, runTraceID)
	if err != nil {
		return Run{}, "", false, WrapError(CodeUnavailable, "load run", err)
	}
	if ref := run.Ref(phase); ref != "" {
		log.Info(ctx, log.KV{K: "msg", V: "reusing checkpointed reference"},
			log.KV{K: "runTraceId", V: runTraceID}, log.KV{K: "phase", V: string(phase)})
		return run, ref, true, nil
	}
	return run, "", false, nil
}
