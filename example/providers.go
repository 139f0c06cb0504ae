// Package example wires the pipeline against stub capability providers. It is
// the reference integration: real deployments replace the stubs with clients
// for their content, media, and publishing services.
package example

import (
	"context"
	"fmt"
	"time"

	"goa.design/clue/log"

	"goa.design/postpipe/runtime/agent"
	"goa.design/postpipe/runtime/pipeline"
)

// Providers implements the three capability provider interfaces with
// fabricated references. Each call logs and sleeps briefly so demo runs show
// realistic phase timing.
type Providers struct {
	// Latency is added to each call. Zero means no delay.
	Latency time.Duration
}

// GenerateContent fabricates a content reference.
func (p *Providers) GenerateContent(ctx context.Context, runTraceID, brandID, postPlanID string) (string, error) {
	p.simulate(ctx, "generating post copy")
	return fmt.Sprintf("drafts/%s/copy.json", runTraceID), nil
}

// GenerateMedia fabricates a media reference derived from the content ref.
func (p *Providers) GenerateMedia(ctx context.Context, runTraceID, brandID, postPlanID, contentRef string) (string, error) {
	p.simulate(ctx, "rendering media")
	return fmt.Sprintf("drafts/%s/media.png", runTraceID), nil
}

// PublishPost fabricates a published-post reference.
func (p *Providers) PublishPost(ctx context.Context, in pipeline.PublishInput) (string, error) {
	p.simulate(ctx, "publishing post")
	return fmt.Sprintf("posts/%s", in.RunTraceID), nil
}

func (p *Providers) simulate(ctx context.Context, msg string) {
	log.Debug(ctx, log.KV{K: "msg", V: msg})
	if p.Latency > 0 {
		select {
		case <-time.After(p.Latency):
		case <-ctx.Done():
		}
	}
}

// Documents is a canned document source backing the get_brand and
// get_post_plan tools.
type Documents struct{}

// Brand returns a canned brand document.
func (Documents) Brand(_ context.Context, brandID string) (map[string]any, error) {
	return map[string]any{
		"brandId": brandID,
		"name":    "Acme Coffee",
		"voice":   "warm, direct, no exclamation marks",
		"palette": []string{"#2D1B0E", "#C89F6B"},
	}, nil
}

// PostPlan returns a canned post plan document.
func (Documents) PostPlan(_ context.Context, brandID, postPlanID string) (map[string]any, error) {
	return map[string]any{
		"postPlanId": postPlanID,
		"brandId":    brandID,
		"topic":      "seasonal espresso launch",
		"channel":    "instagram",
		"cadence":    "weekly",
	}, nil
}

// AgentBackend is an in-process stand-in for the remote agent service. It
// assigns deterministic agent ids and stores instruction and tool state in
// memory so the resolver's reconciliation paths can be exercised offline.
type AgentBackend struct {
	agents map[string]*backendAgent
}

type backendAgent struct {
	id           string
	name         string
	instructions string
	tools        []string
}

// NewAgentBackend returns an empty backend.
func NewAgentBackend() *AgentBackend {
	return &AgentBackend{agents: make(map[string]*backendAgent)}
}

// FindAgent looks an agent up by name.
func (b *AgentBackend) FindAgent(_ context.Context, name string) (string, error) {
	if a, ok := b.agents[name]; ok {
		return a.id, nil
	}
	return "", nil
}

// CreateAgent registers a new agent under the given name.
func (b *AgentBackend) CreateAgent(_ context.Context, name, instructions string, tools []string) (string, error) {
	id := fmt.Sprintf("agt-%s", name)
	b.agents[name] = &backendAgent{
		id:           id,
		name:         name,
		instructions: instructions,
		tools:        append([]string(nil), tools...),
	}
	return id, nil
}

// Instructions returns the agent's current instruction text.
func (b *AgentBackend) Instructions(_ context.Context, agentID string) (string, error) {
	a, err := b.byID(agentID)
	if err != nil {
		return "", err
	}
	return a.instructions, nil
}

// UpdateInstructions replaces the agent's instruction text.
func (b *AgentBackend) UpdateInstructions(_ context.Context, agentID, instructions string) error {
	a, err := b.byID(agentID)
	if err != nil {
		return err
	}
	a.instructions = instructions
	return nil
}

// AttachTools replaces the agent's tool set.
func (b *AgentBackend) AttachTools(_ context.Context, agentID string, tools []string) error {
	a, err := b.byID(agentID)
	if err != nil {
		return err
	}
	a.tools = append([]string(nil), tools...)
	return nil
}

func (b *AgentBackend) byID(agentID string) (*backendAgent, error) {
	for _, a := range b.agents {
		if a.id == agentID {
			return a, nil
		}
	}
	return nil, pipeline.Errorf(pipeline.CodeNotFound, "agent %s not found", agentID)
}

var _ agent.Backend = (*AgentBackend)(nil)
