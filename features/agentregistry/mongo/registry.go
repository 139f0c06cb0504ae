// Package mongo persists the agent registry in a MongoDB collection keyed by
// logical agent name.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/postpipe/runtime/agent"
)

const (
	defaultAgentsCollection = "pipeline_agents"
	defaultOpTimeout        = 5 * time.Second
)

// Options configures the Mongo agent registry.
type Options struct {
	Client           *mongodriver.Client
	Database         string
	AgentsCollection string
	Timeout          time.Duration
}

// Registry implements agent.Registry over a MongoDB collection.
type Registry struct {
	agents  *mongodriver.Collection
	timeout time.Duration
}

// New returns a Registry backed by MongoDB.
func New(opts Options) (*Registry, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.AgentsCollection
	if collection == "" {
		collection = defaultAgentsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Registry{
		agents:  opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
	}, nil
}

// Load returns the entry recorded for logicalName.
func (r *Registry) Load(ctx context.Context, logicalName string) (agent.Entry, error) {
	if logicalName == "" {
		return agent.Entry{}, errors.New("logical name is required")
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var doc entryDocument
	if err := r.agents.FindOne(ctx, bson.M{"_id": logicalName}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return agent.Entry{}, agent.ErrEntryNotFound
		}
		return agent.Entry{}, err
	}
	return doc.toEntry(), nil
}

// Upsert inserts or replaces the entry for its logical name. CreatedAt is
// only written on insert.
func (r *Registry) Upsert(ctx context.Context, entry agent.Entry) error {
	if entry.LogicalName == "" {
		return errors.New("logical name is required")
	}
	doc := fromEntry(entry)
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": doc.LogicalName}
	update := bson.M{
		"$set": bson.M{
			"agent_id":     doc.AgentID,
			"instructions": doc.Instructions,
			"tools":        doc.Tools,
			"updated_at":   doc.UpdatedAt,
		},
		"$setOnInsert": bson.M{
			"created_at": doc.CreatedAt,
		},
	}
	_, err := r.agents.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (r *Registry) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

type entryDocument struct {
	LogicalName  string    `bson:"_id"`
	AgentID      string    `bson:"agent_id,omitempty"`
	Instructions string    `bson:"instructions,omitempty"`
	Tools        []string  `bson:"tools,omitempty"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

func fromEntry(entry agent.Entry) entryDocument {
	return entryDocument{
		LogicalName:  entry.LogicalName,
		AgentID:      entry.AgentID,
		Instructions: entry.Instructions,
		Tools:        append([]string(nil), entry.Tools...),
		CreatedAt:    entry.CreatedAt.UTC(),
		UpdatedAt:    entry.UpdatedAt.UTC(),
	}
}

func (doc entryDocument) toEntry() agent.Entry {
	return agent.Entry{
		LogicalName:  doc.LogicalName,
		AgentID:      doc.AgentID,
		Instructions: doc.Instructions,
		Tools:        append([]string(nil), doc.Tools...),
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
}
