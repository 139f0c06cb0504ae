// Package mongo hosts the MongoDB client used by the run state store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/postpipe/runtime/pipeline"
)

const (
	defaultRunsCollection = "pipeline_runs"
	defaultOpTimeout      = 5 * time.Second
	runStateClientName    = "runstate-mongo"
)

// Client exposes Mongo-backed operations for run records.
type Client interface {
	health.Pinger

	UpsertRun(ctx context.Context, run pipeline.Run) error
	LoadRun(ctx context.Context, runTraceID string) (pipeline.Run, error)
}

// Options configures the Mongo run state client.
type Options struct {
	Client         *mongodriver.Client
	Database       string
	RunsCollection string
	Timeout        time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	runs    *mongodriver.Collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB. Records are keyed by runTraceId in
// _id, which doubles as the partition key on sharded deployments.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.RunsCollection
	if collection == "" {
		collection = defaultRunsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   opts.Client,
		runs:    opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
	}, nil
}

func (c *client) Name() string {
	return runStateClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

// UpsertRun writes the full run state. CreatedAt is only written on insert so
// retried first checkpoints keep the original creation time.
func (c *client) UpsertRun(ctx context.Context, run pipeline.Run) error {
	if run.RunTraceID == "" {
		return pipeline.NewError(pipeline.CodeInvalidInput, "runTraceId is required")
	}
	doc := fromRun(run)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"_id": doc.RunTraceID}
	update := bson.M{
		"$set": bson.M{
			"brand_id":     doc.BrandID,
			"post_plan_id": doc.PostPlanID,
			"phase":        doc.Phase,
			"content_ref":  doc.ContentRef,
			"media_ref":    doc.MediaRef,
			"post_ref":     doc.PostRef,
			"error":        doc.Error,
			"events":       doc.Events,
			"updated_at":   doc.UpdatedAt,
		},
		"$setOnInsert": bson.M{
			"created_at": doc.CreatedAt,
		},
	}
	if _, err := c.runs.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return pipeline.WrapError(pipeline.CodeUnavailable, "upsert run record", err)
	}
	return nil
}

// LoadRun reads the run record for runTraceID.
func (c *client) LoadRun(ctx context.Context, runTraceID string) (pipeline.Run, error) {
	if runTraceID == "" {
		return pipeline.Run{}, pipeline.NewError(pipeline.CodeInvalidInput, "runTraceId is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := c.runs.FindOne(ctx, bson.M{"_id": runTraceID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return pipeline.Run{}, pipeline.ErrRunNotFound
		}
		return pipeline.Run{}, pipeline.WrapError(pipeline.CodeUnavailable, "load run record", err)
	}
	return doc.toRun(), nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type (
	runDocument struct {
		RunTraceID string          `bson:"_id"`
		BrandID    string          `bson:"brand_id"`
		PostPlanID string          `bson:"post_plan_id"`
		Phase      pipeline.Phase  `bson:"phase"`
		ContentRef string          `bson:"content_ref,omitempty"`
		MediaRef   string          `bson:"media_ref,omitempty"`
		PostRef    string          `bson:"post_ref,omitempty"`
		Error      *errorDocument  `bson:"error,omitempty"`
		Events     []eventDocument `bson:"events,omitempty"`
		CreatedAt  time.Time       `bson:"created_at"`
		UpdatedAt  time.Time       `bson:"updated_at"`
	}

	errorDocument struct {
		Code    string `bson:"code"`
		Message string `bson:"message"`
	}

	eventDocument struct {
		Ts      time.Time      `bson:"ts"`
		Phase   pipeline.Phase `bson:"phase"`
		Action  string         `bson:"action"`
		Message string         `bson:"message,omitempty"`
	}
)

func fromRun(run pipeline.Run) runDocument {
	doc := runDocument{
		RunTraceID: run.RunTraceID,
		BrandID:    run.BrandID,
		PostPlanID: run.PostPlanID,
		Phase:      run.Phase,
		ContentRef: run.ContentRef,
		MediaRef:   run.MediaRef,
		PostRef:    run.PostRef,
		CreatedAt:  run.CreatedAt.UTC(),
		UpdatedAt:  run.UpdatedAt.UTC(),
	}
	if run.Error != nil {
		doc.Error = &errorDocument{Code: run.Error.Code, Message: run.Error.Message}
	}
	for _, ev := range run.Events {
		doc.Events = append(doc.Events, eventDocument{
			Ts:      ev.Ts.UTC(),
			Phase:   ev.Phase,
			Action:  ev.Action,
			Message: ev.Message,
		})
	}
	return doc
}

func (doc runDocument) toRun() pipeline.Run {
	run := pipeline.Run{
		RunTraceID: doc.RunTraceID,
		BrandID:    doc.BrandID,
		PostPlanID: doc.PostPlanID,
		Phase:      doc.Phase,
		ContentRef: doc.ContentRef,
		MediaRef:   doc.MediaRef,
		PostRef:    doc.PostRef,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}
	if doc.Error != nil {
		run.Error = pipeline.NewError(doc.Error.Code, doc.Error.Message)
	}
	for _, ev := range doc.Events {
		run.Events = append(run.Events, pipeline.RunEvent{
			Ts:      ev.Ts,
			Phase:   ev.Phase,
			Action:  ev.Action,
			Message: ev.Message,
		})
	}
	return run
}
