// Package mongo adapts the Mongo run state client to pipeline.Store.
package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/postpipe/features/runstate/mongo/clients/mongo"
	"goa.design/postpipe/runtime/pipeline"
)

// Store implements pipeline.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// NewStoreFromMongo builds the client from options, then the Store.
func NewStoreFromMongo(opts clientsmongo.Options) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(client)
}

// Upsert checkpoints the provided run record.
func (s *Store) Upsert(ctx context.Context, run pipeline.Run) error {
	return s.client.UpsertRun(ctx, run)
}

// Load retrieves the run record from storage.
func (s *Store) Load(ctx context.Context, runTraceID string) (pipeline.Run, error) {
	return s.client.LoadRun(ctx, runTraceID)
}
