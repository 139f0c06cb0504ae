// Package runstate selects and opens a run state backend. Two backends are
// supported: a local file store for development and single-node deployments,
// and MongoDB for shared deployments. Selection is explicit via Config.Backend
// or inferred from which connection settings are present.
package runstate

import (
	"context"
	"fmt"
	"os"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/clue/log"

	"goa.design/postpipe/features/runstate/file"
	storemongo "goa.design/postpipe/features/runstate/mongo"
	clientsmongo "goa.design/postpipe/features/runstate/mongo/clients/mongo"
	"goa.design/postpipe/runtime/pipeline"
)

// Backend names accepted by Config.Backend.
const (
	BackendFile  = "file"
	BackendMongo = "mongo"
)

// Config describes the run state backend.
type Config struct {
	// Backend forces a backend. Empty means infer: mongo when MongoURI is
	// set, file otherwise.
	Backend string `yaml:"backend"`

	// MongoURI and MongoDatabase configure the mongo backend.
	MongoURI      string `yaml:"mongoUri"`
	MongoDatabase string `yaml:"mongoDatabase"`
	// MongoCollection overrides the default runs collection name.
	MongoCollection string `yaml:"mongoCollection"`

	// FileDir is the file backend's root directory. Defaults to
	// "./postpipe-runs".
	FileDir string `yaml:"fileDir"`
}

// FromEnv reads backend settings from POSTPIPE_* environment variables.
func FromEnv() Config {
	return Config{
		Backend:         os.Getenv("POSTPIPE_RUNSTATE_BACKEND"),
		MongoURI:        os.Getenv("POSTPIPE_MONGO_URI"),
		MongoDatabase:   os.Getenv("POSTPIPE_MONGO_DATABASE"),
		MongoCollection: os.Getenv("POSTPIPE_MONGO_COLLECTION"),
		FileDir:         os.Getenv("POSTPIPE_RUNSTATE_DIR"),
	}
}

// Open builds the configured store. The returned close function releases
// backend connections and is safe to call on all paths.
func Open(ctx context.Context, cfg Config) (pipeline.Store, func(context.Context) error, error) {
	backend := cfg.Backend
	if backend == "" {
		if cfg.MongoURI != "" {
			backend = BackendMongo
		} else {
			backend = BackendFile
		}
	}
	switch backend {
	case BackendFile:
		dir := cfg.FileDir
		if dir == "" {
			dir = "./postpipe-runs"
		}
		store, err := file.New(dir)
		if err != nil {
			return nil, nil, err
		}
		log.Print(ctx, log.KV{K: "msg", V: "run state backend ready"},
			log.KV{K: "backend", V: BackendFile}, log.KV{K: "dir", V: dir})
		return store, func(context.Context) error { return nil }, nil

	case BackendMongo:
		if cfg.MongoURI == "" {
			return nil, nil, fmt.Errorf("runstate: mongo backend requires a URI")
		}
		database := cfg.MongoDatabase
		if database == "" {
			database = "postpipe"
		}
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		mc, err := mongodriver.Connect(connectCtx, mongooptions.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("runstate: connect mongo: %w", err)
		}
		store, err := storemongo.NewStoreFromMongo(clientsmongo.Options{
			Client:         mc,
			Database:       database,
			RunsCollection: cfg.MongoCollection,
		})
		if err != nil {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mc.Disconnect(disconnectCtx)
			return nil, nil, err
		}
		log.Print(ctx, log.KV{K: "msg", V: "run state backend ready"},
			log.KV{K: "backend", V: BackendMongo}, log.KV{K: "database", V: database})
		return store, mc.Disconnect, nil
	}
	return nil, nil, fmt.Errorf("runstate: unknown backend %q", backend)
}
