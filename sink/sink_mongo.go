package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/baldanca/hog-ingestor/record"
	"github.com/baldanca/hog-ingestor/retry"
)

const duplicateKeyCode = 11000

type mongoCollection interface {
	InsertMany(ctx context.Context, documents []interface{}, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error)
}

// SinkMongo writes each record as one document of a collection.
//
// Inserts are unordered. With the unique hog_uuid index in place, a batch
// whose only failures are duplicate keys was already written by an earlier
// attempt and counts as persisted.
type SinkMongo struct {
	coll mongoCollection
}

func NewMongo(coll mongoCollection) *SinkMongo {
	if coll == nil {
		panic("mongo collection is required")
	}
	return &SinkMongo{coll: coll}
}

func (s *SinkMongo) InsertMany(ctx context.Context, hogs []record.Hog) error {
	if len(hogs) == 0 {
		return nil
	}

	docs := make([]interface{}, len(hogs))
	for i := range hogs {
		docs[i] = hogs[i]
	}

	_, err := s.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil || onlyDuplicateKeys(err) {
		return nil
	}
	return fmt.Errorf("insert %d hogs: %w", len(hogs), err)
}

func onlyDuplicateKeys(err error) bool {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) {
		return false
	}
	if bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
		return false
	}
	for _, we := range bwe.WriteErrors {
		if we.Code != duplicateKeyCode {
			return false
		}
	}
	return true
}

type indexCreator interface {
	CreateMany(ctx context.Context, models []mongo.IndexModel, opts ...*options.CreateIndexesOptions) ([]string, error)
}

// HogIndexes lists the indexes the hog collection is queried with.
func HogIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "hog_uuid", Value: 1}},
			Options: options.Index().SetName("hog_uuid_unique").SetUnique(true),
		},
		{Keys: bson.D{{Key: "hog_timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "log_timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "log_type", Value: 1}}},
		{Keys: bson.D{{Key: "log_source", Value: 1}, {Key: "log_timestamp", Value: -1}}},
	}
}

// EnsureMongoIndexes creates the hog indexes. Creating an existing index is a
// no-op on the server, so it is safe to run on every start.
func EnsureMongoIndexes(ctx context.Context, iv indexCreator) error {
	if _, err := iv.CreateMany(ctx, HogIndexes()); err != nil {
		return fmt.Errorf("create hog indexes: %w", err)
	}
	return nil
}

type MongoConfig struct {
	URI        string
	Database   string
	Collection string

	Attempts int
	Delay    time.Duration
}

var DefaultMongoConfig = MongoConfig{
	URI:        "mongodb://localhost:27017",
	Database:   "hog",
	Collection: "hog",
	Attempts:   15,
	Delay:      3 * time.Second,
}

// ConnectMongo connects and pings the primary, retrying with a fixed delay.
func ConnectMongo(ctx context.Context, cfg MongoConfig, logger *slog.Logger) (*mongo.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var client *mongo.Client
	r := retry.Retry{
		Attempts: cfg.Attempts,
		Delay:    retry.Constant(cfg.Delay),
		OnRetry: func(attempt int, err error, wait time.Duration) {
			logger.Warn("store not ready", "attempt", attempt, "retry_in", wait, "error", err)
		},
	}
	err := r.Do(ctx, func(ctx context.Context) error {
		c, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := c.Ping(pingCtx, readpref.Primary()); err != nil {
			_ = c.Disconnect(context.Background())
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	return client, nil
}
