package sink

import (
	"context"

	"github.com/baldanca/hog-ingestor/record"
)

// Sinkr persists one batch of records with a single bulk write.
//
// A returned error means the batch as a whole must be considered not
// persisted; callers retry the entire batch. Keyed backends make a retried
// batch safe to write again, since records are identified by hog_uuid.
type Sinkr interface {
	InsertMany(ctx context.Context, hogs []record.Hog) error
}

// WriteRequest is one object for the S3 archive backend.
type WriteRequest struct {
	Key         string
	Data        []byte
	ContentType string
	Metadata    map[string]string
}
