package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/baldanca/hog-ingestor/record"
)

// ErrNotFound is returned by SinkBadger.Get for an unknown hog_uuid.
var ErrNotFound = errors.New("hog not found")

const badgerKeyPrefix = "hog:"

// storedHog is the document layout on disk: the wire fields plus created_at.
type storedHog struct {
	record.Hog
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// SinkBadger is an embedded document store keyed by hog_uuid.
//
// Key format: hog:{hog_uuid}. Rewriting a batch overwrites the same keys, so
// whole-batch retries never duplicate documents.
type SinkBadger struct {
	db *badger.DB
}

func OpenBadger(dir string) (*SinkBadger, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", dir, err)
	}
	return &SinkBadger{db: db}, nil
}

func (s *SinkBadger) InsertMany(ctx context.Context, hogs []record.Hog) error {
	if len(hogs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for i := range hogs {
		if hogs[i].HogUUID == "" {
			return fmt.Errorf("hog at position %d has no hog_uuid", i)
		}
		data, err := json.Marshal(storedHog{Hog: hogs[i], CreatedAt: hogs[i].CreatedAt})
		if err != nil {
			return fmt.Errorf("marshal hog %s: %w", hogs[i].HogUUID, err)
		}
		if err := wb.Set([]byte(badgerKeyPrefix+hogs[i].HogUUID), data); err != nil {
			return fmt.Errorf("stage hog %s: %w", hogs[i].HogUUID, err)
		}
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("write %d hogs: %w", len(hogs), err)
	}
	return nil
}

// Get loads one stored record.
func (s *SinkBadger) Get(hogUUID string) (record.Hog, error) {
	var out storedHog
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + hogUUID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		return record.Hog{}, err
	}

	h := out.Hog
	h.CreatedAt = out.CreatedAt
	return h, nil
}

// Count returns the number of stored records.
func (s *SinkBadger) Count() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(badgerKeyPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *SinkBadger) Close() error {
	return s.db.Close()
}
