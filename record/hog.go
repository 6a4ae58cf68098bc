package record

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrInvalid is returned when a payload decodes but misses required fields.
var ErrInvalid = errors.New("invalid hog record")

// Entry holds the client-supplied fields of a log record.
type Entry struct {
	LogTimestamp time.Time `json:"log_timestamp" bson:"log_timestamp"`
	LogLevel     string    `json:"log_level,omitempty" bson:"log_level,omitempty"`
	LogMessage   string    `json:"log_message" bson:"log_message"`
	LogData      any       `json:"log_data,omitempty" bson:"log_data,omitempty"`
	LogType      string    `json:"log_type,omitempty" bson:"log_type,omitempty"`
	LogSource    string    `json:"log_source,omitempty" bson:"log_source,omitempty"`
	LogSourceID  string    `json:"log_source_id,omitempty" bson:"log_source_id,omitempty"`
}

// Hog is one queued log record. It is the wire payload and, with CreatedAt set,
// the stored document.
type Hog struct {
	Entry `bson:",inline"`

	HogUUID      string    `json:"hog_uuid" bson:"hog_uuid"`
	HogTimestamp time.Time `json:"hog_timestamp" bson:"hog_timestamp"`

	// CreatedAt is stamped by the writer on every persistence attempt and
	// never travels on the queue.
	CreatedAt *time.Time `json:"-" bson:"created_at,omitempty"`
}

// NewHog assigns the enqueue-time identity of an entry.
func NewHog(e Entry, now time.Time) Hog {
	return Hog{
		Entry:        e,
		HogUUID:      uuid.NewString(),
		HogTimestamp: now.UTC(),
	}
}

// Validate is the producer-side check run before a record is enqueued. The
// consuming side does not apply it to records already on the queue.
func (h *Hog) Validate() error {
	if h.LogMessage == "" {
		return errors.Join(ErrInvalid, errors.New("log_message is required"))
	}
	if h.LogTimestamp.IsZero() {
		return errors.Join(ErrInvalid, errors.New("log_timestamp is required"))
	}
	if h.HogUUID != "" {
		if _, err := uuid.Parse(h.HogUUID); err != nil {
			return errors.Join(ErrInvalid, err)
		}
	}
	return nil
}

// StampCreated sets CreatedAt on every record to t.
func StampCreated(hogs []Hog, t time.Time) {
	for i := range hogs {
		ts := t
		hogs[i].CreatedAt = &ts
	}
}
