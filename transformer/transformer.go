package transformer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/baldanca/hog-ingestor/record"
)

// Transformer converts one raw delivery payload into a typed record.
//
// A failure is local to the payload it was given.
type Transformer[O any] interface {
	Transform(ctx context.Context, payload []byte) (O, error)
}

// HogJSON decodes the queue wire format into record.Hog.
//
// Only JSON shape and type errors and missing required keys fail a payload.
// Values are taken as published: an empty log_message or a hog_uuid that is
// not a UUID still decodes. Records published without a hog_uuid or
// hog_timestamp get one assigned here so the store-side identity is always
// present.
type HogJSON struct {
	// Now defaults to time.Now.
	Now func() time.Time
}

var _ Transformer[record.Hog] = HogJSON{}

// wireHog shadows the required fields so a missing or null key can be told
// apart from an empty value.
type wireHog struct {
	record.Hog
	LogTimestamp *time.Time `json:"log_timestamp"`
	LogMessage   *string    `json:"log_message"`
}

func (t HogJSON) Transform(ctx context.Context, payload []byte) (record.Hog, error) {
	var out record.Hog
	if err := ctx.Err(); err != nil {
		return out, err
	}

	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return out, fmt.Errorf("%w: payload is not a JSON object", record.ErrInvalid)
	}
	var w wireHog
	if err := json.Unmarshal(payload, &w); err != nil {
		return out, fmt.Errorf("decode hog: %w", err)
	}
	if w.LogTimestamp == nil {
		return out, fmt.Errorf("%w: log_timestamp is missing", record.ErrInvalid)
	}
	if w.LogMessage == nil {
		return out, fmt.Errorf("%w: log_message is missing", record.ErrInvalid)
	}
	out = w.Hog
	out.LogTimestamp = *w.LogTimestamp
	out.LogMessage = *w.LogMessage

	if out.HogUUID == "" {
		out.HogUUID = uuid.NewString()
	}
	if out.HogTimestamp.IsZero() {
		now := time.Now
		if t.Now != nil {
			now = t.Now
		}
		out.HogTimestamp = now().UTC()
	}
	// created_at is owned by the writer.
	out.CreatedAt = nil
	return out, nil
}
