package batcher

import (
	"errors"
	"time"

	"github.com/baldanca/hog-ingestor/source"
)

type Config struct {
	// MaxItems is the size trigger: a batch holding MaxItems records is flushed
	// right away. 1 persists every record on its own.
	MaxItems int
	// FlushInterval is the time trigger: a non-empty batch is flushed once this
	// long has passed since the previous flush.
	FlushInterval time.Duration
}

var DefaultConfig = Config{
	MaxItems:      1000,
	FlushInterval: time.Second,
}

func (c Config) validate() error {
	if c.MaxItems < 1 {
		return errors.New("MaxItems must be >= 1")
	}
	if c.FlushInterval <= 0 {
		return errors.New("FlushInterval must be > 0")
	}
	return nil
}

// ShouldFlush reports whether a batch of n records is due.
func ShouldFlush(n, sizeThreshold int, elapsed, timeThreshold time.Duration) bool {
	return n >= sizeThreshold || (elapsed >= timeThreshold && n > 0)
}

// Batcher accumulates deliveries and their decoded records as two
// position-correlated sequences: records[i] was decoded from deliveries[i].
//
// It is not safe for concurrent use.
type Batcher[T any] struct {
	cfg Config

	deliveries []source.Delivery
	records    []T

	lastFlush time.Time
}

func NewBatcher[T any](cfg Config, now time.Time) (*Batcher[T], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	b := &Batcher[T]{cfg: cfg, lastFlush: now}
	b.alloc()
	return b, nil
}

func (b *Batcher[T]) alloc() {
	c := b.cfg.MaxItems
	if c > 4096 {
		c = 4096
	}
	b.deliveries = make([]source.Delivery, 0, c)
	b.records = make([]T, 0, c)
}

// Offer appends one pair and reports whether the size trigger fired.
func (b *Batcher[T]) Offer(d source.Delivery, rec T) (flushNow bool) {
	b.deliveries = append(b.deliveries, d)
	b.records = append(b.records, rec)
	return len(b.records) >= b.cfg.MaxItems
}

func (b *Batcher[T]) Len() int { return len(b.records) }

// ShouldFlushAt applies ShouldFlush with the configured thresholds and the
// time elapsed since the last flush.
func (b *Batcher[T]) ShouldFlushAt(now time.Time) bool {
	return ShouldFlush(len(b.records), b.cfg.MaxItems, now.Sub(b.lastFlush), b.cfg.FlushInterval)
}

func (b *Batcher[T]) LastFlush() time.Time { return b.lastFlush }

type Batch[T any] struct {
	Deliveries []source.Delivery
	Records    []T
}

func (b Batch[T]) Len() int { return len(b.Records) }

// Flush detaches the buffered pairs, clears the accumulator and restarts the
// flush-interval clock at now.
func (b *Batcher[T]) Flush(now time.Time) Batch[T] {
	out := Batch[T]{
		Deliveries: b.deliveries,
		Records:    b.records,
	}
	if len(out.Records) > 0 {
		b.alloc()
	}
	b.lastFlush = now
	return out
}
