package source

import (
	"context"
	"errors"
)

// ErrClosed is returned when the delivery stream of a source has ended.
//
// For a worker this is terminal: the broker connection is gone and every
// unacknowledged delivery will be redelivered to another consumer.
var ErrClosed = errors.New("source closed")

// Delivery is one in-flight message. It stays owned by the Source until it is
// acked or nacked; callers resolve it at most once.
type Delivery interface {
	Body() []byte
	Ack(ctx context.Context) error
	Nack(ctx context.Context, requeue bool) error
}

// Sourcer is a subscription that yields deliveries.
//
// The returned channel is closed when the subscription ends. The number of
// deliveries handed out and not yet resolved is bounded by the source's
// prefetch setting.
type Sourcer interface {
	Deliveries() <-chan Delivery
	Close() error
}
