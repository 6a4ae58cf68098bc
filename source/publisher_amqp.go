package source

import (
	"context"
	"encoding/json"
	"fmt"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/baldanca/hog-ingestor/record"
)

type amqpPublishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// PublisherAMQP enqueues records on the default exchange, routed to one
// queue. It is the producer half of the pipeline.
type PublisherAMQP struct {
	ch    amqpPublishChannel
	queue string
}

func NewPublisherAMQP(ch amqpPublishChannel, queue string) *PublisherAMQP {
	if ch == nil {
		panic("amqp channel is required")
	}
	if queue == "" {
		panic("queue name is required")
	}
	return &PublisherAMQP{ch: ch, queue: queue}
}

// Publish serializes h and publishes it as a persistent message.
func (p *PublisherAMQP) Publish(ctx context.Context, h record.Hog) error {
	body, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode hog: %w", err)
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    h.HogUUID,
		Timestamp:    h.HogTimestamp,
		Body:         body,
	}
	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		return fmt.Errorf("publish hog %s: %w", h.HogUUID, err)
	}
	return nil
}
