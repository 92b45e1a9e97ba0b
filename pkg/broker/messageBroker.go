package broker

import "context"

// MessageBroker defines the producer side of the broker integration.
type MessageBroker interface {
	// Publish sends the payload to the given topic and returns only after the
	// broker has confirmed the publish. An unconfirmed publish is an error.
	Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) error
	// Close cleans up any resources (connections).
	Close() error
}

// Delivery is one consumed broker message.
type Delivery struct {
	Topic   string
	Payload []byte
	Headers map[string]string
}

// EventConsumer delivers broker messages to a handler, one at a time, in
// broker order. A nil handler error acknowledges the message; a non-nil
// error leaves it for redelivery, bounded by the per-queue delivery limit
// after which the broker routes it to the dead-letter queue.
type EventConsumer interface {
	Consume(ctx context.Context, handler func(ctx context.Context, d Delivery) error) error
	Close() error
}
