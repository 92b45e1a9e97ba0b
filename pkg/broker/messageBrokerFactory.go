package broker

import (
	"context"
	"fmt"

	"github.com/bretmckee/game-scheduler-sub006/pkg/config"
)

// NewBroker creates the producer side for the configured broker type.
func NewBroker(ctx context.Context, cfg *config.BrokerSettings) (MessageBroker, error) {
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMqBroker(ctx, cfg)
	case "gcp-pubsub":
		return NewPubSubClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}

// NewConsumer creates the consumer side for the configured broker type. For
// RabbitMQ, queue names a durable queue bound to the given topics; for
// Pub/Sub it names an existing subscription.
func NewConsumer(ctx context.Context, cfg *config.BrokerSettings, queue string, topics []string) (EventConsumer, error) {
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMqConsumer(ctx, cfg, queue, topics)
	case "gcp-pubsub":
		return NewPubSubConsumer(ctx, cfg, queue)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
