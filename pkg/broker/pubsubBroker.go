package broker

import (
	"context"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/bretmckee/game-scheduler-sub006/pkg/config"
)

// PubSubBrokerCreator defines a function type for creating Pub/Sub clients.
type PubSubBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error)

// NewPubSubClient is the default implementation of PubSubBrokerCreator.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return &pubSubBroker{client: client}, nil
}

type pubSubBroker struct {
	client *pubsub.Client
}

func (p *pubSubBroker) Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) error {
	tracer := otel.Tracer("game-scheduler")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(topic),
		),
	)
	defer span.End()

	// Inject the trace context into the message attributes
	propagator := otel.GetTextMapPropagator()
	attributes := make(map[string]string)
	propagator.Inject(ctx, propagation.MapCarrier(attributes))

	for key, value := range headers {
		attributes[key] = value
	}
	attributes["topic"] = topic

	message := &pubsub.Message{
		Data:       payload,
		Attributes: attributes,
	}

	res := p.client.Topic(topic).Publish(ctx, message)
	_, err := res.Get(ctx) // wait for server ack
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(payload)),
	)

	return nil
}

func (p *pubSubBroker) Close() error {
	return p.client.Close()
}

type PubSubConsumerCreator func(ctx context.Context, settings *config.BrokerSettings, subscription string, opts ...option.ClientOption) (EventConsumer, error)

// NewPubSubConsumer consumes from an existing subscription. Dead-letter
// routing is configured on the subscription itself on the Pub/Sub side.
var NewPubSubConsumer PubSubConsumerCreator = func(ctx context.Context, settings *config.BrokerSettings, subscription string, opts ...option.ClientOption) (EventConsumer, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return &pubSubConsumer{client: client, subscription: subscription}, nil
}

type pubSubConsumer struct {
	client       *pubsub.Client
	subscription string
}

func (p *pubSubConsumer) Consume(ctx context.Context, handler func(ctx context.Context, d Delivery) error) error {
	sub := p.client.Subscription(p.subscription)
	// Sequential handling preserves consume order for the fan-out loop.
	sub.ReceiveSettings.NumGoroutines = 1
	sub.ReceiveSettings.MaxOutstandingMessages = 1

	return sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		d := Delivery{
			Topic:   m.Attributes["topic"],
			Payload: m.Data,
			Headers: m.Attributes,
		}
		if err := handler(ctx, d); err != nil {
			m.Nack()
			return
		}
		m.Ack()
	})
}

func (p *pubSubConsumer) Close() error {
	return p.client.Close()
}
