package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/bretmckee/game-scheduler-sub006/pkg/config"
)

type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error)

var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error) {
	b := &rabbitMqBroker{settings: settings}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

// rabbitMqBroker publishes in confirm mode over a single channel. Publishes
// are serialized, and each confirmation is matched to its publish by
// delivery tag: the broker confirms publish N on channel tag N, and the tag
// sequence restarts at 1 on every fresh channel.
type rabbitMqBroker struct {
	mu       sync.Mutex
	settings *config.BrokerSettings

	connection *amqp.Connection
	channel    *amqp.Channel
	confirms   chan amqp.Confirmation
	chanErrs   chan *amqp.Error
	publishSeq uint64 // delivery tag of the last publish on the current channel
}

// connect (re)dials and opens a fresh publishing channel. Callers hold b.mu
// or have exclusive access.
func (b *rabbitMqBroker) connect() error {
	if b.connection != nil {
		b.connection.Close()
		b.connection = nil
		b.channel = nil
	}

	conn, err := amqp.Dial(b.settings.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	b.connection = conn

	if err := b.openChannel(); err != nil {
		conn.Close()
		b.connection = nil
		return err
	}
	return nil
}

// openChannel replaces the publishing channel on the current connection. A
// fresh channel restarts the delivery-tag sequence, so the confirmation
// stream and publishSeq reset together and a confirmation from a discarded
// channel can never satisfy a later publish.
func (b *rabbitMqBroker) openChannel() error {
	if b.channel != nil {
		b.channel.Close()
		b.channel = nil
	}

	ch, err := b.connection.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}

	// ExchangeDeclare is idempotent and has no effect if the exchange is
	// already in place.
	if err := ch.ExchangeDeclare(b.settings.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(b.settings.DeadLetterExchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}

	b.channel = ch
	b.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	b.chanErrs = ch.NotifyClose(make(chan *amqp.Error, 1))
	b.publishSeq = 0
	return nil
}

// channelUnusable reports whether the channel has died underneath us. A
// channel-level error closes the channel but leaves the connection open, so
// checking the connection alone is not enough.
func (b *rabbitMqBroker) channelUnusable() bool {
	if b.channel == nil {
		return true
	}
	select {
	case <-b.chanErrs:
		return true
	default:
		return false
	}
}

// dropChannel discards the publishing channel so the next publish opens a
// fresh one. Callers hold b.mu.
func (b *rabbitMqBroker) dropChannel() {
	if b.channel != nil {
		b.channel.Close()
		b.channel = nil
	}
}

func (b *rabbitMqBroker) Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) error {
	tracer := otel.Tracer("game-scheduler")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKey.String(b.settings.Exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(topic),
		),
	)
	defer span.End()

	// Inject the trace context into the message headers
	propagator := otel.GetTextMapPropagator()
	traceHeaders := make(map[string]string, len(headers))
	for k, v := range headers {
		traceHeaders[k] = v
	}
	propagator.Inject(ctx, propagation.MapCarrier(traceHeaders))

	amqpHeaders := make(amqp.Table, len(traceHeaders))
	for k, v := range traceHeaders {
		amqpHeaders[k] = v
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connection == nil || b.connection.IsClosed() {
		if err := b.connect(); err != nil {
			span.RecordError(err)
			return err
		}
	} else if b.channelUnusable() {
		if err := b.openChannel(); err != nil {
			span.RecordError(err)
			return err
		}
	}

	err := b.channel.Publish(
		b.settings.Exchange, topic, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         payload,
			Headers:      amqpHeaders,
		},
	)
	if err != nil {
		b.dropChannel()
		span.RecordError(err)
		return err
	}
	b.publishSeq++

	// Wait for the broker's confirmation; an unconfirmed publish counts as a
	// failure and the caller reverts the claim.
	if err := b.awaitConfirm(ctx, b.publishSeq); err != nil {
		// The confirmation may still arrive after we give up. Dropping the
		// channel resets the tag sequence, so a late ack for this publish can
		// never be mistaken for the confirmation of a future one.
		b.dropChannel()
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(payload)),
	)

	return nil
}

// awaitConfirm blocks until the broker confirms the publish carrying the
// given delivery tag. Confirmations with earlier tags belong to publishes
// whose wait already gave up; they are discarded, never credited to the
// publish in flight.
func (b *rabbitMqBroker) awaitConfirm(ctx context.Context, tag uint64) error {
	for {
		select {
		case confirm, ok := <-b.confirms:
			if !ok {
				return fmt.Errorf("channel closed before confirmation of publish %d", tag)
			}
			if confirm.DeliveryTag < tag {
				continue
			}
			if confirm.DeliveryTag > tag {
				return fmt.Errorf("confirmation for unknown publish %d, want %d", confirm.DeliveryTag, tag)
			}
			if !confirm.Ack {
				return fmt.Errorf("broker nacked publish %d", tag)
			}
			return nil
		case <-ctx.Done():
			return fmt.Errorf("publish confirmation: %w", ctx.Err())
		}
	}
}

func (b *rabbitMqBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.channel != nil {
		b.channel.Close()
	}
	if b.connection != nil {
		return b.connection.Close()
	}
	return nil
}
