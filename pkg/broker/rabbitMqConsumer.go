package broker

import (
	"context"
	"fmt"

	"github.com/streadway/amqp"

	"github.com/bretmckee/game-scheduler-sub006/pkg/config"
)

type RabbitMQConsumerCreator func(ctx context.Context, settings *config.BrokerSettings, queue string, topics []string) (EventConsumer, error)

// NewRabbitMqConsumer declares a durable queue bound to the given topics and
// wires its dead-letter routing: messages nacked more than the delivery limit
// are diverted to the dead-letter exchange instead of redelivered forever.
var NewRabbitMqConsumer RabbitMQConsumerCreator = func(ctx context.Context, settings *config.BrokerSettings, queue string, topics []string) (EventConsumer, error) {
	conn, err := amqp.Dial(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(settings.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(settings.DeadLetterExchange, "fanout", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}

	// Dead-letter queue so poison messages stay inspectable.
	if _, err := ch.QueueDeclare(queue+".dead", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(queue+".dead", "", settings.DeadLetterExchange, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to bind dead-letter queue: %w", err)
	}

	args := amqp.Table{
		"x-queue-type":           "quorum",
		"x-dead-letter-exchange": settings.DeadLetterExchange,
		"x-delivery-limit":       int32(settings.DeliveryLimit),
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	for _, topic := range topics {
		if err := ch.QueueBind(queue, topic, settings.Exchange, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to bind %s to %s: %w", queue, topic, err)
		}
	}

	// One unacked message at a time keeps consume order deterministic.
	if err := ch.Qos(1, 0, false); err != nil {
		conn.Close()
		return nil, err
	}

	return &rabbitMqConsumer{connection: conn, channel: ch, queue: queue}, nil
}

type rabbitMqConsumer struct {
	connection *amqp.Connection
	channel    *amqp.Channel
	queue      string
}

func (c *rabbitMqConsumer) Consume(ctx context.Context, handler func(ctx context.Context, d Delivery) error) error {
	deliveries, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", c.queue)
			}
			headers := make(map[string]string, len(msg.Headers))
			for k, v := range msg.Headers {
				if s, ok := v.(string); ok {
					headers[k] = s
				}
			}
			d := Delivery{Topic: msg.RoutingKey, Payload: msg.Body, Headers: headers}
			if err := handler(ctx, d); err != nil {
				// Requeue; the delivery limit routes persistent failures to
				// the dead-letter queue.
				msg.Nack(false, true)
				continue
			}
			msg.Ack(false)
		}
	}
}

func (c *rabbitMqConsumer) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.connection != nil {
		return c.connection.Close()
	}
	return nil
}
