package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// DLQExchange 返回死信交换机名称
func DLQExchange(exchange string) string {
	return exchange + ".dlq"
}

// DeclareDLQQueue declares a dead letter queue for a specific routing key.
func DeclareDLQQueue(ch *amqp091.Channel, exchange, routingKey string) (amqp091.Queue, error) {
	q, err := ch.QueueDeclare(
		fmt.Sprintf("%s.dlq", routingKey),
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare DLQ queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, DLQExchange(exchange), false, nil); err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to bind DLQ queue: %w", err)
	}
	return q, nil
}

// EnsureDLQ declares the dead letter queue on the publisher's channel.
func (p *Publisher) EnsureDLQ(routingKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := DeclareDLQQueue(p.channel, p.exchange, routingKey)
	return err
}

// PublishToDLQ publishes a message that cannot be processed to the dead
// letter exchange, keeping the original body untouched.
func (p *Publisher) PublishToDLQ(ctx context.Context, routingKey string, payload []byte, originalError string) error {
	headers := amqp091.Table{
		"x-original-error": originalError,
		"x-failed-at":      p.source,
		"x-failed-time":    time.Now().UTC().Format(time.RFC3339),
	}
	return p.publish(ctx, DLQExchange(p.exchange), routingKey, payload, headers)
}
