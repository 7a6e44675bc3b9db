package mq

import (
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeName = "events"

	heartbeat = 10 * time.Second
)

// NewConnection dials RabbitMQ. name shows up as the connection name in the
// management UI, one per consumer queue plus one for the publisher.
func NewConnection(url, name string) (*amqp091.Connection, error) {
	props := amqp091.NewConnectionProperties()
	if name != "" {
		props.SetClientConnectionName(name)
	}
	conn, err := amqp091.DialConfig(url, amqp091.Config{
		Heartbeat:  heartbeat,
		Locale:     "en_US",
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ (%s): %w", name, err)
	}
	return conn, nil
}

// DeclareExchange declares a durable topic exchange.
func DeclareExchange(ch *amqp091.Channel, name string) error {
	return ch.ExchangeDeclare(name, "topic", true, false, false, false, nil)
}
