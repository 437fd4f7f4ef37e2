package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrPublishUnresolved = errors.New("publish unresolved")
	ErrConsumerConnect   = errors.New("consumer could not connect")
	ErrNotConnected      = errors.New("rabbitmq: not connected")
	ErrDeliveriesClosed  = errors.New("rabbitmq: delivery channel closed")

	// ErrDeadLetter marks a handler error as permanent: the delivery is
	// rejected without requeue and routed to the dead-letter exchange.
	ErrDeadLetter = errors.New("dead letter")
)

// Channel is the subset of *amqp.Channel used here.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

type Connection interface {
	Channel() (Channel, error)
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(url string) (Connection, error)

// DialAMQP is the production Dialer.
func DialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return ch, nil
}

func (c *amqpConnection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

// declareExchange declares the durable topic exchange. Safe to repeat.
func declareExchange(ch Channel, name string) error {
	err := ch.ExchangeDeclare(
		name,    // name
		"topic", // kind
		true,    // durable
		false,   // auto-delete
		false,   // internal
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", name, err)
	}
	return nil
}

// Sleeper waits between retry attempts.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type DefaultSleeper struct{}

func (DefaultSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
