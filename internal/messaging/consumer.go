package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type ConsumerConfig struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string
	// DeadLetterExchange, when set, is declared as a fanout exchange with a
	// durable "<exchange>.dead" queue and wired as the queue's DLX.
	DeadLetterExchange string
	// Attempts bounds Connect; defaults to 5.
	Attempts int
	// Backoff is the fixed pause between connect attempts; defaults to 5s.
	Backoff time.Duration
	// Prefetch defaults to 1.
	Prefetch int
	Tag      string
}

// Message is what a Handler sees of a delivery.
type Message struct {
	RoutingKey  string
	Body        []byte
	Redelivered bool
	DeliveryTag uint64
}

// Handler processes one message. nil acks, an error wrapping ErrDeadLetter
// rejects without requeue, anything else nacks with requeue.
type Handler func(ctx context.Context, msg Message) error

// Consumer pulls deliveries from one durable queue bound to one routing key
// and dispatches them to a Handler one at a time.
type Consumer struct {
	cfg     ConsumerConfig
	dial    Dialer
	sleeper Sleeper
	logger  *zap.Logger

	mu   sync.Mutex
	conn Connection
	ch   Channel
}

type ConsumerOption func(*Consumer)

func WithConsumerDialer(d Dialer) ConsumerOption {
	return func(c *Consumer) { c.dial = d }
}

func WithConsumerSleeper(s Sleeper) ConsumerOption {
	return func(c *Consumer) { c.sleeper = s }
}

func NewConsumer(cfg ConsumerConfig, logger *zap.Logger, opts ...ConsumerOption) *Consumer {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	c := &Consumer{
		cfg:     cfg,
		dial:    DialAMQP,
		sleeper: DefaultSleeper{},
		logger:  logger.With(zap.String("queue", cfg.Queue)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the broker and declares the exchange, queue and binding,
// retrying with a fixed backoff. Exhausting the attempts returns an error
// wrapping ErrConsumerConnect.
func (c *Consumer) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		err := c.connectOnce()
		if err == nil {
			c.logger.Info("consumer connected to RabbitMQ",
				zap.String("exchange", c.cfg.Exchange),
				zap.String("routing_key", c.cfg.RoutingKey),
			)
			return nil
		}

		lastErr = err
		c.logger.Warn("failed to connect consumer",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.Attempts),
			zap.Error(err),
		)

		if attempt < c.cfg.Attempts {
			if err := c.sleeper.Sleep(ctx, c.cfg.Backoff); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrConsumerConnect, c.cfg.Queue, c.cfg.Attempts, lastErr)
}

func (c *Consumer) connectOnce() error {
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := c.declareTopology(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.mu.Unlock()
	return nil
}

func (c *Consumer) declareTopology(ch Channel) error {
	if err := declareExchange(ch, c.cfg.Exchange); err != nil {
		return err
	}

	var args amqp.Table
	if dlx := c.cfg.DeadLetterExchange; dlx != "" {
		if err := ch.ExchangeDeclare(dlx, "fanout", true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dead-letter exchange %s: %w", dlx, err)
		}
		dead := c.cfg.Exchange + ".dead"
		if _, err := ch.QueueDeclare(dead, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", dead, err)
		}
		if err := ch.QueueBind(dead, "", dlx, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", dead, err)
		}
		args = amqp.Table{"x-dead-letter-exchange": dlx}
	}

	_, err := ch.QueueDeclare(
		c.cfg.Queue, // queue name
		true,        // durable
		false,       // auto-delete
		false,       // exclusive
		false,       // no-wait
		args,        // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", c.cfg.Queue, err)
	}

	if err := ch.QueueBind(c.cfg.Queue, c.cfg.RoutingKey, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s to %s: %w", c.cfg.Queue, c.cfg.RoutingKey, err)
	}
	return nil
}

// Run consumes until ctx is cancelled or the broker closes the delivery
// channel. Each delivery is handled to completion and acknowledged before
// the next one is taken.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(
		c.cfg.Queue, // queue name
		c.cfg.Tag,   // consumer tag
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("listening for events", zap.Int("prefetch", c.cfg.Prefetch))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}
			c.dispatch(ctx, d, handle)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery, handle Handler) {
	msg := Message{
		RoutingKey:  d.RoutingKey,
		Body:        d.Body,
		Redelivered: d.Redelivered,
		DeliveryTag: d.DeliveryTag,
	}

	err := handle(ctx, msg)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(ackErr))
		}
	case errors.Is(err, ErrDeadLetter):
		c.logger.Error("rejecting message",
			zap.String("routing_key", d.RoutingKey),
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.Error(err),
		)
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to reject message", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(nackErr))
		}
	default:
		c.logger.Warn("handler failed, requeueing message",
			zap.String("routing_key", d.RoutingKey),
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.Bool("redelivered", d.Redelivered),
			zap.Error(err),
		)
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(nackErr))
		}
	}
}

// Serve runs the consumer, connecting first when needed and reconnecting
// whenever the broker drops the delivery channel. It returns nil once ctx
// is cancelled and an error when Connect gives up.
func (c *Consumer) Serve(ctx context.Context, handle Handler) error {
	for {
		if !c.connected() {
			if err := c.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}

		err := c.Run(ctx, handle)
		_ = c.Close()

		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, ErrDeliveriesClosed) {
			return err
		}
		c.logger.Warn("delivery channel closed, reconnecting")
	}
}

func (c *Consumer) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch != nil
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	if c.ch != nil {
		_ = c.ch.Close()
	}
	err := c.conn.Close()
	c.ch = nil
	c.conn = nil
	return err
}
