package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type PublisherConfig struct {
	URL      string
	Exchange string
	// Attempts bounds Publish; defaults to 3.
	Attempts int
	// Backoff is the fixed pause between attempts; defaults to 1s.
	Backoff time.Duration
	// Timeout bounds a single broker publish; defaults to 5s.
	Timeout time.Duration
}

// Publisher publishes persistent messages to a topic exchange, reconnecting
// from scratch whenever an attempt fails. It is safe for concurrent use;
// publishes are serialized over a single channel.
type Publisher struct {
	cfg     PublisherConfig
	dial    Dialer
	sleeper Sleeper
	logger  *zap.Logger
	now     func() time.Time

	mu   sync.Mutex
	conn Connection
	ch   Channel
}

type PublisherOption func(*Publisher)

func WithPublisherDialer(d Dialer) PublisherOption {
	return func(p *Publisher) { p.dial = d }
}

func WithPublisherSleeper(s Sleeper) PublisherOption {
	return func(p *Publisher) { p.sleeper = s }
}

func NewPublisher(cfg PublisherConfig, logger *zap.Logger, opts ...PublisherOption) *Publisher {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	p := &Publisher{
		cfg:     cfg,
		dial:    DialAMQP,
		sleeper: DefaultSleeper{},
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends body with the given routing key. Each attempt makes sure a
// connection and channel exist and re-declares the exchange; a failed
// attempt drops the whole connection. When every attempt fails the returned
// error wraps ErrPublishUnresolved.
func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		err := p.publishOnce(ctx, routingKey, body)
		if err == nil {
			p.logger.Debug("event published",
				zap.String("routing_key", routingKey),
				zap.Int("attempt", attempt),
			)
			return nil
		}

		lastErr = err
		p.logger.Warn("failed to publish event",
			zap.String("routing_key", routingKey),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.cfg.Attempts),
			zap.Error(err),
		)
		p.resetLocked()

		if attempt < p.cfg.Attempts {
			if err := p.sleeper.Sleep(ctx, p.cfg.Backoff); err != nil {
				lastErr = err
				break
			}
		}
	}

	p.logger.Error("giving up on event",
		zap.String("routing_key", routingKey),
		zap.Int("max_attempts", p.cfg.Attempts),
		zap.Error(lastErr),
	)
	return fmt.Errorf("%w: %s: %w", ErrPublishUnresolved, routingKey, lastErr)
}

func (p *Publisher) publishOnce(ctx context.Context, routingKey string, body []byte) error {
	ch, err := p.channelLocked()
	if err != nil {
		return err
	}
	if err := declareExchange(ch, p.cfg.Exchange); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	err = ch.PublishWithContext(ctx,
		p.cfg.Exchange, // exchange
		routingKey,     // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    p.now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (p *Publisher) channelLocked() (Channel, error) {
	if p.ch != nil {
		return p.ch, nil
	}

	conn, err := p.dial(p.cfg.URL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	p.conn = conn
	p.ch = ch
	p.logger.Info("publisher connected to RabbitMQ", zap.String("exchange", p.cfg.Exchange))
	return ch, nil
}

// resetLocked tears down the connection so the next attempt redials.
func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch = nil
	p.conn = nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	err := p.conn.Close()
	p.ch = nil
	p.conn = nil
	return err
}
