package payment

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/events"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/messaging"
)

const (
	DefaultSuccessRate     = 0.9
	DefaultProcessingDelay = 2 * time.Second

	DeclinedReason = "Insufficient funds or payment gateway error"
)

// Decision is the outcome of charging an order.
type Decision struct {
	Approved bool
	Reason   string
}

// Decider charges an order. Implementations may block; they must honour ctx.
type Decider interface {
	Decide(ctx context.Context, order events.OrderCreated) (Decision, error)
}

// RandomDecider simulates a payment gateway: it waits for a fixed delay and
// approves with the configured probability.
type RandomDecider struct {
	successRate float64
	delay       time.Duration
	sleeper     messaging.Sleeper
	roll        func() float64
}

type RandomOption func(*RandomDecider)

func WithRoll(roll func() float64) RandomOption {
	return func(d *RandomDecider) { d.roll = roll }
}

func WithSleeper(s messaging.Sleeper) RandomOption {
	return func(d *RandomDecider) { d.sleeper = s }
}

func NewRandomDecider(successRate float64, delay time.Duration, opts ...RandomOption) *RandomDecider {
	d := &RandomDecider{
		successRate: successRate,
		delay:       delay,
		sleeper:     messaging.DefaultSleeper{},
		roll:        rand.Float64,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *RandomDecider) Decide(ctx context.Context, _ events.OrderCreated) (Decision, error) {
	if err := d.sleeper.Sleep(ctx, d.delay); err != nil {
		return Decision{}, err
	}
	if d.roll() < d.successRate {
		return Decision{Approved: true}, nil
	}
	return Decision{Reason: DeclinedReason}, nil
}
