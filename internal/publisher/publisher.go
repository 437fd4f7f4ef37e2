package publisher

import (
	"context"
	"time"

	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/events"
)

// Broker is satisfied by *messaging.Publisher.
type Broker interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

type base struct {
	broker Broker
	now    func() time.Time
}

func (b base) publish(ctx context.Context, e events.Event) error {
	data, err := events.Encode(e)
	if err != nil {
		return err
	}
	return b.broker.Publish(ctx, string(e.RoutingKey()), data)
}

func (b base) meta() events.Meta {
	return events.NewMeta(b.now())
}
