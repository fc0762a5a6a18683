package messaging

import (
	"context"
)

// Broker defines the interface for message brokers used to fan delivery
// wake-ups from the API process to worker processes. The durable delivery
// log remains the source of truth; broker messages are only a latency
// optimization over the worker's poll loop.
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}
