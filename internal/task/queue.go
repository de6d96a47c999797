// Package task carries confirmed transaction hashes from the service to the
// reconciliation processor over a memory, Redis or RabbitMQ queue.
package task

import (
	"context"
)

// Handler processes one transaction hash taken from the queue. A non-nil
// error asks the queue to redeliver the message.
type Handler func(ctx context.Context, txHash string) error

// Producer publishes transaction hashes.
type Producer interface {
	Publish(ctx context.Context, txHash string) error
	Close() error
}

// Consumer delivers transaction hashes to a handler.
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue is both a producer and a consumer.
type Queue interface {
	Producer
	Consumer
}
