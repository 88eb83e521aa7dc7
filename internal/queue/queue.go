package queue

import (
	"context"
)

// Publisher publishes delivery messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg DeliveryMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg DeliveryMessage) error

// Consumer consumes delivery messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// DeliveryQueue is the work queue consumed by delivery workers.
	DeliveryQueue = "push.deliver"

	dlqPrefix = "dlq."
)

// DLQName returns the dead-letter queue name for a work queue, e.g. dlq.push.deliver.
func DLQName(queue string) string {
	return dlqPrefix + queue
}

// WorkQueueNames returns every declared work queue.
func WorkQueueNames() []string {
	return []string{DeliveryQueue}
}
