package domain

import (
	"context"
	"time"
)

type QueueMessage struct {
	ID       string `json:"id"`
	Queue    string `json:"queue"`
	Payload  []byte `json:"payload"`
	Priority int    `json:"priority"`
}

type QueueBroker interface {
	// Enqueue adds a message to the specified queue for processing
	Enqueue(ctx context.Context, queue string, message *QueueMessage) error
	// Dequeue retrieves the next available message from any of the specified queues.
	// Blocks until a message is available or the timeout is reached.
	// Returns nil, nil if timeout expires with no messages available.
	Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*QueueMessage, error)
	// Ack acknowledges successful processing of a message, removing it from the queue
	Ack(ctx context.Context, message *QueueMessage) error
	// Nack negatively acknowledges a message, returning it to the queue for retry
	Nack(ctx context.Context, message *QueueMessage) error
	// Close gracefully shuts down the queue broker connection
	Close() error
}

// Notifier carries completion notifications out of band of the workflow store.
// Delivery is at-least-once; consumers must be idempotent.
type Notifier interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context) (Subscription, error)
}

type Subscription interface {
	// Receive blocks until the next payload arrives or ctx is done.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}
