package interfaces

import "context"

// Delivery is one message handed to a consumer. Ack is called only after the
// handler has durably accepted the message; Reject with requeue=false sends
// the message to the dead-letter exchange when the queue declares one.
type Delivery struct {
	RoutingKey string
	Body       []byte
	Ack        func() error
	Reject     func(requeue bool) error
}

// DeliveryHandler processes one delivery. The handler owns ack/reject; a
// delivery that is neither acked nor rejected is redelivered by the broker.
type DeliveryHandler func(ctx context.Context, d Delivery)

// Publisher publishes one message and waits for broker confirmation.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// MessageBus is the broker abstraction: AMQP in production, an in-process
// fake in tests. Consume blocks until ctx is cancelled.
type MessageBus interface {
	Publisher
	Consume(ctx context.Context, queue string, handler DeliveryHandler) error
	// BindQueue binds a queue to the topic exchange with a routing pattern
	// (worker instances bind their own patterns at startup).
	BindQueue(ctx context.Context, queue, exchange, pattern string) error
	// IsOnline reports broker connectivity; OnlineChanges streams transitions
	// (consumed by the worker outbox monitor).
	IsOnline() bool
	OnlineChanges() <-chan bool
	Close() error
}
