package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue is an at-least-once work queue. Delivery order is not guaranteed
// and a message may be delivered more than once.
type Queue interface {
	// Publish enqueues body. Callers bound it with a context deadline.
	Publish(ctx context.Context, body []byte) error
	// Receive blocks until a message is available or ctx ends.
	Receive(ctx context.Context) (*Delivery, error)
	Close() error
}

// Delivery is one received message. Exactly one of Ack or Nack must be
// called.
type Delivery struct {
	Body []byte
	// Attempt is 1 on first delivery and grows with every requeue.
	Attempt int

	ack  func(ctx context.Context) error
	nack func(ctx context.Context, requeue bool) error
}

// NewDelivery builds a Delivery from backend callbacks.
func NewDelivery(body []byte, attempt int, ack func(context.Context) error, nack func(context.Context, bool) error) *Delivery {
	if attempt < 1 {
		attempt = 1
	}
	return &Delivery{Body: body, Attempt: attempt, ack: ack, nack: nack}
}

// Ack marks the message as processed.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack gives the message back. With requeue it is redelivered with
// Attempt+1; otherwise it is dead-lettered.
func (d *Delivery) Nack(ctx context.Context, requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx, requeue)
}
