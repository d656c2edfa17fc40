package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const attemptHeader = "x-attempt"

// AMQPQueue is a durable RabbitMQ queue consumed with manual acks.
// Retries are republished with an incremented attempt header because the
// broker's own requeue does not count deliveries.
type AMQPQueue struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	name     string
	prefetch int

	consumeOnce sync.Once
	deliveries  <-chan amqp.Delivery
	consumeErr  error
}

// NewAMQPQueue opens a channel on conn and declares the queue.
func NewAMQPQueue(conn *amqp.Connection, name string, prefetch int) (*AMQPQueue, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel open failed: %w", err)
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitmq qos setup failed: %w", err)
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitmq queue declare %s failed: %w", name, err)
	}
	return &AMQPQueue{conn: conn, ch: ch, name: name, prefetch: prefetch}, nil
}

func (q *AMQPQueue) Publish(ctx context.Context, body []byte) error {
	return q.publish(ctx, body, 1)
}

func (q *AMQPQueue) publish(ctx context.Context, body []byte, attempt int) error {
	return q.ch.PublishWithContext(
		ctx,
		"",
		q.name,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      amqp.Table{attemptHeader: int32(attempt)},
			Body:         body,
			Timestamp:    time.Now().UTC(),
		},
	)
}

// Receive lazily starts the consumer so publish-only users never hold
// deliveries.
func (q *AMQPQueue) Receive(ctx context.Context) (*Delivery, error) {
	q.consumeOnce.Do(func() {
		q.deliveries, q.consumeErr = q.ch.Consume(q.name, "", false, false, false, false, nil)
	})
	if q.consumeErr != nil {
		return nil, fmt.Errorf("rabbitmq consume setup failed: %w", q.consumeErr)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-q.deliveries:
		if !ok {
			return nil, ErrClosed
		}
		return q.delivery(d), nil
	}
}

func (q *AMQPQueue) delivery(d amqp.Delivery) *Delivery {
	attempt := headerAttempt(d.Headers)
	ack := func(context.Context) error {
		return d.Ack(false)
	}
	nack := func(ctx context.Context, requeue bool) error {
		if !requeue {
			// Dead-lettered by the broker when the queue has a DLX.
			return d.Nack(false, false)
		}
		if err := q.publish(ctx, d.Body, attempt+1); err != nil {
			return errors.Join(err, d.Nack(false, true))
		}
		return d.Ack(false)
	}
	return NewDelivery(d.Body, attempt, ack, nack)
}

func headerAttempt(h amqp.Table) int {
	switch v := h[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 1
	}
}

func (q *AMQPQueue) Close() error {
	return q.ch.Close()
}
