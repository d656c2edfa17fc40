package queue

import (
	"context"
	"fmt"
	"sync"
)

type envelope struct {
	body    []byte
	attempt int
}

// MemoryQueue is an in-process queue backed by a buffered channel. It keeps
// the same redelivery semantics as the broker-backed queues and is used for
// single-process deployments and tests.
type MemoryQueue struct {
	name  string
	items chan envelope
	done  chan struct{}
	once  sync.Once

	mu   sync.Mutex
	dead [][]byte
}

// NewMemoryQueue creates a queue holding at most capacity pending messages.
func NewMemoryQueue(name string, capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{
		name:  name,
		items: make(chan envelope, capacity),
		done:  make(chan struct{}),
	}
}

func (q *MemoryQueue) Name() string {
	return q.name
}

func (q *MemoryQueue) Publish(ctx context.Context, body []byte) error {
	b := make([]byte, len(body))
	copy(b, body)
	return q.push(ctx, envelope{body: b, attempt: 1})
}

func (q *MemoryQueue) push(ctx context.Context, env envelope) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	select {
	case q.items <- env:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Receive(ctx context.Context) (*Delivery, error) {
	select {
	case env := <-q.items:
		return q.delivery(env), nil
	case <-q.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) delivery(env envelope) *Delivery {
	var settled sync.Once
	ack := func(context.Context) error {
		settled.Do(func() {})
		return nil
	}
	nack := func(ctx context.Context, requeue bool) error {
		var err error
		settled.Do(func() {
			if requeue {
				err = q.push(ctx, envelope{body: env.body, attempt: env.attempt + 1})
				if err == nil {
					return
				}
				// A full or closed queue must not swallow the message.
				err = fmt.Errorf("requeue failed, message dead-lettered: %w", err)
			}
			q.deadLetter(env.body)
		})
		return err
	}
	return NewDelivery(env.body, env.attempt, ack, nack)
}

func (q *MemoryQueue) deadLetter(body []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, body)
}

// Len returns the number of pending messages.
func (q *MemoryQueue) Len() int {
	return len(q.items)
}

// DeadLetters returns the bodies of dead-lettered messages.
func (q *MemoryQueue) DeadLetters() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, len(q.dead))
	copy(out, q.dead)
	return out
}

func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
