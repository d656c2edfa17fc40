package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func receive(t *testing.T, q *MemoryQueue) *Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return d
}

func TestMemoryQueueRequeueIncrementsAttempt(t *testing.T) {
	q := NewMemoryQueue("tasks", 4)
	ctx := context.Background()

	if err := q.Publish(ctx, []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	d := receive(t, q)
	if d.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", d.Attempt)
	}
	if err := d.Nack(ctx, true); err != nil {
		t.Fatalf("nack: %v", err)
	}

	d = receive(t, q)
	if d.Attempt != 2 || string(d.Body) != "hello" {
		t.Fatalf("expected redelivery with attempt 2, got attempt=%d body=%q", d.Attempt, d.Body)
	}
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
}

func TestMemoryQueueNackWithoutRequeueDeadLetters(t *testing.T) {
	q := NewMemoryQueue("tasks", 4)
	ctx := context.Background()

	_ = q.Publish(ctx, []byte("poison"))
	d := receive(t, q)
	if err := d.Nack(ctx, false); err != nil {
		t.Fatalf("nack: %v", err)
	}
	// A second settlement is ignored.
	_ = d.Nack(ctx, true)

	dead := q.DeadLetters()
	if len(dead) != 1 || string(dead[0]) != "poison" {
		t.Fatalf("unexpected dead letters: %q", dead)
	}
	if q.Len() != 0 {
		t.Fatalf("expected no pending messages, got %d", q.Len())
	}
}

func TestMemoryQueueReceiveHonoursDeadline(t *testing.T) {
	q := NewMemoryQueue("tasks", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Receive(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMemoryQueuePublishBlocksUntilDeadlineWhenFull(t *testing.T) {
	q := NewMemoryQueue("tasks", 1)
	_ = q.Publish(context.Background(), []byte("a"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Publish(ctx, []byte("b")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMemoryQueueClosed(t *testing.T) {
	q := NewMemoryQueue("tasks", 1)
	_ = q.Close()

	if err := q.Publish(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on publish, got %v", err)
	}
	if _, err := q.Receive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on receive, got %v", err)
	}
}

func TestMemoryQueueRequeueOnFullQueueDeadLetters(t *testing.T) {
	q := NewMemoryQueue("tasks", 1)
	ctx := context.Background()

	_ = q.Publish(ctx, []byte("a"))
	d := receive(t, q)
	_ = q.Publish(ctx, []byte("b"))

	nackCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := d.Nack(nackCtx, true); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	dead := q.DeadLetters()
	if len(dead) != 1 || string(dead[0]) != "a" {
		t.Fatalf("failed requeue must dead-letter the message, got %q", dead)
	}

	// The delivery stays settled; a retry neither duplicates nor loses it.
	other := receive(t, q)
	if err := d.Nack(ctx, true); err != nil {
		t.Fatalf("second nack: %v", err)
	}
	if string(other.Body) != "b" || q.Len() != 0 || len(q.DeadLetters()) != 1 {
		t.Fatalf("unexpected state: body=%q pending=%d dead=%d", other.Body, q.Len(), len(q.DeadLetters()))
	}
}
