package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a reliable list queue. Receive atomically moves a message
// into a processing list; Ack removes it from there, so a consumer that dies
// mid-task leaves the message recoverable instead of lost.
type RedisQueue struct {
	client        *redis.Client
	key           string
	processingKey string
	deadKey       string
	pollTimeout   time.Duration
}

type redisEnvelope struct {
	Attempt int    `json:"attempt"`
	Body    []byte `json:"body"`
}

// NewRedisQueue creates a queue stored under the given list name.
func NewRedisQueue(client *redis.Client, name string, pollTimeout time.Duration) *RedisQueue {
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	return &RedisQueue{
		client:        client,
		key:           "queue:" + name,
		processingKey: "queue:" + name + ":processing",
		deadKey:       "queue:" + name + ":dead",
		pollTimeout:   pollTimeout,
	}
}

func (q *RedisQueue) Publish(ctx context.Context, body []byte) error {
	raw, err := json.Marshal(redisEnvelope{Attempt: 1, Body: body})
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, raw).Err()
}

func (q *RedisQueue) Receive(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := q.client.BLMove(ctx, q.key, q.processingKey, "RIGHT", "LEFT", q.pollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("redis blmove %s: %w", q.key, err)
		}

		var env redisEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			// Not ours to interpret; hand the raw bytes to the consumer, which
			// will reject it.
			env = redisEnvelope{Attempt: 1, Body: []byte(raw)}
		}
		return q.delivery(raw, env), nil
	}
}

func (q *RedisQueue) delivery(raw string, env redisEnvelope) *Delivery {
	ack := func(ctx context.Context) error {
		return q.client.LRem(ctx, q.processingKey, 1, raw).Err()
	}
	nack := func(ctx context.Context, requeue bool) error {
		target := q.deadKey
		payload := raw
		if requeue {
			next, err := json.Marshal(redisEnvelope{Attempt: env.Attempt + 1, Body: env.Body})
			if err != nil {
				return err
			}
			target = q.key
			payload = string(next)
		}
		_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.processingKey, 1, raw)
			pipe.LPush(ctx, target, payload)
			return nil
		})
		return err
	}
	return NewDelivery(env.Body, env.Attempt, ack, nack)
}

// Recover moves messages left in the processing list by crashed consumers
// back onto the queue. It must only run while no consumer of this queue is
// active.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, q.processingKey, q.key, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
}

// Close is a no-op; the shared client is closed by its owner.
func (q *RedisQueue) Close() error {
	return nil
}
