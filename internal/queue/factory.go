package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendAMQP   = "amqp"
	BackendKafka  = "kafka"
)

// Options selects and configures a queue backend.
type Options struct {
	Backend string

	MemoryCapacity int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoll     time.Duration

	AMQPURL      string
	AMQPPrefetch int

	KafkaBrokers []string
	KafkaGroupID string
}

// Factory opens named queues on one backend and owns the shared broker
// connection.
type Factory struct {
	opts Options

	redis    *redis.Client
	amqpConn *amqp.Connection
	opened   []Queue
}

// NewFactory connects to the configured backend.
func NewFactory(ctx context.Context, opts Options) (*Factory, error) {
	f := &Factory{opts: opts}

	switch opts.Backend {
	case "", BackendMemory:
		f.opts.Backend = BackendMemory
	case BackendRedis:
		f.redis = redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		if err := f.redis.Ping(ctx).Err(); err != nil {
			_ = f.redis.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
	case BackendAMQP:
		conn, err := amqp.Dial(opts.AMQPURL)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq connect failed: %w", err)
		}
		f.amqpConn = conn
	case BackendKafka:
		if len(opts.KafkaBrokers) == 0 {
			return nil, errors.New("at least one kafka broker must be configured")
		}
	default:
		return nil, fmt.Errorf("unknown queue backend %q", opts.Backend)
	}

	return f, nil
}

// Backend returns the selected backend name.
func (f *Factory) Backend() string {
	return f.opts.Backend
}

// Open returns the queue with the given name.
func (f *Factory) Open(name string) (Queue, error) {
	var (
		q   Queue
		err error
	)

	switch f.opts.Backend {
	case BackendMemory:
		q = NewMemoryQueue(name, f.opts.MemoryCapacity)
	case BackendRedis:
		q = NewRedisQueue(f.redis, name, f.opts.RedisPoll)
	case BackendAMQP:
		q, err = NewAMQPQueue(f.amqpConn, name, f.opts.AMQPPrefetch)
	case BackendKafka:
		q = NewKafkaQueue(f.opts.KafkaBrokers, name, f.opts.KafkaGroupID)
	}
	if err != nil {
		return nil, err
	}

	f.opened = append(f.opened, q)
	return q, nil
}

// Close closes every opened queue and the shared connection.
func (f *Factory) Close() error {
	var errs []error
	for _, q := range f.opened {
		if err := q.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if f.amqpConn != nil {
		if err := f.amqpConn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if f.redis != nil {
		if err := f.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
