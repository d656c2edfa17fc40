package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// writerBatchTimeout bounds how long a synchronous write waits for a batch
// to fill. kafka-go defaults to one second, which a single-message publish
// always pays in full.
const writerBatchTimeout = 10 * time.Millisecond

// KafkaQueue uses a topic as a queue. Retries are republished with an
// incremented attempt header. Deliveries may be settled concurrently and in
// any order; an offset is committed only once every earlier offset of its
// partition has been settled too.
type KafkaQueue struct {
	topic   string
	brokers []string
	groupID string
	writer  *kafka.Writer

	readerOnce sync.Once
	reader     *kafka.Reader

	// commitMu serializes settlement bookkeeping and the commits it yields,
	// so committed offsets never move backwards.
	commitMu sync.Mutex
	offsets  *offsetTracker
}

// NewKafkaQueue creates a queue on topic. The reader joins groupID on first
// Receive.
func NewKafkaQueue(brokers []string, topic, groupID string) *KafkaQueue {
	return &KafkaQueue{
		topic:   topic,
		brokers: brokers,
		groupID: groupID,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.LeastBytes{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			Async:                  false,
			BatchTimeout:           writerBatchTimeout,
		},
		offsets: newOffsetTracker(),
	}
}

func (q *KafkaQueue) Publish(ctx context.Context, body []byte) error {
	return q.write(ctx, q.topic, body, 1)
}

func (q *KafkaQueue) write(ctx context.Context, topic string, body []byte, attempt int) error {
	return q.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Value: body,
		Headers: []kafka.Header{
			{Key: "attempt", Value: []byte(strconv.Itoa(attempt))},
		},
	})
}

func (q *KafkaQueue) Receive(ctx context.Context) (*Delivery, error) {
	q.readerOnce.Do(func() {
		q.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers: q.brokers,
			GroupID: q.groupID,
			Topic:   q.topic,
		})
	})

	msg, err := q.reader.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("kafka fetch %s: %w", q.topic, err)
	}

	q.commitMu.Lock()
	q.offsets.track(msg)
	q.commitMu.Unlock()

	return q.delivery(msg), nil
}

func (q *KafkaQueue) delivery(msg kafka.Message) *Delivery {
	attempt := 1
	for _, h := range msg.Headers {
		if h.Key == "attempt" {
			if n, err := strconv.Atoi(string(h.Value)); err == nil {
				attempt = n
			}
		}
	}

	ack := func(ctx context.Context) error {
		return q.settle(ctx, msg)
	}
	nack := func(ctx context.Context, requeue bool) error {
		topic := q.topic + ".dead"
		next := attempt
		if requeue {
			topic = q.topic
			next = attempt + 1
		}
		if err := q.write(ctx, topic, msg.Value, next); err != nil {
			// Left unsettled; its offset holds back commits for the
			// partition and the group redelivers it after a restart.
			return err
		}
		return q.settle(ctx, msg)
	}
	return NewDelivery(msg.Value, attempt, ack, nack)
}

// settle marks msg done and commits the highest contiguous settled offset of
// its partition, if that moved.
func (q *KafkaQueue) settle(ctx context.Context, msg kafka.Message) error {
	q.commitMu.Lock()
	defer q.commitMu.Unlock()

	commit, ok := q.offsets.done(msg)
	if !ok {
		return nil
	}
	if err := q.reader.CommitMessages(ctx, commit); err != nil {
		return fmt.Errorf("kafka commit %s[%d]@%d: %w", commit.Topic, commit.Partition, commit.Offset, err)
	}
	return nil
}

func (q *KafkaQueue) Close() error {
	var err error
	if q.reader != nil {
		err = q.reader.Close()
	}
	if werr := q.writer.Close(); werr != nil && err == nil {
		err = werr
	}
	return err
}

type inFlight struct {
	msg     kafka.Message
	settled bool
}

// offsetTracker keeps fetched messages per partition in fetch order. It is
// not safe for concurrent use.
type offsetTracker struct {
	partitions map[int][]*inFlight
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int][]*inFlight)}
}

func (t *offsetTracker) track(msg kafka.Message) {
	t.partitions[msg.Partition] = append(t.partitions[msg.Partition], &inFlight{msg: msg})
}

// done marks msg settled and pops the settled prefix of its partition. It
// returns the last popped message, which is safe to commit.
func (t *offsetTracker) done(msg kafka.Message) (kafka.Message, bool) {
	pending := t.partitions[msg.Partition]
	for _, f := range pending {
		if f.msg.Offset == msg.Offset {
			f.settled = true
			break
		}
	}

	var (
		commit kafka.Message
		ok     bool
	)
	for len(pending) > 0 && pending[0].settled {
		commit, ok = pending[0].msg, true
		pending = pending[1:]
	}
	t.partitions[msg.Partition] = pending
	return commit, ok
}
