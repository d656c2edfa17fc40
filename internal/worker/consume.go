package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/weather-station-images/internal/queue"
)

const receiveErrBackoff = time.Second

// handlerFunc settles one delivery. It must Ack or Nack d.
type handlerFunc func(ctx context.Context, d *queue.Delivery)

// consume receives from q until ctx is cancelled. Each receive is bounded by
// receiveTimeout so the loop notices cancellation promptly.
func consume(ctx context.Context, q queue.Queue, receiveTimeout time.Duration, logger zerolog.Logger, handle handlerFunc) {
	for {
		if ctx.Err() != nil {
			logger.Info().Msg("consumer loop stopping due to cancellation")
			return
		}

		rctx, cancel := context.WithTimeout(ctx, receiveTimeout)
		d, err := q.Receive(rctx)
		cancel()

		if err != nil {
			switch {
			case ctx.Err() != nil:
				logger.Info().Msg("consumer loop stopping due to cancellation")
				return
			case errors.Is(err, context.DeadlineExceeded):
				continue
			case errors.Is(err, queue.ErrClosed):
				logger.Info().Msg("queue closed; consumer loop stopping")
				return
			}
			logger.Error().Err(err).Dur("retry_after", receiveErrBackoff).Msg("receive failed")
			if err := sleepWithContext(ctx, receiveErrBackoff); err != nil {
				return
			}
			continue
		}

		handle(ctx, d)
	}
}

// settle acks or nacks with a bounded timeout detached from the consumer
// context, so a shutdown does not strand an already processed message.
func settle(d *queue.Delivery, timeout time.Duration, logger zerolog.Logger, ack, requeue bool) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var err error
	if ack {
		err = d.Ack(ctx)
	} else {
		err = d.Nack(ctx, requeue)
	}
	if err != nil {
		logger.Error().
			Err(err).
			Bool("ack", ack).
			Bool("requeue", requeue).
			Int("attempt", d.Attempt).
			Msg("settle failed")
	}
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
