package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/weather-station-images/internal/job"
	"github.com/i474232898/weather-station-images/internal/queue"
)

// Reporter merges completion reports into job state.
type Reporter interface {
	ReportCompletion(ctx context.Context, report job.CompletionReport) error
}

// CompletionConsumer feeds completion messages into the coordinator.
type CompletionConsumer struct {
	completions    queue.Queue
	reporter       Reporter
	receiveTimeout time.Duration
	settleTimeout  time.Duration
	logger         zerolog.Logger
}

func NewCompletionConsumer(completions queue.Queue, reporter Reporter, receiveTimeout, settleTimeout time.Duration, logger zerolog.Logger) *CompletionConsumer {
	if receiveTimeout <= 0 {
		receiveTimeout = 2 * time.Second
	}
	if settleTimeout <= 0 {
		settleTimeout = 5 * time.Second
	}
	return &CompletionConsumer{
		completions:    completions,
		reporter:       reporter,
		receiveTimeout: receiveTimeout,
		settleTimeout:  settleTimeout,
		logger:         logger.With().Str("component", "completion-consumer").Logger(),
	}
}

// Run blocks until ctx is cancelled.
func (c *CompletionConsumer) Run(ctx context.Context) {
	c.logger.Info().Msg("completion consumer starting")
	consume(ctx, c.completions, c.receiveTimeout, c.logger, c.handle)
}

func (c *CompletionConsumer) handle(ctx context.Context, d *queue.Delivery) {
	msg, err := job.DecodeCompletion(d.Body)
	if err != nil {
		c.logger.Error().Err(err).Bytes("body", d.Body).Msg("rejecting malformed completion report")
		settle(d, c.settleTimeout, c.logger, false, false)
		return
	}

	err = c.reporter.ReportCompletion(ctx, msg.Report())
	switch {
	case err == nil:
		settle(d, c.settleTimeout, c.logger, true, false)
	case errors.Is(err, job.ErrJobNotFound):
		// Already logged by the coordinator; retrying cannot make the job appear.
		settle(d, c.settleTimeout, c.logger, true, false)
	case errors.Is(err, job.ErrDeserialization):
		c.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("rejecting invalid completion report")
		settle(d, c.settleTimeout, c.logger, false, false)
	default:
		c.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("completion report failed; requeueing")
		settle(d, c.settleTimeout, c.logger, false, true)
	}
}
