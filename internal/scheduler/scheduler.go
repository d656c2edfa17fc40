package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
)

// Pruner drops finished jobs that have not changed since cutoff.
type Pruner interface {
	PruneCompleted(cutoff time.Time) int
}

// JobStarter creates a new fan-out job from fresh station data.
type JobStarter interface {
	StartJob(ctx context.Context) (string, error)
}

// Config controls which periodic tasks run. A zero interval disables the
// corresponding task.
type Config struct {
	Retention         time.Duration
	PruneInterval     time.Duration
	AutoStartInterval time.Duration
	StartTimeout      time.Duration
}

// Scheduler runs housekeeping and optional periodic job creation.
type Scheduler struct {
	scheduler *gocron.Scheduler
	pruner    Pruner
	starter   JobStarter
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a new Scheduler.
func New(cfg Config, pruner Pruner, starter JobStarter, logger zerolog.Logger) *Scheduler {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		pruner:    pruner,
		starter:   starter,
		cfg:       cfg,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules the configured tasks and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	scheduled := 0

	if s.cfg.Retention > 0 && s.cfg.PruneInterval > 0 && s.pruner != nil {
		if _, err := s.scheduler.Every(s.cfg.PruneInterval).WaitForSchedule().Do(s.prune); err != nil {
			return err
		}
		scheduled++
	} else {
		s.logger.Info().Msg("job pruning disabled; completed jobs are kept in memory")
	}

	if s.cfg.AutoStartInterval > 0 && s.starter != nil {
		if _, err := s.scheduler.Every(s.cfg.AutoStartInterval).Do(s.startJob); err != nil {
			return err
		}
		scheduled++
	}

	if scheduled == 0 {
		s.logger.Info().Msg("no periodic tasks configured; nothing to schedule")
		return nil
	}

	s.scheduler.StartAsync()
	return nil
}

// prune removes completed jobs older than the retention window.
func (s *Scheduler) prune() {
	cutoff := s.now().Add(-s.cfg.Retention)
	removed := s.pruner.PruneCompleted(cutoff)
	s.logger.Info().Int("removed", removed).Time("cutoff", cutoff).Msg("pruned completed jobs")
}

func (s *Scheduler) startJob() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StartTimeout)
	defer cancel()

	jobID, err := s.starter.StartJob(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled job creation failed")
		return
	}
	s.logger.Info().Str("job_id", jobID).Msg("scheduled job created")
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
