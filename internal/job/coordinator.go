package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/i474232898/weather-station-images/internal/weather"
)

const (
	defaultSendTimeout    = 5 * time.Second
	defaultArchiveTimeout = 10 * time.Second
)

// Config tunes a Coordinator. Zero values fall back to defaults.
type Config struct {
	// SendTimeout bounds the publication of a single task message.
	SendTimeout time.Duration
	// ArchiveTimeout bounds one archive write.
	ArchiveTimeout time.Duration
	// Archiver is optional.
	Archiver Archiver
}

// Coordinator creates jobs, fans them out into tasks and merges completion
// reports into the authoritative job status.
type Coordinator struct {
	store    Store
	tasks    Publisher
	source   weather.Source
	archiver Archiver
	logger   zerolog.Logger

	sendTimeout    time.Duration
	archiveTimeout time.Duration

	now   func() time.Time
	newID func() string
}

// NewCoordinator creates a new Coordinator. source may be nil when jobs are
// only created from records supplied by the caller.
func NewCoordinator(store Store, tasks Publisher, source weather.Source, logger zerolog.Logger, cfg Config) *Coordinator {
	c := &Coordinator{
		store:          store,
		tasks:          tasks,
		source:         source,
		archiver:       cfg.Archiver,
		logger:         logger.With().Str("component", "coordinator").Logger(),
		sendTimeout:    cfg.SendTimeout,
		archiveTimeout: cfg.ArchiveTimeout,
		now:            func() time.Time { return time.Now().UTC() },
		newID:          func() string { return uuid.NewString() },
	}
	if c.sendTimeout <= 0 {
		c.sendTimeout = defaultSendTimeout
	}
	if c.archiveTimeout <= 0 {
		c.archiveTimeout = defaultArchiveTimeout
	}
	return c
}

// StartJob fetches the current station data and creates a job for it.
func (c *Coordinator) StartJob(ctx context.Context) (string, error) {
	if c.source == nil {
		return "", fmt.Errorf("%w: no source configured", weather.ErrSourceUnavailable)
	}

	records, err := c.source.FetchAndParse(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("weather fetch failed; no job created")
		return "", err
	}
	c.logger.Info().Int("stations", len(records)).Msg("weather stations fetched")

	return c.CreateJob(ctx, records)
}

// CreateJob registers a job with one task per record and publishes the
// tasks. The job record is stored before the first task leaves, so a report
// can never arrive for a job that does not exist yet.
//
// If publishing fails the job is removed again and the error returned;
// reports for tasks that already went out are then discarded as unknown.
func (c *Coordinator) CreateJob(ctx context.Context, records []weather.Record) (string, error) {
	if len(records) == 0 {
		return "", ErrEmptyWork
	}

	now := c.now()
	j := Job{
		ID:          c.newID(),
		TotalImages: len(records),
		ImageURLs:   []string{},
		CreatedAt:   now,
		LastUpdated: now,
	}

	if err := c.store.Create(j); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	log := c.logger.With().Str("job_id", j.ID).Logger()
	log.Info().Int("total_images", j.TotalImages).Msg("job created")

	for i, rec := range records {
		if err := c.publishTask(ctx, j, i, rec); err != nil {
			log.Error().Err(err).Int("task_index", i).Msg("fan-out failed; rolling back job")
			if delErr := c.store.Delete(j.ID); delErr != nil {
				log.Error().Err(delErr).Msg("job rollback failed")
			}
			return "", fmt.Errorf("publish task %d: %w", i, err)
		}
		log.Debug().Int("task_index", i).Str("station", rec.StationName).Msg("task queued")
	}

	log.Info().Int("tasks", len(records)).Msg("fan-out complete")
	return j.ID, nil
}

func (c *Coordinator) publishTask(ctx context.Context, j Job, index int, rec weather.Record) error {
	body, err := EncodeTask(TaskMessage{
		JobID:       j.ID,
		WeatherData: rec,
		TotalImages: j.TotalImages,
		ImageIndex:  index,
	})
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()
	return c.tasks.Publish(sendCtx, body)
}

// ReportCompletion merges one completion report into its job.
//
// Reports are additive: a duplicate delivery counts twice and may push
// CompletedImages past TotalImages. An unknown job is logged and the report
// dropped; ErrJobNotFound is returned so callers can ack the message.
func (c *Coordinator) ReportCompletion(ctx context.Context, report CompletionReport) error {
	n := report.CompletedImages
	if n < 0 {
		return fmt.Errorf("%w: negative completedImages %d", ErrDeserialization, n)
	}

	before, after, err := c.store.Update(report.JobID, func(j *Job) {
		j.ImageURLs = append(j.ImageURLs, report.ImageURLs...)
		j.CompletedImages += n
		j.LastUpdated = c.now()
	})
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			c.logger.Warn().
				Str("job_id", report.JobID).
				Strs("image_urls", report.ImageURLs).
				Msg("completion report for unknown job discarded")
		}
		return err
	}

	log := c.logger.With().Str("job_id", after.ID).Logger()
	log.Info().
		Int("completed", after.CompletedImages).
		Int("total", after.TotalImages).
		Msg("job progress updated")

	if after.CompletedImages > after.TotalImages {
		log.Warn().
			Int("completed", after.CompletedImages).
			Int("total", after.TotalImages).
			Msg("completed images exceed total; duplicate report likely")
	}

	if !before.IsComplete() && after.IsComplete() {
		log.Info().Msg("job completed")
		c.archive(after)
	}
	return nil
}

// archive hands the snapshot to the archiver without holding up the caller.
func (c *Coordinator) archive(j Job) {
	if c.archiver == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.archiveTimeout)
		defer cancel()
		if err := c.archiver.Archive(ctx, j); err != nil {
			c.logger.Error().Err(err).Str("job_id", j.ID).Msg("archive failed")
		}
	}()
}

// GetStatus returns a copy of the job's current state.
func (c *Coordinator) GetStatus(jobID string) (Job, error) {
	return c.store.Get(jobID)
}
