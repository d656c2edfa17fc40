package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/weather-station-images/internal/job"
	"github.com/i474232898/weather-station-images/internal/queue"
	"github.com/i474232898/weather-station-images/internal/weather"
)

// Renderer produces one station image and returns its URL.
type Renderer interface {
	Render(ctx context.Context, rec weather.Record, jobID string) (string, error)
}

// ImageConfig tunes an ImageWorker.
type ImageConfig struct {
	Concurrency    int
	MaxAttempts    int
	RenderTimeout  time.Duration
	SendTimeout    time.Duration
	ReceiveTimeout time.Duration
}

// ImageWorker turns task messages into images and reports each finished task
// on the completion queue. Workers keep no state between tasks.
type ImageWorker struct {
	tasks       queue.Queue
	completions queue.Queue
	renderer    Renderer
	cfg         ImageConfig
	logger      zerolog.Logger
}

func NewImageWorker(tasks, completions queue.Queue, renderer Renderer, cfg ImageConfig, logger zerolog.Logger) *ImageWorker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = 2 * time.Second
	}
	return &ImageWorker{
		tasks:       tasks,
		completions: completions,
		renderer:    renderer,
		cfg:         cfg,
		logger:      logger.With().Str("component", "image-worker").Logger(),
	}
}

// Run starts cfg.Concurrency consumers and blocks until ctx is cancelled and
// all of them have returned.
func (w *ImageWorker) Run(ctx context.Context) {
	w.logger.Info().Int("concurrency", w.cfg.Concurrency).Msg("image workers starting")

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log := w.logger.With().Int("worker", i).Logger()
			consume(ctx, w.tasks, w.cfg.ReceiveTimeout, log, w.handle)
		}()
	}
	wg.Wait()

	w.logger.Info().Msg("image workers stopped")
}

func (w *ImageWorker) handle(ctx context.Context, d *queue.Delivery) {
	task, err := job.DecodeTask(d.Body)
	if err != nil {
		w.logger.Error().Err(err).Bytes("body", d.Body).Msg("rejecting malformed task")
		settle(d, w.cfg.SendTimeout, w.logger, false, false)
		return
	}

	log := w.logger.With().
		Str("job_id", task.JobID).
		Int("task_index", task.ImageIndex).
		Str("station", task.WeatherData.StationName).
		Int("attempt", d.Attempt).
		Logger()
	log.Info().Int("total_images", task.TotalImages).Msg("processing image task")

	if err := w.process(ctx, task); err != nil {
		if ctx.Err() != nil {
			log.Warn().Err(err).Msg("image task interrupted by shutdown; requeueing")
			settle(d, w.cfg.SendTimeout, log, false, true)
			return
		}
		w.retryOrDrop(d, log, err)
		return
	}

	settle(d, w.cfg.SendTimeout, log, true, false)
	log.Info().Msg("image task completed")
}

// process renders the image and publishes the completion report. Nothing is
// reported unless both steps succeed.
func (w *ImageWorker) process(ctx context.Context, task job.TaskMessage) error {
	renderCtx, cancel := context.WithTimeout(ctx, w.cfg.RenderTimeout)
	url, err := w.renderer.Render(renderCtx, task.WeatherData, task.JobID)
	cancel()
	if err != nil {
		return err
	}

	body, err := job.EncodeCompletion(job.CompletionMessage{
		JobID:           task.JobID,
		ImageURLs:       []string{url},
		TotalImages:     task.TotalImages,
		CompletedImages: 1,
	})
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	defer cancel()
	return w.completions.Publish(sendCtx, body)
}

// retryOrDrop redrives the task until MaxAttempts deliveries have failed.
// A dropped task leaves its station permanently missing from the job.
func (w *ImageWorker) retryOrDrop(d *queue.Delivery, log zerolog.Logger, err error) {
	if d.Attempt >= w.cfg.MaxAttempts {
		log.Error().Err(err).Int("max_attempts", w.cfg.MaxAttempts).Msg("image task failed permanently; dead-lettering")
		settle(d, w.cfg.SendTimeout, log, false, false)
		return
	}
	log.Warn().Err(err).Msg("image task failed; requeueing")
	settle(d, w.cfg.SendTimeout, log, false, true)
}
