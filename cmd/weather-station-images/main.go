package main

import (
	"context"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	httpapi "github.com/i474232898/weather-station-images/internal/api/http"
	"github.com/i474232898/weather-station-images/internal/archive"
	"github.com/i474232898/weather-station-images/internal/config"
	"github.com/i474232898/weather-station-images/internal/job"
	"github.com/i474232898/weather-station-images/internal/logging"
	"github.com/i474232898/weather-station-images/internal/queue"
	"github.com/i474232898/weather-station-images/internal/render"
	"github.com/i474232898/weather-station-images/internal/scheduler"
	"github.com/i474232898/weather-station-images/internal/storage"
	"github.com/i474232898/weather-station-images/internal/store"
	"github.com/i474232898/weather-station-images/internal/weather/providers"
	"github.com/i474232898/weather-station-images/internal/worker"
)

const serviceName = "weather-station-images"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("development", "info")
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}

	log := logging.New(cfg.AppEnv, cfg.LogLevel)
	if !cfg.EnvFileLoaded {
		log.Info().Msg("no .env file found; using environment and defaults")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared HTTP client for the weather feed and base image downloads.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	queues, err := queue.NewFactory(ctx, queue.Options{
		Backend:        cfg.Queue.Backend,
		MemoryCapacity: cfg.Queue.Buffer,
		RedisAddr:      cfg.Queue.RedisAddr,
		RedisPassword:  cfg.Queue.RedisPassword,
		RedisDB:        cfg.Queue.RedisDB,
		RedisPoll:      cfg.Queue.ReceiveTimeout,
		AMQPURL:        cfg.Queue.AMQPURL,
		AMQPPrefetch:   cfg.Queue.AMQPPrefetch,
		KafkaBrokers:   cfg.Queue.KafkaBrokers,
		KafkaGroupID:   cfg.Queue.KafkaGroupID,
	})
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Queue.Backend).Msg("failed to connect queue backend")
	}
	defer func() {
		if err := queues.Close(); err != nil {
			log.Error().Err(err).Msg("error closing queues")
		}
	}()

	tasks := mustOpenQueue(ctx, queues, cfg.Queue.TaskQueue, cfg.Queue.RecoverOnStart, log)
	completions := mustOpenQueue(ctx, queues, cfg.Queue.CompletionQueue, cfg.Queue.RecoverOnStart, log)

	blobs, err := newBlobStore(ctx, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("failed to initialise image storage")
	}

	jobCfg := job.Config{SendTimeout: cfg.Queue.SendTimeout}
	if cfg.Mongo.URI != "" {
		arch, err := archive.NewMongoArchive(ctx, cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect job archive")
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = arch.Close(closeCtx)
		}()
		jobCfg.Archiver = arch
	}

	memStore := store.NewMemoryStore()
	source := providers.NewBuienradarSource(httpClient, cfg.WeatherSourceURL, log)
	coordinator := job.NewCoordinator(memStore, tasks, source, log, jobCfg)

	var wg sync.WaitGroup

	consumer := worker.NewCompletionConsumer(completions, coordinator, cfg.Queue.ReceiveTimeout, cfg.Queue.SendTimeout, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		consumer.Run(ctx)
	}()

	if cfg.WorkerConcurrency > 0 {
		renderer := render.New(httpClient, cfg.BaseImageURL, blobs, log)
		images := worker.NewImageWorker(tasks, completions, renderer, worker.ImageConfig{
			Concurrency:    cfg.WorkerConcurrency,
			MaxAttempts:    cfg.Queue.MaxAttempts,
			RenderTimeout:  cfg.RenderTimeout,
			SendTimeout:    cfg.Queue.SendTimeout,
			ReceiveTimeout: cfg.Queue.ReceiveTimeout,
		}, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			images.Run(ctx)
		}()
	}

	sched := scheduler.New(scheduler.Config{
		Retention:         cfg.JobRetention,
		PruneInterval:     cfg.PruneInterval,
		AutoStartInterval: cfg.AutoCreateInterval,
		StartTimeout:      cfg.JobStartTimeout,
	}, memStore, coordinator, log)
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}
	defer sched.Stop()

	app := fiber.New(fiber.Config{
		AppName:               serviceName,
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          cfg.HTTPTimeout + 10*time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			if code >= fiber.StatusInternalServerError {
				log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	app.Use(logger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": serviceName,
			"queue":   queues.Backend(),
		})
	})

	if fs, ok := blobs.(*storage.FileStore); ok {
		app.Static("/images", fs.BasePath())
	}

	httpapi.RegisterRoutes(app, coordinator)

	go func() {
		log.Info().Str("port", cfg.Port).Str("queue", queues.Backend()).Msg("http server listening")
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Error().Err(err).Msg("fiber server stopped")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
	}
	wg.Wait()
}

// recoverable is implemented by queues that park in-flight messages, such as
// the Redis processing list.
type recoverable interface {
	Recover(ctx context.Context) (int, error)
}

func mustOpenQueue(ctx context.Context, f *queue.Factory, name string, recoverInFlight bool, log zerolog.Logger) queue.Queue {
	q, err := f.Open(name)
	if err != nil {
		log.Fatal().Err(err).Str("queue", name).Msg("failed to open queue")
	}
	if r, ok := q.(recoverable); ok && recoverInFlight {
		n, err := r.Recover(ctx)
		if err != nil {
			log.Error().Err(err).Str("queue", name).Msg("failed to recover in-flight messages")
		} else if n > 0 {
			log.Warn().Int("messages", n).Str("queue", name).Msg("recovered in-flight messages")
		}
	}
	return q
}

func newBlobStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	if cfg.Backend == "s3" {
		return storage.NewS3Store(ctx, storage.S3Config{
			Bucket:        cfg.S3Bucket,
			Region:        cfg.S3Region,
			Prefix:        cfg.S3Prefix,
			PublicBaseURL: cfg.S3PublicBaseURL,
		})
	}
	return storage.NewFileStore(cfg.Path, cfg.BaseURL)
}
