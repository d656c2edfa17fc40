package httpapi

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/weather-station-images/internal/job"
	"github.com/i474232898/weather-station-images/internal/weather"
)

var validate = validator.New()

// JobService is the part of job.Coordinator the HTTP layer needs.
type JobService interface {
	StartJob(ctx context.Context) (string, error)
	GetStatus(jobID string) (job.Job, error)
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, jobs JobService) {
	api := app.Group("/api")

	startJob := func(c *fiber.Ctx) error {
		id, err := jobs.StartJob(c.UserContext())
		if err != nil {
			return toHTTPError(err)
		}
		return c.Status(fiber.StatusAccepted).JSON(createJobResponse{
			JobID:     id,
			Message:   "Job created; images are being generated",
			StatusURL: "/api/status/" + id,
		})
	}
	api.Post("/jobs", startJob)
	api.Get("/jobs", startJob)

	api.Get("/status/:jobId", func(c *fiber.Ctx) error {
		j, err := lookup(c, jobs)
		if err != nil {
			return err
		}
		return c.JSON(newStatusResponse(j))
	})

	api.Get("/images/:jobId", func(c *fiber.Ctx) error {
		j, err := lookup(c, jobs)
		if err != nil {
			return err
		}
		return c.JSON(imagesResponse{
			JobID:           j.ID,
			ImagesProcessed: len(j.ImageURLs),
			Images:          j.ImageURLs,
		})
	})
}

// jobPath holds the validated path parameters of the job endpoints.
type jobPath struct {
	JobID string `validate:"required,max=64,printascii"`
}

func lookup(c *fiber.Ctx, jobs JobService) (job.Job, error) {
	p := jobPath{JobID: c.Params("jobId")}
	if err := validate.Struct(p); err != nil {
		return job.Job{}, fiber.NewError(fiber.StatusBadRequest, "invalid job id")
	}

	j, err := jobs.GetStatus(p.JobID)
	if err != nil {
		return job.Job{}, toHTTPError(err)
	}
	return j, nil
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, job.ErrJobNotFound):
		return fiber.NewError(fiber.StatusNotFound, "job not found")
	case errors.Is(err, job.ErrEmptyWork):
		return fiber.NewError(fiber.StatusUnprocessableEntity, "weather source returned no usable stations")
	case errors.Is(err, weather.ErrSourceUnavailable):
		return fiber.NewError(fiber.StatusBadGateway, "weather source unavailable")
	default:
		return fiber.NewError(fiber.StatusInternalServerError, "failed to process request")
	}
}

type createJobResponse struct {
	JobID     string `json:"jobId"`
	Message   string `json:"message"`
	StatusURL string `json:"statusUrl"`
}

type statusResponse struct {
	JobID           string    `json:"jobId"`
	Status          job.State `json:"status"`
	Progress        string    `json:"progress"`
	PercentComplete string    `json:"percentComplete"`
	CreatedAt       time.Time `json:"createdAt"`
	LastUpdated     time.Time `json:"lastUpdated"`
	ImageURLs       []string  `json:"imageUrls"`
	IsComplete      bool      `json:"isComplete"`
}

func newStatusResponse(j job.Job) statusResponse {
	return statusResponse{
		JobID:           j.ID,
		Status:          j.State(),
		Progress:        j.Progress(),
		PercentComplete: j.PercentLabel(),
		CreatedAt:       j.CreatedAt,
		LastUpdated:     j.LastUpdated,
		ImageURLs:       j.ImageURLs,
		IsComplete:      j.IsComplete(),
	}
}

type imagesResponse struct {
	JobID           string   `json:"jobId"`
	ImagesProcessed int      `json:"imagesProcessed"`
	Images          []string `json:"images"`
}
