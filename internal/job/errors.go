package job

import "errors"

var (
	// ErrEmptyWork is returned when a job would have no tasks.
	ErrEmptyWork = errors.New("no weather records to process")

	// ErrJobNotFound is returned for reports or queries against an unknown job.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists is returned when a job id is reused.
	ErrJobExists = errors.New("job already exists")

	// ErrDeserialization marks a queue message that can never be processed.
	// Such messages are rejected rather than retried.
	ErrDeserialization = errors.New("malformed queue message")
)
