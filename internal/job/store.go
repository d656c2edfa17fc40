package job

import "context"

// Store is the contract for job state. Implementations must serialize
// Update calls for the same job and must never hand out memory that a
// concurrent Update can mutate.
type Store interface {
	Create(j Job) error
	Get(id string) (Job, error)
	// Update applies fn to the stored job under that job's lock and returns
	// the state before and after fn ran.
	Update(id string, fn func(*Job)) (before, after Job, err error)
	Delete(id string) error
}

// Publisher emits fan-out task messages.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Archiver receives a snapshot of every job that reaches Completed.
type Archiver interface {
	Archive(ctx context.Context, j Job) error
}
