package job

import (
	"fmt"
	"time"
)

// State is the coarse lifecycle state of a job.
type State string

const (
	StatePending   State = "In Progress"
	StateCompleted State = "Completed"
)

// Job is the aggregate view of one fan-out request.
//
// TotalImages is fixed at creation. CompletedImages only grows, so once a
// job is complete it stays complete. ImageURLs is append-only.
type Job struct {
	ID              string    `json:"jobId"`
	TotalImages     int       `json:"totalImages"`
	CompletedImages int       `json:"completedImages"`
	ImageURLs       []string  `json:"imageUrls"`
	CreatedAt       time.Time `json:"createdAt"`
	LastUpdated     time.Time `json:"lastUpdated"`
}

// IsComplete reports whether every task has reported back.
func (j Job) IsComplete() bool {
	return j.CompletedImages >= j.TotalImages
}

func (j Job) State() State {
	if j.IsComplete() {
		return StateCompleted
	}
	return StatePending
}

// PercentComplete returns CompletedImages/TotalImages*100. A job without
// work counts as fully complete.
func (j Job) PercentComplete() float64 {
	if j.TotalImages <= 0 {
		return 100
	}
	return float64(j.CompletedImages) / float64(j.TotalImages) * 100
}

// PercentLabel formats PercentComplete with one decimal, e.g. "50.0%".
func (j Job) PercentLabel() string {
	return fmt.Sprintf("%.1f%%", j.PercentComplete())
}

// Progress formats "<completed>/<total>".
func (j Job) Progress() string {
	return fmt.Sprintf("%d/%d", j.CompletedImages, j.TotalImages)
}

// Clone returns a deep copy that shares no memory with j.
func (j Job) Clone() Job {
	c := j
	c.ImageURLs = make([]string, len(j.ImageURLs))
	copy(c.ImageURLs, j.ImageURLs)
	return c
}

// CompletionReport is one task's notice that its image is done.
type CompletionReport struct {
	JobID           string
	ImageURLs       []string
	CompletedImages int
}
