package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/i474232898/weather-station-images/internal/job"
)

// entry guards a single job. Every read and write of the job goes through
// its own mutex, so reports for one job serialize without blocking others.
type entry struct {
	mu  sync.Mutex
	job job.Job
}

// MemoryStore is a concurrency-safe in-memory implementation of job.Store.
type MemoryStore struct {
	// mu protects membership of data only, never the jobs themselves.
	mu sync.RWMutex

	// key: job id
	data map[string]*entry
}

var _ job.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]*entry),
	}
}

// Create stores a new job. The stored value shares no memory with j.
func (s *MemoryStore) Create(j job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[j.ID]; ok {
		return fmt.Errorf("%w: %s", job.ErrJobExists, j.ID)
	}
	s.data[j.ID] = &entry{job: j.Clone()}
	return nil
}

func (s *MemoryStore) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[id]
	return e, ok
}

// Get returns a copy of the job.
func (s *MemoryStore) Get(id string) (job.Job, error) {
	e, ok := s.lookup(id)
	if !ok {
		return job.Job{}, job.ErrJobNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// Update runs fn against the job under its entry lock.
func (s *MemoryStore) Update(id string, fn func(*job.Job)) (job.Job, job.Job, error) {
	e, ok := s.lookup(id)
	if !ok {
		return job.Job{}, job.Job{}, job.ErrJobNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	before := e.job.Clone()
	fn(&e.job)
	// The identity and the fan-out size never change after creation.
	e.job.ID = before.ID
	e.job.TotalImages = before.TotalImages
	return before, e.job.Clone(), nil
}

// Delete removes a job.
func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[id]; !ok {
		return job.ErrJobNotFound
	}
	delete(s.data, id)
	return nil
}

// PruneCompleted removes completed jobs last updated before cutoff and
// returns how many were removed. Pending jobs are never pruned.
func (s *MemoryStore) PruneCompleted(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.data {
		e.mu.Lock()
		stale := e.job.IsComplete() && e.job.LastUpdated.Before(cutoff)
		e.mu.Unlock()
		if stale {
			delete(s.data, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored jobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
