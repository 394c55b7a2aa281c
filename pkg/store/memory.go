package store

import (
	"sync"
	"time"

	"github.com/Comfy-Org/comfyui-sidecar/pkg/models"
)

// MemoryStore is an in-memory implementation of the store, used for
// tests and for explicitly opted-in non-durable runs. Locking is per
// job record: operations on unrelated jobs never block each other.
type MemoryStore struct {
	mu       sync.RWMutex // guards the maps themselves
	jobs     map[string]*jobRecord
	attempts map[string][]*models.Attempt
	nextID   int64
}

type jobRecord struct {
	mu  sync.Mutex // per-record lock; readers copy under it
	job models.Job
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*jobRecord),
		attempts: make(map[string][]*models.Attempt),
	}
}

// CreateJob adds a new job to the store
func (s *MemoryStore) CreateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := *job
	j.Args = append([]string(nil), job.Args...)
	s.jobs[job.ID] = &jobRecord{job: j}
	return nil
}

// GetJob retrieves a copy of a job by ID
func (s *MemoryStore) GetJob(id string) (*models.Job, error) {
	s.mu.RLock()
	rec, ok := s.jobs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrJobNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	j := rec.job
	j.Args = append([]string(nil), rec.job.Args...)
	return &j, nil
}

// GetAllJobs returns copies of all jobs
func (s *MemoryStore) GetAllJobs() ([]*models.Job, error) {
	s.mu.RLock()
	recs := make([]*jobRecord, 0, len(s.jobs))
	for _, rec := range s.jobs {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	jobs := make([]*models.Job, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		j := rec.job
		rec.mu.Unlock()
		jobs = append(jobs, &j)
	}
	return jobs, nil
}

// UpdateJob replaces the stored record; atomic per job id
func (s *MemoryStore) UpdateJob(job *models.Job) error {
	s.mu.RLock()
	rec, ok := s.jobs[job.ID]
	s.mu.RUnlock()

	if !ok {
		return ErrJobNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	j := *job
	j.Args = append([]string(nil), job.Args...)
	rec.job = j
	return nil
}

// GetJobsInState returns all jobs currently in the given state
func (s *MemoryStore) GetJobsInState(state models.JobStatus) ([]*models.Job, error) {
	all, _ := s.GetAllJobs()
	var out []*models.Job
	for _, j := range all {
		if j.Status == state {
			out = append(out, j)
		}
	}
	return out, nil
}

// CreateAttempt opens an attempt record, assigning its ID
func (s *MemoryStore) CreateAttempt(attempt *models.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	attempt.ID = s.nextID
	a := *attempt
	s.attempts[attempt.JobID] = append(s.attempts[attempt.JobID], &a)
	return nil
}

// CompleteAttempt closes an open attempt with the observed exit
func (s *MemoryStore) CompleteAttempt(id int64, endedAt time.Time, exitCode int, classification models.Classification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, list := range s.attempts {
		for _, a := range list {
			if a.ID == id {
				t := endedAt
				a.EndedAt = &t
				a.ExitCode = exitCode
				a.ExitClassification = classification
				return nil
			}
		}
	}
	return ErrAttemptNotFound
}

// GetAttempts returns all attempts for a job, oldest first
func (s *MemoryStore) GetAttempts(jobID string) ([]models.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.attempts[jobID]
	out := make([]models.Attempt, 0, len(list))
	for _, a := range list {
		out = append(out, *a)
	}
	return out, nil
}

// GetOpenAttempt returns the attempt with no recorded end, if any
func (s *MemoryStore) GetOpenAttempt(jobID string) (*models.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.attempts[jobID] {
		if a.EndedAt == nil {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAttemptNotFound
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error { return nil }

// HealthCheck always succeeds for the in-memory store
func (s *MemoryStore) HealthCheck() error { return nil }
