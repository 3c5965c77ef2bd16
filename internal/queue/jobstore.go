package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/models"
)

// JobStore is the persistence contract the scheduler depends on. The
// core never issues raw queries; the SQLite layer and the in-memory
// store below both satisfy this.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// ListPending returns pending jobs highest priority first, oldest
	// first within a priority.
	ListPending(ctx context.Context, filter models.JobFilter) ([]models.Job, error)
	GetJobAgeHours(ctx context.Context, id string) (float64, error)
	UpdateJobPriority(ctx context.Context, id string, priority int) error
	UpdateJobStatus(ctx context.Context, id, status, errorMsg string) error
	IncrementRetry(ctx context.Context, id string) (int, error)
	ResetProcessing(ctx context.Context) (int, error)
	GetQueueMetrics(ctx context.Context) (*models.QueueMetrics, error)
}

// MemoryStore is an in-memory JobStore for tests and ephemeral runs.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
}

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.Job)}
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *job
	s.jobs[job.ID] = &stored
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := *job
	return &out, nil
}

func (s *MemoryStore) ListPending(ctx context.Context, filter models.JobFilter) ([]models.Job, error) {
	s.mu.RLock()
	out := []models.Job{}
	for _, job := range s.jobs {
		if job.Status != models.StatusPending {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !job.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		out = append(out, *job)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) GetJobAgeHours(ctx context.Context, id string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return 0, models.ErrNotFound
	}
	return time.Since(job.CreatedAt).Hours(), nil
}

func (s *MemoryStore) UpdateJobPriority(ctx context.Context, id string, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.ErrNotFound
	}
	job.Priority = priority
	job.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) UpdateJobStatus(ctx context.Context, id, status, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.ErrNotFound
	}
	now := time.Now()
	job.Status = status
	job.UpdatedAt = now
	job.ErrorMessage = errorMsg
	if status == models.StatusProcessing {
		job.StartedAt = &now
	}
	return nil
}

func (s *MemoryStore) IncrementRetry(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return 0, models.ErrNotFound
	}
	job.RetryCount++
	job.UpdatedAt = time.Now()
	return job.RetryCount, nil
}

func (s *MemoryStore) ResetProcessing(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, job := range s.jobs {
		if job.Status != models.StatusProcessing {
			continue
		}
		job.Status = models.StatusPending
		job.StartedAt = nil
		job.UpdatedAt = time.Now()
		job.ErrorMessage = "interrupted by shutdown"
		n++
	}
	return n, nil
}

func (s *MemoryStore) GetQueueMetrics(ctx context.Context) (*models.QueueMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := &models.QueueMetrics{}
	for _, job := range s.jobs {
		m.TotalJobs++
		m.TotalRetries += int64(job.RetryCount)
		switch job.Status {
		case models.StatusPending:
			m.PendingJobs++
		case models.StatusProcessing:
			m.ProcessingJobs++
		case models.StatusCompleted:
			m.CompletedJobs++
		case models.StatusFailed:
			m.FailedJobs++
		case models.StatusCancelled:
			m.CancelledJobs++
		}
	}
	return m, nil
}
