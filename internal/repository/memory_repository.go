package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"batch-engine/internal/models"
)

// MemoryRepository implements JobRepository in process memory
type MemoryRepository struct {
	mu      sync.RWMutex
	jobs    map[string]*models.JobRecord
	dlqJobs []*models.DeadLetterJob
}

// NewMemoryRepository creates a new in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{jobs: make(map[string]*models.JobRecord)}
}

// SaveJob stores or replaces an archived job
func (r *MemoryRepository) SaveJob(ctx context.Context, rec *models.JobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *rec
	r.jobs[rec.ID] = &c
	return nil
}

// GetJobByID retrieves an archived job by ID
func (r *MemoryRepository) GetJobByID(ctx context.Context, id string) (*models.JobRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *rec
	return &c, nil
}

// ListJobsByStatus retrieves archived jobs with a status, oldest first
func (r *MemoryRepository) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.JobRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.JobRecord
	for _, rec := range r.jobs {
		if rec.Status == status {
			c := *rec
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CountByStatus counts archived jobs per status
func (r *MemoryRepository) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[models.JobStatus]int)
	for _, rec := range r.jobs {
		out[rec.Status]++
	}
	return out, nil
}

// PruneBefore removes archived jobs finished before cutoff
func (r *MemoryRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, rec := range r.jobs {
		if finishedAt(rec).Before(cutoff) {
			delete(r.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// MoveToDeadLetterQueue records a permanently failed job
func (r *MemoryRepository) MoveToDeadLetterQueue(ctx context.Context, rec *models.JobRecord, failureReason string) error {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dlqJobs = append(r.dlqJobs, &models.DeadLetterJob{
		ID:            fmt.Sprintf("dlq_%s_%d", rec.ID, now.UnixNano()),
		JobID:         rec.ID,
		Processor:     rec.Processor,
		ItemCount:     rec.ItemCount,
		RetryCount:    rec.RetryCount,
		FailureReason: failureReason,
		FailedAt:      now,
	})
	return nil
}

// ListDeadLetterJobs retrieves all dead letter jobs, newest first
func (r *MemoryRepository) ListDeadLetterJobs(ctx context.Context) ([]*models.DeadLetterJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.DeadLetterJob, 0, len(r.dlqJobs))
	for i := len(r.dlqJobs) - 1; i >= 0; i-- {
		c := *r.dlqJobs[i]
		out = append(out, &c)
	}
	return out, nil
}

// Close is a no-op
func (r *MemoryRepository) Close() error { return nil }
