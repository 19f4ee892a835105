package repository

import (
	"context"
	"errors"
	"time"

	"batch-engine/internal/models"
)

// ErrNotFound is returned when an archived job does not exist
var ErrNotFound = errors.New("archived job not found")

// JobRepository is the archive for terminal jobs and the dead letter store
type JobRepository interface {
	SaveJob(ctx context.Context, rec *models.JobRecord) error
	GetJobByID(ctx context.Context, id string) (*models.JobRecord, error)
	ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.JobRecord, error)
	CountByStatus(ctx context.Context) (map[models.JobStatus]int, error)
	// PruneBefore deletes archived jobs that finished before cutoff and
	// returns how many were removed. Dead letter entries are kept.
	PruneBefore(ctx context.Context, cutoff time.Time) (int, error)
	MoveToDeadLetterQueue(ctx context.Context, rec *models.JobRecord, failureReason string) error
	ListDeadLetterJobs(ctx context.Context) ([]*models.DeadLetterJob, error)
	Close() error
}

func finishedAt(rec *models.JobRecord) time.Time {
	if rec.CompletedAt != nil {
		return *rec.CompletedAt
	}
	return rec.CreatedAt
}
