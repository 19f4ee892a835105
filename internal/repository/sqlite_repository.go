package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"batch-engine/internal/models"
)

// SQLiteRepository implements JobRepository using SQLite
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// initSchema initializes the database schema
func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS archived_jobs (
		id TEXT PRIMARY KEY,
		processor TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL,
		item_count INTEGER NOT NULL,
		batch_size INTEGER NOT NULL,
		output TEXT,
		last_error TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		finished_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_archived_jobs_status ON archived_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_archived_jobs_finished ON archived_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS dead_letter_jobs (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		processor TEXT NOT NULL,
		item_count INTEGER NOT NULL,
		retry_count INTEGER NOT NULL,
		failure_reason TEXT NOT NULL,
		failed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dlq_processor ON dead_letter_jobs(processor);
	`

	_, err := r.db.Exec(schema)
	return err
}

// SaveJob stores or replaces an archived job
func (r *SQLiteRepository) SaveJob(ctx context.Context, rec *models.JobRecord) error {
	query := `
		INSERT OR REPLACE INTO archived_jobs (id, processor, status, priority, item_count, batch_size,
			output, last_error, retry_count, created_at, started_at, completed_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	output, err := json.Marshal(rec.Output)
	if err != nil {
		return fmt.Errorf("failed to encode job output: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query,
		rec.ID,
		rec.Processor,
		rec.Status,
		rec.Priority,
		rec.ItemCount,
		rec.BatchSize,
		string(output),
		rec.LastError,
		rec.RetryCount,
		rec.CreatedAt.UnixMilli(),
		nullableMillis(rec.StartedAt),
		nullableMillis(rec.CompletedAt),
		finishedAt(rec).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to archive job: %w", err)
	}
	return nil
}

const selectArchivedJob = `
	SELECT id, processor, status, priority, item_count, batch_size, output, last_error,
	       retry_count, created_at, started_at, completed_at
	FROM archived_jobs
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRecord(row rowScanner) (*models.JobRecord, error) {
	var rec models.JobRecord
	var output, lastError sql.NullString
	var startedAt, completedAt sql.NullInt64
	var createdAt int64

	err := row.Scan(
		&rec.ID,
		&rec.Processor,
		&rec.Status,
		&rec.Priority,
		&rec.ItemCount,
		&rec.BatchSize,
		&output,
		&lastError,
		&rec.RetryCount,
		&createdAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if output.Valid && output.String != "" && output.String != "null" {
		if err := json.Unmarshal([]byte(output.String), &rec.Output); err != nil {
			return nil, fmt.Errorf("failed to decode job output: %w", err)
		}
	}
	rec.LastError = lastError.String
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.StartedAt = timeFromMillis(startedAt)
	rec.CompletedAt = timeFromMillis(completedAt)
	return &rec, nil
}

// GetJobByID retrieves an archived job by ID
func (r *SQLiteRepository) GetJobByID(ctx context.Context, id string) (*models.JobRecord, error) {
	rec, err := scanJobRecord(r.db.QueryRowContext(ctx, selectArchivedJob+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return rec, nil
}

// ListJobsByStatus retrieves all archived jobs with a specific status
func (r *SQLiteRepository) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.JobRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectArchivedJob+" WHERE status = ? ORDER BY created_at ASC", status)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var recs []*models.JobRecord
	for rows.Next() {
		rec, err := scanJobRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}

	return recs, nil
}

// CountByStatus counts archived jobs per status
func (r *SQLiteRepository) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM archived_jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status models.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job counts: %w", err)
	}
	return counts, nil
}

// PruneBefore deletes archived jobs that finished before cutoff
func (r *SQLiteRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM archived_jobs WHERE finished_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune archive: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned jobs: %w", err)
	}
	return int(n), nil
}

// MoveToDeadLetterQueue records a permanently failed job
func (r *SQLiteRepository) MoveToDeadLetterQueue(ctx context.Context, rec *models.JobRecord, failureReason string) error {
	insertQuery := `
		INSERT INTO dead_letter_jobs (id, job_id, processor, item_count, retry_count, failure_reason, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	dlqID := fmt.Sprintf("dlq_%s_%d", rec.ID, now.UnixNano())
	_, err := r.db.ExecContext(ctx, insertQuery,
		dlqID,
		rec.ID,
		rec.Processor,
		rec.ItemCount,
		rec.RetryCount,
		failureReason,
		now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert into dead letter queue: %w", err)
	}
	return nil
}

// ListDeadLetterJobs retrieves all dead letter jobs
func (r *SQLiteRepository) ListDeadLetterJobs(ctx context.Context) ([]*models.DeadLetterJob, error) {
	query := `
		SELECT id, job_id, processor, item_count, retry_count, failure_reason, failed_at
		FROM dead_letter_jobs
		ORDER BY failed_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letter jobs: %w", err)
	}
	defer rows.Close()

	var dlqJobs []*models.DeadLetterJob
	for rows.Next() {
		var dlqJob models.DeadLetterJob
		var failedAt int64

		err := rows.Scan(
			&dlqJob.ID,
			&dlqJob.JobID,
			&dlqJob.Processor,
			&dlqJob.ItemCount,
			&dlqJob.RetryCount,
			&dlqJob.FailureReason,
			&failedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter job: %w", err)
		}

		dlqJob.FailedAt = time.UnixMilli(failedAt)
		dlqJobs = append(dlqJobs, &dlqJob)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dead letter jobs: %w", err)
	}

	return dlqJobs, nil
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timeFromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
