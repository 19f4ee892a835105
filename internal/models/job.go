package models

import "time"

// JobStatus represents the state of a job
type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusQueued     JobStatus = "QUEUED"
	StatusProcessing JobStatus = "PROCESSING"
	StatusRetrying   JobStatus = "RETRYING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
	StatusCancelled  JobStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DefaultPriority is assigned to jobs submitted without an explicit priority
const DefaultPriority = 5

// Progress is reported to JobOptions.OnProgress after every finished batch
type Progress struct {
	JobID            string `json:"job_id"`
	CompletedBatches int    `json:"completed_batches"`
	TotalBatches     int    `json:"total_batches"`
	FailedBatches    int    `json:"failed_batches"`
	ProcessedItems   int    `json:"processed_items"`
	TotalItems       int    `json:"total_items"`
}

// JobOptions holds the per-job knobs supplied at submission
type JobOptions struct {
	// BatchSize overrides adaptive sizing when greater than zero.
	BatchSize int `json:"batch_size,omitempty"`
	// MaxConcurrency bounds how many batches of this job run at once.
	MaxConcurrency int          `json:"max_concurrency,omitempty"`
	RetryPolicy    *RetryPolicy `json:"retry_policy,omitempty"`
	Priority       *int         `json:"priority,omitempty"`
	// OnProgress may be called from several goroutines, but never concurrently.
	OnProgress func(Progress) `json:"-"`
}

// Job represents a unit of work made of items processed in batches
type Job struct {
	ID          string        `json:"id"`
	Items       []any         `json:"-"`
	Processor   *Processor    `json:"-"`
	Options     JobOptions    `json:"options"`
	Priority    int           `json:"priority"`
	BatchSize   int           `json:"batch_size"`
	Status      JobStatus     `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Results     []BatchResult `json:"results,omitempty"`
	Output      []any         `json:"output,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	RetryCount  int           `json:"retry_count"`
}

// ProcessorName returns the name of the job's processor, or "" if unset
func (j *Job) ProcessorName() string {
	if j.Processor == nil {
		return ""
	}
	return j.Processor.Name
}

// Record builds the archived view of a job
func (j *Job) Record() *JobRecord {
	return &JobRecord{
		ID:          j.ID,
		Processor:   j.ProcessorName(),
		Status:      j.Status,
		Priority:    j.Priority,
		ItemCount:   len(j.Items),
		BatchSize:   j.BatchSize,
		Output:      append([]any(nil), j.Output...),
		LastError:   j.LastError,
		RetryCount:  j.RetryCount,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

// BatchResult is the outcome of one batch attempt
type BatchResult struct {
	Index      int           `json:"index"`
	Size       int           `json:"size"`
	Success    bool          `json:"success"`
	Output     []any         `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	Invalid    int           `json:"invalid,omitempty"`
	Duration   time.Duration `json:"duration"`
	RetryCount int           `json:"retry_count"`
}

// JobRecord is a terminal job as kept in the archive
type JobRecord struct {
	ID          string     `json:"id"`
	Processor   string     `json:"processor"`
	Status      JobStatus  `json:"status"`
	Priority    int        `json:"priority"`
	ItemCount   int        `json:"item_count"`
	BatchSize   int        `json:"batch_size"`
	Output      []any      `json:"output,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	RetryCount  int        `json:"retry_count"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// DeadLetterJob represents a job that has permanently failed
type DeadLetterJob struct {
	ID            string    `json:"id"`
	JobID         string    `json:"job_id"`
	Processor     string    `json:"processor"`
	ItemCount     int       `json:"item_count"`
	RetryCount    int       `json:"retry_count"`
	FailureReason string    `json:"failure_reason"`
	FailedAt      time.Time `json:"failed_at"`
}

// SubmitJobRequest represents a request to submit a job over HTTP
type SubmitJobRequest struct {
	Processor      string       `json:"processor"`
	Items          []any        `json:"items"`
	BatchSize      int          `json:"batch_size,omitempty"`
	MaxConcurrency int          `json:"max_concurrency,omitempty"`
	Priority       *int         `json:"priority,omitempty"`
	RetryPolicy    *RetryPolicy `json:"retry_policy,omitempty"`
}
