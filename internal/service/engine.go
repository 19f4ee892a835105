package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"batch-engine/internal/config"
	"batch-engine/internal/events"
	"batch-engine/internal/metrics"
	"batch-engine/internal/models"
	"batch-engine/internal/repository"
)

// QueueStats describes the pending set and job outcomes so far
type QueueStats struct {
	Pending           int         `json:"pending"`
	Processing        int         `json:"processing"`
	Retrying          int         `json:"retrying"`
	Completed         int64       `json:"completed"`
	Failed            int64       `json:"failed"`
	AverageWaitTimeMs float64     `json:"average_wait_time_ms"`
	PriorityHistogram map[int]int `json:"priority_histogram"`
}

// ShutdownReport counts the work left behind by Shutdown
type ShutdownReport struct {
	// Unfinished jobs were still processing when the drain window closed.
	Unfinished int `json:"unfinished"`
	// Pending jobs were queued or waiting on a retry and never started.
	Pending          int `json:"pending"`
	RetriesAbandoned int `json:"retries_abandoned"`
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithEmitter adds an event sink. May be given more than once.
func WithEmitter(em events.Emitter) EngineOption {
	return func(e *Engine) { e.sinks = append(e.sinks, em) }
}

// WithArchive sets where terminal jobs and dead letters are stored
func WithArchive(repo repository.JobRepository) EngineOption {
	return func(e *Engine) { e.archive = repo }
}

// WithMemorySampler replaces the heap sampler used for pressure checks
func WithMemorySampler(s MemorySampler) EngineOption {
	return func(e *Engine) { e.sampler = s }
}

// WithMetrics shares a metrics collector with the engine
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// Engine accepts jobs, schedules them by priority and processes them in
// batches under a bounded worker pool.
type Engine struct {
	cfg        config.Config
	logger     *slog.Logger
	sinks      []events.Emitter
	emitter    events.Emitter
	archive    repository.JobRepository
	sampler    MemorySampler
	metrics    *metrics.Metrics
	thresholds metrics.Thresholds
	now        func() time.Time

	queue      *JobQueue
	pool       *WorkerPool
	breakers   *BreakerRegistry
	sizer      *BatchSizer
	retries    *RetryScheduler
	memory     *MemoryMonitor
	dispatcher *Dispatcher
	limiter    *RateLimiter
	janitor    *Janitor

	mu         sync.RWMutex
	jobs       map[string]*models.Job
	processors map[string]*models.Processor
	processing int

	lifecycle sync.Mutex
	started   bool
	cancel    context.CancelFunc
	group     *errgroup.Group
	batchCtx  context.Context
	report    ShutdownReport

	closing    atomic.Bool
	mitigating atomic.Bool
}

// NewEngine builds an engine from cfg. Call Start to begin processing.
func NewEngine(cfg config.Config, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		now:        time.Now,
		jobs:       make(map[string]*models.Job),
		processors: make(map[string]*models.Processor),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	if e.archive == nil {
		e.archive = repository.NewMemoryRepository()
	}
	if e.metrics == nil {
		e.metrics = metrics.NewMetrics()
	}
	e.emitter = events.Multi(append([]events.Emitter{events.LogEmitter{Logger: e.logger}}, e.sinks...)...)

	alerts := cfg.Monitoring.AlertThresholds
	e.thresholds = metrics.Thresholds{
		QueueSize:        alerts.QueueSize,
		ErrorRatePercent: alerts.ErrorRatePercent,
		MemoryUsageMB:    alerts.MemoryUsageMB.Float64(),
		ProcessingTimeMs: alerts.ProcessingTimeMs,
	}

	e.queue = NewJobQueue(cfg.QueueMaxSize)
	e.pool = NewWorkerPool(cfg.WorkerPoolSize)
	e.breakers = NewBreakerRegistry(cfg.CircuitBreaker, e.emitter)
	e.sizer = NewBatchSizer(cfg.DynamicSizing, cfg.DefaultBatchSize, e.emitter)
	e.retries = NewRetryScheduler()
	e.memory = NewMemoryMonitor(cfg.Memory, e.sampler)
	e.dispatcher = NewDispatcher(e.breakers, e.sizer, e.metrics, e.emitter, e.logger, cfg.BatchTimeout.Duration())
	e.limiter = NewRateLimiter(cfg.Submission.RatePerSec, cfg.Submission.Burst)
	e.janitor = NewJanitor(e.archive, cfg.Archive.Retention.Duration(), cfg.Archive.PruneCron, e.logger)

	e.memory.Check()
	return e, nil
}

// Start launches the processing loops and background monitors. The loops
// stop when ctx is cancelled or Shutdown is called.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.closing.Load() {
		return ErrShuttingDown
	}
	if e.started {
		return nil
	}
	e.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.batchCtx = context.WithoutCancel(ctx)
	e.group = &errgroup.Group{}

	for i := 0; i < e.cfg.MaxConcurrentJobs; i++ {
		e.group.Go(func() error { return e.loop(loopCtx) })
	}
	e.group.Go(func() error {
		e.memory.Run(loopCtx, e.mitigate)
		return nil
	})
	e.group.Go(func() error {
		e.janitor.Run(loopCtx)
		return nil
	})
	if e.cfg.Monitoring.Enabled {
		e.group.Go(func() error {
			e.monitor(loopCtx)
			return nil
		})
	}

	e.logger.Info("engine started",
		"loops", e.cfg.MaxConcurrentJobs,
		"worker_pool_size", e.cfg.WorkerPoolSize,
		"queue_max_size", e.cfg.QueueMaxSize,
	)
	return nil
}

// RegisterProcessor makes a processor known by name. Registering the same
// processor twice is allowed; a different one under a taken name is not.
func (e *Engine) RegisterProcessor(p *models.Processor) error {
	if p == nil || p.Name == "" || p.Process == nil {
		return ErrInvalidProcessor
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.processors[p.Name]; ok {
		if existing != p {
			return fmt.Errorf("%w: %s", ErrProcessorConflict, p.Name)
		}
		return nil
	}
	e.processors[p.Name] = p
	return nil
}

// Processor looks up a registered processor by name
func (e *Engine) Processor(name string) (*models.Processor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.processors[name]
	return p, ok
}

// Submit creates a job for items and queues it. Batch failures never surface
// here; only admission errors do.
func (e *Engine) Submit(ctx context.Context, items []any, p *models.Processor, opts models.JobOptions) (string, error) {
	if e.closing.Load() {
		return "", ErrShuttingDown
	}
	if len(items) == 0 {
		return "", ErrNoItems
	}
	if opts.RetryPolicy != nil {
		if err := opts.RetryPolicy.Validate(); err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidRetryPolicy, err)
		}
	}
	if err := e.RegisterProcessor(p); err != nil {
		return "", err
	}
	if err := e.limiter.CheckSubmissionRate(ctx, p.Name); err != nil {
		return "", err
	}

	pressure := e.memory.State()
	if pressure.UnderPressure {
		go e.mitigate(pressure)
	}

	size := opts.BatchSize
	if size > 0 {
		size = min(size, e.cfg.MaxBatchSize)
	} else {
		size = e.sizer.InitialSize(p.Name, pressure.UnderPressure)
	}
	if p.MaxBatchSize > 0 && size > p.MaxBatchSize {
		size = p.MaxBatchSize
	}

	priority := models.DefaultPriority
	if opts.Priority != nil {
		priority = *opts.Priority
	}

	now := e.now()
	job := &models.Job{
		ID:         uuid.New().String(),
		Items:      items,
		Processor:  p,
		Options:    opts,
		Priority:   priority,
		BatchSize:  size,
		Status:     models.StatusPending,
		CreatedAt:  now,
		EnqueuedAt: now,
	}

	e.mu.Lock()
	if err := e.queue.Push(job); err != nil {
		e.mu.Unlock()
		if errors.Is(err, ErrQueueClosed) {
			return "", ErrShuttingDown
		}
		return "", err
	}
	e.jobs[job.ID] = job
	e.mu.Unlock()

	e.metrics.IncrementTotalJobs()
	e.emit(events.JobQueued, job, map[string]any{
		"items":      len(items),
		"batch_size": size,
		"priority":   priority,
	})
	return job.ID, nil
}

// Cancel cancels a job that has not been dequeued yet. It returns false for
// any other job, including one already cancelled.
func (e *Engine) Cancel(ctx context.Context, id string) bool {
	e.mu.Lock()
	job, ok := e.jobs[id]
	if !ok || job.Status != models.StatusPending {
		e.mu.Unlock()
		return false
	}
	if _, ok := e.queue.Remove(id); !ok {
		e.mu.Unlock()
		return false
	}
	now := e.now()
	job.Status = models.StatusCancelled
	job.CompletedAt = &now
	e.mu.Unlock()

	e.metrics.IncrementCancelledJobs()
	e.emit(events.JobCancelled, job, nil)
	e.archiveJob(ctx, job)
	return true
}

// GetStatus returns the status of a live or archived job
func (e *Engine) GetStatus(ctx context.Context, id string) (models.JobStatus, error) {
	e.mu.RLock()
	job, ok := e.jobs[id]
	if ok {
		status := job.Status
		e.mu.RUnlock()
		return status, nil
	}
	e.mu.RUnlock()

	rec, err := e.archive.GetJobByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrJobNotFound
		}
		return "", fmt.Errorf("failed to get job status: %w", err)
	}
	return rec.Status, nil
}

// GetJob returns a copy of a live or archived job
func (e *Engine) GetJob(ctx context.Context, id string) (*models.JobRecord, error) {
	e.mu.RLock()
	job, ok := e.jobs[id]
	if ok {
		rec := job.Record()
		e.mu.RUnlock()
		return rec, nil
	}
	e.mu.RUnlock()

	rec, err := e.archive.GetJobByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return rec, nil
}

// ListDeadLetterJobs returns permanently failed jobs
func (e *Engine) ListDeadLetterJobs(ctx context.Context) ([]*models.DeadLetterJob, error) {
	dlq, err := e.archive.ListDeadLetterJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter jobs: %w", err)
	}
	return dlq, nil
}

// GetMetrics returns the aggregate metrics. Without intervening activity two
// calls differ only in the throughput window.
func (e *Engine) GetMetrics() metrics.Snapshot {
	s := e.metrics.GetSnapshot()
	s.QueueSize = e.queue.Len()
	s.ActiveWorkers = e.pool.Active()
	s.MemoryUsageMB = e.memory.State().UsageMB
	s.Breakers = e.breakers.Snapshot()
	return s
}

// GetQueueStats returns statistics about the pending set
func (e *Engine) GetQueueStats() QueueStats {
	s := e.metrics.GetSnapshot()
	e.mu.RLock()
	processing := e.processing
	e.mu.RUnlock()

	return QueueStats{
		Pending:           e.queue.Len(),
		Processing:        processing,
		Retrying:          e.retries.Pending(),
		Completed:         s.CompletedJobs,
		Failed:            s.FailedJobs,
		AverageWaitTimeMs: float64(e.queue.AverageWait().Microseconds()) / 1000,
		PriorityHistogram: e.queue.PriorityHistogram(),
	}
}

// Shutdown stops accepting work, stops the loops and waits for jobs in
// flight until the configured shutdown timeout or ctx ends. In-flight
// batches are never interrupted. Calling it again returns the first report.
func (e *Engine) Shutdown(ctx context.Context) ShutdownReport {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if !e.closing.CompareAndSwap(false, true) {
		return e.report
	}
	e.logger.Info("engine shutting down")

	e.queue.Close()
	abandoned := e.retries.StopAll()
	if e.cancel != nil {
		e.cancel()
	}

	if e.group != nil {
		waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownTimeout.Duration())
		defer cancel()

		done := make(chan struct{})
		go func() {
			_ = e.group.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-waitCtx.Done():
			e.logger.Warn("shutdown drain window elapsed with jobs still running")
		}
	}

	report := ShutdownReport{RetriesAbandoned: abandoned}
	e.mu.RLock()
	for _, job := range e.jobs {
		switch job.Status {
		case models.StatusProcessing:
			report.Unfinished++
		case models.StatusPending, models.StatusQueued, models.StatusRetrying:
			report.Pending++
		}
	}
	e.mu.RUnlock()

	e.report = report
	e.logger.Info("engine stopped",
		"unfinished", report.Unfinished,
		"pending", report.Pending,
		"retries_abandoned", report.RetriesAbandoned,
	)
	return report
}

// loop runs one job at a time. A pool slot is held before the job leaves the
// queue, so a waiting job stays PENDING and cancellable until a worker is free.
func (e *Engine) loop(ctx context.Context) error {
	for {
		if err := e.pool.Acquire(ctx); err != nil {
			return nil
		}
		job, err := e.queue.Dequeue(ctx)
		if err != nil {
			e.pool.Release()
			return nil
		}

		e.mu.Lock()
		job.Status = models.StatusQueued
		e.mu.Unlock()

		e.processJob(job)
		e.pool.Release()

		if s := e.memory.Check(); s.UnderPressure {
			e.mitigate(s)
		}
	}
}

func (e *Engine) processJob(job *models.Job) {
	now := e.now()

	e.mu.Lock()
	job.Status = models.StatusProcessing
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	e.processing++
	size := e.passBatchSize(job)
	job.BatchSize = size
	e.mu.Unlock()

	limit := e.batchConcurrency(job)
	e.emit(events.JobStarted, job, map[string]any{
		"batch_size":  size,
		"concurrency": limit,
		"retry_count": job.RetryCount,
	})

	results := e.dispatcher.Dispatch(e.batchCtx, job, size, limit)

	var failure, shortCircuit string
	var output []any
	for _, r := range results {
		output = append(output, r.Output...)
		if r.Success {
			continue
		}
		msg := fmt.Sprintf("batch %d: %s", r.Index, r.Error)
		if r.Error == ErrCircuitOpen.Error() {
			if shortCircuit == "" {
				shortCircuit = msg
			}
		} else if failure == "" {
			failure = msg
		}
	}

	switch {
	case failure != "":
		e.fail(job, results, failure, false)
	case shortCircuit != "":
		e.fail(job, results, shortCircuit, true)
	default:
		e.complete(job, results, output)
	}
}

// must hold e.mu
func (e *Engine) passBatchSize(job *models.Job) int {
	if job.Options.BatchSize > 0 || job.RetryCount == 0 {
		return job.BatchSize
	}
	size := e.sizer.Current(job.Processor.Name)
	if p := job.Processor; p.MaxBatchSize > 0 && size > p.MaxBatchSize {
		size = p.MaxBatchSize
	}
	return size
}

// batchConcurrency is the job's requested concurrency bounded by the pool
// capacity not taken by other jobs. The job's own slot counts as free.
func (e *Engine) batchConcurrency(job *models.Job) int {
	limit := job.Options.MaxConcurrency
	if limit <= 0 {
		limit = e.cfg.WorkerPoolSize
	}
	return max(min(limit, e.pool.Available()+1), 1)
}

func (e *Engine) complete(job *models.Job, results []models.BatchResult, output []any) {
	now := e.now()
	e.mu.Lock()
	job.Status = models.StatusCompleted
	job.CompletedAt = &now
	job.Results = results
	job.Output = output
	job.LastError = ""
	e.processing--
	elapsed := now.Sub(*job.StartedAt)
	e.mu.Unlock()

	e.metrics.IncrementCompletedJobs(elapsed)
	e.emit(events.JobCompleted, job, map[string]any{
		"batches":     len(results),
		"results":     len(output),
		"duration_ms": elapsed.Milliseconds(),
		"retry_count": job.RetryCount,
	})
	e.archiveJob(e.batchCtx, job)
}

// fail retries or dead-letters a job. A pass that only hit an open breaker
// keeps the previous processing error as the cause.
func (e *Engine) fail(job *models.Job, results []models.BatchResult, failure string, shortCircuited bool) {
	policy := e.cfg.Retry.Policy()
	if job.Options.RetryPolicy != nil {
		policy = *job.Options.RetryPolicy
	}
	if shortCircuited {
		e.mu.RLock()
		if job.LastError != "" {
			failure = job.LastError
		}
		e.mu.RUnlock()
	}

	if e.retries.ShouldRetry(job.Processor, policy, job.RetryCount, failure) {
		e.mu.Lock()
		job.RetryCount++
		job.Status = models.StatusRetrying
		job.Results = results
		job.LastError = failure
		e.processing--
		attempt := job.RetryCount
		e.mu.Unlock()

		delay := e.retries.Delay(policy, attempt)
		e.metrics.IncrementRetriedJobs()
		e.emit(events.JobRetrying, job, map[string]any{
			"retry_count": attempt,
			"delay_ms":    delay.Milliseconds(),
			"error":       failure,
		})
		e.retries.Schedule(job.ID, delay, func() { e.requeue(job) })
		return
	}

	now := e.now()
	e.mu.Lock()
	job.Status = models.StatusFailed
	job.CompletedAt = &now
	job.Results = results
	job.LastError = failure
	e.processing--
	elapsed := now.Sub(*job.StartedAt)
	rec := job.Record()
	e.mu.Unlock()

	e.metrics.IncrementFailedJobs(elapsed)
	e.emit(events.JobFailed, job, map[string]any{
		"retry_count": rec.RetryCount,
		"error":       failure,
	})
	reason := failure
	if rec.RetryCount > 0 {
		reason = fmt.Sprintf("max retries exceeded: %s", failure)
	}
	if err := e.archive.MoveToDeadLetterQueue(e.batchCtx, rec, reason); err != nil {
		e.logger.Error("failed to move job to dead letter queue", "job_id", job.ID, "error", err)
	}
	e.archiveJob(e.batchCtx, job)
}

func (e *Engine) requeue(job *models.Job) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing.Load() {
		return
	}
	job.Status = models.StatusQueued
	job.EnqueuedAt = e.now()
	if err := e.queue.Requeue(job); err != nil {
		e.logger.Warn("failed to requeue job for retry", "job_id", job.ID, "error", err)
		job.Status = models.StatusRetrying
	}
}

// archiveJob moves a terminal job from the live set to the archive. A job
// the archive rejects stays visible in the live set.
func (e *Engine) archiveJob(ctx context.Context, job *models.Job) {
	e.mu.RLock()
	rec := job.Record()
	e.mu.RUnlock()

	if err := e.archive.SaveJob(ctx, rec); err != nil {
		e.logger.Error("failed to archive job", "job_id", job.ID, "error", err)
		return
	}
	e.mu.Lock()
	delete(e.jobs, job.ID)
	e.mu.Unlock()
}

// mitigate relieves memory pressure. Concurrent calls collapse into one.
func (e *Engine) mitigate(state MemoryState) {
	if !e.mitigating.CompareAndSwap(false, true) {
		return
	}
	defer e.mitigating.Store(false)

	e.sizer.ShrinkAll()
	pruned, err := e.janitor.Prune(context.Background())
	if err != nil {
		e.logger.Error("failed to prune archive under memory pressure", "error", err)
	}

	gc := state.NeedsGC()
	if gc {
		runtime.GC()
		e.emitter.Emit(events.Event{
			Type:  events.MemoryGCTriggered,
			Time:  e.now(),
			Attrs: map[string]any{"usage_mb": state.UsageMB},
		})
	}
	e.emitter.Emit(events.Event{
		Type: events.MemoryPressure,
		Time: e.now(),
		Attrs: map[string]any{
			"usage_mb":     state.UsageMB,
			"threshold_mb": state.ThresholdMB,
			"pruned":       pruned,
			"gc":           gc,
		},
	})
}

// monitor emits a metrics snapshot and threshold alerts on every interval
func (e *Engine) monitor(ctx context.Context) {
	interval := e.cfg.Monitoring.MetricsInterval.Duration()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.publishMetrics()
		}
	}
}

func (e *Engine) publishMetrics() {
	s := e.GetMetrics()
	e.emitter.Emit(events.Event{
		Type: events.MetricsSnapshot,
		Time: e.now(),
		Attrs: map[string]any{
			"total_jobs":         s.TotalJobs,
			"completed_jobs":     s.CompletedJobs,
			"failed_jobs":        s.FailedJobs,
			"queue_size":         s.QueueSize,
			"active_workers":     s.ActiveWorkers,
			"throughput":         s.ThroughputPerSec,
			"memory_usage_mb":    s.MemoryUsageMB,
			"error_rate_percent": s.ErrorRatePercent,
			"average_batch_size": s.AverageBatchSize,
		},
	})
	for _, a := range e.thresholds.Check(s) {
		e.emitter.Emit(events.Event{
			Type: events.Alert,
			Time: e.now(),
			Attrs: map[string]any{
				"metric":    a.Metric,
				"value":     a.Value,
				"threshold": a.Threshold,
			},
		})
	}
}

func (e *Engine) emit(t events.Type, job *models.Job, attrs map[string]any) {
	e.emitter.Emit(events.Event{
		Type:      t,
		Time:      e.now(),
		JobID:     job.ID,
		Processor: job.ProcessorName(),
		Attrs:     attrs,
	})
}
