package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"batch-engine/internal/events"
	"batch-engine/internal/metrics"
	"batch-engine/internal/models"
)

// Split cuts items into contiguous batches of size; the last may be shorter
func Split(items []any, size int) [][]any {
	if size <= 0 {
		size = 1
	}
	batches := make([][]any, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		batches = append(batches, items[start:end])
	}
	return batches
}

// Dispatcher runs a job's batches through its processor, gated by the
// processor's circuit breaker.
type Dispatcher struct {
	breakers       *BreakerRegistry
	sizer          *BatchSizer
	metrics        *metrics.Metrics
	emitter        events.Emitter
	logger         *slog.Logger
	defaultTimeout time.Duration
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(breakers *BreakerRegistry, sizer *BatchSizer, m *metrics.Metrics, emitter events.Emitter, logger *slog.Logger, defaultTimeout time.Duration) *Dispatcher {
	if emitter == nil {
		emitter = events.Nop
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if m == nil {
		m = metrics.NewMetrics()
	}
	return &Dispatcher{
		breakers:       breakers,
		sizer:          sizer,
		metrics:        m,
		emitter:        emitter,
		logger:         logger,
		defaultTimeout: defaultTimeout,
	}
}

// Dispatch processes every batch of the job, at most limit at a time. Groups
// run one after another; batches inside a group all settle even when some
// fail. Results are returned in batch order. The batch split is fixed for the
// job; each group's timing moves the processor's recommended size one step
// further from where the previous group left it.
func (d *Dispatcher) Dispatch(ctx context.Context, job *models.Job, size, limit int) []models.BatchResult {
	if limit <= 0 {
		limit = 1
	}
	p := job.Processor
	batches := Split(job.Items, size)
	results := make([]models.BatchResult, len(batches))
	logger := d.logger.With("job_id", job.ID, "processor", p.Name)

	progress := &progressTracker{
		report: job.Options.OnProgress,
		state: models.Progress{
			JobID:        job.ID,
			TotalBatches: len(batches),
			TotalItems:   len(job.Items),
		},
	}

	next := size
	for start := 0; start < len(batches); start += limit {
		end := min(start+limit, len(batches))
		groupStart := time.Now()

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				res := d.runBatch(ctx, job, i, batches[i])
				results[i] = res
				d.metrics.RecordBatch(res.Size, res.Success)
				if !res.Success {
					logger.Debug("batch failed", "batch", i, "error", res.Error)
				}
				progress.add(res)
				return nil
			})
		}
		_ = g.Wait()

		next = d.sizer.Adjust(p.Name, next, time.Since(groupStart))
	}
	return results
}

func (d *Dispatcher) runBatch(ctx context.Context, job *models.Job, index int, items []any) models.BatchResult {
	p := job.Processor
	start := time.Now()
	res := models.BatchResult{Index: index, Size: len(items), RetryCount: job.RetryCount}

	if !d.breakers.Allow(p.Name) {
		res.Error = ErrCircuitOpen.Error()
		res.Duration = time.Since(start)
		return res
	}

	valid := items
	if p.Validate != nil {
		valid = make([]any, 0, len(items))
		var firstErr error
		for _, item := range items {
			if err := p.Validate(item); err != nil {
				res.Invalid++
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			valid = append(valid, item)
		}
		if res.Invalid > 0 {
			d.emitter.Emit(events.Event{
				Type:      events.BatchValidationFailed,
				Time:      time.Now(),
				JobID:     job.ID,
				Processor: p.Name,
				Attrs: map[string]any{
					"batch":   index,
					"invalid": res.Invalid,
					"error":   firstErr.Error(),
				},
			})
		}
	}

	if len(valid) == 0 {
		res.Success = true
		res.Duration = time.Since(start)
		return res
	}

	out, err := d.process(ctx, p, valid)
	res.Duration = time.Since(start)
	if err != nil {
		d.breakers.RecordFailure(p.Name)
		res.Error = err.Error()
		return res
	}
	d.breakers.RecordSuccess(p.Name)
	res.Success = true
	res.Output = out
	return res
}

type processOutcome struct {
	out []any
	err error
}

// process races the processor call against its timeout. The call is not
// interrupted on timeout; its context is cancelled and its result dropped.
func (d *Dispatcher) process(ctx context.Context, p *models.Processor, items []any) ([]any, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan processOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- processOutcome{err: fmt.Errorf("processor panicked: %v", r)}
			}
		}()
		out, err := p.Process(ctx, items)
		done <- processOutcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		return o.out, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrBatchTimeout, timeout)
		}
		return nil, ctx.Err()
	}
}

// progressTracker serializes progress callbacks from concurrent batches
type progressTracker struct {
	mu     sync.Mutex
	report func(models.Progress)
	state  models.Progress
}

func (t *progressTracker) add(res models.BatchResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if res.Success {
		t.state.CompletedBatches++
		t.state.ProcessedItems += res.Size
	} else {
		t.state.FailedBatches++
	}
	if t.report != nil {
		t.report(t.state)
	}
}
