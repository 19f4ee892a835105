package metrics

import (
	"sync"
	"time"
)

// throughputWindow is the rolling window used for ops/sec
const throughputWindow = 60

// BreakerSnapshot is a point-in-time copy of one circuit breaker
type BreakerSnapshot struct {
	State       string     `json:"state"`
	Failures    int        `json:"failures"`
	Successes   int        `json:"successes"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
}

// Snapshot is the aggregate view returned by the engine
type Snapshot struct {
	TotalJobs               int64                      `json:"total_jobs"`
	CompletedJobs           int64                      `json:"completed_jobs"`
	FailedJobs              int64                      `json:"failed_jobs"`
	CancelledJobs           int64                      `json:"cancelled_jobs"`
	RetriedJobs             int64                      `json:"retried_jobs"`
	CompletedBatches        int64                      `json:"completed_batches"`
	FailedBatches           int64                      `json:"failed_batches"`
	AverageProcessingTimeMs float64                    `json:"average_processing_time_ms"`
	ThroughputPerSec        float64                    `json:"throughput_per_sec"`
	QueueSize               int                        `json:"queue_size"`
	ActiveWorkers           int                        `json:"active_workers"`
	MemoryUsageMB           float64                    `json:"memory_usage_mb"`
	ErrorRatePercent        float64                    `json:"error_rate_percent"`
	AverageBatchSize        float64                    `json:"average_batch_size"`
	Breakers                map[string]BreakerSnapshot `json:"breakers"`
}

type opsBucket struct {
	second int64
	count  int64
}

// Metrics tracks engine counters
type Metrics struct {
	mu  sync.RWMutex
	now func() time.Time

	totalJobs     int64
	completedJobs int64
	failedJobs    int64
	cancelledJobs int64
	retriedJobs   int64

	completedBatches int64
	failedBatches    int64
	batchItems       int64
	batchCount       int64

	processingTotal time.Duration
	processedJobs   int64

	ops [throughputWindow]opsBucket
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{now: time.Now}
}

// SetClock replaces the time source used for the throughput window
func (m *Metrics) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// IncrementTotalJobs increments the total jobs counter
func (m *Metrics) IncrementTotalJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalJobs++
}

// IncrementCompletedJobs counts a completed job and its processing time
func (m *Metrics) IncrementCompletedJobs(elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completedJobs++
	m.processingTotal += elapsed
	m.processedJobs++
}

// IncrementFailedJobs counts a permanently failed job and its processing time
func (m *Metrics) IncrementFailedJobs(elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedJobs++
	m.processingTotal += elapsed
	m.processedJobs++
}

// IncrementCancelledJobs increments the cancelled jobs counter
func (m *Metrics) IncrementCancelledJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelledJobs++
}

// IncrementRetriedJobs increments the retried jobs counter
func (m *Metrics) IncrementRetriedJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retriedJobs++
}

// RecordBatch counts one finished batch attempt of size items
func (m *Metrics) RecordBatch(size int, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.batchCount++
	m.batchItems += int64(size)
	if !success {
		m.failedBatches++
		return
	}
	m.completedBatches++

	sec := m.now().Unix()
	b := &m.ops[sec%throughputWindow]
	if b.second != sec {
		b.second = sec
		b.count = 0
	}
	b.count++
}

// GetSnapshot returns the counter-derived part of a snapshot. Queue, worker,
// memory and breaker fields are left for the caller to fill in.
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		TotalJobs:        m.totalJobs,
		CompletedJobs:    m.completedJobs,
		FailedJobs:       m.failedJobs,
		CancelledJobs:    m.cancelledJobs,
		RetriedJobs:      m.retriedJobs,
		CompletedBatches: m.completedBatches,
		FailedBatches:    m.failedBatches,
	}
	if m.processedJobs > 0 {
		s.AverageProcessingTimeMs = float64(m.processingTotal.Milliseconds()) / float64(m.processedJobs)
	}
	if finished := m.completedJobs + m.failedJobs; finished > 0 {
		s.ErrorRatePercent = float64(m.failedJobs) / float64(finished) * 100
	}
	if m.batchCount > 0 {
		s.AverageBatchSize = float64(m.batchItems) / float64(m.batchCount)
	}

	now := m.now().Unix()
	var ops int64
	for _, b := range m.ops {
		if b.count > 0 && now-b.second < throughputWindow {
			ops += b.count
		}
	}
	s.ThroughputPerSec = float64(ops) / throughputWindow
	return s
}
