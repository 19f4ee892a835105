package service

import (
	"context"
	"runtime"
	"sync"
	"time"

	"batch-engine/internal/config"
)

const bytesPerMB = 1024 * 1024

// MemorySampler returns the current process memory usage in megabytes
type MemorySampler func() float64

// HeapSampler reads the live heap size from the runtime
func HeapSampler() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.HeapAlloc) / bytesPerMB
}

// MemoryState is the result of the latest memory sample
type MemoryState struct {
	UsageMB       float64   `json:"usage_mb"`
	ThresholdMB   float64   `json:"threshold_mb"`
	GCThresholdMB float64   `json:"gc_threshold_mb"`
	UnderPressure bool      `json:"under_pressure"`
	SampledAt     time.Time `json:"sampled_at"`
}

// NeedsGC reports whether usage has reached the GC trigger threshold
func (s MemoryState) NeedsGC() bool {
	return s.GCThresholdMB > 0 && s.UsageMB >= s.GCThresholdMB
}

// MemoryMonitor samples memory usage and flags pressure above a threshold
type MemoryMonitor struct {
	cfg     config.MemoryConfig
	sampler MemorySampler

	mu    sync.RWMutex
	state MemoryState
}

// NewMemoryMonitor creates a monitor. A nil sampler reads the Go heap.
func NewMemoryMonitor(cfg config.MemoryConfig, sampler MemorySampler) *MemoryMonitor {
	if sampler == nil {
		sampler = HeapSampler
	}
	return &MemoryMonitor{
		cfg:     cfg,
		sampler: sampler,
		state: MemoryState{
			ThresholdMB:   cfg.ThresholdMB.Float64(),
			GCThresholdMB: cfg.GCThresholdMB.Float64(),
		},
	}
}

// Check takes a fresh sample and updates the pressure flag
func (m *MemoryMonitor) Check() MemoryState {
	usage := m.sampler()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.UsageMB = usage
	m.state.UnderPressure = usage > m.state.ThresholdMB
	m.state.SampledAt = time.Now()
	return m.state
}

// State returns the latest sample without taking a new one
func (m *MemoryMonitor) State() MemoryState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// UnderPressure reports the flag from the latest sample
func (m *MemoryMonitor) UnderPressure() bool {
	return m.State().UnderPressure
}

// Run samples on every check interval until ctx is done, calling onPressure
// for each sample above the threshold.
func (m *MemoryMonitor) Run(ctx context.Context, onPressure func(MemoryState)) {
	interval := m.cfg.CheckInterval.Duration()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s := m.Check(); s.UnderPressure && onPressure != nil {
				onPressure(s)
			}
		}
	}
}
