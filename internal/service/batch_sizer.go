package service

import (
	"math"
	"sync"
	"time"

	"batch-engine/internal/config"
	"batch-engine/internal/events"
)

const (
	sizeHistoryLen      = 20
	pressureSizeFactor  = 0.7
	slowBatchMultiplier = 1.5
	fastBatchMultiplier = 0.5
)

// BatchSizer tunes per-processor batch sizes toward a target processing time
type BatchSizer struct {
	cfg         config.DynamicConfig
	defaultSize int
	emitter     events.Emitter

	mu      sync.Mutex
	history map[string][]int
}

// NewBatchSizer creates a new batch sizer. When dynamic sizing is disabled
// every job uses defaultSize.
func NewBatchSizer(cfg config.DynamicConfig, defaultSize int, emitter events.Emitter) *BatchSizer {
	if emitter == nil {
		emitter = events.Nop
	}
	if defaultSize <= 0 {
		defaultSize = 1
	}
	return &BatchSizer{
		cfg:         cfg,
		defaultSize: defaultSize,
		emitter:     emitter,
		history:     make(map[string][]int),
	}
}

// InitialSize picks the batch size for a new job of the named processor
func (b *BatchSizer) InitialSize(name string, underPressure bool) int {
	if !b.cfg.Enabled {
		return b.defaultSize
	}

	b.mu.Lock()
	h := b.history[name]
	size := float64(b.defaultSize)
	if len(h) > 0 {
		sum := 0
		for _, s := range h {
			sum += s
		}
		size = float64(sum) / float64(len(h))
	}
	b.mu.Unlock()

	if underPressure {
		size *= pressureSizeFactor
	}
	return b.clamp(int(math.Round(size)))
}

// Adjust compares the elapsed time of a finished batch group with the target
// and records the next size for the processor.
func (b *BatchSizer) Adjust(name string, current int, elapsed time.Duration) int {
	if !b.cfg.Enabled {
		return current
	}

	target := b.cfg.TargetProcessingTime.Duration()
	next := current
	switch {
	case float64(elapsed) > slowBatchMultiplier*float64(target):
		next = int(math.Floor(float64(current) * (1 - b.cfg.AdjustmentFactor)))
		if next >= current {
			next = current - 1
		}
	case float64(elapsed) < fastBatchMultiplier*float64(target):
		next = int(math.Ceil(float64(current) * (1 + b.cfg.AdjustmentFactor)))
		if next <= current {
			next = current + 1
		}
	}
	next = b.clamp(next)

	b.mu.Lock()
	b.record(name, next)
	b.mu.Unlock()

	if next != current {
		b.emitter.Emit(events.Event{
			Type:      events.BatchSizeAdjusted,
			Time:      time.Now(),
			Processor: name,
			Attrs: map[string]any{
				"from":       current,
				"to":         next,
				"elapsed_ms": elapsed.Milliseconds(),
			},
		})
	}
	return next
}

// ShrinkAll halves every recorded size, biasing future jobs toward smaller batches
func (b *BatchSizer) ShrinkAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range b.history {
		for i := range h {
			h[i] = b.clamp(h[i] / 2)
		}
	}
}

// History returns the recorded sizes for a processor, oldest first
func (b *BatchSizer) History(name string) []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.history[name]...)
}

// Current returns the latest size for the processor, or the default
func (b *BatchSizer) Current(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h := b.history[name]; len(h) > 0 {
		return h[len(h)-1]
	}
	return b.clamp(b.defaultSize)
}

// must hold b.mu
func (b *BatchSizer) record(name string, size int) {
	h := append(b.history[name], size)
	if len(h) > sizeHistoryLen {
		h = append([]int(nil), h[len(h)-sizeHistoryLen:]...)
	}
	b.history[name] = h
}

func (b *BatchSizer) clamp(size int) int {
	lo, hi := 1, math.MaxInt
	if b.cfg.Enabled {
		lo, hi = max(b.cfg.MinSize, 1), b.cfg.MaxSize
	}
	if size < lo {
		return lo
	}
	if hi > 0 && size > hi {
		return hi
	}
	return size
}
