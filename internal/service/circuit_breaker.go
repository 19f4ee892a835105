package service

import (
	"sync"
	"time"

	"batch-engine/internal/config"
	"batch-engine/internal/events"
	"batch-engine/internal/metrics"
)

// BreakerState is the state of a single circuit breaker
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

type breaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
}

// BreakerRegistry holds one circuit breaker per processor name. Entries are
// created on first use and live for the lifetime of the registry.
type BreakerRegistry struct {
	cfg     config.BreakerConfig
	emitter events.Emitter
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*breaker
}

// NewBreakerRegistry creates a new breaker registry
func NewBreakerRegistry(cfg config.BreakerConfig, emitter events.Emitter) *BreakerRegistry {
	if emitter == nil {
		emitter = events.Nop
	}
	return &BreakerRegistry{
		cfg:     cfg,
		emitter: emitter,
		now:     time.Now,
		entries: make(map[string]*breaker),
	}
}

func (r *BreakerRegistry) entry(name string) *breaker {
	r.mu.RLock()
	b, ok := r.entries[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.entries[name]; !ok {
		b = &breaker{}
		r.entries[name] = b
	}
	return b
}

// Allow reports whether a batch for the named processor may run. An open
// breaker whose timeout has elapsed moves to half-open and lets calls through.
func (r *BreakerRegistry) Allow(name string) bool {
	if !r.cfg.Enabled {
		return true
	}
	b := r.entry(name)

	b.mu.Lock()
	if b.state != BreakerOpen {
		b.mu.Unlock()
		return true
	}
	if r.now().Sub(b.lastFailure) < r.cfg.Timeout.Duration() {
		b.mu.Unlock()
		return false
	}
	b.state = BreakerHalfOpen
	b.successes = 0
	failures := b.failures
	b.mu.Unlock()

	r.emit(events.BreakerHalfOpen, name, map[string]any{"failures": failures})
	return true
}

// RecordSuccess registers a successful batch for the named processor
func (r *BreakerRegistry) RecordSuccess(name string) {
	if !r.cfg.Enabled {
		return
	}
	b := r.entry(name)

	b.mu.Lock()
	closed := false
	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= r.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
			closed = true
		}
	}
	b.mu.Unlock()

	if closed {
		r.emit(events.BreakerClosed, name, nil)
	}
}

// RecordFailure registers a failed batch for the named processor. A failure
// while half-open reopens the breaker at once.
func (r *BreakerRegistry) RecordFailure(name string) {
	if !r.cfg.Enabled {
		return
	}
	b := r.entry(name)

	b.mu.Lock()
	opened := false
	b.failures++
	switch b.state {
	case BreakerClosed:
		b.lastFailure = r.now()
		if b.failures >= r.cfg.FailureThreshold {
			b.state = BreakerOpen
			opened = true
		}
	case BreakerHalfOpen:
		b.lastFailure = r.now()
		b.state = BreakerOpen
		b.successes = 0
		opened = true
	}
	failures := b.failures
	b.mu.Unlock()

	if opened {
		r.emit(events.BreakerOpened, name, map[string]any{"failures": failures})
	}
}

// State returns the current state for the named processor
func (r *BreakerRegistry) State(name string) BreakerState {
	r.mu.RLock()
	b, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot copies every known breaker
func (r *BreakerRegistry) Snapshot() map[string]metrics.BreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]metrics.BreakerSnapshot, len(r.entries))
	for name, b := range r.entries {
		b.mu.Lock()
		s := metrics.BreakerSnapshot{
			State:     b.state.String(),
			Failures:  b.failures,
			Successes: b.successes,
		}
		if !b.lastFailure.IsZero() {
			t := b.lastFailure
			s.LastFailure = &t
		}
		b.mu.Unlock()
		out[name] = s
	}
	return out
}

func (r *BreakerRegistry) emit(t events.Type, name string, attrs map[string]any) {
	r.emitter.Emit(events.Event{Type: t, Time: r.now(), Processor: name, Attrs: attrs})
}
