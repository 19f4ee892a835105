// Package events defines the lifecycle events the engine emits and the
// emitters that deliver them to monitoring collaborators.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Type names a lifecycle event
type Type string

const (
	JobQueued             Type = "job.queued"
	JobStarted            Type = "job.started"
	JobCompleted          Type = "job.completed"
	JobFailed             Type = "job.failed"
	JobRetrying           Type = "job.retrying"
	JobCancelled          Type = "job.cancelled"
	BreakerOpened         Type = "breaker.opened"
	BreakerHalfOpen       Type = "breaker.half_open"
	BreakerClosed         Type = "breaker.closed"
	BatchValidationFailed Type = "batch.validation_failed"
	BatchSizeAdjusted     Type = "batch.size_adjusted"
	MemoryPressure        Type = "memory.pressure_handled"
	MemoryGCTriggered     Type = "memory.gc_triggered"
	Alert                 Type = "alert"
	MetricsSnapshot       Type = "metrics.snapshot"
)

// Event is a single structured lifecycle notification
type Event struct {
	Type      Type           `json:"type"`
	Time      time.Time      `json:"time"`
	JobID     string         `json:"job_id,omitempty"`
	Processor string         `json:"processor,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Emitter receives events. Implementations must be safe for concurrent use
// and must not block the caller for long.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// Nop discards every event
var Nop Emitter = EmitterFunc(func(Event) {})

type multi []Emitter

func (m multi) Emit(e Event) {
	for _, em := range m {
		em.Emit(e)
	}
}

// Multi fans an event out to every non-nil emitter, in order
func Multi(emitters ...Emitter) Emitter {
	var out multi
	for _, em := range emitters {
		if em != nil {
			out = append(out, em)
		}
	}
	switch len(out) {
	case 0:
		return Nop
	case 1:
		return out[0]
	}
	return out
}

// LogEmitter writes events to a structured logger
type LogEmitter struct {
	Logger *slog.Logger
}

func (l LogEmitter) Emit(e Event) {
	if l.Logger == nil {
		return
	}
	level := slog.LevelDebug
	switch e.Type {
	case JobFailed, BreakerOpened, Alert, MemoryPressure:
		level = slog.LevelWarn
	case JobQueued, JobCompleted, JobRetrying, JobCancelled, BreakerClosed:
		level = slog.LevelInfo
	}
	attrs := make([]slog.Attr, 0, len(e.Attrs)+2)
	if e.JobID != "" {
		attrs = append(attrs, slog.String("job_id", e.JobID))
	}
	if e.Processor != "" {
		attrs = append(attrs, slog.String("processor", e.Processor))
	}
	for k, v := range e.Attrs {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.Logger.LogAttrs(context.Background(), level, string(e.Type), attrs...)
}

// Recorder keeps every event in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events of type t were recorded
func (r *Recorder) Count(t Type) int {
	return len(r.OfType(t))
}
