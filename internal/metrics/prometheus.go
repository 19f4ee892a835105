package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"batch-engine/internal/events"
)

const namespace = "batch_engine"

// PrometheusExporter counts lifecycle events and exposes snapshot gauges.
// It is an events.Emitter so it can be attached next to the other sinks.
type PrometheusExporter struct {
	events *prometheus.CounterVec
}

// NewPrometheusExporter registers the engine collectors on reg. snapshot is
// called on every scrape.
func NewPrometheusExporter(reg prometheus.Registerer, snapshot func() Snapshot) (*PrometheusExporter, error) {
	e := &PrometheusExporter{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Lifecycle events emitted by the engine, by type.",
		}, []string{"type"}),
	}

	gauge := func(name, help string, value func(Snapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return value(snapshot()) })
	}
	counter := func(name, help string, value func(Snapshot) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value(snapshot())) })
	}

	collectors := []prometheus.Collector{
		e.events,
		counter("jobs_total", "Jobs accepted by submit.", func(s Snapshot) int64 { return s.TotalJobs }),
		counter("jobs_completed_total", "Jobs that completed.", func(s Snapshot) int64 { return s.CompletedJobs }),
		counter("jobs_failed_total", "Jobs that failed permanently.", func(s Snapshot) int64 { return s.FailedJobs }),
		counter("jobs_retried_total", "Job retries scheduled.", func(s Snapshot) int64 { return s.RetriedJobs }),
		gauge("queue_size", "Jobs waiting in the pending set.", func(s Snapshot) float64 { return float64(s.QueueSize) }),
		gauge("active_workers", "Worker slots in use.", func(s Snapshot) float64 { return float64(s.ActiveWorkers) }),
		gauge("memory_usage_mb", "Last sampled memory usage in MB.", func(s Snapshot) float64 { return s.MemoryUsageMB }),
		gauge("throughput_ops_per_second", "Completed batches per second over the last minute.", func(s Snapshot) float64 { return s.ThroughputPerSec }),
		gauge("error_rate_percent", "Failed jobs as a share of finished jobs.", func(s Snapshot) float64 { return s.ErrorRatePercent }),
		gauge("average_batch_size", "Mean size of dispatched batches.", func(s Snapshot) float64 { return s.AverageBatchSize }),
		gauge("average_processing_time_ms", "Mean processing time of finished jobs.", func(s Snapshot) float64 { return s.AverageProcessingTimeMs }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Emit counts the event by type
func (e *PrometheusExporter) Emit(ev events.Event) {
	e.events.WithLabelValues(string(ev.Type)).Inc()
}
