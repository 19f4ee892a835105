package metrics

import "fmt"

// Thresholds raise alerts when a snapshot crosses them. Zero disables a check.
type Thresholds struct {
	QueueSize        int
	ErrorRatePercent float64
	MemoryUsageMB    float64
	ProcessingTimeMs float64
}

// Alert describes one threshold breach
type Alert struct {
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

func (a Alert) String() string {
	return fmt.Sprintf("%s is %.2f (threshold %.2f)", a.Metric, a.Value, a.Threshold)
}

// Check returns every threshold the snapshot exceeds
func (t Thresholds) Check(s Snapshot) []Alert {
	var alerts []Alert
	if t.QueueSize > 0 && s.QueueSize > t.QueueSize {
		alerts = append(alerts, Alert{Metric: "queue_size", Value: float64(s.QueueSize), Threshold: float64(t.QueueSize)})
	}
	if t.ErrorRatePercent > 0 && s.ErrorRatePercent > t.ErrorRatePercent {
		alerts = append(alerts, Alert{Metric: "error_rate_percent", Value: s.ErrorRatePercent, Threshold: t.ErrorRatePercent})
	}
	if t.MemoryUsageMB > 0 && s.MemoryUsageMB > t.MemoryUsageMB {
		alerts = append(alerts, Alert{Metric: "memory_usage_mb", Value: s.MemoryUsageMB, Threshold: t.MemoryUsageMB})
	}
	if t.ProcessingTimeMs > 0 && s.AverageProcessingTimeMs > t.ProcessingTimeMs {
		alerts = append(alerts, Alert{Metric: "processing_time_ms", Value: s.AverageProcessingTimeMs, Threshold: t.ProcessingTimeMs})
	}
	return alerts
}
