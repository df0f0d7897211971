package plugin

import (
	"sort"
	"time"
)

// performanceWindowCap bounds the rolling duration sample kept for
// percentile computation, per the original_source-supplemented detail in
// SPEC_FULL.md §5.1 (connectias-core/performance.rs keeps a rolling
// histogram of recent execution durations, not just running averages).
const performanceWindowCap = 256

// PerformanceWindow tracks rolling execution statistics for one plugin.
type PerformanceWindow struct {
	durations    []time.Duration
	ExecutionCount int64
	ErrorCount     int64
}

// Record appends one execution's duration and outcome.
func (w *PerformanceWindow) Record(d time.Duration, failed bool) {
	w.ExecutionCount++
	if failed {
		w.ErrorCount++
	}
	w.durations = append(w.durations, d)
	if len(w.durations) > performanceWindowCap {
		w.durations = w.durations[len(w.durations)-performanceWindowCap:]
	}
}

// Metrics computes the current PerformanceMetrics snapshot.
func (w *PerformanceWindow) Metrics() PerformanceMetrics {
	m := PerformanceMetrics{
		ExecutionCount: w.ExecutionCount,
		ErrorCount:     w.ErrorCount,
	}
	if w.ExecutionCount > 0 {
		m.SuccessRate = float64(w.ExecutionCount-w.ErrorCount) / float64(w.ExecutionCount)
	}
	if len(w.durations) == 0 {
		return m
	}
	sorted := make([]time.Duration, len(w.durations))
	copy(sorted, w.durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	m.AverageDuration = total / time.Duration(len(sorted))
	m.P95Duration = percentile(sorted, 0.95)
	m.P99Duration = percentile(sorted, 0.99)
	return m
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// PerformanceMetrics is the read-only snapshot exposed via the registry
// entry (spec §3).
type PerformanceMetrics struct {
	ExecutionCount  int64
	ErrorCount      int64
	SuccessRate     float64
	AverageDuration time.Duration
	P95Duration     time.Duration
	P99Duration     time.Duration
}
