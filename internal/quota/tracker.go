// Package quota implements the live resource counters and enforcement
// order described in spec §4.5.
package quota

import (
	"sync"
	"time"

	"github.com/connectias/pluginhost/internal/domain/plugin"
	herr "github.com/connectias/pluginhost/internal/obs/errors"
	"github.com/connectias/pluginhost/internal/obs/metrics"
)

// Tracker holds one plugin's (limits, usage) pair and enforces the
// check-and-enforce ordering memory -> cpu -> storage -> network-rate ->
// execution-time, failing on the first breach.
type Tracker struct {
	mu     sync.Mutex
	limits plugin.ResourceLimits
	usage  plugin.ResourceUsage
	id     string
}

// New constructs a Tracker for pluginID with the given limits.
func New(pluginID string, limits plugin.ResourceLimits) *Tracker {
	return &Tracker{
		id:     pluginID,
		limits: limits,
		usage:  plugin.NewResourceUsage(time.Now()),
	}
}

// Usage returns a snapshot of the live counters.
func (t *Tracker) Usage() plugin.ResourceUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// Limits returns the configured limits.
func (t *Tracker) Limits() plugin.ResourceLimits {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limits
}

// RecordMemory sets the current memory usage (absolute, not delta — the
// sandbox reports the VM's linear memory size directly).
func (t *Tracker) RecordMemory(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.MemoryBytes = bytes
}

// RecordCPU sets the current CPU percentage estimate.
func (t *Tracker) RecordCPU(percent float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.CPUPercent = percent
}

// RecordStorageDelta adjusts the storage counter by delta bytes (positive
// for writes, negative for deletes).
func (t *Tracker) RecordStorageDelta(delta int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.StorageBytes += delta
	if t.usage.StorageBytes < 0 {
		t.usage.StorageBytes = 0
	}
}

// RecordExecutionTime adds d to the cumulative execution time counter.
func (t *Tracker) RecordExecutionTime(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.ExecutionTime += d
}

// resetNetworkWindowLocked resets the sliding network-request window if
// its deadline has elapsed (spec §4.5: 60-second sliding window).
func (t *Tracker) resetNetworkWindowLocked(now time.Time) {
	if !now.Before(t.usage.NetworkWindowEnd) {
		t.usage.NetworkRequests = 0
		t.usage.NetworkWindowEnd = now.Add(60 * time.Second)
	}
}

// CheckAndEnforce runs the fixed-order breach check — memory -> cpu ->
// storage -> network-rate -> execution-time — without mutating any
// counter. Returns the first SecurityViolation-flavored
// ResourceLimitExceeded breach found, or nil. Every host-import guard
// check uses this; only the network.request import itself should count
// as a network request, via CheckAndEnforceNetwork below.
func (t *Tracker) CheckAndEnforce(now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkLocked(now)
}

// CheckAndEnforceNetwork runs the same breach check and, if it passes,
// counts this call as one network request against the sliding window.
// Call this only from the network.request host import's own dispatch
// path, never from a shared pre-check that every import goes through —
// otherwise unrelated imports (storage, logging, …) would silently
// drain the network-rate budget.
func (t *Tracker) CheckAndEnforceNetwork(now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLocked(now); err != nil {
		return err
	}
	t.usage.NetworkRequests++
	return nil
}

func (t *Tracker) checkLocked(now time.Time) error {
	if t.limits.MaxMemoryBytes > 0 && t.usage.MemoryBytes > t.limits.MaxMemoryBytes {
		metrics.QuotaViolations.WithLabelValues("memory").Inc()
		return herr.ResourceLimitExceeded("memory")
	}
	if t.limits.MaxCPUPercent > 0 && t.usage.CPUPercent > t.limits.MaxCPUPercent {
		metrics.QuotaViolations.WithLabelValues("cpu").Inc()
		return herr.ResourceLimitExceeded("cpu")
	}
	if t.limits.MaxStorageBytes > 0 && t.usage.StorageBytes > t.limits.MaxStorageBytes {
		metrics.QuotaViolations.WithLabelValues("storage").Inc()
		return herr.ResourceLimitExceeded("storage")
	}

	t.resetNetworkWindowLocked(now)
	if t.limits.MaxNetworkRequestsPerMinute > 0 && t.usage.NetworkRequests >= t.limits.MaxNetworkRequestsPerMinute {
		metrics.QuotaViolations.WithLabelValues("network").Inc()
		return herr.ResourceLimitExceeded("network")
	}

	if t.limits.MaxExecutionTime > 0 && t.usage.ExecutionTime > t.limits.MaxExecutionTime {
		metrics.QuotaViolations.WithLabelValues("execution_time").Inc()
		return herr.ResourceLimitExceeded("execution_time")
	}

	return nil
}

// SoftThresholdWarnings reports which counters exceed pct of their limit,
// for the background monitor to log (spec §4.5).
func (t *Tracker) SoftThresholdWarnings(pct float64) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var warnings []string
	if t.limits.MaxMemoryBytes > 0 && float64(t.usage.MemoryBytes) >= pct*float64(t.limits.MaxMemoryBytes) {
		warnings = append(warnings, "memory")
	}
	if t.limits.MaxCPUPercent > 0 && t.usage.CPUPercent >= pct*t.limits.MaxCPUPercent {
		warnings = append(warnings, "cpu")
	}
	if t.limits.MaxStorageBytes > 0 && float64(t.usage.StorageBytes) >= pct*float64(t.limits.MaxStorageBytes) {
		warnings = append(warnings, "storage")
	}
	return warnings
}
