package plugin

import "time"

// ResourceLimits bounds a single plugin's resource consumption. Defaults
// (100 MiB / 75% / 10 MiB / 60 rpm / 30s / 1,000,000 fuel) are provided by
// config.DefaultHostConfig, not duplicated here.
type ResourceLimits struct {
	MaxMemoryBytes              int64
	MaxCPUPercent                float64
	MaxStorageBytes              int64
	MaxNetworkRequestsPerMinute  int
	MaxExecutionTime             time.Duration
	MaxFuelUnits                 uint64
}

// ResourceUsage mirrors ResourceLimits with live counters, plus the
// sliding network-request window state from §4.5.
type ResourceUsage struct {
	MemoryBytes      int64
	CPUPercent       float64
	StorageBytes     int64
	NetworkRequests  int
	NetworkWindowEnd time.Time
	ExecutionTime    time.Duration
}

// NewResourceUsage returns a zeroed usage with its network window anchored
// at now.
func NewResourceUsage(now time.Time) ResourceUsage {
	return ResourceUsage{NetworkWindowEnd: now.Add(60 * time.Second)}
}
