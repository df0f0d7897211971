// Package registry implements the plugin registry and dependency
// resolver (C8, spec §4.8).
package registry

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/connectias/pluginhost/internal/domain/plugin"
	herr "github.com/connectias/pluginhost/internal/obs/errors"
	"github.com/connectias/pluginhost/internal/obs/logging"
)

// Registry maps plugin.ID to its RegistryEntry. Writers take the
// exclusive lock; readers (Get, List, Stats, Resolve) take the shared lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[plugin.ID]*plugin.RegistryEntry
	windows map[plugin.ID]*plugin.PerformanceWindow
	log     *logging.Logger
}

// New constructs an empty registry.
func New(log *logging.Logger) *Registry {
	if log == nil {
		log = logging.Default()
	}
	return &Registry{
		entries: make(map[plugin.ID]*plugin.RegistryEntry),
		windows: make(map[plugin.ID]*plugin.PerformanceWindow),
		log:     log,
	}
}

// Register inserts a new entry for info, failing with AlreadyExists if
// info.ID is already present.
func (r *Registry) Register(info plugin.Info, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[info.ID]; exists {
		return herr.AlreadyExists("plugin", info.ID.String())
	}
	now := time.Now()
	r.entries[info.ID] = &plugin.RegistryEntry{
		Info:           info,
		PackagePath:    path,
		InstalledAt:    now,
		LastAccessedAt: now,
		State:          plugin.StateInstalled,
		Usage:          plugin.NewResourceUsage(now),
	}
	r.windows[info.ID] = &plugin.PerformanceWindow{}
	return nil
}

// Get returns a deep copy of id's entry.
func (r *Registry) Get(id plugin.ID) (plugin.RegistryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return plugin.RegistryEntry{}, herr.NotFound("plugin", id.String())
	}
	return entry.Clone(), nil
}

// List returns a snapshot of every registered entry.
func (r *Registry) List() []plugin.RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]plugin.RegistryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.ID < out[j].Info.ID })
	return out
}

// Transition moves id to newState and touches last_accessed. Aggregate
// statistics are not stored; Stats computes them on demand, so they
// reflect the new state at once. Invalid transitions fail with
// InvalidInput describing the rejected edge.
func (r *Registry) Transition(id plugin.ID, newState plugin.LifecycleState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return herr.NotFound("plugin", id.String())
	}
	if err := plugin.ValidateTransition(entry.State, newState); err != nil {
		return err
	}
	entry.State = newState
	entry.Touch(time.Now())
	return nil
}

// UpdatePerformance records one execution's outcome against id's rolling
// metrics (spec §3 PluginRegistryEntry.PerformanceMetrics).
func (r *Registry) UpdatePerformance(id plugin.ID, d time.Duration, failed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return herr.NotFound("plugin", id.String())
	}
	window := r.windows[id]
	window.Record(d, failed)
	entry.Performance = window.Metrics()
	entry.Touch(time.Now())
	return nil
}

// UpdateUsage replaces id's live resource usage snapshot.
func (r *Registry) UpdateUsage(id plugin.ID, usage plugin.ResourceUsage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return herr.NotFound("plugin", id.String())
	}
	entry.Usage = usage
	return nil
}

// UpdatePermissions replaces id's granted-permissions snapshot.
func (r *Registry) UpdatePermissions(id plugin.ID, granted plugin.CapabilitySet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return herr.NotFound("plugin", id.String())
	}
	entry.GrantedPermissions = granted
	return nil
}

// AggregateStats summarizes the registry across every entry (spec §4.8
// "Status transitions... recompute registry aggregate statistics").
type AggregateStats struct {
	TotalByState     map[plugin.LifecycleState]int
	TotalMemoryBytes int64
	TotalStorageBytes int64
	AverageSuccessRate float64
}

// Stats computes the current aggregate statistics over all entries.
func (r *Registry) Stats() AggregateStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := AggregateStats{TotalByState: make(map[plugin.LifecycleState]int)}
	var rateSum float64
	var rateCount int
	for _, e := range r.entries {
		stats.TotalByState[e.State]++
		stats.TotalMemoryBytes += e.Usage.MemoryBytes
		stats.TotalStorageBytes += e.Usage.StorageBytes
		if e.Performance.ExecutionCount > 0 {
			rateSum += e.Performance.SuccessRate
			rateCount++
		}
	}
	if rateCount > 0 {
		stats.AverageSuccessRate = rateSum / float64(rateCount)
	}
	return stats
}

// DiscoveryResult is the outcome of scanning a set of filesystem roots
// for package files (spec §4.8 "Discovery").
type DiscoveryResult struct {
	Discovered   []string
	Errors       []string
	ScanDuration time.Duration
	ScanPaths    []string
}

// Discover walks roots for files with a .pkg/.zip extension, collecting
// every readable path found. Unreadable or missing roots contribute an
// error entry without aborting the rest of the scan.
func Discover(roots []string) DiscoveryResult {
	start := time.Now()
	result := DiscoveryResult{ScanPaths: roots}
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				result.Errors = append(result.Errors, path+": "+err.Error())
				return nil
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext == ".zip" || ext == ".pkg" {
				result.Discovered = append(result.Discovered, path)
			}
			return nil
		})
		if err != nil {
			result.Errors = append(result.Errors, root+": "+err.Error())
		}
	}
	result.ScanDuration = time.Since(start)
	return result
}
