package quota

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/connectias/pluginhost/internal/obs/logging"
)

// Monitor samples every registered Tracker at a configurable interval and
// logs warnings above soft thresholds (spec §4.5). It is a long-running
// task, scheduled with robfig/cron rather than a bare time.Ticker so its
// cadence follows the same interval-job idiom as the threat detector's
// baseline recompute.
type Monitor struct {
	mu        sync.RWMutex
	trackers  map[string]*Tracker
	interval  time.Duration
	threshold float64
	log       *logging.Logger

	cronSpec string
	sched    *cron.Cron
}

// NewMonitor builds a Monitor sampling every interval with warnings fired
// at threshold (e.g. 0.5 for the spec's 50% soft thresholds).
func NewMonitor(interval time.Duration, threshold float64, log *logging.Logger) *Monitor {
	if log == nil {
		log = logging.Default()
	}
	return &Monitor{
		trackers:  make(map[string]*Tracker),
		interval:  interval,
		threshold: threshold,
		log:       log,
	}
}

// Register adds pluginID's tracker to the sampling set.
func (m *Monitor) Register(pluginID string, t *Tracker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackers[pluginID] = t
}

// Unregister removes pluginID from the sampling set (called on unload).
func (m *Monitor) Unregister(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trackers, pluginID)
}

// intervalSpec converts a duration into a "@every" cron spec, robfig/cron's
// native way to express fixed-interval jobs.
func intervalSpec(d time.Duration) string {
	if d <= 0 {
		d = 30 * time.Second
	}
	return "@every " + d.String()
}

// Start launches the sampling job and blocks until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	m.sched = cron.New()
	spec := intervalSpec(m.interval)
	m.cronSpec = spec
	if _, err := m.sched.AddFunc(spec, m.sampleOnce); err != nil {
		return err
	}
	m.sched.Start()
	defer m.sched.Stop()

	<-ctx.Done()
	return ctx.Err()
}

func (m *Monitor) sampleOnce() {
	m.mu.RLock()
	snapshot := make(map[string]*Tracker, len(m.trackers))
	for id, t := range m.trackers {
		snapshot[id] = t
	}
	m.mu.RUnlock()

	for id, t := range snapshot {
		if warnings := t.SoftThresholdWarnings(m.threshold); len(warnings) > 0 {
			m.log.WithPlugin(id).WithField("resources", warnings).Warn("resource usage above soft threshold")
		}
	}
}
