// Package threatdetect implements the threat detector (C9, spec §4.9):
// four independent scorers folded into an aggregate threat score, with
// automated response actions at Critical severity.
package threatdetect

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/connectias/pluginhost/internal/domain/message"
	"github.com/connectias/pluginhost/internal/domain/threat"
	"github.com/connectias/pluginhost/internal/obs/logging"
	"github.com/connectias/pluginhost/internal/obs/metrics"
)

const (
	maxHistoryPerPlugin  = 500
	baselineRecomputeSpec = "@every 5m"
)

// ResponseAction enumerates the automated reactions available to the
// Critical-severity response rule table (spec §4.9).
type ResponseAction string

const (
	ActionSuspendPlugin        ResponseAction = "SuspendPlugin"
	ActionRestrictPermissions  ResponseAction = "RestrictPermissions"
	ActionIncreaseMonitoring   ResponseAction = "IncreaseMonitoring"
	ActionAlertAdministrator   ResponseAction = "AlertAdministrator"
	ActionBlockNetworkAccess   ResponseAction = "BlockNetworkAccess"
)

// Responder receives the actions the detector decides to take for a
// Critical assessment. The manager implements this through the
// permission store, the quota monitor's tracker registration, and plugin
// suspension; IncreaseMonitoring re-registers the plugin's tracker and
// does not change the monitor's sampling interval.
type Responder interface {
	Respond(ctx context.Context, pluginID string, action ResponseAction, assessment threat.Assessment)
}

// Options controls one Observe call.
type Options struct {
	// Respond, when true, runs the Critical-severity response automation.
	// Collapses the spec's separate analyze_behavior/analyze operations
	// (Open Question, SPEC_FULL.md §7.3) into one method with a flag:
	// the manager's ExecutePlugin passes Respond=true; Respond=false
	// scores and records the event without taking any action.
	Respond bool
}

// Detector scores every observed plugin operation and tracks a
// per-plugin behavioral baseline.
type Detector struct {
	mu        sync.Mutex
	profiles  map[string]*threat.BehaviorProfile
	history   map[string][]threat.Event
	rateLimit map[string]*message.RateLimitBucket

	indicators []indicator
	patterns   []patternRule

	responder Responder
	log       *logging.Logger
	sched     *cron.Cron
}

// New constructs a Detector. responder may be nil if no automated
// response is wired yet (e.g. during early bring-up/tests).
func New(responder Responder, log *logging.Logger) *Detector {
	if log == nil {
		log = logging.Default()
	}
	return &Detector{
		profiles:   make(map[string]*threat.BehaviorProfile),
		history:    make(map[string][]threat.Event),
		rateLimit:  make(map[string]*message.RateLimitBucket),
		indicators: defaultIndicators(),
		patterns:   defaultPatternRules(),
		responder:  responder,
		log:        log,
	}
}

// RateLimiter returns (creating if needed) the shared rate-limit bucket
// for (pluginID, operation), reused by the broker for call caps (spec
// §4.9 "The detector also exposes a rate-limiter used by the broker").
func (d *Detector) RateLimiter(pluginID, operation string, maxRequests int, window time.Duration) *message.RateLimitBucket {
	key := pluginID + ":" + operation
	d.mu.Lock()
	defer d.mu.Unlock()
	bucket, ok := d.rateLimit[key]
	if !ok {
		bucket = message.NewRateLimitBucket(maxRequests, window)
		d.rateLimit[key] = bucket
	}
	return bucket
}

// profileFor returns (creating if needed) pluginID's behavior profile.
func (d *Detector) profileFor(pluginID string) *threat.BehaviorProfile {
	p, ok := d.profiles[pluginID]
	if !ok {
		p = threat.NewBehaviorProfile(pluginID)
		d.profiles[pluginID] = p
	}
	return p
}

// Observe scores event against the four component scorers, records it
// in the bounded per-plugin history, updates the behavior baseline, and
// (when opts.Respond) runs response automation on a Critical verdict.
func (d *Detector) Observe(ctx context.Context, event threat.Event, opts Options) threat.Assessment {
	d.mu.Lock()
	profile := d.profileFor(event.PluginID)

	anomaly := anomalyScore(profile, event)
	pattern := patternScore(d.patterns, event)
	intelligence := intelligenceScore(d.indicators, event)
	behavior := behaviorScore(profile, event)

	score := (anomaly + pattern + intelligence + behavior) / 4
	severity := threat.SeverityFor(score)

	var indicatorNames []string
	if pattern > 0 {
		indicatorNames = append(indicatorNames, "pattern_match")
	}
	if intelligence > 0 {
		indicatorNames = append(indicatorNames, "intelligence_match")
	}
	if anomaly > 0.5 {
		indicatorNames = append(indicatorNames, "frequency_anomaly")
	}

	assessment := threat.Assessment{
		PluginID:        event.PluginID,
		Score:           score,
		Severity:        severity,
		Indicators:      indicatorNames,
		Recommendations: recommendationsFor(severity),
		AssessedAt:      event.Occurred,
	}

	hist := append(d.history[event.PluginID], event)
	if len(hist) > maxHistoryPerPlugin {
		hist = hist[len(hist)-maxHistoryPerPlugin:]
	}
	d.history[event.PluginID] = hist

	profile.Observe(event.Operation, event.Duration, event.Memory)
	d.mu.Unlock()

	metrics.ThreatAssessments.WithLabelValues(string(severity)).Inc()

	if opts.Respond && severity == threat.SeverityCritical && d.responder != nil {
		for _, action := range responseRuleFor(severity) {
			d.responder.Respond(ctx, event.PluginID, action, assessment)
		}
	}

	return assessment
}

// responseRuleFor returns the ordered action set for a severity level
// (spec §4.9: "On Critical, the response automation applies actions
// drawn from a rule set").
func responseRuleFor(severity threat.Severity) []ResponseAction {
	if severity != threat.SeverityCritical {
		return nil
	}
	return []ResponseAction{
		ActionAlertAdministrator,
		ActionRestrictPermissions,
		ActionIncreaseMonitoring,
		ActionBlockNetworkAccess,
		ActionSuspendPlugin,
	}
}

func recommendationsFor(severity threat.Severity) []string {
	switch severity {
	case threat.SeverityCritical:
		return []string{"suspend plugin", "restrict permissions", "alert administrator"}
	case threat.SeverityHigh:
		return []string{"increase monitoring", "review recent permission grants"}
	case threat.SeverityMedium:
		return []string{"monitor for repeated occurrences"}
	default:
		return nil
	}
}

// History returns a copy of pluginID's retained event history.
func (d *Detector) History(pluginID string) []threat.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	hist := d.history[pluginID]
	out := make([]threat.Event, len(hist))
	copy(out, hist)
	return out
}

// StartBaselineRecompute runs a periodic job (every 5 minutes, per
// robfig/cron) that drops the behavior profile of any plugin whose most
// recent recorded event is more than 30 minutes old, so a long-unloaded
// plugin's baseline does not linger forever. Blocks until ctx is done.
func (d *Detector) StartBaselineRecompute(ctx context.Context) error {
	d.sched = cron.New()
	if _, err := d.sched.AddFunc(baselineRecomputeSpec, d.pruneStaleProfiles); err != nil {
		return err
	}
	d.sched.Start()
	defer d.sched.Stop()
	<-ctx.Done()
	return ctx.Err()
}

func (d *Detector) pruneStaleProfiles() {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := time.Now().Add(-30 * time.Minute)
	for pluginID, hist := range d.history {
		if len(hist) == 0 {
			continue
		}
		last := hist[len(hist)-1]
		if last.Occurred.Before(cutoff) {
			delete(d.profiles, pluginID)
			d.log.WithPlugin(pluginID).Debug("behavior baseline pruned after inactivity")
		}
	}
}
