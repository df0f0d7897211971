// Package threat holds the behavioral-baseline and assessment types
// consumed by the threat detector (C9, spec §4.9).
package threat

import "time"

// Severity buckets an aggregate threat score.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// SeverityFor maps an aggregate score in [0,1] to a Severity using the
// thresholds fixed by spec §4.9: >=0.8 Critical, >=0.6 High, >=0.4 Medium,
// else Low.
func SeverityFor(score float64) Severity {
	switch {
	case score >= 0.8:
		return SeverityCritical
	case score >= 0.6:
		return SeverityHigh
	case score >= 0.4:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// BehaviorProfile is the learned per-plugin baseline used by the anomaly
// and behavior scorers.
type BehaviorProfile struct {
	PluginID            string
	ObservedOperations  map[string]struct{}
	OperationFrequency  map[string]float64 // EWMA of 1 per observation, in [0,1); not a rate
	BaselineAvgDuration time.Duration
	BaselineAvgMemory   int64
	sampleCount         int64
}

// NewBehaviorProfile returns an empty profile ready for Observe.
func NewBehaviorProfile(pluginID string) *BehaviorProfile {
	return &BehaviorProfile{
		PluginID:           pluginID,
		ObservedOperations: make(map[string]struct{}),
		OperationFrequency: make(map[string]float64),
	}
}

const ewmaAlpha = 0.2

// Observe folds one operation's observation into the baseline using an
// exponentially weighted moving average, so the baseline adapts gradually
// rather than being overwritten by a single outlier.
func (p *BehaviorProfile) Observe(operation string, duration time.Duration, memory int64) {
	p.ObservedOperations[operation] = struct{}{}
	p.sampleCount++

	prevFreq := p.OperationFrequency[operation]
	p.OperationFrequency[operation] = prevFreq + ewmaAlpha*(1-prevFreq)

	if p.sampleCount == 1 {
		p.BaselineAvgDuration = duration
		p.BaselineAvgMemory = memory
		return
	}
	p.BaselineAvgDuration = time.Duration(float64(p.BaselineAvgDuration) + ewmaAlpha*(float64(duration)-float64(p.BaselineAvgDuration)))
	p.BaselineAvgMemory = int64(float64(p.BaselineAvgMemory) + ewmaAlpha*(float64(memory)-float64(p.BaselineAvgMemory)))
}

// Assessment is the detector's verdict for one observed event.
type Assessment struct {
	PluginID        string
	Score           float64
	Severity        Severity
	Indicators      []string
	Recommendations []string
	AssessedAt      time.Time
}

// Event is one observed plugin operation, with enough context for the
// four component scorers (anomaly, pattern, intelligence, behavior).
type Event struct {
	PluginID  string
	Operation string
	Context   map[string]any
	Duration  time.Duration
	Memory    int64
	Occurred  time.Time
}
