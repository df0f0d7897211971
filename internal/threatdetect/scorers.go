package threatdetect

import (
	"math"
	"regexp"
	"strings"

	"github.com/connectias/pluginhost/internal/domain/threat"
)

// indicator is one curated threat-intelligence entry: a substring to
// match in the event's operation/context plus a confidence weight.
type indicator struct {
	name       string
	substrings []string
	confidence float64
}

func defaultIndicators() []indicator {
	return []indicator{
		{name: "known_c2_beacon", substrings: []string{"beacon", "c2-callback"}, confidence: 0.95},
		{name: "credential_harvest", substrings: []string{"/etc/passwd", "id_rsa", ".aws/credentials"}, confidence: 0.9},
		{name: "crypto_miner", substrings: []string{"stratum+tcp", "xmrig"}, confidence: 0.85},
	}
}

// patternRule is a known-bad regex against the event's operation name or
// a context field, grouped by category (spec §4.9 "suspicious-network,
// resource-abuse").
type patternRule struct {
	name     string
	category string
	re       *regexp.Regexp
}

func defaultPatternRules() []patternRule {
	return []patternRule{
		{name: "suspicious_network_raw_ip", category: "suspicious-network", re: regexp.MustCompile(`network\.request.*\b\d{1,3}(\.\d{1,3}){3}\b`)},
		{name: "suspicious_network_nonstandard_port", category: "suspicious-network", re: regexp.MustCompile(`:(4444|1337|6667)\b`)},
		{name: "resource_abuse_loop", category: "resource-abuse", re: regexp.MustCompile(`(?i)while\s*\(\s*true\s*\)|for\s*\(\s*;;\s*\)`)},
		{name: "resource_abuse_fork_bomb", category: "resource-abuse", re: regexp.MustCompile(`(?i)fork\s*\(\s*\)\s*.*fork\s*\(\s*\)`)},
	}
}

// eventText flattens an event's operation and string-valued context
// fields into one haystack for pattern/indicator matching.
func eventText(e threat.Event) string {
	var sb strings.Builder
	sb.WriteString(e.Operation)
	for k, v := range e.Context {
		if s, ok := v.(string); ok {
			sb.WriteByte(' ')
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(s)
		}
	}
	return sb.String()
}

// anomalyScore scores how unfamiliar this operation is to the plugin's
// learned baseline: an operation the plugin has never performed scores
// 0.6; a seen one scores 1/(10*baseline) capped at 1, so rarely observed
// operations score higher than well-established ones. Only the baseline
// value is used; the operation's current rate is not measured, so a
// familiar operation whose frequency rises sharply does not score higher.
func anomalyScore(profile *threat.BehaviorProfile, e threat.Event) float64 {
	if _, seen := profile.ObservedOperations[e.Operation]; !seen {
		return 0.6
	}
	baseline := profile.OperationFrequency[e.Operation]
	if baseline <= 0 {
		return 0.3
	}
	ratio := 1.0 / baseline
	score := math.Min(1.0, ratio/10.0)
	if score < 0 {
		score = 0
	}
	return score
}

// patternScore is the fraction of known-bad regexes matched by this
// event, in [0,1].
func patternScore(rules []patternRule, e threat.Event) float64 {
	if len(rules) == 0 {
		return 0
	}
	text := eventText(e)
	hits := 0
	for _, r := range rules {
		if r.re.MatchString(text) {
			hits++
		}
	}
	return float64(hits) / float64(len(rules))
}

// intelligenceScore is the confidence of the highest-confidence curated
// indicator whose substring appears in the event.
func intelligenceScore(indicators []indicator, e threat.Event) float64 {
	text := strings.ToLower(eventText(e))
	best := 0.0
	for _, ind := range indicators {
		for _, sub := range ind.substrings {
			if strings.Contains(text, strings.ToLower(sub)) && ind.confidence > best {
				best = ind.confidence
			}
		}
	}
	return best
}

// behaviorScore is a weighted deviation from the baseline across three
// dimensions: a never-seen operation, timing far from the learned
// average, and memory far from the learned average.
func behaviorScore(profile *threat.BehaviorProfile, e threat.Event) float64 {
	const (
		weightOperation = 0.4
		weightDuration  = 0.3
		weightMemory    = 0.3
	)

	var opScore float64
	if _, seen := profile.ObservedOperations[e.Operation]; !seen {
		opScore = 1.0
	}

	durationScore := deviationRatio(float64(profile.BaselineAvgDuration), float64(e.Duration))
	memoryScore := deviationRatio(float64(profile.BaselineAvgMemory), float64(e.Memory))

	return weightOperation*opScore + weightDuration*durationScore + weightMemory*memoryScore
}

// deviationRatio measures how far observed is from baseline, clamped to
// [0,1]: 0 means at or below baseline, 1 means 3x baseline or more.
func deviationRatio(baseline, observed float64) float64 {
	if baseline <= 0 {
		return 0
	}
	ratio := (observed - baseline) / baseline
	if ratio <= 0 {
		return 0
	}
	return math.Min(1.0, ratio/2.0)
}
