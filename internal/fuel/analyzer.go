package fuel

import (
	"sync"
	"time"
)

// analyzerWindow bounds the recent operation history kept for anomaly
// detection (spec §4.2 "keeps the most recent N operation patterns";
// SPEC_FULL.md §5.1 fixes N at 50, per connectias-wasm/fuel_meter.rs).
const analyzerWindow = 50

// AnomalyKind enumerates the patterns the analyzer can flag.
type AnomalyKind string

const (
	AnomalyExcessiveCPU      AnomalyKind = "ExcessiveCPU"
	AnomalyMemoryLeak        AnomalyKind = "MemoryLeak"
	AnomalySuspiciousPattern AnomalyKind = "SuspiciousPattern"
)

// Anomaly is one detected irregularity in the recent operation window.
type Anomaly struct {
	Kind   AnomalyKind
	Detail string
}

type sample struct {
	category Category
	at       time.Time
}

// Analyzer keeps a ring of recent fuel-consuming operations and flags
// suspicious patterns such as the same category repeating rapidly.
type Analyzer struct {
	mu      sync.Mutex
	samples []sample
}

// NewAnalyzer returns an empty analyzer.
func NewAnalyzer() *Analyzer { return &Analyzer{} }

// Record appends one observed operation, evicting the oldest once the
// window is full.
func (a *Analyzer) Record(category Category, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples = append(a.samples, sample{category: category, at: at})
	if len(a.samples) > analyzerWindow {
		a.samples = a.samples[len(a.samples)-analyzerWindow:]
	}
}

// Reset clears the window (called alongside Meter.Reset).
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples = nil
}

// rapidRepeatThreshold: a single category occupying this fraction of the
// window is flagged SuspiciousPattern ("rapid repeated operations").
const rapidRepeatThreshold = 0.8

// cpuHeavyThreshold flags ExcessiveCPU when CPU-classed categories
// (Call/Syscall/Interrupt) dominate the window.
const cpuHeavyThreshold = 0.9

// Anomalies inspects the current window and returns any patterns found.
// A window smaller than half-full is considered too young to judge.
func (a *Analyzer) Anomalies() []Anomaly {
	a.mu.Lock()
	samples := append([]sample(nil), a.samples...)
	a.mu.Unlock()

	if len(samples) < analyzerWindow/2 {
		return nil
	}

	counts := make(map[Category]int, 8)
	cpuLike := 0
	memLike := 0
	for _, s := range samples {
		counts[s.category]++
		switch s.category {
		case CategoryCall, CategorySyscall, CategoryInterrupt:
			cpuLike++
		case CategoryMemory, CategoryAlloc:
			memLike++
		}
	}

	var out []Anomaly
	total := float64(len(samples))
	for cat, n := range counts {
		if float64(n)/total >= rapidRepeatThreshold {
			out = append(out, Anomaly{
				Kind:   AnomalySuspiciousPattern,
				Detail: "category repeats beyond threshold in recent window",
			})
			_ = cat
			break
		}
	}
	if float64(cpuLike)/total >= cpuHeavyThreshold {
		out = append(out, Anomaly{Kind: AnomalyExcessiveCPU, Detail: "CPU-classed instructions dominate recent window"})
	}
	if float64(memLike)/total >= cpuHeavyThreshold {
		out = append(out, Anomaly{Kind: AnomalyMemoryLeak, Detail: "memory/alloc instructions dominate recent window"})
	}
	return out
}
