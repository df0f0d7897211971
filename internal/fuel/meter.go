// Package fuel implements the per-instruction cost accounting described in
// spec §4.2: four monotonic atomic counters, a sticky exhausted flag, and
// the CAS-based protocol that avoids the classical check-then-set race
// (spec §9 "Check-then-set race").
package fuel

import (
	"sync/atomic"
	"time"

	herr "github.com/connectias/pluginhost/internal/obs/errors"
)

// Category enumerates the instruction classes the meter accounts
// separately (spec §3's four counters plus the categories §4.2 lists for
// the cost table).
type Category int

const (
	CategoryMemory Category = iota
	CategoryAlloc
	CategoryCall
	CategoryNetwork
	CategoryFile
	CategorySyscall
	CategoryInterrupt
)

// counterIndex maps a cost-table category onto one of the four monotonic
// counters (cpu, memory, network, file) the spec's data model fixes.
// Memory/alloc bookkeeping lands on the "memory" counter; call/branch/loop
// and syscalls/interrupts are CPU-ish instruction costs; network and file
// are their own counters.
func counterIndex(c Category) int {
	switch c {
	case CategoryMemory, CategoryAlloc:
		return counterMemory
	case CategoryNetwork:
		return counterNetwork
	case CategoryFile:
		return counterFile
	default: // CategoryCall, CategorySyscall, CategoryInterrupt
		return counterCPU
	}
}

const (
	counterCPU = iota
	counterMemory
	counterNetwork
	counterFile
	counterCount
)

// DefaultCostTable is the per-instruction-category cost used unless a
// caller supplies its own.
var DefaultCostTable = map[Category]uint64{
	CategoryMemory:    1,
	CategoryAlloc:     4,
	CategoryCall:      10,
	CategoryNetwork:   200,
	CategoryFile:      150,
	CategorySyscall:   50,
	CategoryInterrupt: 20,
}

// Meter is a single plugin's fuel accounting state. All fields are
// accessed through atomics; Meter has no mutex and is safe for concurrent
// use by multiple goroutines racing to consume fuel for the same plugin
// (spec §8's 10-thread exhaustion property).
type Meter struct {
	counters  [counterCount]atomic.Uint64
	limit     atomic.Uint64
	exhausted atomic.Bool
	costTable map[Category]uint64

	analyzer *Analyzer
}

// New creates a Meter with the given fuel_limit and the default cost
// table.
func New(limit uint64) *Meter {
	m := &Meter{costTable: DefaultCostTable, analyzer: NewAnalyzer()}
	m.limit.Store(limit)
	return m
}

// WithCostTable overrides the per-category costs; used by tests to make
// exhaustion deterministic (e.g. cost(Call)=10, limit=500).
func (m *Meter) WithCostTable(table map[Category]uint64) *Meter {
	m.costTable = table
	return m
}

// Total returns the sum of all four counters: the total fuel consumed so
// far.
func (m *Meter) Total() uint64 {
	var total uint64
	for i := range m.counters {
		total += m.counters[i].Load()
	}
	return total
}

// IsExhausted reports the sticky exhausted flag.
func (m *Meter) IsExhausted() bool { return m.exhausted.Load() }

// Limit returns the current fuel_limit.
func (m *Meter) Limit() uint64 { return m.limit.Load() }

// Consume advances the counter for category by cost(category)*n and then
// runs the exact three-step atomic protocol from spec §4.2:
//  1. Early-out if already exhausted.
//  2. Advance the category counter with sequentially-consistent ordering
//     (Go's atomic package is always sequentially consistent).
//  3. Load the new total; if it exceeds the limit, attempt to flip
//     exhausted false->true with a CAS. Whether this goroutine wins the
//     CAS or another goroutine already has, the outcome is Exhausted.
//     No retry loop is needed: a failed CAS from false can only mean the
//     flag is already true, and counters only grow until Reset.
func (m *Meter) Consume(category Category, n uint64) error {
	if m.exhausted.Load() {
		return herr.FuelExhausted()
	}

	cost := m.costTable[category]
	idx := counterIndex(category)
	m.counters[idx].Add(cost * n)
	m.analyzer.Record(category, time.Now())

	total := m.Total()
	limit := m.limit.Load()
	if total <= limit {
		return nil
	}
	if m.exhausted.CompareAndSwap(false, true) {
		// We were the goroutine that flipped the flag.
		return herr.FuelExhausted()
	}
	// Someone else already flipped it between our Add and our CAS; either
	// way the plugin is exhausted from this call's point of view.
	return herr.FuelExhausted()
}

// SetLimit implements set_fuel_limit (spec §4.2): rejects zero, rejects
// while exhausted (caller must Reset first), and rejects a limit below
// the already-consumed total.
func (m *Meter) SetLimit(newLimit uint64) error {
	if newLimit == 0 {
		return herr.InvalidInput("fuel_limit", "must not be zero")
	}
	if m.exhausted.Load() {
		return herr.ExhaustedState()
	}
	total := m.Total()
	if newLimit < total {
		return herr.LimitTooLow(newLimit, total)
	}
	m.limit.Store(newLimit)
	return nil
}

// Reset clears all counters and the exhausted flag; it is the only path
// back from exhaustion (spec §4.2).
func (m *Meter) Reset() {
	for i := range m.counters {
		m.counters[i].Store(0)
	}
	m.exhausted.Store(false)
	m.analyzer.Reset()
}

// ForceExhaust is used by the cancellation path (spec §4.10): on a
// deadline expiry the caller force-consumes to exhaustion so every later
// Consume call, including those of the host-import guards, fails with
// FuelExhausted until Reset.
func (m *Meter) ForceExhaust() {
	m.limit.Store(0)
	// Ensure Total() > Limit() so the next Consume call observes
	// exhaustion even if counters are all zero.
	m.counters[counterCPU].Add(1)
	m.exhausted.Store(true)
}

// Breakdown returns the current per-counter consumption for reporting.
type Breakdown struct {
	CPU, Memory, Network, File uint64
}

// Report returns the current breakdown, efficiency ratio, and any
// detected anomalies.
func (m *Meter) Report(expectedTotal uint64) Report {
	b := Breakdown{
		CPU:     m.counters[counterCPU].Load(),
		Memory:  m.counters[counterMemory].Load(),
		Network: m.counters[counterNetwork].Load(),
		File:    m.counters[counterFile].Load(),
	}
	total := m.Total()
	efficiency := 1.0
	if total > 0 && expectedTotal > 0 {
		efficiency = float64(expectedTotal) / float64(total)
	}
	return Report{
		Breakdown:  b,
		Total:      total,
		Efficiency: efficiency,
		Anomalies:  m.analyzer.Anomalies(),
	}
}

// Report is a point-in-time fuel consumption summary.
type Report struct {
	Breakdown  Breakdown
	Total      uint64
	Efficiency float64
	Anomalies  []Anomaly
}
