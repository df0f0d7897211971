package verify

import (
	"sync"
	"time"
)

// stateKind enumerates the verifier's own health states, independent of
// any single package's verdict (Open Question resolution, SPEC_FULL.md
// §7.1: modeled on a certificate-transparency verifier's
// Healthy/Degraded/CircuitOpen lifecycle). Repeated signature failures
// in a short window point at a systemic problem — a rotated key nobody
// loaded, a corrupted trust store — not a string of unlucky plugins, so
// the verifier trips its own circuit rather than keep rejecting one
// package at a time.
type stateKind int

const (
	stateHealthy stateKind = iota
	stateDegraded
	stateCircuitOpen
)

const (
	degradeAfterFailures = 3
	degradeWindow        = 10 * time.Second
	circuitOpenDuration  = 30 * time.Second
)

// VerifierState tracks the verifier's own operating health across calls,
// separate from any individual package's pass/fail verdict.
type VerifierState struct {
	mu sync.Mutex

	kind             stateKind
	failCount        int
	firstFailureAt   time.Time
	circuitOpenUntil time.Time
}

// NewVerifierState returns a verifier in the Healthy state.
func NewVerifierState() *VerifierState {
	return &VerifierState{kind: stateHealthy}
}

// Allow reports whether a verification attempt may proceed. It returns
// false while the circuit is open, so callers can short-circuit and
// surface a single clear error instead of repeatedly attempting RSA
// verification against what is likely a systemic failure.
func (s *VerifierState) Allow(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind == stateCircuitOpen {
		if now.Before(s.circuitOpenUntil) {
			return false
		}
		s.kind = stateHealthy
		s.failCount = 0
	}
	return true
}

// RecordSuccess resets the failure streak and returns the verifier to
// Healthy.
func (s *VerifierState) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kind = stateHealthy
	s.failCount = 0
}

// RecordFailure advances the streak. Three signature failures inside the
// degrade window move the verifier to Degraded; if failures continue to
// arrive while Degraded, the circuit opens for circuitOpenDuration.
func (s *VerifierState) RecordFailure(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failCount == 0 || now.Sub(s.firstFailureAt) > degradeWindow {
		s.firstFailureAt = now
		s.failCount = 0
	}
	s.failCount++

	switch s.kind {
	case stateHealthy:
		if s.failCount >= degradeAfterFailures {
			s.kind = stateDegraded
		}
	case stateDegraded:
		s.kind = stateCircuitOpen
		s.circuitOpenUntil = now.Add(circuitOpenDuration)
	}
}

// Snapshot describes the current state for status reporting/metrics.
type Snapshot struct {
	Healthy          bool
	Degraded         bool
	CircuitOpen      bool
	FailCount        int
	CircuitOpenUntil time.Time
}

func (s *VerifierState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Healthy:          s.kind == stateHealthy,
		Degraded:         s.kind == stateDegraded,
		CircuitOpen:      s.kind == stateCircuitOpen,
		FailCount:        s.failCount,
		CircuitOpenUntil: s.circuitOpenUntil,
	}
}
