package plugin

import "time"

// RegistryEntry aggregates everything the registry (C8) knows about one
// plugin (spec §3).
type RegistryEntry struct {
	Info               Info
	PackagePath        string
	InstalledAt        time.Time
	LastAccessedAt     time.Time
	State              LifecycleState
	ErrorReason        string
	ResolvedDependencies []ID
	Dependents           []ID
	GrantedPermissions   CapabilitySet
	Usage                ResourceUsage
	Performance          PerformanceMetrics
}

// Touch updates LastAccessedAt; the registry calls this on every status
// transition and every performance update (spec §4.8). Lookups through
// Get do not touch the entry.
func (e *RegistryEntry) Touch(now time.Time) {
	e.LastAccessedAt = now
}

// Clone returns a deep-enough copy safe to hand out as a read snapshot.
func (e RegistryEntry) Clone() RegistryEntry {
	out := e
	out.ResolvedDependencies = append([]ID(nil), e.ResolvedDependencies...)
	out.Dependents = append([]ID(nil), e.Dependents...)
	out.GrantedPermissions = e.GrantedPermissions.Clone()
	depIDs := append([]ID(nil), e.Info.Dependencies...)
	out.Info.Dependencies = depIDs
	perms := append([]string(nil), e.Info.Permissions...)
	out.Info.Permissions = perms
	return out
}
