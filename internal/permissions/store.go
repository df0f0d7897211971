// Package permissions implements the per-plugin capability grant store
// (C4, spec §4.4).
package permissions

import (
	"sync"

	"github.com/connectias/pluginhost/internal/domain/plugin"
	herr "github.com/connectias/pluginhost/internal/obs/errors"
	"github.com/connectias/pluginhost/internal/obs/logging"
)

// Store maps a PluginId to its granted capability set. All mutations are
// atomic under a single-writer/multi-reader lock; readers never observe a
// half-written set (spec §4.4, §5).
type Store struct {
	mu   sync.RWMutex
	sets map[plugin.ID]plugin.CapabilitySet
	log  *logging.Logger
}

// New constructs an empty permission store.
func New(log *logging.Logger) *Store {
	if log == nil {
		log = logging.Default()
	}
	return &Store{sets: make(map[plugin.ID]plugin.CapabilitySet), log: log}
}

// recoverPoisoned is invoked via defer/recover around mutating operations
// so a panic while holding the write lock degrades to a fresh empty set
// for that plugin plus a warning, rather than deadlocking the host
// (spec §5 "Lock poisoning").
func (s *Store) recoverPoisoned(id plugin.ID) {
	if r := recover(); r != nil {
		s.log.WithPlugin(id.String()).Warn("permission store recovered from a poisoned write; resetting to empty set")
		s.sets[id] = make(plugin.CapabilitySet)
	}
}

// Grant adds capabilities to id's set, validating every name first.
func (s *Store) Grant(id plugin.ID, capabilities []string) error {
	if id == "" {
		return herr.InvalidInput("plugin_id", "must not be empty")
	}
	toAdd, err := plugin.NewCapabilitySet(capabilities)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.recoverPoisoned(id)

	existing := s.sets[id]
	if existing == nil {
		existing = make(plugin.CapabilitySet)
	}
	for c := range toAdd {
		existing[c] = struct{}{}
	}
	s.sets[id] = existing
	return nil
}

// Revoke removes capabilities from id's set.
func (s *Store) Revoke(id plugin.ID, capabilities []string) error {
	if id == "" {
		return herr.InvalidInput("plugin_id", "must not be empty")
	}
	toRemove, err := plugin.NewCapabilitySet(capabilities)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.recoverPoisoned(id)

	existing := s.sets[id]
	for c := range toRemove {
		delete(existing, c)
	}
	return nil
}

// Set replaces id's entire granted set.
func (s *Store) Set(id plugin.ID, capabilities []string) error {
	if id == "" {
		return herr.InvalidInput("plugin_id", "must not be empty")
	}
	set, err := plugin.NewCapabilitySet(capabilities)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.recoverPoisoned(id)
	s.sets[id] = set
	return nil
}

// Restrict narrows id's granted set to the intersection with allowed; used
// by the threat response automation's RestrictPermissions action.
func (s *Store) Restrict(id plugin.ID, allowed []string) error {
	allowedSet, err := plugin.NewCapabilitySet(allowed)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.recoverPoisoned(id)

	existing := s.sets[id]
	for c := range existing {
		if _, ok := allowedSet[c]; !ok {
			delete(existing, c)
		}
	}
	return nil
}

// Has reports whether id's granted set satisfies required (directly or by
// implication).
func (s *Store) Has(id plugin.ID, required plugin.Capability) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sets[id].Has(required)
}

// CheckRequired returns PermissionDenied naming the first missing
// capability, or nil if every required capability is granted. Called both
// at load time and, per SPEC_FULL.md §5.1's zero-trust carry-over, on
// every host-import dispatch inside the sandbox.
func (s *Store) CheckRequired(id plugin.ID, required []plugin.Capability) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.sets[id]
	for _, r := range required {
		if !set.Has(r) {
			return herr.PermissionDenied(id.String(), string(r))
		}
	}
	return nil
}

// List returns a snapshot of id's granted capabilities.
func (s *Store) List(id plugin.ID) []plugin.Capability {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sets[id].Clone().Slice()
}

// Snapshot returns a deep copy of id's capability set, suitable for
// embedding in a registry entry.
func (s *Store) Snapshot(id plugin.ID) plugin.CapabilitySet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sets[id].Clone()
}
