package plugin

import (
	"strings"

	herr "github.com/connectias/pluginhost/internal/obs/errors"
)

// Info is the declared plugin metadata parsed from plugin.json/plugin.toml
// (spec §3, §6).
type Info struct {
	ID              ID
	Name            string
	Version         string
	Author          string
	Description     string
	MinCoreVersion  string
	MaxCoreVersion  string // optional, empty means unbounded
	Permissions     []string
	EntryPoint      string
	Dependencies    []ID
}

// Validate checks every required field and that every declared permission
// is a known capability. It does not check semver ordering against the
// running core version; that is the registry's job at load time.
func (m Info) Validate() error {
	if err := m.ID.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(m.Name) == "" {
		return herr.InvalidManifest("name")
	}
	if strings.TrimSpace(m.Version) == "" {
		return herr.InvalidManifest("version")
	}
	if strings.TrimSpace(m.EntryPoint) == "" {
		return herr.InvalidManifest("entry_point")
	}
	if strings.TrimSpace(m.MinCoreVersion) == "" {
		return herr.InvalidManifest("min_core_version")
	}
	for _, p := range m.Permissions {
		if _, err := ParseCapability(p); err != nil {
			return err
		}
	}
	for _, dep := range m.Dependencies {
		if err := dep.Validate(); err != nil {
			return herr.InvalidManifest("dependencies")
		}
	}
	return nil
}

// CapabilitySet builds the declared capability set from Permissions.
// Validate must have succeeded first.
func (m Info) CapabilitySet() CapabilitySet {
	set, _ := NewCapabilitySet(m.Permissions)
	return set
}
