package plugin

import herr "github.com/connectias/pluginhost/internal/obs/errors"

// Capability is a named right drawn from the closed set below. Unknown
// strings are rejected at the manifest boundary (§4.1) and by the
// permission store (§4.4).
//
// Open Question decision (SPEC_FULL.md §7.2): coarse capabilities imply
// their fine-grained children. Network implies network:https. Storage
// implies storage:read and storage:write. SystemInfo has no finer
// children. message:send, message:receive and heartbeat:send are not
// implied by any coarse capability and must be granted explicitly.
// Implies() encodes this single hierarchy.
type Capability string

const (
	CapNetwork         Capability = "Network"
	CapStorage         Capability = "Storage"
	CapSystemInfo      Capability = "SystemInfo"
	CapStorageRead     Capability = "storage:read"
	CapStorageWrite    Capability = "storage:write"
	CapNetworkHTTPS    Capability = "network:https"
	CapMessageSend     Capability = "message:send"
	CapMessageReceive  Capability = "message:receive"
	CapHeartbeatSend   Capability = "heartbeat:send"
)

var knownCapabilities = map[Capability]struct{}{
	CapNetwork: {}, CapStorage: {}, CapSystemInfo: {},
	CapStorageRead: {}, CapStorageWrite: {}, CapNetworkHTTPS: {},
	CapMessageSend: {}, CapMessageReceive: {}, CapHeartbeatSend: {},
}

// coarseImplies maps a coarse capability to the fine-grained capabilities
// it grants without being listed explicitly.
var coarseImplies = map[Capability][]Capability{
	CapNetwork: {CapNetworkHTTPS},
	CapStorage: {CapStorageRead, CapStorageWrite},
}

// ParseCapability validates name against the closed capability set.
func ParseCapability(name string) (Capability, error) {
	c := Capability(name)
	if _, ok := knownCapabilities[c]; !ok {
		return "", herr.UnknownCapability(name)
	}
	return c, nil
}

// Implies reports whether granted satisfies a request for required,
// either directly or through the coarse-implies-fine hierarchy.
func Implies(granted, required Capability) bool {
	if granted == required {
		return true
	}
	for _, fine := range coarseImplies[granted] {
		if fine == required {
			return true
		}
	}
	return false
}

// CapabilitySet is a plugin's declared or granted set of capabilities.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from a slice, validating every entry.
func NewCapabilitySet(names []string) (CapabilitySet, error) {
	set := make(CapabilitySet, len(names))
	for _, n := range names {
		c, err := ParseCapability(n)
		if err != nil {
			return nil, err
		}
		set[c] = struct{}{}
	}
	return set, nil
}

// Has reports whether the set grants required, directly or via Implies.
func (s CapabilitySet) Has(required Capability) bool {
	if _, ok := s[required]; ok {
		return true
	}
	for granted := range s {
		if Implies(granted, required) {
			return true
		}
	}
	return false
}

// HasAll reports whether every capability in required is satisfied.
func (s CapabilitySet) HasAll(required []Capability) bool {
	for _, r := range required {
		if !s.Has(r) {
			return false
		}
	}
	return true
}

// Slice returns the set's members as a sorted-by-insertion-unstable slice;
// callers that need determinism should sort it themselves.
func (s CapabilitySet) Slice() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	return out
}

// Clone returns an independent copy of the set.
func (s CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}
