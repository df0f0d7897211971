// Package plugin holds the plugin host's core domain types: identity,
// manifest metadata, capabilities, resource limits/usage, lifecycle state,
// and the registry entry that aggregates them.
package plugin

import (
	"strings"

	herr "github.com/connectias/pluginhost/internal/obs/errors"
)

// ID is a stable plugin identifier in reverse-domain form:
// [A-Za-z0-9._-]{1,50}, no path separators, no leading/trailing '.', and
// not a reserved device name.
type ID string

const maxIDLen = 50

var reservedNames = map[string]struct{}{
	"con": {}, "prn": {}, "aux": {}, "nul": {},
}

func init() {
	for i := 1; i <= 9; i++ {
		reservedNames[stringsRepeat("com", i)] = struct{}{}
		reservedNames[stringsRepeat("lpt", i)] = struct{}{}
	}
}

// stringsRepeat builds "com1".."com9"/"lpt1".."lpt9" without importing
// fmt just for this.
func stringsRepeat(prefix string, n int) string {
	return prefix + string(rune('0'+n))
}

// Validate checks id against the PluginId syntax. It returns a HostError
// with Kind InvalidInput describing the first violation found.
func (id ID) Validate() error {
	s := string(id)
	if s == "" {
		return herr.InvalidInput("id", "must not be empty")
	}
	if len(s) > maxIDLen {
		return herr.InvalidInput("id", "must be at most 50 characters")
	}
	if strings.ContainsAny(s, "/\\") {
		return herr.InvalidInput("id", "must not contain path separators")
	}
	if strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") {
		return herr.InvalidInput("id", "must not start or end with '.'")
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
		default:
			return herr.InvalidInput("id", "contains an invalid character")
		}
	}
	if _, reserved := reservedNames[strings.ToLower(s)]; reserved {
		return herr.InvalidInput("id", "is a reserved device name")
	}
	return nil
}

func (id ID) String() string { return string(id) }
