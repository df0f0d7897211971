// Package redact scrubs sensitive substrings from strings that originate
// from, or are destined for, a plugin before they reach a log line or a
// security-sensitive error field.
package redact

import "regexp"

type pattern struct {
	name string
	re   *regexp.Regexp
	mask string
}

// order matters: more specific patterns first.
var patterns = []pattern{
	{
		name: "jwt",
		re:   regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`),
		mask: "[REDACTED_JWT]",
	},
	{
		name: "private_key",
		re:   regexp.MustCompile(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----[\s\S]*?-----END\s+(RSA\s+)?PRIVATE\s+KEY-----`),
		mask: "[REDACTED_PRIVATE_KEY]",
	},
	{
		name: "bearer",
		re:   regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-.]{20,}`),
		mask: "Bearer [REDACTED_TOKEN]",
	},
	{
		name: "api_key",
		re:   regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]?([A-Za-z0-9_-]{16,})['"]?`),
		mask: "$1=[REDACTED_API_KEY]",
	},
	{
		name: "secret",
		re:   regexp.MustCompile(`(?i)(secret|client_secret)\s*[:=]\s*['"]?([A-Za-z0-9_-]{12,})['"]?`),
		mask: "$1=[REDACTED_SECRET]",
	},
}

// String returns s with every known sensitive pattern replaced by its mask.
func String(s string) string {
	for _, p := range patterns {
		s = p.re.ReplaceAllString(s, p.mask)
	}
	return s
}

// Fields redacts every string value in a shallow map, leaving other types
// untouched. Used before a plugin-supplied details map is logged or
// surfaced in an error.
func Fields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok {
			out[k] = String(s)
			continue
		}
		out[k] = v
	}
	return out
}
