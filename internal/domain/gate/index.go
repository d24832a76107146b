package gate

import "strings"

// ConflictPolicy decides which owner wins when a tool name appears in the
// manifests of several toolsets.
type ConflictPolicy string

const (
	// PreferEnabled picks an owner that is already active, else the first
	// listed.
	PreferEnabled ConflictPolicy = "prefer-enabled"
	// FirstMatch always picks the first listed owner.
	FirstMatch ConflictPolicy = "first-match"
	// ErrorOnAmbiguous fails when more than one owner exists.
	ErrorOnAmbiguous ConflictPolicy = "error"
)

// ParseConflictPolicy maps a config string to a policy, defaulting to
// prefer-enabled for unknown values.
func ParseConflictPolicy(s string) ConflictPolicy {
	switch ConflictPolicy(s) {
	case FirstMatch:
		return FirstMatch
	case ErrorOnAmbiguous:
		return ErrorOnAmbiguous
	default:
		return PreferEnabled
	}
}

// normalize lowercases a tool name iff case-insensitive lookup is on.
// Applied only when indexing or looking up in the reverse index, never
// when storing descriptors.
func normalize(name string, caseInsensitive bool) string {
	if caseInsensitive {
		return strings.ToLower(name)
	}
	return name
}

// matchPattern reports whether name matches an allow/block pattern.
// A trailing "*" makes the pattern a prefix match ("p/*" style);
// otherwise matching is exact.
func matchPattern(pattern, name string) bool {
	if p, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, p)
	}
	return pattern == name
}

// matchAny reports whether name matches any of the patterns.
func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if matchPattern(p, name) {
			return true
		}
	}
	return false
}
