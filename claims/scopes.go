package claims

import (
	"slices"
	"strings"
)

// ScopeSet is an ordered, de-duplicated set of scope names.
type ScopeSet []string

// NewScopeSet builds a set preserving first-occurrence order and dropping
// empty names.
func NewScopeSet(scopes ...string) ScopeSet {
	out := make(ScopeSet, 0, len(scopes))
	seen := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Has reports whether scope is in the set.
func (s ScopeSet) Has(scope string) bool {
	return slices.Contains(s, scope)
}

// Missing returns the required scopes not covered by s, in required order.
// An empty result means s is a superset of required.
func (s ScopeSet) Missing(required []string) []string {
	var missing []string
	for _, r := range required {
		if !s.Has(r) {
			missing = append(missing, r)
		}
	}
	return missing
}

// String renders the set in the space-delimited OAuth2 form.
func (s ScopeSet) String() string {
	return strings.Join(s, " ")
}
