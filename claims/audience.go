package claims

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Audience is a token's "aud" claim. Tokens may carry a single string or a
// list of strings; both are normalized to an ordered list while remembering
// the original shape for re-encoding.
type Audience struct {
	values []string
	single bool
}

// SingleAudience builds the single-string form.
func SingleAudience(v string) Audience {
	return Audience{values: []string{v}, single: true}
}

// ListAudience builds the list form.
func ListAudience(vs ...string) Audience {
	return Audience{values: slices.Clone(vs)}
}

// ParseAudience accepts nil, a string, or a list of strings.
func ParseAudience(v any) (Audience, error) {
	switch a := v.(type) {
	case nil:
		return Audience{}, nil
	case string:
		return SingleAudience(a), nil
	case []string:
		return ListAudience(a...), nil
	case []any:
		out := make([]string, 0, len(a))
		for _, e := range a {
			s, ok := e.(string)
			if !ok {
				return Audience{}, fmt.Errorf("%w: aud entries must be strings", ErrInvalidClaim)
			}
			out = append(out, s)
		}
		return Audience{values: out}, nil
	default:
		return Audience{}, fmt.Errorf("%w: aud must be a string or list of strings", ErrInvalidClaim)
	}
}

// Values returns a copy of the audience entries.
func (a Audience) Values() []string { return slices.Clone(a.values) }

// IsEmpty reports whether the token carried no audience.
func (a Audience) IsEmpty() bool { return len(a.values) == 0 }

// IsSingle reports whether the claim was a bare string.
func (a Audience) IsSingle() bool { return a.single }

// Contains reports equality for a single audience and membership for a list.
func (a Audience) Contains(want string) bool {
	return slices.Contains(a.values, want)
}

// ContainsAny reports whether any of wants is present.
func (a Audience) ContainsAny(wants []string) bool {
	for _, w := range wants {
		if a.Contains(w) {
			return true
		}
	}
	return false
}

func (a Audience) value() any {
	if a.single && len(a.values) == 1 {
		return a.values[0]
	}
	return a.Values()
}

func (a Audience) MarshalJSON() ([]byte, error) {
	if a.IsEmpty() {
		return []byte("null"), nil
	}
	return json.Marshal(a.value())
}
