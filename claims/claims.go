// Package claims normalizes the heterogeneous claim shapes found in bearer
// tokens (string or list audiences, OAuth2 "scope" strings, enterprise "scp"
// strings or arrays) into one canonical representation.
package claims

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ValidatedClaims is the per-request view of a verified token.
type ValidatedClaims struct {
	Subject   string
	Issuer    string
	Audience  Audience
	ExpiresAt time.Time
	IssuedAt  time.Time
	// ClientID is empty when the token carries no client_id claim.
	ClientID string
	Scopes   ScopeSet
	// Extra holds every claim other than sub, iss, aud, exp and iat.
	Extra map[string]any
}

// Principal returns the identity used for attribution: the explicit client
// id when present, otherwise the subject.
func (c *ValidatedClaims) Principal() string {
	if c.ClientID != "" {
		return c.ClientID
	}
	return c.Subject
}

// All reassembles the full claim map, registered claims included.
func (c *ValidatedClaims) All() map[string]any {
	out := make(map[string]any, len(c.Extra)+5)
	for k, v := range c.Extra {
		out[k] = v
	}
	out["sub"] = c.Subject
	out["iss"] = c.Issuer
	if !c.Audience.IsEmpty() {
		out["aud"] = c.Audience.value()
	}
	if !c.ExpiresAt.IsZero() {
		out["exp"] = c.ExpiresAt.Unix()
	}
	if !c.IssuedAt.IsZero() {
		out["iat"] = c.IssuedAt.Unix()
	}
	return out
}

var registered = map[string]struct{}{"sub": {}, "iss": {}, "aud": {}, "exp": {}, "iat": {}}

// ErrInvalidClaim reports a claim whose JSON shape cannot be normalized.
var ErrInvalidClaim = errors.New("claims: invalid claim")

// FromMap normalizes a decoded claim set. It does not enforce any policy;
// presence and value checks belong to the validator.
func FromMap(raw map[string]any) (*ValidatedClaims, error) {
	vc := &ValidatedClaims{Extra: make(map[string]any)}

	var ok bool
	if v, present := raw["sub"]; present {
		if vc.Subject, ok = v.(string); !ok {
			return nil, fmt.Errorf("%w: sub must be a string", ErrInvalidClaim)
		}
	}
	if v, present := raw["iss"]; present {
		if vc.Issuer, ok = v.(string); !ok {
			return nil, fmt.Errorf("%w: iss must be a string", ErrInvalidClaim)
		}
	}

	aud, err := ParseAudience(raw["aud"])
	if err != nil {
		return nil, err
	}
	vc.Audience = aud

	if v, present := raw["exp"]; present {
		if vc.ExpiresAt, ok = numericDate(v); !ok {
			return nil, fmt.Errorf("%w: exp must be a number", ErrInvalidClaim)
		}
	}
	if v, present := raw["iat"]; present {
		if vc.IssuedAt, ok = numericDate(v); !ok {
			return nil, fmt.Errorf("%w: iat must be a number", ErrInvalidClaim)
		}
	}

	vc.ClientID = ClientID(raw)
	vc.Scopes = Scopes(raw)

	for k, v := range raw {
		if _, skip := registered[k]; skip {
			continue
		}
		vc.Extra[k] = v
	}
	return vc, nil
}

// ClientID returns the string client_id claim, or "" when absent.
func ClientID(raw map[string]any) string {
	id, _ := raw["client_id"].(string)
	return id
}

// Scopes resolves the token's scope set. Exactly one convention is honored
// per token, in this order:
//
//  1. a string "scope" claim (space delimited)
//  2. a string "scp" claim (space delimited)
//  3. a list "scp" claim (one scope per element)
//
// Anything else yields an empty set.
func Scopes(raw map[string]any) ScopeSet {
	if s, ok := raw["scope"].(string); ok {
		return NewScopeSet(strings.Fields(s)...)
	}
	switch v := raw["scp"].(type) {
	case string:
		return NewScopeSet(strings.Fields(v)...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return NewScopeSet(out...)
	case []string:
		return NewScopeSet(v...)
	}
	return ScopeSet{}
}

func numericDate(v any) (time.Time, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int64:
		return time.Unix(n, 0), true
	case int:
		return time.Unix(int64(n), 0), true
	case json.Number:
		var err error
		if f, err = n.Float64(); err != nil {
			return time.Time{}, false
		}
	default:
		return time.Time{}, false
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)), true
}
