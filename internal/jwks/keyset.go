// Package jwks resolves token verification keys, either from a single static
// key or from a remote JSON Web Key Set endpoint with caching.
package jwks

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

var (
	// ErrKeyNotFound means no usable key matched the token's key id.
	ErrKeyNotFound = errors.New("jwks: key not found")
	// ErrFetchFailed means the key set could not be retrieved or parsed.
	ErrFetchFailed = errors.New("jwks: fetch failed")
)

// Resolver returns the verification key for a key id. An empty kid means the
// token header carried none.
type Resolver interface {
	Resolve(ctx context.Context, kid string) (any, error)
}

type staticResolver struct{ key any }

// Static returns a Resolver that always yields key, whatever the kid.
func Static(key any) Resolver { return staticResolver{key: key} }

func (s staticResolver) Resolve(context.Context, string) (any, error) {
	if s.key == nil {
		return nil, ErrKeyNotFound
	}
	return s.key, nil
}

// KeySet is the usable subset of a fetched JWKS document: public RSA or EC
// keys whose "use" is empty or "sig", in document order.
type KeySet struct {
	keys []jose.JSONWebKey
}

// ParseKeySet decodes a JWKS document. Entries that go-jose cannot decode
// (unknown key types, malformed members) and non-signing keys are skipped
// rather than failing the whole document.
func ParseKeySet(data []byte) (*KeySet, error) {
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode key set: %v", ErrFetchFailed, err)
	}
	if doc.Keys == nil {
		return nil, fmt.Errorf("%w: document has no \"keys\" member", ErrFetchFailed)
	}

	set := &KeySet{keys: make([]jose.JSONWebKey, 0, len(doc.Keys))}
	for _, raw := range doc.Keys {
		var k jose.JSONWebKey
		if err := k.UnmarshalJSON(raw); err != nil {
			continue
		}
		if !usableForSigning(k) {
			continue
		}
		set.keys = append(set.keys, k)
	}
	return set, nil
}

func usableForSigning(k jose.JSONWebKey) bool {
	if k.Use != "" && k.Use != "sig" {
		return false
	}
	if !k.IsPublic() || !k.Valid() {
		return false
	}
	switch k.Key.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return true
	}
	return false
}

// Len reports the number of usable keys.
func (s *KeySet) Len() int { return len(s.keys) }

// KeyIDs lists the kid of every usable key, in order.
func (s *KeySet) KeyIDs() []string {
	out := make([]string, len(s.keys))
	for i, k := range s.keys {
		out[i] = k.KeyID
	}
	return out
}

// Lookup selects by exact kid. Without a kid the sole key is returned when
// the set holds exactly one; every other combination is ErrKeyNotFound.
func (s *KeySet) Lookup(kid string) (any, error) {
	if kid == "" {
		if len(s.keys) == 1 {
			return s.keys[0].Key, nil
		}
		return nil, fmt.Errorf("%w: token has no kid and key set holds %d keys", ErrKeyNotFound, len(s.keys))
	}
	for _, k := range s.keys {
		if k.KeyID == kid {
			return k.Key, nil
		}
	}
	return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}
