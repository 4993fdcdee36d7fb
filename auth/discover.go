package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Discovery is the subset of an OpenID provider configuration document that
// can seed Settings.
type Discovery struct {
	Issuer                string `json:"issuer"`
	JWKSURI               string `json:"jwks_uri"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
}

// Discover fetches {issuer}/.well-known/openid-configuration. The document's
// issuer must match exactly.
func Discover(ctx context.Context, issuer string) (*Discovery, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta Discovery
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JWKSURI == "" {
		return nil, fmt.Errorf("discovery incomplete: missing jwks_uri")
	}
	return &meta, nil
}

// Apply copies discovered endpoints into s where s leaves them unset. A
// configured static key suppresses the discovered jwks_uri.
func (d *Discovery) Apply(s *Settings) {
	if s.JWKSURI == "" && s.PublicKey == "" {
		s.JWKSURI = d.JWKSURI
	}
	if s.AuthorizeEndpoint == "" && s.TokenEndpoint == "" {
		s.AuthorizeEndpoint = d.AuthorizationEndpoint
		s.TokenEndpoint = d.TokenEndpoint
	}
	if s.UserinfoEndpoint == "" && s.AuthorizeEndpoint != "" && s.TokenEndpoint != "" {
		s.UserinfoEndpoint = d.UserinfoEndpoint
	}
}
