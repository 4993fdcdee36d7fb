// Package wellknown builds the OAuth discovery documents served under
// /.well-known/.
package wellknown

import (
	"net"
	"net/http"
	"strings"
)

const (
	ProtectedResourcePath   = "/.well-known/oauth-protected-resource"
	AuthorizationServerPath = "/.well-known/oauth-authorization-server"
	OpenIDConfigurationPath = "/.well-known/openid-configuration"
)

// ProtectedResourceMetadata is the RFC 9728 document.
type ProtectedResourceMetadata struct {
	Resource                          string   `json:"resource"`
	AuthorizationServers              []string `json:"authorization_servers"`
	JwksURI                           string   `json:"jwks_uri,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported            []string `json:"bearer_methods_supported"`
	ResourceSigningAlgValuesSupported []string `json:"resource_signing_alg_values_supported,omitempty"`
	ResourceName                      string   `json:"resource_name,omitempty"`
	ResourceDocumentation             string   `json:"resource_documentation,omitempty"`
}

// AuthServerMetadata is the RFC 8414 document, also served as the OpenID
// configuration.
type AuthServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                     string   `json:"token_endpoint,omitempty"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
	JwksURI                           string   `json:"jwks_uri,omitempty"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint,omitempty"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported,omitempty"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	ClaimsSupported                   []string `json:"claims_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// Provider is the provider-derived input to both documents.
type Provider struct {
	Issuer     string
	JWKSURI    string
	Authorize  string
	Token      string
	Userinfo   string
	Scopes     []string
	Algorithms []string
	// Managed marks AuthKit-style issuers that also host registration,
	// introspection and revocation under {issuer}/oauth2/.
	Managed bool
}

// NewProtectedResource describes resource as protected by p.
func NewProtectedResource(resource string, p Provider) ProtectedResourceMetadata {
	algs := p.Algorithms
	if len(algs) == 0 {
		algs = []string{"RS256"}
	}
	return ProtectedResourceMetadata{
		Resource:                          resource,
		AuthorizationServers:              []string{p.Issuer},
		JwksURI:                           p.JWKSURI,
		ScopesSupported:                   p.Scopes,
		BearerMethodsSupported:            []string{"header"},
		ResourceSigningAlgValuesSupported: algs,
	}
}

// NewAuthServer echoes p's endpoints with the fixed capability lists.
func NewAuthServer(p Provider) AuthServerMetadata {
	m := AuthServerMetadata{
		Issuer:                            p.Issuer,
		AuthorizationEndpoint:             p.Authorize,
		TokenEndpoint:                     p.Token,
		UserinfoEndpoint:                  p.Userinfo,
		JwksURI:                           p.JWKSURI,
		ResponseTypesSupported:            []string{"code"},
		ResponseModesSupported:            []string{"query"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_post", "client_secret_basic"},
		ClaimsSupported:                   []string{"sub", "iss", "aud", "exp", "iat", "scope", "client_id"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		ScopesSupported:                   []string{"openid", "profile", "email", "offline_access"},
	}
	if p.Managed {
		base := strings.TrimSuffix(p.Issuer, "/") + "/oauth2"
		m.RegistrationEndpoint = base + "/register"
		m.IntrospectionEndpoint = base + "/introspection"
		m.RevocationEndpoint = base + "/revoke"
	}
	return m
}

// ResourceURL derives the public URL of the protected resource mounted at
// prefix. The host comes from the request (Host, then X-Forwarded-Host); the
// scheme from X-Forwarded-Proto, falling back to http only for loopback hosts.
func ResourceURL(r *http.Request, prefix string) string {
	host := r.Host
	if host == "" {
		host = r.Header.Get("X-Forwarded-Host")
	}
	if host == "" {
		host = r.Header.Get("X-Original-Host")
	}
	if host == "" {
		host = "localhost:3000"
	}

	scheme := r.Header.Get("X-Forwarded-Proto")
	if i := strings.IndexByte(scheme, ','); i >= 0 {
		scheme = scheme[:i]
	}
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" {
		scheme = "https"
		if isLoopback(host) {
			scheme = "http"
		}
	}
	return scheme + "://" + host + prefix
}

// isLoopback reports whether a Host value, with or without a port, names the
// local machine.
func isLoopback(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// MetadataURL is the protected-resource document URL advertised in bearer
// challenges.
func MetadataURL(r *http.Request) string {
	return ResourceURL(r, ProtectedResourcePath)
}
