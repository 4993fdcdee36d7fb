package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/ggoodman/mcp-gateway-go/internal/jwtauth"
	"github.com/golang-jwt/jwt/v5"
	"github.com/joeshaw/envdecode"
)

// ErrConfiguration marks provider settings that can never authenticate a
// request. It is detected once and reported on every request.
var ErrConfiguration = errors.New("auth: invalid provider configuration")

// Settings is the flat, environment-shaped provider input.
type Settings struct {
	Issuer    string `env:"MCP_JWT_ISSUER"`
	Audience  string `env:"MCP_JWT_AUDIENCE"` // comma separated; any one must match
	JWKSURI   string `env:"MCP_JWT_JWKS_URI"`
	PublicKey string `env:"MCP_JWT_PUBLIC_KEY"` // PEM; literal "\n" sequences are accepted
	Algorithm string `env:"MCP_JWT_ALGORITHM,default=RS256"`
	// RequiredScopes is comma or space separated.
	RequiredScopes string `env:"MCP_JWT_REQUIRED_SCOPES"`

	AuthorizeEndpoint string `env:"MCP_OAUTH_AUTHORIZE_ENDPOINT"`
	TokenEndpoint     string `env:"MCP_OAUTH_TOKEN_ENDPOINT"`
	UserinfoEndpoint  string `env:"MCP_OAUTH_USERINFO_ENDPOINT"`

	// Provider is a hint: "", "authkit" (alias "workos") or "oidc".
	Provider string        `env:"MCP_JWT_PROVIDER"`
	Leeway   time.Duration `env:"MCP_JWT_LEEWAY,default=0s"`
}

// LoadSettings reads Settings from the process environment.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := envdecode.Decode(&s); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Settings{}, fmt.Errorf("decode provider settings: %w", err)
	}
	return s, nil
}

// ProviderConfigured reports whether any provider identity was supplied.
// A partial configuration counts as configured so Resolve can reject it.
func (s Settings) ProviderConfigured() bool {
	for _, v := range []string{s.Issuer, s.JWKSURI, s.PublicKey} {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

// KeySource is where verification keys come from. It is either StaticKey or
// KeySetEndpoint.
type KeySource interface {
	isKeySource()
}

// StaticKey is a single configured public key.
type StaticKey struct {
	PEM string
	Key crypto.PublicKey
}

// KeySetEndpoint is a remote JWKS document.
type KeySetEndpoint struct {
	URL string
}

func (StaticKey) isKeySource()      {}
func (KeySetEndpoint) isKeySource() {}

// OAuthEndpoints are advertised to clients; they are never called here.
type OAuthEndpoints struct {
	Authorize string
	Token     string
	Userinfo  string
}

// ProviderConfig is the validated, immutable identity provider description.
type ProviderConfig struct {
	Provider       string
	Issuer         string
	Audiences      []string
	Keys           KeySource
	RequiredScopes []string
	OAuth          *OAuthEndpoints
	Algorithms     []string
	Leeway         time.Duration
}

// JWKSURI returns the key-set URL, or "" for a static key.
func (p ProviderConfig) JWKSURI() string {
	if ks, ok := p.Keys.(KeySetEndpoint); ok {
		return ks.URL
	}
	return ""
}

// ValidatorConfig projects the fields the token validator needs.
func (p ProviderConfig) ValidatorConfig() jwtauth.Config {
	return jwtauth.Config{
		Issuer:         p.Issuer,
		Audiences:      slices.Clone(p.Audiences),
		RequiredScopes: slices.Clone(p.RequiredScopes),
		Algorithms:     slices.Clone(p.Algorithms),
		Leeway:         p.Leeway,
	}
}

const (
	ProviderAuthKit = "authkit"
	ProviderOIDC    = "oidc"
)

// Resolve validates s and derives a ProviderConfig. It performs no I/O.
func Resolve(s Settings) (ProviderConfig, error) {
	var cfg ProviderConfig

	hint := strings.ToLower(strings.TrimSpace(s.Provider))
	switch hint {
	case "", "generic", ProviderOIDC:
	case ProviderAuthKit, "workos":
		hint = ProviderAuthKit
	default:
		return cfg, fmt.Errorf("%w: unknown provider %q", ErrConfiguration, s.Provider)
	}

	if strings.TrimSpace(s.Issuer) == "" {
		return cfg, fmt.Errorf("%w: issuer is required", ErrConfiguration)
	}
	issuer, err := normalizeIssuer(s.Issuer)
	if err != nil {
		return cfg, err
	}
	cfg.Issuer = issuer
	if hint == "" && isAuthKitIssuer(issuer) {
		hint = ProviderAuthKit
	}
	cfg.Provider = hint

	jwksURI := strings.TrimSpace(s.JWKSURI)
	pemText := strings.TrimSpace(s.PublicKey)
	authorize := strings.TrimSpace(s.AuthorizeEndpoint)
	token := strings.TrimSpace(s.TokenEndpoint)
	userinfo := strings.TrimSpace(s.UserinfoEndpoint)

	if hint == ProviderAuthKit {
		base, err := normalizeURL("issuer", issuer)
		if err != nil {
			return cfg, err
		}
		base = strings.TrimSuffix(base, "/")
		if jwksURI == "" && pemText == "" {
			jwksURI = base + "/oauth2/jwks"
		}
		if authorize == "" {
			authorize = base + "/oauth2/authorize"
		}
		if token == "" {
			token = base + "/oauth2/token"
		}
		if userinfo == "" {
			userinfo = base + "/oauth2/userinfo"
		}
	}

	switch {
	case jwksURI != "" && pemText != "":
		return cfg, fmt.Errorf("%w: configure either a public key or a JWKS URI, not both", ErrConfiguration)
	case jwksURI == "" && pemText == "":
		return cfg, fmt.Errorf("%w: a public key or a JWKS URI is required", ErrConfiguration)
	case jwksURI != "":
		u, err := normalizeURL("jwks_uri", jwksURI)
		if err != nil {
			return cfg, err
		}
		cfg.Keys = KeySetEndpoint{URL: u}
	default:
		key, err := parsePublicKey(pemText)
		if err != nil {
			return cfg, err
		}
		cfg.Keys = StaticKey{PEM: pemText, Key: key}
	}

	cfg.Algorithms = splitList(s.Algorithm, ",")
	if len(cfg.Algorithms) == 0 {
		cfg.Algorithms = []string{"RS256"}
	}
	for _, alg := range cfg.Algorithms {
		if !slices.Contains(jwtauth.SupportedAlgorithms, alg) {
			return cfg, fmt.Errorf("%w: unsupported algorithm %q", ErrConfiguration, alg)
		}
	}
	if sk, ok := cfg.Keys.(StaticKey); ok {
		if err := checkKeyMatchesAlgorithms(sk.Key, cfg.Algorithms); err != nil {
			return cfg, err
		}
	}

	cfg.Audiences = splitList(s.Audience, ",")
	cfg.RequiredScopes = splitList(strings.ReplaceAll(s.RequiredScopes, ",", " "), " ")

	if authorize != "" || token != "" {
		if authorize == "" || token == "" {
			return cfg, fmt.Errorf("%w: authorize and token endpoints must be configured together", ErrConfiguration)
		}
		ep := &OAuthEndpoints{}
		if ep.Authorize, err = normalizeURL("authorize endpoint", authorize); err != nil {
			return cfg, err
		}
		if ep.Token, err = normalizeURL("token endpoint", token); err != nil {
			return cfg, err
		}
		if userinfo != "" {
			if ep.Userinfo, err = normalizeURL("userinfo endpoint", userinfo); err != nil {
				return cfg, err
			}
		}
		cfg.OAuth = ep
	} else if userinfo != "" {
		return cfg, fmt.Errorf("%w: userinfo endpoint requires authorize and token endpoints", ErrConfiguration)
	}

	if s.Leeway < 0 {
		return cfg, fmt.Errorf("%w: leeway must not be negative", ErrConfiguration)
	}
	cfg.Leeway = s.Leeway
	return cfg, nil
}

// normalizeIssuer applies the URL rules only to issuers written as http(s)
// URLs. Anything else is an opaque string and is kept verbatim, since tokens
// are matched against it with exact equality.
func normalizeIssuer(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
		return v, nil
	}
	return normalizeURL("issuer", v)
}

// normalizeURL prefixes bare domains with https:// and rejects plain http
// for anything but loopback hosts.
func normalizeURL(field, raw string) (string, error) {
	v := strings.TrimSpace(raw)
	if !strings.Contains(v, "://") {
		v = "https://" + v
	}
	u, err := url.Parse(v)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrConfiguration, field, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: %s %q has no host", ErrConfiguration, field, raw)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !IsLoopbackHost(u.Hostname()) {
			return "", fmt.Errorf("%w: %s %q must use https", ErrConfiguration, field, raw)
		}
	default:
		return "", fmt.Errorf("%w: %s %q has unsupported scheme %q", ErrConfiguration, field, raw, u.Scheme)
	}
	return v, nil
}

// IsLoopbackHost reports whether host names the local machine.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

func isAuthKitIssuer(issuer string) bool {
	if !strings.Contains(issuer, "://") {
		issuer = "https://" + issuer
	}
	u, err := url.Parse(issuer)
	if err != nil {
		return false
	}
	h := strings.ToLower(u.Hostname())
	return strings.HasSuffix(h, ".authkit.app") || strings.HasSuffix(h, ".workos.com")
}

func parsePublicKey(text string) (crypto.PublicKey, error) {
	data := []byte(strings.ReplaceAll(text, `\n`, "\n"))
	if k, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
		return k, nil
	}
	if k, err := jwt.ParseECPublicKeyFromPEM(data); err == nil {
		return k, nil
	}
	return nil, fmt.Errorf("%w: public key is not a PEM encoded RSA or EC public key", ErrConfiguration)
}

func checkKeyMatchesAlgorithms(key crypto.PublicKey, algs []string) error {
	for _, alg := range algs {
		var ok bool
		switch key.(type) {
		case *rsa.PublicKey:
			ok = strings.HasPrefix(alg, "RS") || strings.HasPrefix(alg, "PS")
		case *ecdsa.PublicKey:
			ok = strings.HasPrefix(alg, "ES")
		}
		if !ok {
			return fmt.Errorf("%w: algorithm %s cannot be used with the configured public key", ErrConfiguration, alg)
		}
	}
	return nil
}

func splitList(v, sep string) []string {
	var out []string
	for _, p := range strings.Split(v, sep) {
		if p = strings.TrimSpace(p); p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}
