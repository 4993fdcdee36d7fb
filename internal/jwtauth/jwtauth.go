// Package jwtauth verifies bearer access tokens: structure, algorithm,
// signature, lifetime, issuer, audience and scope, in that order.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ggoodman/mcp-gateway-go/claims"
	"github.com/ggoodman/mcp-gateway-go/internal/jwks"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls validation behavior for access tokens.
type Config struct {
	Issuer string
	// Audiences lists accepted audiences; a token must carry at least one.
	// Empty skips the audience check entirely.
	Audiences      []string
	RequiredScopes []string
	// Algorithms defaults to RS256 when empty.
	Algorithms []string
	// Leeway is the only clock skew tolerated for exp and iat.
	Leeway time.Duration
}

// SupportedAlgorithms are the asymmetric algorithms a provider may allow.
var SupportedAlgorithms = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
}

var (
	ErrMalformed            = errors.New("jwtauth: malformed token")
	ErrUnsupportedAlgorithm = fmt.Errorf("%w: unsupported algorithm", ErrMalformed)
	ErrKeyNotFound          = jwks.ErrKeyNotFound
	ErrFetchFailed          = jwks.ErrFetchFailed
	ErrBadSignature         = errors.New("jwtauth: invalid signature")
	ErrExpired              = errors.New("jwtauth: token expired")
	ErrNotYetValid          = errors.New("jwtauth: token not yet valid")
	ErrIssuerMismatch       = errors.New("jwtauth: issuer mismatch")
	ErrAudienceMismatch     = errors.New("jwtauth: audience mismatch")
	ErrInsufficientScope    = errors.New("jwtauth: insufficient_scope")
	ErrMissingSubject       = errors.New("jwtauth: missing sub")
)

// ScopeError reports which required scopes the token lacked.
type ScopeError struct {
	Missing []string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("%v: missing %s", ErrInsufficientScope, strings.Join(e.Missing, ", "))
}

func (e *ScopeError) Unwrap() error { return ErrInsufficientScope }

// Validator checks raw tokens against a fixed Config.
type Validator struct {
	cfg  Config
	keys jwks.Resolver
	now  func() time.Time
}

// New builds a Validator. keys supplies verification keys by kid.
func New(cfg Config, keys jwks.Resolver) (*Validator, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("jwtauth: issuer is required")
	}
	if keys == nil {
		return nil, errors.New("jwtauth: key resolver is required")
	}
	if len(cfg.Algorithms) == 0 {
		cfg.Algorithms = []string{"RS256"}
	}
	for _, alg := range cfg.Algorithms {
		if !slices.Contains(SupportedAlgorithms, alg) {
			return nil, fmt.Errorf("jwtauth: algorithm %q is not supported", alg)
		}
	}
	if cfg.Leeway < 0 {
		cfg.Leeway = 0
	}
	return &Validator{cfg: cfg, keys: keys, now: time.Now}, nil
}

// Validate verifies raw and returns its normalized claims. Failures wrap
// exactly one of the package's sentinel errors.
func (v *Validator) Validate(ctx context.Context, raw string) (*claims.ValidatedClaims, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, fmt.Errorf("%w: expected three non-empty segments", ErrMalformed)
	}

	unverified, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenUnverifiable) {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	alg := unverified.Method.Alg()
	if !slices.Contains(v.cfg.Algorithms, alg) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
	kid, _ := unverified.Header["kid"].(string)

	key, err := v.keys.Resolve(ctx, kid)
	if err != nil {
		if errors.Is(err, jwks.ErrFetchFailed) || errors.Is(err, jwks.ErrKeyNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.Algorithms),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithTimeFunc(v.now),
	)
	parsed, err := parser.Parse(raw, func(*jwt.Token) (any, error) { return key, nil })
	if err != nil {
		return nil, classify(err)
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrMalformed)
	}
	vc, err := claims.FromMap(mc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if vc.Issuer != v.cfg.Issuer {
		return nil, fmt.Errorf("%w: got %q", ErrIssuerMismatch, vc.Issuer)
	}
	if len(v.cfg.Audiences) > 0 && !vc.Audience.ContainsAny(v.cfg.Audiences) {
		return nil, ErrAudienceMismatch
	}
	if missing := vc.Scopes.Missing(v.cfg.RequiredScopes); len(missing) > 0 {
		return nil, &ScopeError{Missing: missing}
	}
	if vc.Subject == "" {
		return nil, ErrMissingSubject
	}
	return vc, nil
}

// classify maps golang-jwt's parse errors onto this package's sentinels.
// Claim validation errors are joined, so expiry is checked first.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued), errors.Is(err, jwt.ErrTokenNotValidYet):
		return fmt.Errorf("%w: %v", ErrNotYetValid, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}
