package jwtauth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway-go/internal/jwks"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const testIssuer = "https://issuer.example.com"

func genRSA(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	return pk
}

func signToken(t *testing.T, method jwt.SigningMethod, key any, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func baseClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   testIssuer,
		"sub":   "user-123",
		"aud":   "mcp-api",
		"iat":   now.Add(-time.Minute).Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"scope": "tools:read tools:call",
	}
}

func newValidator(t *testing.T, cfg Config, keys jwks.Resolver) *Validator {
	t.Helper()
	v, err := New(cfg, keys)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestValidateHappyPath(t *testing.T) {
	pk := genRSA(t)
	v := newValidator(t, Config{Issuer: testIssuer, Audiences: []string{"mcp-api"}, RequiredScopes: []string{"tools:call"}}, jwks.Static(&pk.PublicKey))

	claims := baseClaims(time.Now())
	claims["client_id"] = "agent-7"
	claims["tenant"] = "acme"
	vc, err := v.Validate(context.Background(), signToken(t, jwt.SigningMethodRS256, pk, "", claims))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if vc.Subject != "user-123" || vc.Principal() != "agent-7" {
		t.Fatalf("identity: sub=%q principal=%q", vc.Subject, vc.Principal())
	}
	if !vc.Scopes.Has("tools:read") || vc.Extra["tenant"] != "acme" {
		t.Fatalf("claims: %+v", vc)
	}
}

func TestValidateFailures(t *testing.T) {
	pk := genRSA(t)
	other := genRSA(t)
	now := time.Now()
	cfg := Config{Issuer: testIssuer, Audiences: []string{"mcp-api"}, RequiredScopes: []string{"tools:call"}}
	v := newValidator(t, cfg, jwks.Static(&pk.PublicKey))

	mutate := func(f func(jwt.MapClaims)) string {
		c := baseClaims(now)
		f(c)
		return signToken(t, jwt.SigningMethodRS256, pk, "", c)
	}
	valid := mutate(func(jwt.MapClaims) {})
	parts := strings.Split(valid, ".")

	tests := []struct {
		name string
		tok  string
		want error
	}{
		{"two segments", parts[0] + "." + parts[1], ErrMalformed},
		{"empty signature", parts[0] + "." + parts[1] + ".", ErrMalformed},
		{"garbage", "a.b.c", ErrMalformed},
		{"hs256 rejected", signToken(t, jwt.SigningMethodHS256, []byte("secret"), "", baseClaims(now)), ErrUnsupportedAlgorithm},
		{"wrong key", signToken(t, jwt.SigningMethodRS256, other, "", baseClaims(now)), ErrBadSignature},
		{"tampered payload", parts[0] + "." + strings.Split(mutate(func(c jwt.MapClaims) { c["sub"] = "admin" }), ".")[1] + "." + parts[2], ErrBadSignature},
		{"expired", mutate(func(c jwt.MapClaims) { c["exp"] = now.Add(-time.Minute).Unix() }), ErrExpired},
		{"missing exp", mutate(func(c jwt.MapClaims) { delete(c, "exp") }), ErrMalformed},
		{"issued in future", mutate(func(c jwt.MapClaims) { c["iat"] = now.Add(time.Hour).Unix() }), ErrNotYetValid},
		{"issuer with trailing slash", mutate(func(c jwt.MapClaims) { c["iss"] = testIssuer + "/" }), ErrIssuerMismatch},
		{"wrong audience", mutate(func(c jwt.MapClaims) { c["aud"] = "other" }), ErrAudienceMismatch},
		{"partial scopes", mutate(func(c jwt.MapClaims) { c["scope"] = "tools:read" }), ErrInsufficientScope},
		{"no sub", mutate(func(c jwt.MapClaims) { delete(c, "sub") }), ErrMissingSubject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(context.Background(), tt.tok)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateUnsupportedIsAlsoMalformed(t *testing.T) {
	if !errors.Is(ErrUnsupportedAlgorithm, ErrMalformed) {
		t.Fatal("unsupported algorithm should classify as malformed")
	}
}

func TestValidateScopeErrorListsMissing(t *testing.T) {
	pk := genRSA(t)
	v := newValidator(t, Config{Issuer: testIssuer, RequiredScopes: []string{"a", "b", "c"}}, jwks.Static(&pk.PublicKey))
	c := baseClaims(time.Now())
	c["scope"] = "b"
	_, err := v.Validate(context.Background(), signToken(t, jwt.SigningMethodRS256, pk, "", c))
	var se *ScopeError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *ScopeError", err)
	}
	if strings.Join(se.Missing, ",") != "a,c" {
		t.Fatalf("Missing = %v", se.Missing)
	}
}

func TestValidateAudience(t *testing.T) {
	pk := genRSA(t)
	now := time.Now()

	t.Run("unconfigured skips check", func(t *testing.T) {
		v := newValidator(t, Config{Issuer: testIssuer}, jwks.Static(&pk.PublicKey))
		c := baseClaims(now)
		c["aud"] = "anything"
		if _, err := v.Validate(context.Background(), signToken(t, jwt.SigningMethodRS256, pk, "", c)); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	})

	t.Run("list membership", func(t *testing.T) {
		v := newValidator(t, Config{Issuer: testIssuer, Audiences: []string{"mcp-api"}}, jwks.Static(&pk.PublicKey))
		c := baseClaims(now)
		c["aud"] = []string{"other", "mcp-api"}
		if _, err := v.Validate(context.Background(), signToken(t, jwt.SigningMethodRS256, pk, "", c)); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	})

	t.Run("any configured audience", func(t *testing.T) {
		v := newValidator(t, Config{Issuer: testIssuer, Audiences: []string{"prod", "local"}}, jwks.Static(&pk.PublicKey))
		c := baseClaims(now)
		c["aud"] = "local"
		if _, err := v.Validate(context.Background(), signToken(t, jwt.SigningMethodRS256, pk, "", c)); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	})
}

func TestValidateLeeway(t *testing.T) {
	pk := genRSA(t)
	now := time.Now()
	c := baseClaims(now)
	c["exp"] = now.Add(-10 * time.Second).Unix()
	tok := signToken(t, jwt.SigningMethodRS256, pk, "", c)

	strict := newValidator(t, Config{Issuer: testIssuer}, jwks.Static(&pk.PublicKey))
	if _, err := strict.Validate(context.Background(), tok); !errors.Is(err, ErrExpired) {
		t.Fatalf("strict err = %v, want ErrExpired", err)
	}
	lenient := newValidator(t, Config{Issuer: testIssuer, Leeway: time.Minute}, jwks.Static(&pk.PublicKey))
	if _, err := lenient.Validate(context.Background(), tok); err != nil {
		t.Fatalf("lenient: %v", err)
	}
}

func TestValidateES256(t *testing.T) {
	ek, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ec key: %v", err)
	}
	v := newValidator(t, Config{Issuer: testIssuer, Algorithms: []string{"ES256"}}, jwks.Static(&ek.PublicKey))
	if _, err := v.Validate(context.Background(), signToken(t, jwt.SigningMethodES256, ek, "", baseClaims(time.Now()))); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateWithKeySet(t *testing.T) {
	a, b := genRSA(t), genRSA(t)
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: &a.PublicKey, KeyID: "a", Algorithm: "RS256", Use: "sig"},
		{Key: &b.PublicKey, KeyID: "b", Algorithm: "RS256", Use: "sig"},
	}}
	doc, _ := json.Marshal(set)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	defer srv.Close()

	v := newValidator(t, Config{Issuer: testIssuer}, jwks.NewCache(srv.URL))
	now := time.Now()

	if _, err := v.Validate(context.Background(), signToken(t, jwt.SigningMethodRS256, b, "b", baseClaims(now))); err != nil {
		t.Fatalf("kid b: %v", err)
	}
	if _, err := v.Validate(context.Background(), signToken(t, jwt.SigningMethodRS256, a, "missing", baseClaims(now))); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("unknown kid err = %v", err)
	}
	if _, err := v.Validate(context.Background(), signToken(t, jwt.SigningMethodRS256, a, "", baseClaims(now))); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("no kid with two keys err = %v", err)
	}
	if _, err := v.Validate(context.Background(), signToken(t, jwt.SigningMethodRS256, a, "b", baseClaims(now))); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("kid/key mismatch err = %v", err)
	}
}

func TestValidateFetchFailure(t *testing.T) {
	pk := genRSA(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	v := newValidator(t, Config{Issuer: testIssuer}, jwks.NewCache(srv.URL))
	_, err := v.Validate(context.Background(), signToken(t, jwt.SigningMethodRS256, pk, "k", baseClaims(time.Now())))
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("err = %v, want ErrFetchFailed", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	pk := genRSA(t)
	if _, err := New(Config{}, jwks.Static(&pk.PublicKey)); err == nil {
		t.Fatal("expected error for missing issuer")
	}
	if _, err := New(Config{Issuer: testIssuer, Algorithms: []string{"HS256"}}, jwks.Static(&pk.PublicKey)); err == nil {
		t.Fatal("expected error for symmetric algorithm")
	}
	if _, err := New(Config{Issuer: testIssuer}, nil); err == nil {
		t.Fatal("expected error for nil resolver")
	}
}
