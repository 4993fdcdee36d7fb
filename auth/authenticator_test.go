package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const testIssuer = "https://issuer.example.com"

func newStaticAuthenticator(t *testing.T, s Settings) (*Authenticator, *rsa.PrivateKey) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	s.Issuer = testIssuer
	s.PublicKey = pemFor(t, &pk.PublicKey)
	cfg, err := Resolve(s)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	a, err := NewAuthenticator(cfg)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	return a, pk
}

func sign(t *testing.T, pk *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func claimsAt(now time.Time, scope string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   testIssuer,
		"sub":   "user-1",
		"iat":   now.Add(-time.Minute).Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"scope": scope,
	}
}

func TestAuthenticateMissingHeader(t *testing.T) {
	a, _ := newStaticAuthenticator(t, Settings{})
	_, f := a.Authenticate(context.Background(), "")
	if f == nil || f.Status != http.StatusUnauthorized || f.Code != CodeUnauthorized {
		t.Fatalf("failure = %+v", f)
	}
	if ch := f.Challenge("https://mcp.example.com/.well-known/oauth-protected-resource"); !strings.Contains(ch, `error="unauthorized"`) {
		t.Fatalf("challenge = %q", ch)
	}
}

func TestAuthenticateHeaderShapes(t *testing.T) {
	a, pk := newStaticAuthenticator(t, Settings{})
	tok := sign(t, pk, claimsAt(time.Now(), ""))

	for _, h := range []string{"Basic dXNlcjpwYXNz", "Bearer", "Bearer   ", tok} {
		if _, f := a.Authenticate(context.Background(), h); f == nil || f.Code != CodeInvalidToken || f.Description != "Invalid authorization header" {
			t.Fatalf("header %q: failure = %+v", h, f)
		}
	}
	if vc, f := a.Authenticate(context.Background(), "bearer "+tok); f != nil || vc.Subject != "user-1" {
		t.Fatalf("lowercase scheme: %+v %+v", vc, f)
	}
}

func TestAuthenticateExpired(t *testing.T) {
	a, pk := newStaticAuthenticator(t, Settings{})
	c := claimsAt(time.Now(), "")
	c["exp"] = time.Now().Add(-time.Hour).Unix()
	_, f := a.Authenticate(context.Background(), "Bearer "+sign(t, pk, c))
	if f == nil || f.Status != http.StatusUnauthorized {
		t.Fatalf("failure = %+v", f)
	}
	ch := f.Challenge("")
	if !strings.Contains(ch, `error="invalid_token"`) || !strings.Contains(ch, "expired") {
		t.Fatalf("challenge = %q", ch)
	}
}

func TestAuthenticateOpaqueIssuer(t *testing.T) {
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	cfg, err := Resolve(Settings{Issuer: "my-tenant-issuer", PublicKey: pemFor(t, &pk.PublicKey)})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	a, err := NewAuthenticator(cfg)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	c := claimsAt(time.Now(), "")
	c["iss"] = "my-tenant-issuer"
	vc, f := a.Authenticate(context.Background(), "Bearer "+sign(t, pk, c))
	if f != nil {
		t.Fatalf("failure = %+v", f)
	}
	if vc.Issuer != "my-tenant-issuer" {
		t.Fatalf("Issuer = %q", vc.Issuer)
	}

	c["iss"] = "https://my-tenant-issuer"
	if _, f := a.Authenticate(context.Background(), "Bearer "+sign(t, pk, c)); f == nil {
		t.Fatalf("URL form of an opaque issuer must not match")
	}
}

func TestAuthenticateInsufficientScope(t *testing.T) {
	a, pk := newStaticAuthenticator(t, Settings{RequiredScopes: "admin,write"})
	_, f := a.Authenticate(context.Background(), "Bearer "+sign(t, pk, claimsAt(time.Now(), "read")))
	if f == nil || f.Status != http.StatusUnauthorized || f.Code != CodeInsufficientScope {
		t.Fatalf("failure = %+v", f)
	}
	if f.Description != "Token missing required scopes: admin, write" {
		t.Fatalf("description = %q", f.Description)
	}
	if ch := f.Challenge(""); !strings.Contains(ch, `scope="admin write"`) {
		t.Fatalf("challenge = %q", ch)
	}
}

func TestAuthenticateWithKeySetEndpoint(t *testing.T) {
	pk, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"}}})
	}))
	defer srv.Close()

	cfg, err := Resolve(Settings{Issuer: testIssuer, JWKSURI: srv.URL})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	a, err := NewAuthenticator(cfg, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claimsAt(time.Now(), "x"))
	tok.Header["kid"] = "k1"
	s, _ := tok.SignedString(pk)
	if _, f := a.Authenticate(context.Background(), "Bearer "+s); f != nil {
		t.Fatalf("failure = %+v", f)
	}
}

func TestFailureFromErrorDefault(t *testing.T) {
	f := FailureFromError(context.Canceled)
	if f.Code != CodeInvalidToken || f.Status != http.StatusUnauthorized {
		t.Fatalf("failure = %+v", f)
	}
}

func TestBuildBearerChallengeEscapes(t *testing.T) {
	got := BuildBearerChallenge("", "https://x/prm", map[string]string{"error": "invalid_token", "error_description": `say "hi" \ bye`})
	want := `Bearer error="invalid_token", error_description="say \"hi\" \\ bye", resource_metadata="https://x/prm"`
	if got != want {
		t.Fatalf("challenge =\n%s\nwant\n%s", got, want)
	}
	if BuildBearerChallenge("", "", nil) != "Bearer" {
		t.Fatal("empty challenge should be bare scheme")
	}
}

func TestMisconfiguredHasNoChallenge(t *testing.T) {
	f := Misconfigured(ErrConfiguration)
	if f.Status != http.StatusInternalServerError || f.Challenge("x") != "" {
		t.Fatalf("failure = %+v", f)
	}
}
