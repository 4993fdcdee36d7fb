package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/mcp-gateway-go/claims"
	"github.com/ggoodman/mcp-gateway-go/internal/jwks"
	"github.com/ggoodman/mcp-gateway-go/internal/jwtauth"
	"github.com/ggoodman/mcp-gateway-go/storage"
)

// Authenticator validates bearer credentials for one provider.
type Authenticator struct {
	cfg       ProviderConfig
	validator *jwtauth.Validator
	log       *slog.Logger
}

type authOptions struct {
	log      *slog.Logger
	client   *http.Client
	store    storage.Store
	cacheTTL time.Duration
	refresh  time.Duration
}

// Option configures NewAuthenticator.
type Option func(*authOptions)

// WithLogger sets the logger for authentication events.
func WithLogger(l *slog.Logger) Option {
	return func(o *authOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// WithHTTPClient sets the client used to fetch key sets.
func WithHTTPClient(c *http.Client) Option {
	return func(o *authOptions) { o.client = c }
}

// WithKeyStore shares fetched key sets through s.
func WithKeyStore(s storage.Store) Option {
	return func(o *authOptions) { o.store = s }
}

// WithKeyCacheTTL overrides how long a fetched key set is trusted.
func WithKeyCacheTTL(ttl time.Duration) Option {
	return func(o *authOptions) { o.cacheTTL = ttl }
}

// WithKeyRefreshInterval spaces re-fetches forced by unknown key ids.
func WithKeyRefreshInterval(d time.Duration) Option {
	return func(o *authOptions) { o.refresh = d }
}

// NewAuthenticator wires a key resolver and token validator for cfg.
func NewAuthenticator(cfg ProviderConfig, opts ...Option) (*Authenticator, error) {
	o := authOptions{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}

	var resolver jwks.Resolver
	switch ks := cfg.Keys.(type) {
	case StaticKey:
		resolver = jwks.Static(ks.Key)
	case KeySetEndpoint:
		resolver = jwks.NewCache(ks.URL,
			jwks.WithHTTPClient(o.client),
			jwks.WithTTL(o.cacheTTL),
			jwks.WithRefreshInterval(o.refresh),
			jwks.WithStore(o.store),
			jwks.WithLogger(o.log),
		)
	default:
		return nil, fmt.Errorf("%w: no key source", ErrConfiguration)
	}

	v, err := jwtauth.New(cfg.ValidatorConfig(), resolver)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return &Authenticator{cfg: cfg, validator: v, log: o.log}, nil
}

// Config returns the provider configuration.
func (a *Authenticator) Config() ProviderConfig { return a.cfg }

// Authenticate checks an Authorization header value. Exactly one of the
// results is non-nil.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (*claims.ValidatedClaims, *Failure) {
	if strings.TrimSpace(header) == "" {
		f := MissingAuthorization()
		a.log.InfoContext(ctx, "auth.check.fail", slog.String("kind", f.Code))
		return nil, f
	}

	tok, ok := BearerToken(header)
	if !ok {
		f := InvalidAuthorizationHeader()
		a.log.InfoContext(ctx, "auth.check.fail", slog.String("kind", f.Code), slog.String("reason", "not a bearer credential"))
		return nil, f
	}

	vc, err := a.validator.Validate(ctx, tok)
	if err != nil {
		f := FailureFromError(err)
		a.log.InfoContext(ctx, "auth.check.fail", slog.String("kind", f.Code), slog.String("reason", f.Description), slog.String("err", err.Error()))
		return nil, f
	}
	a.log.DebugContext(ctx, "auth.check.ok", slog.String("sub", vc.Subject))
	return vc, nil
}

// BearerToken extracts the credential from a "Bearer <token>" header. The
// scheme is matched case-insensitively.
func BearerToken(header string) (string, bool) {
	scheme, tok, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}
