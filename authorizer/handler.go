package authorizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-gateway-go/auth"
	"github.com/ggoodman/mcp-gateway-go/claims"
	"github.com/ggoodman/mcp-gateway-go/internal/logctx"
	"github.com/ggoodman/mcp-gateway-go/internal/wellknown"
	"github.com/ggoodman/mcp-gateway-go/policy"
	"github.com/google/uuid"
)

var _ http.Handler = (*Handler)(nil)

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	// Headers injected on forwarded requests. Inbound values under the
	// X-Auth- prefix are always discarded first.
	authHeaderPrefix   = "X-Auth-"
	subjectHeader      = "X-Auth-Subject"
	userIDHeader       = "X-Auth-User-Id"
	clientIDHeader     = "X-Auth-Client-Id"
	issuerHeader       = "X-Auth-Issuer"
	scopesHeader       = "X-Auth-Scopes"
	preflightMethodHdr = "Access-Control-Request-Method"
)

type validatedKey struct{}

// Handler authenticates requests and forwards the admitted ones to the
// gateway. The discovery documents under /.well-known/ are served without
// authentication.
type Handler struct {
	mux   *http.ServeMux
	log   *slog.Logger
	cfg   Config
	authn *auth.Authenticator
	// setupErr is the provider resolution failure captured at construction.
	// When set every protected request is answered with 500.
	setupErr error
	provider wellknown.Provider
	policy   *policy.Engine
	proxy    *httputil.ReverseProxy
}

type options struct {
	log       *slog.Logger
	policy    *policy.Engine
	authOpts  []auth.Option
	transport http.RoundTripper
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithPolicy evaluates e after authentication. A deny is answered with 403.
func WithPolicy(e *policy.Engine) Option {
	return func(o *options) { o.policy = e }
}

// WithAuthOptions passes options through to auth.NewAuthenticator.
func WithAuthOptions(opts ...auth.Option) Option {
	return func(o *options) { o.authOpts = append(o.authOpts, opts...) }
}

// WithTransport sets the round tripper used to reach the gateway.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// New builds the authorizer. Provider problems in settings do not fail
// construction: they are captured and reported as 500 server_error on every
// request. An unusable gateway address does fail construction.
func New(cfg Config, settings auth.Settings, opts ...Option) (*Handler, error) {
	o := options{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.withDefaults()

	target, err := url.Parse(cfg.GatewayURL)
	if err != nil || cfg.GatewayURL == "" {
		return nil, fmt.Errorf("invalid gateway URL %q: %v", cfg.GatewayURL, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("gateway URL must use HTTP or HTTPS scheme, got %q", target.Scheme)
	}

	log := slog.New(logctx.Handler{Handler: o.log.Handler()})
	h := &Handler{log: log, cfg: cfg, policy: o.policy}

	pc, err := auth.Resolve(settings)
	if err == nil {
		h.authn, err = auth.NewAuthenticator(pc, append([]auth.Option{auth.WithLogger(log)}, o.authOpts...)...)
	}
	if err != nil {
		h.setupErr = err
		log.Error("auth.provider.invalid", slog.String("err", err.Error()))
	} else {
		h.provider = providerDocument(pc)
	}

	h.proxy = &httputil.ReverseProxy{
		Rewrite:        h.rewrite(target),
		ModifyResponse: h.modifyResponse,
		ErrorHandler:   h.proxyError,
		Transport:      o.transport,
	}

	mux := http.NewServeMux()
	for _, p := range []string{wellknown.ProtectedResourcePath, wellknown.ProtectedResourcePath + "/"} {
		mux.HandleFunc("GET "+p, h.handleGetProtectedResourceMetadata)
		mux.HandleFunc("OPTIONS "+p, h.handleOptionsMetadata)
	}
	for _, p := range []string{
		wellknown.AuthorizationServerPath, wellknown.AuthorizationServerPath + "/",
		wellknown.OpenIDConfigurationPath,
	} {
		mux.HandleFunc("GET "+p, h.handleGetAuthorizationServerMetadata)
		mux.HandleFunc("OPTIONS "+p, h.handleOptionsMetadata)
	}
	mux.HandleFunc("/.well-known/", func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not_found", "Not found")
	})
	mux.HandleFunc("/", h.handleProtected)
	h.mux = mux

	return h, nil
}

func providerDocument(pc auth.ProviderConfig) wellknown.Provider {
	p := wellknown.Provider{
		Issuer:     pc.Issuer,
		JWKSURI:    pc.JWKSURI(),
		Scopes:     pc.RequiredScopes,
		Algorithms: pc.Algorithms,
		Managed:    pc.Provider == auth.ProviderAuthKit,
	}
	if pc.OAuth != nil {
		p.Authorize = pc.OAuth.Authorize
		p.Token = pc.OAuth.Token
		p.Userinfo = pc.OAuth.Userinfo
	}
	return p
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	trace := r.Header.Get(h.cfg.TraceHeader)
	if trace == "" {
		trace = uuid.NewString()
		r.Header.Set(h.cfg.TraceHeader, trace)
	}
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
		TraceID:    trace,
	})))
}

func (h *Handler) handleProtected(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	// Browsers never attach credentials to a preflight.
	if r.Method == http.MethodOptions && r.Header.Get(preflightMethodHdr) != "" {
		h.log.DebugContext(ctx, "http.preflight.forward")
		h.proxy.ServeHTTP(w, r)
		return
	}

	if h.setupErr != nil {
		h.reject(w, r, auth.Misconfigured(h.setupErr))
		return
	}

	vc, failure := h.authn.Authenticate(ctx, r.Header.Get(authorizationHeader))
	if failure != nil {
		h.reject(w, r, failure)
		return
	}
	ctx = logctx.WithAuthData(ctx, &logctx.AuthData{Subject: vc.Subject, ClientID: vc.ClientID, Issuer: vc.Issuer})

	if h.policy != nil {
		if failure := h.checkPolicy(ctx, r, vc); failure != nil {
			h.reject(w, r.WithContext(ctx), failure)
			return
		}
	}

	h.log.InfoContext(ctx, "http.forward.start")
	h.proxy.ServeHTTP(w, r.WithContext(context.WithValue(ctx, validatedKey{}, vc)))
	h.log.InfoContext(ctx, "http.forward.done", slog.Duration("dur", time.Since(start)))
}

// checkPolicy buffers the body so both the policy and the gateway see it.
func (h *Handler) checkPolicy(ctx context.Context, r *http.Request, vc *claims.ValidatedClaims) *auth.Failure {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxPolicyBody+1))
		_ = r.Body.Close()
		if err != nil {
			return &auth.Failure{Status: http.StatusBadRequest, Code: "invalid_request", Description: "Unable to read request body", Err: err}
		}
		if int64(len(b)) > h.cfg.MaxPolicyBody {
			return &auth.Failure{Status: http.StatusRequestEntityTooLarge, Code: "invalid_request", Description: "Request body too large"}
		}
		body = b
		r.Body = io.NopCloser(bytes.NewReader(b))
	}

	var mcpBody []byte
	if ct, err := contenttype.GetMediaType(r); err == nil && ct.Matches(jsonMediaType) {
		mcpBody = body
	}

	allowed, err := h.policy.Allow(ctx, policy.BuildInput(vc, r, mcpBody, h.cfg.Prefix))
	if err != nil {
		h.log.ErrorContext(ctx, "policy.eval.fail", slog.String("err", err.Error()))
		return &auth.Failure{Status: http.StatusInternalServerError, Code: auth.CodeServerError, Description: "Authorization policy evaluation failed", Err: err}
	}
	if !allowed {
		h.log.InfoContext(ctx, "policy.deny")
		return auth.PolicyDenied(errors.New("policy denied request"))
	}
	return nil
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request, f *auth.Failure) {
	ctx := r.Context()
	if f.Status >= http.StatusInternalServerError {
		h.log.ErrorContext(ctx, "http.reject", slog.Int("status", f.Status), slog.String("code", f.Code), slog.String("err", f.Error()))
	} else {
		h.log.InfoContext(ctx, "http.reject", slog.Int("status", f.Status), slog.String("code", f.Code))
	}
	if ch := f.Challenge(wellknown.MetadataURL(r)); ch != "" && f.Status == http.StatusUnauthorized {
		w.Header().Set(wwwAuthenticateHeader, ch)
	}
	w.Header().Set(h.cfg.TraceHeader, r.Header.Get(h.cfg.TraceHeader))
	setCORS(w.Header(), h.cfg.TraceHeader)
	writeJSONError(w, f.Status, f.Code, f.Description)
}

func (h *Handler) rewrite(target *url.URL) func(*httputil.ProxyRequest) {
	return func(pr *httputil.ProxyRequest) {
		pr.SetURL(target)
		pr.SetXForwarded()
		for k := range pr.Out.Header {
			if strings.HasPrefix(k, authHeaderPrefix) {
				pr.Out.Header.Del(k)
			}
		}
		if trace := pr.In.Header.Get(h.cfg.TraceHeader); trace != "" {
			pr.Out.Header.Set(h.cfg.TraceHeader, trace)
		}

		vc, ok := pr.In.Context().Value(validatedKey{}).(*claims.ValidatedClaims)
		if !ok {
			return
		}
		pr.Out.Header.Set(subjectHeader, vc.Subject)
		pr.Out.Header.Set(userIDHeader, vc.Subject)
		pr.Out.Header.Set(issuerHeader, vc.Issuer)
		pr.Out.Header.Set(scopesHeader, vc.Scopes.String())
		if vc.ClientID != "" {
			pr.Out.Header.Set(clientIDHeader, vc.ClientID)
		}
	}
}

func (h *Handler) modifyResponse(resp *http.Response) error {
	if trace := resp.Request.Header.Get(h.cfg.TraceHeader); trace != "" {
		resp.Header.Set(h.cfg.TraceHeader, trace)
	}
	setCORS(resp.Header, h.cfg.TraceHeader)
	return nil
}

func (h *Handler) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.ErrorContext(r.Context(), "http.forward.fail", slog.String("err", err.Error()))
	w.Header().Set(h.cfg.TraceHeader, r.Header.Get(h.cfg.TraceHeader))
	setCORS(w.Header(), h.cfg.TraceHeader)
	writeJSONError(w, http.StatusBadGateway, "bad_gateway", "Gateway unavailable")
}

func (h *Handler) handleOptionsMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// handleGetProtectedResourceMetadata serves the OAuth2 Protected Resource Metadata document.
func (h *Handler) handleGetProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if h.setupErr != nil {
		h.reject(w, r, auth.Misconfigured(h.setupErr))
		return
	}
	writeMetadata(w, wellknown.NewProtectedResource(wellknown.ResourceURL(r, h.cfg.Prefix), h.provider))
}

// handleGetAuthorizationServerMetadata mirrors the provider's endpoints for
// discovery. It does not imply this process is an authorization server.
func (h *Handler) handleGetAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if h.setupErr != nil {
		h.reject(w, r, auth.Misconfigured(h.setupErr))
		return
	}
	writeMetadata(w, wellknown.NewAuthServer(h.provider))
}

func writeMetadata(w http.ResponseWriter, doc any) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode metadata: %v", err), http.StatusInternalServerError)
	}
}

func setCORS(h http.Header, traceHeader string) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Expose-Headers", "WWW-Authenticate, "+traceHeader)
}

// writeJSONError emits the OAuth-style error body used for every HTTP-layer
// rejection: {"error":"<code>","error_description":"<text>"}.
func writeJSONError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": desc})
}
