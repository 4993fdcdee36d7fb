package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway-go/internal/logctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var _ http.Handler = (*Handler)(nil)

const maxRequestBody = 4 << 20

// Handler is the gateway's HTTP surface. Each POST carries one JSON-RPC
// request; protocol errors are answered inside a 200 body.
type Handler struct {
	prefix      string
	traceHeader string
	backends    []Backend
	disp        *Dispatcher
	log         *slog.Logger
}

type options struct {
	log            *slog.Logger
	client         *http.Client
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	traceHeader    string
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

// WithHTTPClient sets the client used to reach backends.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithMeterProvider overrides the global OpenTelemetry meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithTraceHeader names the correlation header recorded in logs.
func WithTraceHeader(name string) Option {
	return func(o *options) { o.traceHeader = http.CanonicalHeaderKey(name) }
}

// New builds the gateway from cfg.
func New(cfg Config, opts ...Option) (*Handler, error) {
	o := options{
		log:         slog.New(slog.DiscardHandler),
		client:      &http.Client{},
		traceHeader: "X-Trace-Id",
	}
	for _, opt := range opts {
		opt(&o)
	}

	backends, err := cfg.ParseBackends()
	if err != nil {
		return nil, fmt.Errorf("invalid backend configuration: %w", err)
	}
	tel, err := newTelemetry(o.meterProvider, o.tracerProvider)
	if err != nil {
		return nil, err
	}

	log := slog.New(logctx.Handler{Handler: o.log.Handler()})
	client := &backendClient{http: o.client, timeout: cfg.BackendTimeout, log: log}
	agg := newAggregator(backends, client, tel, log)

	return &Handler{
		prefix:      cfg.prefix(),
		traceHeader: o.traceHeader,
		backends:    backends,
		log:         log,
		disp: &Dispatcher{
			info:         cfg.serverInfo(),
			instructions: cfg.Instructions,
			agg:          agg,
			inv:          &Invoker{agg: agg, client: client, validate: cfg.ValidateArguments, tel: tel, log: log},
			log:          log,
		},
	}, nil
}

// Prefix is the mount point of the MCP endpoints.
func (h *Handler) Prefix() string { return h.prefix }

// Backends returns the configured backends in order.
func (h *Handler) Backends() []Backend { return append([]Backend(nil), h.backends...) }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
		TraceID:    r.Header.Get(h.traceHeader),
	})
	// Identity asserted by the authorizer in front of us, when present.
	if sub := r.Header.Get("X-Auth-Subject"); sub != "" {
		ctx = logctx.WithAuthData(ctx, &logctx.AuthData{
			Subject:  sub,
			ClientID: r.Header.Get("X-Auth-Client-Id"),
			Issuer:   r.Header.Get("X-Auth-Issuer"),
		})
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")

	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-MCP-Toolsets, X-MCP-Readonly")
		w.Header().Set("Access-Control-Max-Age", "600")
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		w.Header().Set("Allow", "POST, OPTIONS")
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed. MCP requires POST requests")
		h.log.InfoContext(ctx, "http.method.reject")
		return
	}

	scope, err := ParseScope(h.prefix, r.URL.Path)
	if err != nil {
		status := http.StatusNotFound
		if re, ok := err.(*RouteError); ok {
			status = re.Status
		}
		writeJSONError(w, status, err.Error())
		h.log.InfoContext(ctx, "http.route.reject", slog.String("err", err.Error()))
		return
	}
	scope = scope.applyHeaders(r.Header)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Unable to read request body")
		h.log.WarnContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		return
	}

	req, id, rpcErr := jsonrpc.DecodeRequest(body)
	if rpcErr != nil {
		h.log.InfoContext(ctx, "rpc.decode.fail", slog.String("err", rpcErr.Message))
		writeRPC(w, jsonrpc.ErrorResponse(id, rpcErr))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Scope: scope.String()})
	resp := h.disp.Dispatch(ctx, scope, req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		h.log.DebugContext(ctx, "rpc.accepted", slog.Duration("dur", time.Since(start)))
		return
	}
	writeRPC(w, resp)
	if resp.Error != nil {
		h.log.InfoContext(ctx, "rpc.error", slog.Int("code", int(resp.Error.Code)), slog.String("msg", resp.Error.Message), slog.Duration("dur", time.Since(start)))
		return
	}
	h.log.InfoContext(ctx, "rpc.ok", slog.Duration("dur", time.Since(start)))
}

func writeRPC(w http.ResponseWriter, resp *jsonrpc.Response) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// writeJSONError emits {"error":"<msg>"} for routing failures that happen
// before any JSON-RPC exchange.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
