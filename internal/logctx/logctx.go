package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with request-scoped groups carried on the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
			slog.String("trace_id", rd.TraceID),
		))
	}

	if ad, ok := ctx.Value(authDataKey{}).(*AuthData); ok {
		r.AddAttrs(slog.Group("auth",
			slog.String("sub", ad.Subject),
			slog.String("client_id", ad.ClientID),
			slog.String("iss", ad.Issuer),
		))
	}

	if msg, ok := ctx.Value(rpcMsg{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("scope", msg.Scope),
		))
	}

	if bd, ok := ctx.Value(backendDataKey{}).(*BackendData); ok {
		r.AddAttrs(slog.Group("backend",
			slog.String("name", bd.Backend),
			slog.String("tool", bd.Tool),
		))
	}

	return h.Handler.Handle(ctx, r)
}

// WithAttrs and WithGroup keep the decoration when loggers are derived.
func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type rpcMsg struct{}

type RPCMessage struct {
	Method string
	ID     string
	Scope  string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsg{}, msg)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
	TraceID    string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type authDataKey struct{}

// AuthData identifies the authenticated principal. Tokens never go here.
type AuthData struct {
	Subject  string
	ClientID string
	Issuer   string
}

func WithAuthData(ctx context.Context, data *AuthData) context.Context {
	return context.WithValue(ctx, authDataKey{}, data)
}

type backendDataKey struct{}

type BackendData struct {
	Backend string
	Tool    string
}

func WithBackendData(ctx context.Context, data *BackendData) context.Context {
	return context.WithValue(ctx, backendDataKey{}, data)
}
