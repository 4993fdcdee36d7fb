package gateway

import (
	"context"
	"log/slog"

	"github.com/ggoodman/mcp-gateway-go/internal/logctx"
	"github.com/ggoodman/mcp-gateway-go/mcp"
	"golang.org/x/sync/errgroup"
)

// ToolNameSeparator joins backend and tool names on the aggregate endpoint.
const ToolNameSeparator = "__"

// Aggregator fans tools/list out to backends and merges the answers.
type Aggregator struct {
	backends []Backend
	byName   map[string]Backend
	client   *backendClient
	tel      *telemetry
	log      *slog.Logger
}

func newAggregator(backends []Backend, client *backendClient, tel *telemetry, log *slog.Logger) *Aggregator {
	byName := make(map[string]Backend, len(backends))
	for _, b := range backends {
		byName[b.Name] = b
	}
	return &Aggregator{backends: backends, byName: byName, client: client, tel: tel, log: log}
}

// Lookup returns the configured backend called name.
func (a *Aggregator) Lookup(name string) (Backend, bool) {
	b, ok := a.byName[name]
	return b, ok
}

// Select returns the backends visible in scope, in configuration order.
func (a *Aggregator) Select(scope Scope) []Backend {
	if !scope.IsAggregate() {
		b, ok := a.byName[scope.Backend]
		if !ok || !scope.Allows(b.Name) {
			return nil
		}
		return []Backend{b}
	}
	out := make([]Backend, 0, len(a.backends))
	for _, b := range a.backends {
		if scope.Allows(b.Name) {
			out = append(out, b)
		}
	}
	return out
}

// ListTools queries every selected backend concurrently. A failing backend
// is logged and contributes no tools. Aggregate listings prefix each name
// with "{backend}__"; scoped listings leave names untouched.
func (a *Aggregator) ListTools(ctx context.Context, scope Scope) []mcp.Tool {
	selected := a.Select(scope)
	results := make([][]mcp.Tool, len(selected))

	var g errgroup.Group
	for i, b := range selected {
		g.Go(func() error {
			bctx := logctx.WithBackendData(ctx, &logctx.BackendData{Backend: b.Name})
			tools, err := a.client.listTools(bctx, b)
			if err != nil {
				a.log.WarnContext(bctx, "tools.list.backend.fail", slog.String("err", err.Error()))
				a.tel.recordListFailure(bctx, b.Name)
				return nil
			}
			a.log.DebugContext(bctx, "tools.list.backend.ok", slog.Int("count", len(tools)))
			results[i] = tools
			return nil
		})
	}
	_ = g.Wait()

	merged := []mcp.Tool{}
	for i, tools := range results {
		for _, t := range tools {
			if scope.IsAggregate() {
				t = t.WithName(selected[i].Name + ToolNameSeparator + t.Name)
			}
			merged = append(merged, t)
		}
	}
	return merged
}
