package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway-go/internal/logctx"
	"github.com/ggoodman/mcp-gateway-go/mcp"
	"github.com/google/jsonschema-go/jsonschema"
)

// Invoker routes tools/call to one backend.
type Invoker struct {
	agg      *Aggregator
	client   *backendClient
	validate bool
	tel      *telemetry
	log      *slog.Logger
}

// Call validates and dispatches a tools/call. The result is the backend's
// tool result, passed through unchanged. Non-2xx backend answers are folded
// into an isError result; everything else that goes wrong is a JSON-RPC
// error.
func (iv *Invoker) Call(ctx context.Context, scope Scope, params json.RawMessage) (json.RawMessage, *jsonrpc.Error) {
	if scope.Readonly {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidRequest, "Tool execution is disabled in readonly mode")
	}

	if len(params) == 0 || string(params) == "null" {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "Invalid params: missing required parameters")
	}
	var req mcp.CallToolRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "Invalid params: %v", err)
	}
	if req.Name == "" {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "Invalid params: missing tool name")
	}

	backendName, toolName := scope.Backend, req.Name
	if scope.IsAggregate() {
		parts := strings.Split(req.Name, ToolNameSeparator)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams,
				"Invalid tool name format '%s'. Expected format: component__toolname", req.Name)
		}
		backendName, toolName = parts[0], parts[1]
	}

	backend, ok := iv.agg.Lookup(backendName)
	if !ok {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "Unknown tool '%s': component '%s' is not configured", req.Name, backendName)
	}
	if !scope.Allows(backendName) {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "Component '%s' is not in the allowed toolsets", backendName)
	}

	ctx = logctx.WithBackendData(ctx, &logctx.BackendData{Backend: backendName, Tool: toolName})

	args := req.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}

	if iv.validate {
		if rpcErr := iv.validateArguments(ctx, backend, toolName, req.Name, args); rpcErr != nil {
			iv.log.InfoContext(ctx, "tools.call.invalid", slog.String("err", rpcErr.Message))
			return nil, rpcErr
		}
	}

	return iv.invoke(ctx, backend, toolName, args)
}

func (iv *Invoker) invoke(ctx context.Context, backend Backend, tool string, args json.RawMessage) (json.RawMessage, *jsonrpc.Error) {
	start := time.Now()
	ctx, span := iv.tel.startToolCall(ctx, backend.Name, tool)

	result, err := iv.client.callTool(ctx, backend, tool, args)
	dur := time.Since(start)

	var statusErr *StatusError
	switch {
	case err == nil:
		iv.tel.endToolCall(ctx, span, backend.Name, tool, OutcomeOK, dur, nil)
		iv.log.InfoContext(ctx, "tools.call.ok", slog.Duration("dur", dur))
		return result, nil

	case errors.As(err, &statusErr):
		iv.tel.endToolCall(ctx, span, backend.Name, tool, OutcomeToolError, dur, err)
		iv.log.InfoContext(ctx, "tools.call.tool_error", slog.Int("status", statusErr.Status), slog.Duration("dur", dur))
		folded, mErr := json.Marshal(mcp.CallToolResult{
			Content: []mcp.ContentBlock{mcp.TextContent(fmt.Sprintf("Tool execution failed (status %d): %s", statusErr.Status, statusErr.Body))},
			IsError: true,
		})
		if mErr != nil {
			return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "Internal error: %v", mErr)
		}
		return folded, nil

	case errors.Is(err, ErrInvalidBackendResponse):
		iv.tel.endToolCall(ctx, span, backend.Name, tool, OutcomeError, dur, err)
		iv.log.WarnContext(ctx, "tools.call.fail", slog.String("err", err.Error()))
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "Internal error: Tool returned invalid response format: %v", err)

	default:
		iv.tel.endToolCall(ctx, span, backend.Name, tool, OutcomeError, dur, err)
		iv.log.WarnContext(ctx, "tools.call.fail", slog.String("err", err.Error()))
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "Internal error: Failed to call tool '%s': %v", tool, err)
	}
}

// validateArguments checks args against the input schema the backend
// currently advertises for tool. displayName is the name the client used.
func (iv *Invoker) validateArguments(ctx context.Context, backend Backend, tool, displayName string, args json.RawMessage) *jsonrpc.Error {
	tools, err := iv.client.listTools(ctx, backend)
	if err != nil {
		iv.log.WarnContext(ctx, "tools.call.schema.fetch.fail", slog.String("err", err.Error()))
		iv.tel.recordListFailure(ctx, backend.Name)
		tools = nil
	}

	var meta *mcp.Tool
	for i := range tools {
		if tools[i].Name == tool {
			meta = &tools[i]
			break
		}
	}
	if meta == nil {
		return jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "Unknown tool '%s' in component '%s'", tool, backend.Name)
	}

	resolved, err := compileSchema(meta.InputSchema)
	if err != nil {
		return jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "Failed to compile schema for tool '%s': %v", displayName, err)
	}

	var instance any
	if err := json.Unmarshal(args, &instance); err != nil {
		return jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "Invalid arguments for tool '%s': %v", displayName, err)
	}
	if err := resolved.Validate(instance); err != nil {
		return jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "Invalid arguments for tool '%s': %s", displayName, strings.Join(validationMessages(err), "; "))
	}
	return nil
}

func compileSchema(raw json.RawMessage) (*jsonschema.Resolved, error) {
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	// The $schema dialect marker is not enforced.
	s.Schema = ""
	return s.Resolve(&jsonschema.ResolveOptions{})
}

// validationMessages flattens joined validation errors.
func validationMessages(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, validationMessages(e)...)
		}
		return out
	}
	return []string{err.Error()}
}
