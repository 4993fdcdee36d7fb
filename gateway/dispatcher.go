package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway-go/mcp"
)

// Dispatcher answers one decoded JSON-RPC request.
type Dispatcher struct {
	info         mcp.ImplementationInfo
	instructions string
	agg          *Aggregator
	inv          *Invoker
	log          *slog.Logger
}

// Dispatch returns the response for req, or nil when req needs none.
// Notifications never get a response; initialized never does either.
func (d *Dispatcher) Dispatch(ctx context.Context, scope Scope, req *jsonrpc.Request) *jsonrpc.Response {
	switch mcp.Method(req.Method) {
	case mcp.InitializedMethod, mcp.InitializedNotificationMethod:
		return nil
	}
	if req.IsNotification() {
		d.log.DebugContext(ctx, "rpc.notification.ignored")
		return nil
	}

	var (
		result any
		rpcErr *jsonrpc.Error
	)
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		result, rpcErr = d.initialize(req.Params)
	case mcp.PingMethod:
		result = mcp.EmptyResult{}
	case mcp.ToolsListMethod:
		result = mcp.ListToolsResult{Tools: d.agg.ListTools(ctx, scope)}
	case mcp.ToolsCallMethod:
		var raw json.RawMessage
		raw, rpcErr = d.inv.Call(ctx, scope, req.Params)
		if rpcErr == nil {
			return &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Result: raw, ID: req.ID}
		}
	case mcp.PromptsListMethod:
		result = mcp.ListPromptsResult{Prompts: []json.RawMessage{}}
	case mcp.ResourcesListMethod:
		result = mcp.ListResourcesResult{Resources: []json.RawMessage{}}
	default:
		rpcErr = jsonrpc.NewError(jsonrpc.ErrorCodeMethodNotFound, "Method '%s' not found", req.Method)
	}

	if rpcErr != nil {
		return jsonrpc.ErrorResponse(req.ID, rpcErr)
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		d.log.ErrorContext(ctx, "rpc.result.encode.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "Internal error: "+err.Error(), nil)
	}
	return resp
}

func (d *Dispatcher) initialize(params json.RawMessage) (any, *jsonrpc.Error) {
	if len(params) == 0 || string(params) == "null" {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "Missing initialize parameters")
	}
	var req mcp.InitializeRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "Invalid initialize parameters: %v", err)
	}

	res := mcp.InitializeResult{
		ProtocolVersion: mcp.NegotiateProtocolVersion(req.ProtocolVersion),
		ServerInfo:      d.info,
		Instructions:    d.instructions,
	}
	res.Capabilities.Tools = &struct {
		ListChanged bool `json:"listChanged"`
	}{ListChanged: true}
	res.Capabilities.Prompts = &struct {
		ListChanged bool `json:"listChanged"`
	}{}
	res.Capabilities.Resources = &struct {
		ListChanged bool `json:"listChanged"`
		Subscribe   bool `json:"subscribe"`
	}{}
	return res, nil
}
