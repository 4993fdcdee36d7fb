package mcp

import "encoding/json"

// Method is an MCP method identifier used in JSON-RPC messages.
type Method string

const (
	InitializeMethod              Method = "initialize"
	InitializedMethod             Method = "initialized"
	InitializedNotificationMethod Method = "notifications/initialized"
	PingMethod                    Method = "ping"

	ToolsListMethod Method = "tools/list"
	ToolsCallMethod Method = "tools/call"

	PromptsListMethod   Method = "prompts/list"
	ResourcesListMethod Method = "resources/list"
)

// InitializeRequest starts the MCP initialization handshake.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities,omitempty"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult returns negotiated capabilities and server info.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitzero"`
}

// ListToolsResult returns the available tools.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolRequest is the params object of tools/call.
type CallToolRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult represents a tool invocation result.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitzero"`
	// StructuredContent conforms to the tool's outputSchema when one exists.
	StructuredContent any `json:"structuredContent,omitempty"`
}

// ListPromptsResult is always empty at the gateway.
type ListPromptsResult struct {
	Prompts []json.RawMessage `json:"prompts"`
}

// ListResourcesResult is always empty at the gateway.
type ListResourcesResult struct {
	Resources []json.RawMessage `json:"resources"`
}

// EmptyResult answers ping.
type EmptyResult struct{}
