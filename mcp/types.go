package mcp

import (
	"encoding/json"
	"fmt"
	"slices"
)

const LatestProtocolVersion = "2025-06-18"

// SupportedProtocolVersions is ordered newest first.
var SupportedProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

// NegotiateProtocolVersion returns requested when supported, else the latest.
func NegotiateProtocolVersion(requested string) string {
	if slices.Contains(SupportedProtocolVersions, requested) {
		return requested
	}
	return LatestProtocolVersion
}

// ClientCapabilities advertises client features. The gateway does not act
// on them.
type ClientCapabilities map[string]json.RawMessage

// ServerCapabilities advertises server features.
type ServerCapabilities struct {
	Tools *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"tools,omitempty"`
	Prompts *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"prompts,omitempty"`
	Resources *struct {
		ListChanged bool `json:"listChanged"`
		Subscribe   bool `json:"subscribe"`
	} `json:"resources,omitempty"`
}

// ImplementationInfo describes the implementation name and version.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitzero"`
}

// ContentBlock is a typed content part of a tool result.
type ContentBlock struct {
	Type string `json:"type"`
	// For TextContent
	Text string `json:"text,omitzero"`
	// For ImageContent and AudioContent
	Data     string `json:"data,omitzero"`
	MimeType string `json:"mimeType,omitzero"`
}

// Tool describes a callable tool. Schemas and annotations are opaque JSON.
type Tool struct {
	Name         string          `json:"name"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	Annotations  json.RawMessage `json:"annotations,omitempty"`
}

// Validate checks the fields every listed tool must carry.
func (t Tool) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	if len(t.InputSchema) == 0 || string(t.InputSchema) == "null" {
		return fmt.Errorf("tool %q has no inputSchema", t.Name)
	}
	return nil
}

// WithName returns a copy of t carrying name.
func (t Tool) WithName(name string) Tool {
	t.Name = name
	return t
}

// TextContent builds a text content block.
func TextContent(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}
