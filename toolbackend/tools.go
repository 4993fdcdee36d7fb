package toolbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-gateway-go/mcp"
	"github.com/invopop/jsonschema"
)

// ToolHandler is the function signature used to handle a tool invocation.
// A returned error becomes an HTTP 500 from the backend.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error)

// Tool pairs an MCP tool descriptor with its handler.
type Tool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	title                     string
	description               string
	allowAdditionalProperties bool // default false (strict)
	annotations               map[string]any
}

// WithTitle sets the human-facing tool title.
func WithTitle(title string) ToolOption {
	return func(c *toolConfig) { c.title = title }
}

// WithDescription sets the tool description used in listings.
func WithDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithAllowAdditionalProperties controls whether unknown fields are allowed.
// When false (default), the generated schema sets additionalProperties=false
// and runtime decoding rejects unknown fields.
func WithAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// WithReadOnlyHint marks the tool as free of side effects.
func WithReadOnlyHint() ToolOption {
	return func(c *toolConfig) {
		if c.annotations == nil {
			c.annotations = map[string]any{}
		}
		c.annotations["readOnlyHint"] = true
	}
}

// NewTool constructs a Tool from a typed args struct A. It reflects the
// input schema from A with invopop/jsonschema and wraps fn with JSON
// decoding of the arguments.
func NewTool[A any](name string, fn func(ctx context.Context, args A) (*mcp.CallToolResult, error), opts ...ToolOption) Tool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	desc := mcp.Tool{
		Name:        name,
		Title:       cfg.title,
		Description: cfg.description,
		InputSchema: reflectSchema[A](cfg.allowAdditionalProperties),
	}
	if len(cfg.annotations) > 0 {
		desc.Annotations, _ = json.Marshal(cfg.annotations)
	}

	handler := func(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
		var a A
		if len(raw) > 0 {
			dec := json.NewDecoder(bytes.NewReader(raw))
			if !cfg.allowAdditionalProperties {
				dec.DisallowUnknownFields()
			}
			if err := dec.Decode(&a); err != nil {
				return Errorf("invalid arguments: %v", err), nil
			}
		}
		return fn(ctx, a)
	}

	return Tool{Descriptor: desc, Handler: handler}
}

// NewStructuredTool is NewTool for tools with a typed result R. The
// descriptor advertises R's schema as outputSchema and each result carries
// R both as structuredContent and as a JSON text block.
func NewStructuredTool[A, R any](name string, fn func(ctx context.Context, args A) (R, error), opts ...ToolOption) Tool {
	t := NewTool(name, func(ctx context.Context, args A) (*mcp.CallToolResult, error) {
		out, err := fn(ctx, args)
		if err != nil {
			return Errorf("%v", err), nil
		}
		text, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		return &mcp.CallToolResult{
			Content:           []mcp.ContentBlock{mcp.TextContent(string(text))},
			StructuredContent: out,
		}, nil
	}, opts...)
	t.Descriptor.OutputSchema = reflectSchema[R](true)
	return t
}

// reflectSchema reflects a Go type A into an inline JSON Schema document.
// Non-object types collapse to an empty object schema.
func reflectSchema[A any](allowAdditional bool) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))
	if s == nil || s.Type != "object" {
		s = &jsonschema.Schema{Type: "object"}
		if !allowAdditional {
			s.AdditionalProperties = jsonschema.FalseSchema
		}
	}
	// The dialect and id are noise in tool listings.
	s.Version = ""
	s.ID = ""

	b, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b
}

// TextResult is a small helper to build a text CallToolResult.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(s)}}
}

// Errorf returns an error CallToolResult with a single text block and IsError=true.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(fmt.Sprintf(format, a...))}, IsError: true}
}
