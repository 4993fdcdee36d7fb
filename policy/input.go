package policy

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ggoodman/mcp-gateway-go/claims"
)

// Input is the document exposed to policies as `input`.
type Input struct {
	Token   TokenInput   `json:"token"`
	Request RequestInput `json:"request"`
	MCP     *MCPInput    `json:"mcp,omitempty"`
}

type TokenInput struct {
	Sub    string         `json:"sub"`
	Iss    string         `json:"iss"`
	Scopes []string       `json:"scopes"`
	Claims map[string]any `json:"claims"`
}

type RequestInput struct {
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Component *string           `json:"component"`
	Headers   map[string]string `json:"headers"`
}

// MCPInput is present only when the body parsed as a JSON-RPC request.
type MCPInput struct {
	Method    string          `json:"method"`
	Tool      *string         `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// BuildInput assembles the policy input. prefix is the gateway mount point
// used to recognise {prefix}/x/{component} paths.
func BuildInput(vc *claims.ValidatedClaims, r *http.Request, body []byte, prefix string) Input {
	in := Input{
		Token: TokenInput{
			Sub:    vc.Subject,
			Iss:    vc.Issuer,
			Scopes: append([]string{}, vc.Scopes...),
			Claims: vc.All(),
		},
		Request: RequestInput{
			Method:    r.Method,
			Path:      r.URL.Path,
			Component: componentFromPath(r.URL.Path, prefix),
			Headers:   headerMap(r.Header),
		},
	}
	if len(body) > 0 {
		in.MCP = parseMCP(body)
	}
	return in
}

func componentFromPath(path, prefix string) *string {
	rest, ok := strings.CutPrefix(strings.Trim(path, "/"), strings.Trim(prefix, "/")+"/x/")
	if !ok {
		return nil
	}
	name, _, _ := strings.Cut(rest, "/")
	if name == "" {
		return nil
	}
	return &name
}

// headerMap lowercases names and keeps the first value. Credentials are
// withheld from policies.
func headerMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) == 0 || strings.EqualFold(k, "Authorization") {
			continue
		}
		out[strings.ToLower(k)] = vs[0]
	}
	return out
}

func parseMCP(body []byte) *MCPInput {
	var req struct {
		Method string `json:"method"`
		Params *struct {
			Name      *string         `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"params"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Method == "" {
		return nil
	}
	in := &MCPInput{Method: req.Method}
	if req.Method == "tools/call" && req.Params != nil {
		in.Tool = req.Params.Name
		in.Arguments = req.Params.Arguments
	}
	return in
}

// document converts the input to the generic shape OPA evaluates.
func (in Input) document() (map[string]any, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
