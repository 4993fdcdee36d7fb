package gateway

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
)

const (
	toolsetsHeader = "X-MCP-Toolsets"
	readonlyHeader = "X-MCP-Readonly"
)

// Scope is the routing context of one request.
type Scope struct {
	// Backend is empty for the aggregate endpoint.
	Backend  string
	Readonly bool
	// Toolsets restricts the visible backends when non-nil.
	Toolsets []string
}

// IsAggregate reports whether the request spans every backend.
func (s Scope) IsAggregate() bool { return s.Backend == "" }

// Allows reports whether backend passes the toolset filter.
func (s Scope) Allows(backend string) bool {
	return s.Toolsets == nil || slices.Contains(s.Toolsets, backend)
}

func (s Scope) String() string {
	name := "aggregate"
	if !s.IsAggregate() {
		name = "scoped:" + s.Backend
	}
	if s.Readonly {
		name += ":readonly"
	}
	return name
}

// RouteError rejects a request before any JSON-RPC processing.
type RouteError struct {
	Status  int
	Message string
}

func (e *RouteError) Error() string { return e.Message }

// ParseScope maps a request path onto a Scope:
//
//	{prefix}           aggregate
//	{prefix}/readonly  aggregate, tool calls disabled
//	{prefix}/x/{name}  scoped to backend name
//
// Anything else is a 404 RouteError.
func ParseScope(prefix, path string) (Scope, error) {
	prefix = "/" + strings.Trim(prefix, "/")
	clean := "/" + strings.Trim(path, "/")

	switch clean {
	case prefix:
		return Scope{}, nil
	case prefix + "/readonly":
		return Scope{Readonly: true}, nil
	}

	rest, ok := strings.CutPrefix(clean, prefix+"/")
	if !ok {
		return Scope{}, &RouteError{
			Status:  http.StatusNotFound,
			Message: fmt.Sprintf("Invalid path: %s. MCP endpoints must start with %s", path, prefix),
		}
	}
	name, ok := strings.CutPrefix(rest, "x/")
	if !ok || name == "" || strings.Contains(name, "/") {
		return Scope{}, &RouteError{Status: http.StatusNotFound, Message: "Invalid MCP path: " + path}
	}
	return Scope{Backend: name}, nil
}

// applyHeaders folds the toolset and readonly request headers into s.
func (s Scope) applyHeaders(h http.Header) Scope {
	if strings.EqualFold(strings.TrimSpace(h.Get(readonlyHeader)), "true") {
		s.Readonly = true
	}
	if vs := h.Values(toolsetsHeader); len(vs) > 0 {
		s.Toolsets = []string{}
		for _, v := range vs {
			for _, name := range strings.Split(v, ",") {
				if name = strings.TrimSpace(name); name != "" {
					s.Toolsets = append(s.Toolsets, name)
				}
			}
		}
	}
	return s
}
