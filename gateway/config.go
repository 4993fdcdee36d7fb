package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/mcp-gateway-go/mcp"
	"github.com/joeshaw/envdecode"
)

// DefaultURLTemplate addresses backends on the internal service network.
const DefaultURLTemplate = "http://{name}.spin.internal"

// Config is the gateway configuration.
type Config struct {
	// Backends is a comma separated list of backend names. An entry may be
	// written name=url to bypass the URL template.
	Backends    string `env:"MCP_GATEWAY_BACKENDS"`
	URLTemplate string `env:"MCP_GATEWAY_BACKEND_URL_TEMPLATE,default=http://{name}.spin.internal"`
	Prefix      string `env:"MCP_GATEWAY_PREFIX,default=/mcp"`

	ValidateArguments bool          `env:"MCP_GATEWAY_VALIDATE_ARGUMENTS,default=true"`
	BackendTimeout    time.Duration `env:"MCP_GATEWAY_BACKEND_TIMEOUT,default=30s"`

	ServerName    string `env:"MCP_GATEWAY_SERVER_NAME,default=mcp-gateway"`
	ServerVersion string `env:"MCP_GATEWAY_SERVER_VERSION,default=0.1.0"`
	Instructions  string `env:"MCP_GATEWAY_INSTRUCTIONS"`
}

// LoadConfig reads Config from the process environment.
func LoadConfig() (Config, error) {
	c := Config{ValidateArguments: true}
	if err := envdecode.Decode(&c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode gateway config: %w", err)
	}
	return c, nil
}

func (c Config) prefix() string {
	p := "/" + strings.Trim(strings.TrimSpace(c.Prefix), "/")
	if p == "/" {
		return "/mcp"
	}
	return p
}

func (c Config) serverInfo() mcp.ImplementationInfo {
	info := mcp.ImplementationInfo{Name: c.ServerName, Version: c.ServerVersion}
	if info.Name == "" {
		info.Name = "mcp-gateway"
	}
	if info.Version == "" {
		info.Version = "0.1.0"
	}
	return info
}

// Backend is a configured tool service.
type Backend struct {
	Name string
	URL  *url.URL
}

// KebabCase maps a snake_case backend name to its host label.
func KebabCase(name string) string {
	return strings.ReplaceAll(name, "_", "-")
}

// ParseBackends resolves the configured backend list, preserving order.
// Duplicate names are rejected.
func (c Config) ParseBackends() ([]Backend, error) {
	tmpl := strings.TrimSpace(c.URLTemplate)
	if tmpl == "" {
		tmpl = DefaultURLTemplate
	}
	if !strings.Contains(tmpl, "{name}") {
		return nil, fmt.Errorf("backend URL template %q has no {name} placeholder", tmpl)
	}

	var out []Backend
	seen := make(map[string]struct{})
	for _, entry := range strings.Split(c.Backends, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, raw, explicit := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if name == "" || strings.ContainsAny(name, "/ ") || strings.Contains(name, "__") {
			return nil, fmt.Errorf("invalid backend name %q", name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate backend %q", name)
		}
		seen[name] = struct{}{}

		if !explicit {
			raw = strings.ReplaceAll(tmpl, "{name}", KebabCase(name))
		}
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("backend %q: invalid URL: %w", name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("backend %q: URL must use HTTP or HTTPS scheme, got %q", name, u.Scheme)
		}
		out = append(out, Backend{Name: name, URL: u})
	}
	return out, nil
}
