package authorizer

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/joeshaw/envdecode"
)

// Config is the deployment-level authorizer configuration. Provider settings
// live in auth.Settings.
type Config struct {
	// GatewayURL is the internal address authenticated requests are
	// forwarded to. Its path is joined in front of the inbound path.
	GatewayURL string `env:"MCP_GATEWAY_URL"`
	// TraceHeader is copied onto the forwarded request and echoed back.
	TraceHeader string `env:"MCP_TRACE_HEADER,default=X-Trace-Id"`
	// Prefix is where the gateway's MCP endpoints live. It shapes the
	// advertised resource URL and the policy component lookup.
	Prefix string `env:"MCP_GATEWAY_PREFIX,default=/mcp"`
	// MaxPolicyBody bounds how much of a request body is buffered for
	// policy evaluation.
	MaxPolicyBody int64 `env:"MCP_POLICY_MAX_BODY,default=4194304"`
}

// LoadConfig reads Config from the process environment.
func LoadConfig() (Config, error) {
	var c Config
	if err := envdecode.Decode(&c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode authorizer config: %w", err)
	}
	return c.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	c.TraceHeader = http.CanonicalHeaderKey(strings.TrimSpace(c.TraceHeader))
	if c.TraceHeader == "" {
		c.TraceHeader = "X-Trace-Id"
	}
	c.Prefix = "/" + strings.Trim(strings.TrimSpace(c.Prefix), "/")
	if c.Prefix == "/" {
		c.Prefix = "/mcp"
	}
	if c.MaxPolicyBody <= 0 {
		c.MaxPolicyBody = 4 << 20
	}
	return c
}
