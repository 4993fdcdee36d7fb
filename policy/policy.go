// Package policy evaluates an optional Rego authorization policy against
// authenticated requests. The policy must define data.mcp.authorization.allow;
// an undefined result denies.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/joeshaw/envdecode"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
)

// Query is the rule every policy must define.
const Query = "data.mcp.authorization.allow"

// ErrInvalidPolicy is returned when a policy or its data cannot be loaded.
var ErrInvalidPolicy = errors.New("policy: invalid policy")

// Config selects the policy source. Inline values win over files.
type Config struct {
	Policy     string `env:"MCP_POLICY"`
	PolicyFile string `env:"MCP_POLICY_FILE"`
	Data       string `env:"MCP_POLICY_DATA"`
	DataFile   string `env:"MCP_POLICY_DATA_FILE"`
	// LegacySyntax parses modules as Rego v0 (rules without "if").
	LegacySyntax bool `env:"MCP_POLICY_REGO_V0,default=false"`
}

// LoadConfig reads Config from the process environment.
func LoadConfig() (Config, error) {
	var c Config
	if err := envdecode.Decode(&c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode policy config: %w", err)
	}
	return c, nil
}

// Enabled reports whether any policy source is configured.
func (c Config) Enabled() bool {
	return c.Policy != "" || c.PolicyFile != ""
}

// Engine holds a prepared query that can be swapped atomically on reload.
type Engine struct {
	cfg Config
	log *slog.Logger

	mu    sync.RWMutex
	query rego.PreparedEvalQuery
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for evaluation and reload events.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New compiles the configured policy.
func New(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%w: no policy configured", ErrInvalidPolicy)
	}
	e := &Engine{cfg: cfg, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.Reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload re-reads the sources and recompiles. On failure the previous query
// stays active.
func (e *Engine) Reload(ctx context.Context) error {
	module, data, err := e.cfg.load()
	if err != nil {
		return err
	}

	options := []func(*rego.Rego){
		rego.Query(Query),
		rego.Module("authorization.rego", module),
	}
	if data != nil {
		options = append(options, rego.Store(inmem.NewFromObject(data)))
	}
	if e.cfg.LegacySyntax {
		options = append(options, rego.SetRegoVersion(ast.RegoV0))
	}

	pq, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}

	e.mu.Lock()
	e.query = pq
	e.mu.Unlock()
	e.log.InfoContext(ctx, "policy.load.ok", slog.Int("bytes", len(module)))
	return nil
}

func (c Config) load() (string, map[string]any, error) {
	module := c.Policy
	if module == "" {
		b, err := os.ReadFile(c.PolicyFile)
		if err != nil {
			return "", nil, fmt.Errorf("%w: read policy file: %v", ErrInvalidPolicy, err)
		}
		module = string(b)
	}
	if module == "" {
		return "", nil, fmt.Errorf("%w: policy is empty", ErrInvalidPolicy)
	}

	raw := []byte(c.Data)
	if len(raw) == 0 && c.DataFile != "" {
		b, err := os.ReadFile(c.DataFile)
		if err != nil {
			return "", nil, fmt.Errorf("%w: read policy data file: %v", ErrInvalidPolicy, err)
		}
		raw = b
	}
	if len(raw) == 0 {
		return module, nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", nil, fmt.Errorf("%w: policy data must be a JSON object: %v", ErrInvalidPolicy, err)
	}
	return module, data, nil
}

// Allow evaluates the policy for input. Undefined results deny; non-boolean
// results are errors.
func (e *Engine) Allow(ctx context.Context, input Input) (bool, error) {
	doc, err := input.document()
	if err != nil {
		return false, err
	}

	e.mu.RLock()
	pq := e.query
	e.mu.RUnlock()

	rs, err := pq.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return false, fmt.Errorf("policy evaluation failed: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		e.log.DebugContext(ctx, "policy.eval.undefined")
		return false, nil
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("policy returned non-boolean value %T", rs[0].Expressions[0].Value)
	}
	return allowed, nil
}
