package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ggoodman/mcp-gateway-go/auth"
	"github.com/ggoodman/mcp-gateway-go/authorizer"
	"github.com/ggoodman/mcp-gateway-go/policy"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type authorizerOptions struct {
	addr     string
	discover bool
	watch    bool

	cfg      authorizer.Config
	settings auth.Settings
}

func (o *authorizerOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.settings.Issuer, "issuer", o.settings.Issuer, "expected token issuer")
	fs.StringVar(&o.settings.Audience, "audience", o.settings.Audience, "comma separated accepted audiences")
	fs.StringVar(&o.settings.JWKSURI, "jwks-uri", o.settings.JWKSURI, "JWKS endpoint for verification keys")
	fs.StringVar(&o.settings.Provider, "provider", o.settings.Provider, "provider hint: authkit or oidc")
	fs.StringVar(&o.settings.RequiredScopes, "required-scopes", o.settings.RequiredScopes, "scopes every token must carry")
	fs.DurationVar(&o.settings.Leeway, "leeway", o.settings.Leeway, "clock skew tolerance for exp and nbf")
	fs.StringVar(&o.cfg.TraceHeader, "trace-header", o.cfg.TraceHeader, "correlation header copied to the gateway and echoed back")
	fs.BoolVar(&o.discover, "discover", false, "seed endpoints from the issuer's OpenID configuration (implied by --provider oidc)")
	fs.BoolVar(&o.watch, "watch-policy", true, "reload policy files when they change")
}

func loadAuthorizerOptions(addr string) (*authorizerOptions, error) {
	cfg, err := authorizer.LoadConfig()
	if err != nil {
		return nil, err
	}
	settings, err := auth.LoadSettings()
	if err != nil {
		return nil, err
	}
	return &authorizerOptions{addr: envOr("MCP_AUTHORIZER_ADDR", addr), cfg: cfg, settings: settings}, nil
}

func authorizerCommand(logs *logOptions) *cobra.Command {
	opts, loadErr := loadAuthorizerOptions(":8080")
	if opts == nil {
		opts = &authorizerOptions{}
	}
	cmd := &cobra.Command{
		Use:   "authorizer",
		Short: "Validate bearer tokens and forward authenticated requests to the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if loadErr != nil {
				return loadErr
			}
			log, err := logs.logger()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if strings.TrimSpace(opts.cfg.GatewayURL) == "" {
				return fmt.Errorf("a gateway URL is required (--gateway-url or MCP_GATEWAY_URL)")
			}

			h, cleanup, err := opts.build(ctx, log)
			if err != nil {
				return err
			}
			defer cleanup()

			ln, err := listen(ctx, opts.addr)
			if err != nil {
				return err
			}
			return serve(ctx, log, ln, h)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", opts.addr, "listen address")
	cmd.Flags().StringVar(&opts.cfg.GatewayURL, "gateway-url", opts.cfg.GatewayURL, "internal gateway base URL")
	cmd.Flags().StringVar(&opts.cfg.Prefix, "prefix", opts.cfg.Prefix, "path prefix of the MCP endpoints")
	opts.addFlags(cmd.Flags())
	return cmd
}

// build assembles the authorizer handler. Provider misconfiguration does not
// fail here: the handler reports it on every request.
func (o *authorizerOptions) build(ctx context.Context, log *slog.Logger) (*authorizer.Handler, func(), error) {
	settings := o.settings
	if o.discovery(settings) {
		d, err := auth.Discover(ctx, settings.Issuer)
		if err != nil {
			log.WarnContext(ctx, "auth.discovery.fail", slog.String("issuer", settings.Issuer), slog.String("err", err.Error()))
		} else {
			d.Apply(&settings)
			log.InfoContext(ctx, "auth.discovery.ok", slog.String("jwks_uri", d.JWKSURI))
		}
	}

	ksCfg, err := loadKeyStoreConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := ksCfg.open(ctx, log)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = store.Close() }

	hopts := []authorizer.Option{
		authorizer.WithLogger(log),
		authorizer.WithAuthOptions(
			auth.WithKeyStore(store),
			auth.WithKeyCacheTTL(ksCfg.CacheTTL),
		),
	}

	engine, err := o.policy(ctx, log)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if engine != nil {
		hopts = append(hopts, authorizer.WithPolicy(engine))
	}

	h, err := authorizer.New(o.cfg, settings, hopts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return h, cleanup, nil
}

// discovery reports whether build should consult the issuer's OpenID
// configuration. The provider hint is read after flag parsing.
func (o *authorizerOptions) discovery(s auth.Settings) bool {
	if strings.TrimSpace(s.Issuer) == "" {
		return false
	}
	return o.discover || strings.EqualFold(strings.TrimSpace(s.Provider), auth.ProviderOIDC)
}

func (o *authorizerOptions) policy(ctx context.Context, log *slog.Logger) (*policy.Engine, error) {
	pcfg, err := policy.LoadConfig()
	if err != nil {
		return nil, err
	}
	if !pcfg.Enabled() {
		return nil, nil
	}
	engine, err := policy.New(ctx, pcfg, policy.WithLogger(log))
	if err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "policy.enabled", slog.Bool("watch", o.watch))
	if o.watch {
		go func() {
			if err := engine.Watch(ctx); err != nil {
				log.ErrorContext(ctx, "policy.watch.fail", slog.String("err", err.Error()))
			}
		}()
	}
	return engine, nil
}
