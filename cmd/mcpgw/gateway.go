package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/mcp-gateway-go/gateway"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type gatewayOptions struct {
	addr        string
	traceHeader string
	cfg         gateway.Config
}

func loadGatewayOptions(addr string) (*gatewayOptions, error) {
	cfg, err := gateway.LoadConfig()
	if err != nil {
		return nil, err
	}
	return &gatewayOptions{
		addr:        envOr("MCP_GATEWAY_ADDR", addr),
		traceHeader: envOr("MCP_TRACE_HEADER", "X-Trace-Id"),
		cfg:         cfg,
	}, nil
}

func (o *gatewayOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.cfg.Backends, "backends", o.cfg.Backends, "comma separated backend names, each optionally name=url")
	fs.StringVar(&o.cfg.URLTemplate, "backend-url-template", o.cfg.URLTemplate, "backend base URL with a {name} placeholder")
	fs.BoolVar(&o.cfg.ValidateArguments, "validate-arguments", o.cfg.ValidateArguments, "validate tool arguments against the backend's input schema")
	fs.DurationVar(&o.cfg.BackendTimeout, "backend-timeout", o.cfg.BackendTimeout, "upper bound on a single backend request")
	fs.StringVar(&o.cfg.Instructions, "instructions", o.cfg.Instructions, "instructions returned from initialize")
}

func (o *gatewayOptions) build(log *slog.Logger) (*gateway.Handler, error) {
	h, err := gateway.New(o.cfg,
		gateway.WithLogger(log),
		gateway.WithTraceHeader(o.traceHeader),
		gateway.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		}),
	)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(h.Backends()))
	for _, b := range h.Backends() {
		names = append(names, b.Name)
	}
	log.Info("gateway.configured", slog.String("prefix", h.Prefix()), slog.Any("backends", names))
	return h, nil
}

func gatewayCommand(logs *logOptions) *cobra.Command {
	opts, loadErr := loadGatewayOptions(":8081")
	if opts == nil {
		opts = &gatewayOptions{}
	}
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Serve the MCP endpoints over the configured tool backends",
		Long: `Serve the MCP endpoints over the configured tool backends.

The gateway trusts the X-Auth-* headers set by the authorizer and performs no
authentication of its own. Expose it only behind the authorizer.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if loadErr != nil {
				return loadErr
			}
			log, err := logs.logger()
			if err != nil {
				return err
			}
			h, err := opts.build(log)
			if err != nil {
				return err
			}
			return listenAndServe(cmd.Context(), log, opts.addr, h)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", opts.addr, "listen address")
	cmd.Flags().StringVar(&opts.cfg.Prefix, "prefix", opts.cfg.Prefix, "path prefix of the MCP endpoints")
	cmd.Flags().StringVar(&opts.traceHeader, "trace-header", opts.traceHeader, "correlation header recorded in logs")
	opts.addFlags(cmd.Flags())
	return cmd
}

func listenAndServe(ctx context.Context, log *slog.Logger, addr string, h http.Handler) error {
	ln, err := listen(ctx, addr)
	if err != nil {
		return err
	}
	return serve(ctx, log, ln, h)
}
