package main

import (
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func allCommand(logs *logOptions) *cobra.Command {
	aopts, aErr := loadAuthorizerOptions(":8080")
	if aopts == nil {
		aopts = &authorizerOptions{}
	}
	gopts, gErr := loadGatewayOptions("127.0.0.1:0")
	if gopts == nil {
		gopts = &gatewayOptions{}
	}
	prefix := aopts.cfg.Prefix

	cmd := &cobra.Command{
		Use:   "all",
		Short: "Run the authorizer in front of an in-process gateway",
		Long: `Run the authorizer in front of an in-process gateway.

The gateway listens on a loopback address and is only reachable through the
authorizer. When no issuer, JWKS URI or public key is configured the gateway
is served directly and requests are not authenticated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if aErr != nil {
				return aErr
			}
			if gErr != nil {
				return gErr
			}
			log, err := logs.logger()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			aopts.cfg.Prefix = prefix
			gopts.cfg.Prefix = prefix
			gopts.traceHeader = aopts.cfg.TraceHeader
			gw, err := gopts.build(log.With(slog.String("component", "gateway")))
			if err != nil {
				return err
			}

			if !aopts.settings.ProviderConfigured() {
				log.WarnContext(ctx, "auth.disabled", slog.String("reason", "no identity provider configured"))
				return listenAndServe(ctx, log, aopts.addr, gw)
			}

			internal, err := listen(ctx, gopts.addr)
			if err != nil {
				return err
			}
			aopts.cfg.GatewayURL = "http://" + internal.Addr().String()

			authz, cleanup, err := aopts.build(ctx, log.With(slog.String("component", "authorizer")))
			if err != nil {
				_ = internal.Close()
				return err
			}
			defer cleanup()

			public, err := listen(ctx, aopts.addr)
			if err != nil {
				_ = internal.Close()
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return serve(gctx, log, internal, gw) })
			g.Go(func() error { return serve(gctx, log, public, authz) })
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&aopts.addr, "addr", aopts.addr, "public listen address")
	cmd.Flags().StringVar(&prefix, "prefix", prefix, "path prefix of the MCP endpoints")
	aopts.addFlags(cmd.Flags())
	gopts.addFlags(cmd.Flags())
	return cmd
}
