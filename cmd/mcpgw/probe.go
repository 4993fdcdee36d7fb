package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

// bearerTransport adds a fixed Authorization header and the tool filters to
// every request.
type bearerTransport struct {
	base     http.RoundTripper
	token    string
	toolsets string
	readonly bool
}

func (t bearerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	if t.token != "" {
		r.Header.Set("Authorization", "Bearer "+t.token)
	}
	if t.toolsets != "" {
		r.Header.Set("X-MCP-Toolsets", t.toolsets)
	}
	if t.readonly {
		r.Header.Set("X-MCP-Readonly", "true")
	}
	return t.base.RoundTrip(r)
}

func probeCommand() *cobra.Command {
	var (
		token    = envOr("MCP_PROBE_TOKEN", "")
		toolsets string
		readonly bool
		call     string
		args     string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "probe <endpoint>",
		Short: "Connect to an MCP endpoint, list its tools and optionally call one",
		Example: `  mcpgw probe http://localhost:8080/mcp
  mcpgw probe --token "$TOKEN" --call calc__add --args '{"a":1,"b":2}' http://localhost:8080/mcp`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			var callArgs map[string]any
			if call != "" && args != "" {
				if err := json.Unmarshal([]byte(args), &callArgs); err != nil {
					return fmt.Errorf("--args must be a JSON object: %w", err)
				}
			}

			client := sdk.NewClient(&sdk.Implementation{Name: "mcpgw-probe", Version: version}, &sdk.ClientOptions{})
			transport := &sdk.StreamableClientTransport{
				Endpoint: argv[0],
				HTTPClient: &http.Client{Transport: bearerTransport{
					base:     http.DefaultTransport,
					token:    token,
					toolsets: toolsets,
					readonly: readonly,
				}},
			}
			cs, err := client.Connect(ctx, transport, &sdk.ClientSessionOptions{})
			if err != nil {
				return fmt.Errorf("connect to %s: %w", argv[0], err)
			}
			defer cs.Close()

			out := cmd.OutOrStdout()
			if ir := cs.InitializeResult(); ir != nil && ir.ServerInfo != nil {
				fmt.Fprintf(out, "server: %s %s (protocol %s)\n", ir.ServerInfo.Name, ir.ServerInfo.Version, ir.ProtocolVersion)
			}

			lt, err := cs.ListTools(ctx, &sdk.ListToolsParams{})
			if err != nil {
				return fmt.Errorf("list tools: %w", err)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOOL\tDESCRIPTION")
			for _, t := range lt.Tools {
				fmt.Fprintf(tw, "%s\t%s\n", t.Name, t.Description)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if call == "" {
				return nil
			}
			res, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: call, Arguments: callArgs})
			if err != nil {
				return fmt.Errorf("call %s: %w", call, err)
			}
			for _, c := range res.Content {
				if text, ok := c.(*sdk.TextContent); ok {
					fmt.Fprintln(out, text.Text)
				}
			}
			if res.IsError {
				return fmt.Errorf("tool %s reported an error", call)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", token, "bearer token sent with every request")
	cmd.Flags().StringVar(&toolsets, "toolsets", "", "comma separated backends to expose (X-MCP-Toolsets)")
	cmd.Flags().BoolVar(&readonly, "readonly", false, "request readonly mode (X-MCP-Readonly)")
	cmd.Flags().StringVar(&call, "call", "", "tool to call after listing")
	cmd.Flags().StringVar(&args, "args", "", "JSON object of arguments for --call")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	return cmd
}
