package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mcpserver "github.com/felixgeelhaar/agentlens/internal/mcp"
)

func mcpCmd() *cobra.Command {
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the session query tools over MCP",
		Long: `Serve agentlens_sessions, agentlens_turn, agentlens_replay and the other
query tools to an MCP client. Stdio is the default transport; --http serves
them on an address instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *workspace) error {
				srv := mcpserver.NewServer(mcpserver.Config{
					Query:   ws.query,
					Version: Version,
				})

				ctx, cancel := context.WithCancel(cmd.Context())
				defer cancel()

				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
				defer signal.Stop(sigCh)
				go func() {
					select {
					case <-sigCh:
						cancel()
					case <-ctx.Done():
					}
				}()

				if httpAddr != "" {
					return srv.ServeHTTP(ctx, httpAddr)
				}
				return srv.ServeStdio(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "Serve over HTTP on this address instead of stdio")
	return cmd
}
