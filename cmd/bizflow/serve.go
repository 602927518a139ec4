package main

import (
	"github.com/spf13/cobra"

	"github.com/rendis/bizflow/internal/api"
	"github.com/rendis/bizflow/pkg/mcp"
)

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and, when enabled, the scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			deps := api.Deps{
				Invoker: a.orchestrator,
				Runs:    a.store,
				Hub:     a.hub,
				Logger:  c.logger,
			}
			if a.scheduler != nil {
				if err := a.scheduler.Start(ctx); err != nil {
					return err
				}
				deps.Scheduler = a.scheduler
			}
			return api.NewServer(deps).Start(ctx, c.cfg.ListenAddr)
		},
	}
	cmd.Flags().String("listen", "", "HTTP listen address (default :4200)")
	cmd.Flags().Bool("scheduler", false, "run the configured cron sweeps")
	return cmd
}

func newMCPCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := mcp.NewServer(mcp.ServerDeps{
				Invoker: a.orchestrator,
				Runs:    a.store,
				Docs:    a.store,
				Hub:     a.hub,
				Logger:  c.logger,
			})
			c.logger.Info("mcp server starting", "transport", "stdio")
			return srv.Serve(ctx)
		},
	}
}
