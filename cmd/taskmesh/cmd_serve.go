package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/taskmesh"
	"github.com/hupe1980/taskmesh/server"
)

// newServeCmd creates the "taskmesh serve" subcommand.
func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP task API",
		Long: `Starts tool discovery and serves the task API until SIGINT or SIGTERM.
Active tasks are cancelled on shutdown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, c)
		},
	}

	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	_ = c.v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))

	return cmd
}

func runServe(ctx context.Context, c *cli) error {
	cfg, err := c.load()
	if err != nil {
		return err
	}

	mesh, err := taskmesh.NewFromConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = mesh.Close(closeCtx)
	}()

	if err := mesh.Start(ctx); err != nil {
		return err
	}

	srv := mesh.Server(func(o *server.Options) {
		o.CORSOrigins = cfg.Server.CORSOrigins
		o.Heartbeat = cfg.Server.HeartbeatInterval
		o.Debug = cfg.Log.Level == "debug"
	})
	return srv.ListenAndServe(ctx, cfg.Server.Addr, cfg.Server.ShutdownTimeout)
}
