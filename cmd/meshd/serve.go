package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jrc1883/meshbrain"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator, consensus and monitor until interrupted",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := meshbrain.NewLogger(cfg.Logging)
	m, err := meshbrain.New(ctx, cfg, func(o *meshbrain.Options) { o.Logger = logger })
	if err != nil {
		return err
	}
	defer m.Close()

	err = m.Run(ctx)
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("Mesh stopped", "reason", context.Cause(ctx))
	return nil
}
