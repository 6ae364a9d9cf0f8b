package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"renderq/internal/daemon"
	"renderq/internal/logging"
	"renderq/internal/queue"
	"renderq/internal/services/comfy"
	"renderq/internal/worker"
	"renderq/internal/workflowdef"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the queue worker daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			logger, err := logging.NewFromConfig(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			store, err := queue.Open(cfg)
			if err != nil {
				return fmt.Errorf("open queue store: %w", err)
			}
			defer store.Close()

			registry := workflowdef.NewRegistry()
			client := comfy.NewClient(cfg)
			engine := worker.NewEngine(cfg, store, client, logger)

			d, err := daemon.New(cfg, store, registry, engine, logger)
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}
			if err := d.Start(signalCtx); err != nil {
				return err
			}
			defer d.Stop()

			fmt.Fprintf(cmd.OutOrStdout(), "renderq daemon running (db: %s)\n", store.Path())
			<-signalCtx.Done()
			logger.Info("daemon shutting down")
			return nil
		},
	}
}
