package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/config"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Drive every due work item as far as it can go, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, config.ModePipeline)
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.Orchestrator.ProcessDue(ctx)
		if err != nil {
			return err
		}
		zap.L().Info("process complete",
			zap.Int("processed", stats.Processed),
			zap.Int("materialized", stats.Materialized),
			zap.Int("filtered", stats.Filtered),
			zap.Int("errored", stats.Errored),
			zap.Int("deferred", stats.Deferred),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(processCmd)
}
