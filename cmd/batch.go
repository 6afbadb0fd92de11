package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/pipeline"
)

var enrichBatchCmd = &cobra.Command{
	Use:   "enrich-batch",
	Short: "Scrape every due stage3_done item across the whole account pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, config.ModePipeline)
		if err != nil {
			return err
		}
		defer env.Close()

		results, err := env.Orchestrator.EnrichBatch(ctx)
		if err != nil {
			return err
		}
		enriched, failed := summarizeBatch(results)
		zap.L().Info("enrich-batch complete",
			zap.Int("items", len(results)),
			zap.Int("enriched", enriched),
			zap.Int("failed", failed),
		)
		return nil
	},
}

// summarizeBatch counts items that reached enriched and items that failed.
func summarizeBatch(results []pipeline.BatchResult[model.ProcessingStatus]) (enriched, failed int) {
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
		case r.Value == model.StatusEnriched:
			enriched++
		}
	}
	return enriched, failed
}

func init() {
	rootCmd.AddCommand(enrichBatchCmd)
}
