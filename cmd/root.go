package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "lead-pipeline",
	Short: "Turn recruiting posts into qualified leads",
	Long: `Moves ingested posts through the lead pipeline: three LLM classification
stages, author and company enrichment on the rate-limited profile provider,
then lead creation with an approach message.

  serve         HTTP API, stage callbacks and background workers
  process       drain every item that is due once, then exit
  enrich-batch  scrape all categorized items across every account
  ingest        load posts from a YAML or JSON file
  items         list stuck items or queue them again
  reconcile     re-check HR-provider matches on existing leads
  migrate       apply datastore migrations`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		if err := config.InitLogger(c.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		cfg = c
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
