package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/lead-pipeline/internal/pipeline"
)

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "Operator commands for work items",
}

var itemsStuckCmd = &cobra.Command{
	Use:   "stuck",
	Short: "List items that exhausted their retries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		items, err := pipeline.New(cfg, st, nil, nil, nil).Stuck(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	},
}

var itemsRetryCmd = &cobra.Command{
	Use:   "retry <id>...",
	Short: "Clear the retry schedule of stuck items so the next rescan picks them up",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		orch := pipeline.New(cfg, st, nil, nil, nil)
		for _, id := range args {
			if _, err := orch.RetryItem(ctx, id); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	itemsCmd.AddCommand(itemsStuckCmd, itemsRetryCmd)
	rootCmd.AddCommand(itemsCmd)
}
