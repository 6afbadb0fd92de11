package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/pipeline"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-check HR-provider matches on existing leads",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stats, err := pipeline.NewReconciler(st).Run(ctx)
		if err != nil {
			return err
		}
		zap.L().Info("reconcile complete",
			zap.Int("checked", stats.Checked),
			zap.Int("cleared", stats.Cleared),
			zap.Int("repointed", stats.Repointed),
			zap.Int("failed", stats.Failed),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
