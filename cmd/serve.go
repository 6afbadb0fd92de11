package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/pipeline"
	"github.com/sells-group/lead-pipeline/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline workers and the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg.Server.Port = resolvePort(servePort, cfg.Server.Port)
		env, err := initPipeline(ctx, config.ModeServe)
		if err != nil {
			return err
		}
		defer env.Close()

		env.Orchestrator.Start(ctx)
		go rescanLoop(ctx, env.Orchestrator, time.Duration(cfg.Pipeline.RescanIntervalSecs)*time.Second)

		srv := server.New(env.Orchestrator, env.Enricher, env.Reconciler)
		return server.Start(ctx, srv.Handler(cfg.Server.CORSOrigins), cfg.Server.Port)
	},
}

// resolvePort prefers the --port flag over the configured port.
func resolvePort(flag, configured int) int {
	if flag != 0 {
		return flag
	}
	return configured
}

// rescanLoop re-enqueues due items on every tick until ctx is done. The
// first scan runs immediately so items left over from a previous process
// resume without waiting a full interval.
func rescanLoop(ctx context.Context, orch *pipeline.Orchestrator, every time.Duration) {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if _, err := orch.Rescan(ctx); err != nil && ctx.Err() == nil {
			zap.L().Warn("rescan failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
