package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/pipeline"
	"github.com/sells-group/lead-pipeline/internal/ratelimit"
	"github.com/sells-group/lead-pipeline/internal/store"
	anthropicpkg "github.com/sells-group/lead-pipeline/pkg/anthropic"
	"github.com/sells-group/lead-pipeline/pkg/linkedin"
	"github.com/sells-group/lead-pipeline/pkg/webhook"
)

// pipelineEnv holds the store and the pipeline components needed by the
// serve/process/enrich-batch commands.
type pipelineEnv struct {
	Store        store.Store
	Orchestrator *pipeline.Orchestrator
	Enricher     *pipeline.Enricher
	Reconciler   *pipeline.Reconciler
}

// Close waits for background work and releases the store.
func (pe *pipelineEnv) Close() {
	if pe.Orchestrator != nil {
		pe.Orchestrator.Wait()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore opens the configured datastore.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "leads.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store.database_url is required for postgres (LEADS_STORE_DATABASE_URL)")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore validates the store config, opens it and applies migrations.
func openStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate(config.ModeStore); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initPipeline sets up the store, the LLM and profile-provider clients, the
// account scheduler and the workflow sink, and wires the orchestrator.
// Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	var aiOpts []anthropicpkg.Option
	if cfg.Anthropic.BaseURL != "" {
		aiOpts = append(aiOpts, anthropicpkg.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	ai := anthropicpkg.NewClient(cfg.Anthropic.Key, aiOpts...)

	li := linkedin.NewClient(cfg.LinkedIn.APIKey,
		linkedin.WithBaseURL(cfg.LinkedIn.BaseURL),
		linkedin.WithTimeout(time.Duration(cfg.LinkedIn.TimeoutSecs)*time.Second),
	)

	sched := ratelimit.NewScheduler(ratelimit.Config{
		MinDelay:  time.Duration(cfg.LinkedIn.MinDelayMs) * time.Millisecond,
		MaxDelay:  time.Duration(cfg.LinkedIn.MaxDelayMs) * time.Millisecond,
		GlobalRPS: cfg.LinkedIn.GlobalRPS,
	})

	var notifier webhook.Notifier = webhook.Nop{}
	if cfg.Webhook.URL != "" {
		notifier = webhook.NewClient(cfg.Webhook.URL, webhook.WithSecret(cfg.Webhook.Secret))
		zap.L().Info("lead notifications enabled")
	} else {
		zap.L().Debug("LEADS_WEBHOOK_URL not set, lead notifications disabled")
	}

	enricher := pipeline.NewEnricher(st, li, sched, cfg.LinkedIn.Accounts)
	materializer := pipeline.NewMaterializer(st, ai, notifier,
		cfg.Anthropic.MessageModel, cfg.Anthropic.MaxTokens,
		cfg.Pipeline.MessageAttempts, cfg.Pipeline.Language,
	)
	orch := pipeline.New(cfg, st, ai, enricher, materializer)

	zap.L().Info("pipeline initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Strings("accounts", cfg.AccountIDs()),
		zap.Int("workers", cfg.Pipeline.Workers),
	)

	return &pipelineEnv{
		Store:        st,
		Orchestrator: orch,
		Enricher:     enricher,
		Reconciler:   pipeline.NewReconciler(st),
	}, nil
}
