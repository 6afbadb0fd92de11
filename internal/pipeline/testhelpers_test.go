package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/ratelimit"
	"github.com/sells-group/lead-pipeline/internal/store"
	"github.com/sells-group/lead-pipeline/pkg/linkedin"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const (
	frenchPost = "Nous recrutons un Ingénieur logiciel à Paris ! Envoyez-nous vos candidatures."
	berlinPost = "We're hiring a Senior Backend Engineer in Berlin, Germany. Apply now!"
)

func boolPtr(b bool) *bool { return &b }

func testConfig() *config.Config {
	return &config.Config{
		Anthropic: config.AnthropicConfig{
			Model:        "claude-haiku-4-5-20251001",
			MessageModel: "claude-sonnet-4-5-20250929",
			MaxTokens:    512,
		},
		LinkedIn: config.LinkedInConfig{
			Accounts: []model.ExternalAccount{
				{ID: "acct-1", APIKey: "k1"},
				{ID: "acct-2", APIKey: "k2"},
			},
		},
		Pipeline: config.PipelineConfig{
			Workers:         2,
			QueueSize:       16,
			MaxRetries:      3,
			RetryBaseSecs:   60,
			RetryMaxSecs:    600,
			RescanLimit:     100,
			MessageAttempts: 3,
			Language:        "fr",
		},
	}
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

type harness struct {
	t        *testing.T
	cfg      *config.Config
	st       *store.SQLiteStore
	ai       *mockAnthropicClient
	li       *mockLinkedInClient
	notifier *recordingNotifier
	enricher *Enricher
	mat      *Materializer
	orch     *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testConfig()
	st := newTestStore(t)
	ai := &mockAnthropicClient{}
	li := &mockLinkedInClient{}
	notifier := &recordingNotifier{}

	sched := ratelimit.NewScheduler(ratelimit.Config{})
	enricher := NewEnricher(st, li, sched, cfg.LinkedIn.Accounts)
	mat := NewMaterializer(st, ai, notifier, cfg.Anthropic.MessageModel, cfg.Anthropic.MaxTokens,
		cfg.Pipeline.MessageAttempts, cfg.Pipeline.Language)
	mat.retry.Base = 0
	mat.retry.Jitter = 0

	return &harness{
		t:        t,
		cfg:      cfg,
		st:       st,
		ai:       ai,
		li:       li,
		notifier: notifier,
		enricher: enricher,
		mat:      mat,
		orch:     New(cfg, st, ai, enricher, mat),
	}
}

// seed stores an item already sitting in status, with the stage outputs
// that status implies.
func (h *harness) seed(id string, status model.ProcessingStatus, text string) *model.WorkItem {
	h.t.Helper()
	item := &model.WorkItem{
		ID:               id,
		Text:             text,
		AuthorID:         "author-" + id,
		AuthorName:       "marie Dupont",
		AuthorProfileRef: "marie-dupont-" + id,
		Status:           status,
	}
	if status.Rank() >= 1 {
		item.Stage1 = &model.Stage1Result{IsRecruiting: boolPtr(true), Rationale: "job ad"}
	}
	if status.Rank() >= 2 {
		item.Stage2 = &model.Stage2Result{Verdict: model.VerdictYes}
	}
	if status.Rank() >= 3 {
		item.Stage3 = &model.Stage3Result{Category: "tech"}
	}
	if status.Rank() >= 4 {
		item.CompanyRef = "1001"
		item.CompanyName = "Acme"
		item.Position = "DRH"
		item.EmployerRefs = []string{"1001", "2002"}
	}
	require.NoError(h.t, h.st.CreateWorkItem(context.Background(), item))
	return item
}

func (h *harness) get(id string) *model.WorkItem {
	h.t.Helper()
	item, err := h.st.GetWorkItem(context.Background(), id)
	require.NoError(h.t, err)
	return item
}

func acmeProfile(ref string) *linkedin.Profile {
	return &linkedin.Profile{
		ProfileRef: ref,
		FullName:   "Marie Dupont",
		Positions: []linkedin.Position{
			{Company: "Acme", CompanyID: "1001", Position: "DRH", IsCurrent: true},
			{Company: "Globex", CompanyID: "2002", Position: "RRH"},
		},
	}
}

func acmeCompany() *linkedin.Company {
	return &linkedin.Company{
		Ref:          "1001",
		Name:         "Acme",
		Description:  "Industrial software.",
		Industry:     "Software Development",
		Size:         "51-200",
		Headquarters: "Paris, FR",
	}
}

// expectHappyScrape stubs the provider for the Acme author.
func (h *harness) expectHappyScrape() {
	h.li.On("GetUser", mock.Anything, mock.Anything, mock.Anything).
		Return(acmeProfile("marie-dupont"), nil)
	h.li.On("GetCompany", mock.Anything, mock.Anything, "1001").Return(acmeCompany(), nil)
}

func (h *harness) expectMessage() {
	h.ai.onPrompt(messageSystemPrompt).
		Return(textResponse(`{"message": "Bonjour Marie, j'ai vu que Acme recrute un ingénieur logiciel."}`), nil)
}
