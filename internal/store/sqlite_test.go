package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/resilience"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newItem(id string) *model.WorkItem {
	return &model.WorkItem{
		ID:               id,
		Text:             "Nous recrutons un développeur Go à Lyon",
		AuthorID:         "author-" + id,
		AuthorName:       "Marie Dupont",
		AuthorProfileRef: "marie-dupont",
	}
}

// --- Work items ---

func TestSQLite_WorkItem_CreateAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	item := newItem("w1")
	require.NoError(t, st.CreateWorkItem(ctx, item))
	assert.Equal(t, model.StatusPending, item.Status)

	got, err := st.GetWorkItem(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, item.Text, got.Text)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Nil(t, got.Stage1)
	assert.Nil(t, got.NextRetryAt)
	assert.WithinDuration(t, item.CreatedAt, got.CreatedAt, time.Second)
}

func TestSQLite_WorkItem_Duplicate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateWorkItem(ctx, newItem("w1")))
	err := st.CreateWorkItem(ctx, newItem("w1"))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestSQLite_WorkItem_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetWorkItem(context.Background(), "missing")
	assert.True(t, resilience.IsNotFound(err))
}

func TestSQLite_WorkItem_UpdateRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	item := newItem("w1")
	require.NoError(t, st.CreateWorkItem(ctx, item))

	yes := true
	item.Stage1 = &model.Stage1Result{IsRecruiting: &yes, Rationale: "job post"}
	item.Stage2 = &model.Stage2Result{Verdict: model.VerdictYes}
	item.Stage3 = &model.Stage3Result{Category: "Tech"}
	item.CompanyRef = "1001"
	item.EmployerRefs = []string{"1001", "2002"}
	item.Profile = json.RawMessage(`{"full_name":"Marie Dupont"}`)
	item.Status = model.StatusEnriched
	require.NoError(t, st.UpdateWorkItem(ctx, item, model.StatusPending))

	got, err := st.GetWorkItem(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, got.Stage1.Recruiting())
	assert.True(t, got.Stage2.Passed())
	assert.Equal(t, "Tech", got.Stage3.Category)
	assert.Equal(t, []string{"1001", "2002"}, got.EmployerRefs)
	assert.JSONEq(t, `{"full_name":"Marie Dupont"}`, string(got.Profile))
	assert.Equal(t, model.StatusEnriched, got.Status)
}

func TestSQLite_WorkItem_UpdateConflict(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	item := newItem("w1")
	require.NoError(t, st.CreateWorkItem(ctx, item))

	first := *item
	first.Status = model.StatusStage1Done
	require.NoError(t, st.UpdateWorkItem(ctx, &first, model.StatusPending))

	second := *item
	second.Status = model.StatusFilteredOut
	err := st.UpdateWorkItem(ctx, &second, model.StatusPending)
	assert.ErrorIs(t, err, ErrStatusConflict)

	got, err := st.GetWorkItem(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusStage1Done, got.Status)

	missing := newItem("nope")
	err = st.UpdateWorkItem(ctx, missing, model.StatusPending)
	assert.True(t, resilience.IsNotFound(err))
}

func TestSQLite_WorkItem_RecordFailureAndReset(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateWorkItem(ctx, newItem("w1")))
	next := time.Now().Add(time.Minute)

	n, err := st.RecordFailure(ctx, "w1", Failure{Expected: model.StatusPending, Error: "429", NextRetryAt: next})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = st.RecordFailure(ctx, "w1", Failure{Expected: model.StatusPending, Error: "429", NextRetryAt: next})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := st.GetWorkItem(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status, "status is untouched by a retryable failure")
	assert.Equal(t, "429", got.LastError)
	require.NotNil(t, got.NextRetryAt)
	assert.WithinDuration(t, next, *got.NextRetryAt, time.Second)
	require.NotNil(t, got.LastRetriedAt)

	_, err = st.RecordFailure(ctx, "w1", Failure{Expected: model.StatusStage1Done, NextRetryAt: next})
	assert.ErrorIs(t, err, ErrStatusConflict)

	require.NoError(t, st.ResetRetry(ctx, "w1"))
	got, err = st.GetWorkItem(ctx, "w1")
	require.NoError(t, err)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.NextRetryAt)

	assert.True(t, resilience.IsNotFound(st.ResetRetry(ctx, "missing")))
}

func TestSQLite_WorkItem_ListFilters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"due", "later", "stuck", "done"} {
		require.NoError(t, st.CreateWorkItem(ctx, newItem(id)))
	}
	_, err := st.RecordFailure(ctx, "due", Failure{Expected: model.StatusPending, NextRetryAt: now.Add(-time.Minute)})
	require.NoError(t, err)
	_, err = st.RecordFailure(ctx, "later", Failure{Expected: model.StatusPending, NextRetryAt: now.Add(time.Hour)})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = st.RecordFailure(ctx, "stuck", Failure{Expected: model.StatusPending, NextRetryAt: now.Add(-time.Minute)})
		require.NoError(t, err)
	}
	done, err := st.GetWorkItem(ctx, "done")
	require.NoError(t, err)
	done.Status = model.StatusFilteredOut
	require.NoError(t, st.UpdateWorkItem(ctx, done, model.StatusPending))

	ids := func(items []model.WorkItem) []string {
		var out []string
		for _, it := range items {
			out = append(out, it.ID)
		}
		return out
	}

	due, err := st.ListWorkItems(ctx, WorkItemFilter{
		Statuses:   []model.ProcessingStatus{model.StatusPending, model.StatusStage1Done},
		DueBefore:  &now,
		MaxRetries: 3,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"due"}, ids(due))

	stuck, err := st.ListWorkItems(ctx, WorkItemFilter{MinRetries: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"stuck"}, ids(stuck))

	all, err := st.ListWorkItems(ctx, WorkItemFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSQLite_ListWorkItems_PageSize(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i := range DefaultListLimit + 5 {
		require.NoError(t, st.CreateWorkItem(ctx, newItem(fmt.Sprintf("w%03d", i))))
	}

	page, err := st.ListWorkItems(ctx, WorkItemFilter{})
	require.NoError(t, err)
	assert.Len(t, page, DefaultListLimit)

	all, err := st.ListWorkItems(ctx, WorkItemFilter{Limit: NoLimit})
	require.NoError(t, err)
	assert.Len(t, all, DefaultListLimit+5)
}

func TestSQLite_WorkItem_Delete(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateWorkItem(ctx, newItem("a")))
	require.NoError(t, st.CreateWorkItem(ctx, newItem("b")))

	n, err := st.DeleteWorkItems(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = st.DeleteWorkItems(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// --- Leads ---

func TestSQLite_Lead_CreateIsIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	lead := &model.Lead{
		WorkItemID:       "w1",
		AuthorID:         "a1",
		CompanyRef:       "1001",
		PastEmployerRefs: []string{"2002"},
		MessageStatus:    model.MessageGenerated,
		Status:           model.LeadStatusFilteredHRProvider,
		MatchedHRProvider: &model.Match{
			ID: "p1", Name: "Adecco", CompanyRef: "1001",
		},
	}
	created, err := st.CreateLead(ctx, lead)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, lead.ID)

	dup := &model.Lead{WorkItemID: "w1", AuthorID: "a1", Status: model.LeadStatusCompleted}
	created, err = st.CreateLead(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := st.GetLeadByWorkItem(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, lead.ID, got.ID)
	assert.Equal(t, model.LeadStatusFilteredHRProvider, got.Status)
	assert.Equal(t, &model.Match{ID: "p1", Name: "Adecco", CompanyRef: "1001"}, got.MatchedHRProvider)
	assert.Equal(t, []string{"2002"}, got.PastEmployerRefs)
	assert.Nil(t, got.MatchedClient)
}

func TestSQLite_Lead_UpdateAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	matched := &model.Lead{WorkItemID: "w1", AuthorID: "a1", Status: model.LeadStatusFilteredHRProvider,
		MatchedHRProvider: &model.Match{ID: "p1", Name: "Adecco"}}
	plain := &model.Lead{WorkItemID: "w2", AuthorID: "a2", Status: model.LeadStatusCompleted}
	for _, l := range []*model.Lead{matched, plain} {
		_, err := st.CreateLead(ctx, l)
		require.NoError(t, err)
	}

	leads, err := st.ListLeadsWithHRProvider(ctx)
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, "w1", leads[0].WorkItemID)

	l := leads[0]
	l.ClearHRProvider()
	l.Notes = "called back"
	require.NoError(t, st.UpdateLead(ctx, &l))

	leads, err = st.ListLeadsWithHRProvider(ctx)
	require.NoError(t, err)
	assert.Empty(t, leads)

	got, err := st.GetLeadByWorkItem(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, model.LeadStatusCompleted, got.Status)
	assert.Equal(t, "called back", got.Notes)

	_, err = st.GetLeadByWorkItem(ctx, "missing")
	assert.True(t, resilience.IsNotFound(err))
	assert.True(t, resilience.IsNotFound(st.UpdateLead(ctx, &model.Lead{ID: "missing"})))
}

// --- Reference data ---

func TestSQLite_ReferenceData(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertClients(ctx, []model.Client{{ID: "c1", Name: "Acme", CompanyRef: "1001"}}))
	require.NoError(t, st.UpsertClients(ctx, []model.Client{{ID: "c1", Name: "Acme SA", CompanyRef: "1001"}}))
	require.NoError(t, st.UpsertHRProviders(ctx, []model.HRProvider{{ID: "p1", Name: "Adecco", CompanyRef: "3003"}}))
	require.NoError(t, st.UpsertClientContacts(ctx, []model.ClientContact{{AuthorID: "a1", ClientID: "c1", Name: "Jean"}}))
	require.NoError(t, st.UpsertClients(ctx, nil))

	c, err := st.FindClientByCompany(ctx, "1001")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "Acme SA", c.Name)

	c, err = st.FindClientByCompany(ctx, "9999")
	require.NoError(t, err)
	assert.Nil(t, c)

	p, err := st.FindHRProviderByCompany(ctx, "3003")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "p1", p.ID)

	ok, err := st.IsClientContact(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.IsClientContact(ctx, "a2")
	require.NoError(t, err)
	assert.False(t, ok)
}

// --- Enrichment cache ---

func TestSQLite_Enrichment_Upsert(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	got, err := st.GetEnrichment(ctx, "1001")
	require.NoError(t, err)
	assert.Nil(t, got)

	rec := &model.EnrichmentRecord{CompanyRef: "1001", Status: model.EnrichmentProcessing}
	require.NoError(t, st.UpsertEnrichment(ctx, rec))
	firstID := rec.ID

	now := time.Now().UTC()
	update := &model.EnrichmentRecord{
		CompanyRef:     "1001",
		Name:           "Acme",
		Description:    "Industrial software",
		Size:           "51-200",
		Status:         model.EnrichmentEnriched,
		LastEnrichedAt: &now,
	}
	require.NoError(t, st.UpsertEnrichment(ctx, update))
	assert.Equal(t, firstID, update.ID, "upsert keeps the original id")

	got, err = st.GetEnrichment(ctx, "1001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsComplete())
	require.NotNil(t, got.LastEnrichedAt)
}
