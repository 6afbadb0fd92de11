package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/ratelimit"
	"github.com/sells-group/lead-pipeline/internal/resilience"
	"github.com/sells-group/lead-pipeline/internal/store"
	"github.com/sells-group/lead-pipeline/pkg/linkedin"
)

// Outcome tells the caller of a manual enrichment how the result was
// produced.
type Outcome string

const (
	OutcomeCached   Outcome = "cached"
	OutcomeComputed Outcome = "computed"
	OutcomeQueued   Outcome = "queued"
)

// ScrapeResult is the normalized output of the scraping stage.
type ScrapeResult struct {
	CompanyRef   string          `json:"company_ref" validate:"required"`
	CompanyName  string          `json:"company_name"`
	Position     string          `json:"position"`
	EmployerRefs []string        `json:"employer_refs" validate:"max=5"`
	Profile      json.RawMessage `json:"profile,omitempty"`
}

// companyTTL bounds how long a complete record is served from memory before
// the store is consulted again.
const companyTTL = 10 * time.Minute

// Enricher scrapes author profiles and companies through the rate-limited
// provider and keeps the company cache. Complete records are also held in
// memory so a burst of authors from one company costs one store read.
type Enricher struct {
	store    store.Store
	client   linkedin.Client
	sched    *ratelimit.Scheduler
	accounts []model.ExternalAccount
	cache    *cache.Cache
	now      func() time.Time

	wg sync.WaitGroup
}

// NewEnricher creates an Enricher. accounts is the provider account pool in
// pool order.
func NewEnricher(st store.Store, client linkedin.Client, sched *ratelimit.Scheduler, accounts []model.ExternalAccount) *Enricher {
	return &Enricher{
		store:    st,
		client:   client,
		sched:    sched,
		accounts: accounts,
		cache:    cache.New(companyTTL, 2*companyTTL),
		now:      time.Now,
	}
}

// AccountIDs returns the pool's account ids.
func (e *Enricher) AccountIDs() []string {
	ids := make([]string, len(e.accounts))
	for i, a := range e.accounts {
		ids[i] = a.ID
	}
	return ids
}

// PickAccount returns the account idle the longest.
func (e *Enricher) PickAccount() (string, error) {
	return e.sched.PickAccount(e.AccountIDs())
}

func (e *Enricher) account(id string) linkedin.Account {
	for _, a := range e.accounts {
		if a.ID == id {
			return linkedin.Account{ID: a.ID, APIKey: a.APIKey}
		}
	}
	return linkedin.Account{ID: id}
}

// ScrapeAuthor fetches the author's profile and current company on
// accountID. Every provider call waits for the account's turn; a company
// already complete in the cache costs no call.
func (e *Enricher) ScrapeAuthor(ctx context.Context, accountID string, item *model.WorkItem) (*ScrapeResult, error) {
	log := zap.L().With(
		zap.String("work_item_id", item.ID),
		zap.String("account", accountID),
	)
	acct := e.account(accountID)

	profile, err := ratelimit.Do(ctx, e.sched, accountID, func(ctx context.Context) (*linkedin.Profile, error) {
		return e.client.GetUser(ctx, acct, item.AuthorProfileRef)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: scrape author %s", item.AuthorProfileRef)
	}

	snap := snapshotOf(profile)
	current, ok := snap.Current()
	if !ok || current.CompanyID == "" {
		return nil, resilience.NewValidationError("profile", "no current employer with a company reference", nil)
	}

	rec, err := e.companyFor(ctx, accountID, current.CompanyID)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: marshal profile")
	}

	res := &ScrapeResult{
		CompanyRef:   current.CompanyID,
		CompanyName:  current.Company,
		Position:     current.Position,
		EmployerRefs: snap.EmployerRefs(),
		Profile:      raw,
	}
	if rec.Name != "" {
		res.CompanyName = rec.Name
	}
	log.Debug("pipeline: author scraped",
		zap.String("company_ref", res.CompanyRef),
		zap.Int("employers", len(res.EmployerRefs)),
	)
	return res, nil
}

func snapshotOf(p *linkedin.Profile) *model.ProfileSnapshot {
	snap := &model.ProfileSnapshot{
		ProfileRef: p.ProfileRef,
		FullName:   p.FullName,
		Headline:   p.Headline,
		Positions:  make([]model.Position, 0, len(p.Positions)),
	}
	for _, pos := range p.Positions {
		snap.Positions = append(snap.Positions, model.Position{
			Company:   pos.Company,
			Position:  pos.Position,
			CompanyID: pos.CompanyID,
			IsCurrent: pos.IsCurrent,
		})
	}
	return snap
}

func applyScrape(item *model.WorkItem, r *ScrapeResult) {
	item.CompanyRef = r.CompanyRef
	item.CompanyName = r.CompanyName
	item.Position = r.Position
	item.EmployerRefs = r.EmployerRefs
	item.Profile = r.Profile
	item.Status = model.StatusEnriched
}

// EnrichCompany returns the cached record for ref when it is complete and
// force is false. Otherwise it scrapes the company, in the background when
// async is set.
func (e *Enricher) EnrichCompany(ctx context.Context, ref string, force, async bool) (Outcome, *model.EnrichmentRecord, error) {
	if ref == "" {
		return "", nil, resilience.NewValidationError("company_ref", "required", nil)
	}
	rec, err := e.lookup(ctx, ref)
	if err != nil {
		return "", nil, err
	}
	if !force && rec.IsComplete() {
		return OutcomeCached, rec, nil
	}

	accountID, err := e.PickAccount()
	if err != nil {
		return "", nil, err
	}

	if async {
		if rec == nil {
			rec = &model.EnrichmentRecord{CompanyRef: ref}
		}
		rec.Status = model.EnrichmentPending
		if err := e.store.UpsertEnrichment(ctx, rec); err != nil {
			return "", nil, err
		}
		queued := *rec
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			bg := context.WithoutCancel(ctx)
			if _, err := e.computeCompany(bg, accountID, ref, rec); err != nil {
				zap.L().Warn("pipeline: async company enrichment failed",
					zap.String("company_ref", ref), zap.Error(err))
			}
		}()
		return OutcomeQueued, &queued, nil
	}

	rec, err = e.computeCompany(ctx, accountID, ref, rec)
	if err != nil {
		return "", nil, err
	}
	return OutcomeComputed, rec, nil
}

// Wait blocks until background enrichments finish.
func (e *Enricher) Wait() {
	e.wg.Wait()
}

func (e *Enricher) companyFor(ctx context.Context, accountID, ref string) (*model.EnrichmentRecord, error) {
	rec, err := e.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	if rec.IsComplete() {
		return rec, nil
	}
	return e.computeCompany(ctx, accountID, ref, rec)
}

// lookup returns the record for ref from memory, falling back to the store.
// Callers get their own copy.
func (e *Enricher) lookup(ctx context.Context, ref string) (*model.EnrichmentRecord, error) {
	if v, ok := e.cache.Get(ref); ok {
		rec := v.(model.EnrichmentRecord)
		return &rec, nil
	}
	rec, err := e.store.GetEnrichment(ctx, ref)
	if err != nil {
		return nil, err
	}
	if rec.IsComplete() {
		e.cache.SetDefault(ref, *rec)
	}
	return rec, nil
}

// computeCompany moves the record through processing to enriched or error.
// Concurrent computations of one ref are tolerated; the upsert is keyed by
// company_ref.
func (e *Enricher) computeCompany(ctx context.Context, accountID, ref string, rec *model.EnrichmentRecord) (*model.EnrichmentRecord, error) {
	if rec == nil {
		rec = &model.EnrichmentRecord{CompanyRef: ref}
	}
	e.cache.Delete(ref)
	rec.Status = model.EnrichmentProcessing
	rec.Error = ""
	if err := e.store.UpsertEnrichment(ctx, rec); err != nil {
		return nil, err
	}

	acct := e.account(accountID)
	co, err := ratelimit.Do(ctx, e.sched, accountID, func(ctx context.Context) (*linkedin.Company, error) {
		return e.client.GetCompany(ctx, acct, ref)
	})
	if err != nil {
		rec.Status = model.EnrichmentError
		rec.Error = err.Error()
		if uerr := e.store.UpsertEnrichment(ctx, rec); uerr != nil {
			zap.L().Warn("pipeline: record enrichment error", zap.String("company_ref", ref), zap.Error(uerr))
		}
		return nil, eris.Wrapf(err, "pipeline: enrich company %s", ref)
	}

	now := e.now().UTC()
	rec.Name = co.Name
	rec.Description = co.Description
	rec.Industry = co.Industry
	rec.Size = co.Size
	rec.Headquarters = co.Headquarters
	rec.Website = co.Website
	rec.Status = model.EnrichmentEnriched
	rec.LastEnrichedAt = &now
	if err := e.store.UpsertEnrichment(ctx, rec); err != nil {
		return nil, err
	}
	e.cache.SetDefault(ref, *rec)
	return rec, nil
}
