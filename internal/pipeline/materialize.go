package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/resilience"
	"github.com/sells-group/lead-pipeline/internal/store"
	"github.com/sells-group/lead-pipeline/pkg/anthropic"
	"github.com/sells-group/lead-pipeline/pkg/webhook"
)

const messageSystemPrompt = `You write short LinkedIn approach messages in French for a recruitment agency.
The recipient just posted a job opening. Address them by first name, mention their company and the role family,
and offer help with the search in two or three sentences. No emojis, no placeholders.
Respond with JSON only: {"message": "<the message>"}`

const fallbackTemplate = `Bonjour %s,

J'ai vu que %s recrute en ce moment. Nous accompagnons des entreprises comme la vôtre sur ce type de recrutement et serions ravis d'en discuter.

Seriez-vous disponible pour un court échange cette semaine ?

Bien cordialement`

type approachMessage struct {
	Message string `json:"message" validate:"required,min=20"`
}

// Materializer turns an enriched item into a Lead.
type Materializer struct {
	store    store.Store
	ai       anthropic.Client
	notifier webhook.Notifier
	model    string
	tokens   int64
	retry    resilience.Policy
	caser    cases.Caser
	now      func() time.Time

	wg sync.WaitGroup
}

// NewMaterializer creates a Materializer. attempts bounds message
// generation; lang cases the fallback greeting.
func NewMaterializer(st store.Store, ai anthropic.Client, notifier webhook.Notifier, llmModel string, maxTokens int64, attempts int, lang string) *Materializer {
	tag, err := language.Parse(lang)
	if err != nil {
		tag = language.French
	}
	if notifier == nil {
		notifier = webhook.Nop{}
	}
	return &Materializer{
		store:    st,
		ai:       ai,
		notifier: notifier,
		model:    llmModel,
		tokens:   maxTokens,
		retry:    resilience.MessagePolicy(attempts),
		caser:    cases.Title(tag),
		now:      time.Now,
	}
}

// Materialize runs the final stage for an enriched item: client-contact
// exclusion, approach message, employer matching, Lead persistence, then
// the item's move to materialized. It is safe to re-run after a crash; the
// Lead is created at most once per item. The returned Lead is nil when the
// item was filtered out.
func (m *Materializer) Materialize(ctx context.Context, item *model.WorkItem) (*model.Lead, error) {
	log := zap.L().With(zap.String("work_item_id", item.ID), zap.String("stage", "materialize"))

	isClient, err := m.store.IsClientContact(ctx, item.AuthorID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: client contact lookup %s", item.AuthorID)
	}
	if isClient {
		log.Info("pipeline: author is a client contact, skipping lead")
		return nil, commit(ctx, m.store, item, func(next *model.WorkItem) {
			next.Status = model.StatusFilteredOut
			next.FilterReason = model.FilterExistingClient
		})
	}

	lead, err := m.store.GetLeadByWorkItem(ctx, item.ID)
	switch {
	case err == nil:
		log.Info("pipeline: lead already exists", zap.String("lead_id", lead.ID))
	case resilience.IsNotFound(err):
		lead, err = m.buildLead(ctx, item)
		if err != nil {
			return nil, err
		}
		created, err := m.store.CreateLead(ctx, lead)
		if err != nil {
			return nil, err
		}
		if !created {
			if lead, err = m.store.GetLeadByWorkItem(ctx, item.ID); err != nil {
				return nil, err
			}
		} else {
			log.Info("pipeline: lead created",
				zap.String("lead_id", lead.ID),
				zap.String("status", string(lead.Status)),
				zap.String("message_status", string(lead.MessageStatus)),
			)
			m.notify(ctx, lead)
		}
	default:
		return nil, err
	}

	if err := commit(ctx, m.store, item, func(next *model.WorkItem) {
		next.Status = model.StatusMaterialized
	}); err != nil {
		return nil, err
	}
	return lead, nil
}

func (m *Materializer) buildLead(ctx context.Context, item *model.WorkItem) (*model.Lead, error) {
	lead := &model.Lead{
		WorkItemID:       item.ID,
		AuthorID:         item.AuthorID,
		AuthorName:       item.AuthorName,
		AuthorProfileRef: item.AuthorProfileRef,
		Position:         item.Position,
		CompanyRef:       item.CompanyRef,
		CompanyName:      item.CompanyName,
		Status:           model.LeadStatusCompleted,
	}
	if item.Stage3 != nil {
		lead.Category = item.Stage3.Category
	}
	if rec, err := m.store.GetEnrichment(ctx, item.CompanyRef); err != nil {
		zap.L().Warn("pipeline: company cache lookup failed", zap.String("company_ref", item.CompanyRef), zap.Error(err))
	} else if rec != nil {
		lead.CompanyIndustry = rec.Industry
		lead.CompanySize = rec.Size
		if lead.CompanyName == "" {
			lead.CompanyName = rec.Name
		}
	}

	msg, status, msgErr := m.approachMessage(ctx, item, lead)
	lead.ApproachMessage = msg
	lead.MessageStatus = status
	if msgErr != nil {
		lead.MessageError = msgErr.Error()
	}

	refs := matchRefs(item)
	m.matchEmployers(ctx, lead, refs)
	for _, r := range refs {
		if r != lead.CompanyRef {
			lead.PastEmployerRefs = append(lead.PastEmployerRefs, r)
		}
	}
	return lead, nil
}

// approachMessage never fails: after the last attempt the static template
// is used and the cause is returned alongside it.
func (m *Materializer) approachMessage(ctx context.Context, item *model.WorkItem, lead *model.Lead) (string, model.MessageStatus, error) {
	prompt := fmt.Sprintf("First name: %s\nCompany: %s\nRole family: %s\nPost:\n%s",
		firstName(lead.AuthorName), lead.CompanyName, lead.Category, item.Text)

	msg, err := resilience.Retry(ctx, m.retry, func(ctx context.Context) (*approachMessage, error) {
		return completeJSON[approachMessage](ctx, m.ai, m.model, m.tokens, "message", messageSystemPrompt, prompt)
	})
	if err == nil {
		return strings.TrimSpace(msg.Message), model.MessageGenerated, nil
	}

	zap.L().Warn("pipeline: approach message degraded to template",
		zap.String("work_item_id", item.ID),
		zap.Int("attempts", m.retry.Attempts),
		zap.Error(err),
	)
	return m.fallbackMessage(lead), model.MessageFallback, eris.Wrap(resilience.ErrDegradedFallback, err.Error())
}

func (m *Materializer) fallbackMessage(lead *model.Lead) string {
	name := m.caser.String(firstName(lead.AuthorName))
	if name == "" {
		name = "à vous"
	}
	company := lead.CompanyName
	if company == "" {
		company = "votre entreprise"
	}
	return fmt.Sprintf(fallbackTemplate, name, company)
}

func firstName(full string) string {
	fields := strings.Fields(full)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// matchRefs returns the current company followed by earlier employers,
// deduplicated and capped at MaxEmployerRefs.
func matchRefs(item *model.WorkItem) []string {
	seen := make(map[string]bool)
	var refs []string
	for _, r := range append([]string{item.CompanyRef}, item.EmployerRefs...) {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		refs = append(refs, r)
		if len(refs) == model.MaxEmployerRefs {
			break
		}
	}
	return refs
}

type refMatch struct {
	client   *model.Client
	provider *model.HRProvider
}

// matchEmployers checks refs against clients and HR providers. A failed
// lookup counts as no match. The first ref in order wins for each table.
func (m *Materializer) matchEmployers(ctx context.Context, lead *model.Lead, refs []string) {
	matches := make([]refMatch, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range refs {
		g.Go(func() error {
			if c, err := m.store.FindClientByCompany(gctx, ref); err != nil {
				zap.L().Warn("pipeline: client lookup failed", zap.String("company_ref", ref), zap.Error(err))
			} else {
				matches[i].client = c
			}
			if p, err := m.store.FindHRProviderByCompany(gctx, ref); err != nil {
				zap.L().Warn("pipeline: hr provider lookup failed", zap.String("company_ref", ref), zap.Error(err))
			} else {
				matches[i].provider = p
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, mt := range matches {
		if mt.provider != nil && lead.MatchedHRProvider == nil {
			lead.MatchedHRProvider = &model.Match{ID: mt.provider.ID, Name: mt.provider.Name, CompanyRef: refs[i]}
			lead.Status = model.LeadStatusFilteredHRProvider
		}
		if mt.client != nil && lead.MatchedClient == nil {
			lead.MatchedClient = &model.Match{ID: mt.client.ID, Name: mt.client.Name, CompanyRef: refs[i]}
			lead.HadClientHistory = true
		}
	}
}

// notify posts lead.created without blocking the caller.
func (m *Materializer) notify(ctx context.Context, lead *model.Lead) {
	p := webhook.Payload{
		Event:      webhook.EventLeadCreated,
		LeadID:     lead.ID,
		WorkItemID: lead.WorkItemID,
		Status:     string(lead.Status),
		Company:    lead.CompanyName,
		AuthorName: lead.AuthorName,
		OccurredAt: m.now().UTC(),
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := m.notifier.Notify(nctx, p); err != nil {
			zap.L().Warn("pipeline: lead notification failed", zap.String("lead_id", p.LeadID), zap.Error(err))
		}
	}()
}

// Wait blocks until pending notifications are delivered.
func (m *Materializer) Wait() {
	m.wg.Wait()
}
