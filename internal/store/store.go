// Package store persists work items, leads, reference data and the company
// enrichment cache. Every status write is compare-and-set on the status the
// caller last read, which is what keeps two stage executions from racing on
// one item.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-pipeline/internal/model"
)

// ErrStatusConflict is returned when a work item is no longer in the status
// the caller expected.
var ErrStatusConflict = eris.New("store: status conflict")

// ErrDuplicate is returned when creating a work item whose id already exists.
var ErrDuplicate = eris.New("store: duplicate work item")

// DefaultListLimit is the page size when WorkItemFilter.Limit is zero.
const DefaultListLimit = 100

// NoLimit lifts the page cap of a WorkItemFilter.
const NoLimit = -1

// WorkItemFilter specifies criteria for listing work items.
type WorkItemFilter struct {
	Statuses []model.ProcessingStatus `json:"statuses,omitempty"`
	// DueBefore keeps items with no retry scheduled or one due at or before it.
	DueBefore *time.Time `json:"due_before,omitempty"`
	// MaxRetries keeps items whose retry count is below it.
	MaxRetries int `json:"max_retries,omitempty"`
	// MinRetries keeps items whose retry count is at least it.
	MinRetries int `json:"min_retries,omitempty"`
	// Limit caps the page; 0 means DefaultListLimit and NoLimit lists everything.
	Limit int `json:"limit,omitempty"`
}

// pageSize is the LIMIT to apply, or 0 for none.
func (f WorkItemFilter) pageSize() int {
	switch {
	case f.Limit == 0:
		return DefaultListLimit
	case f.Limit < 0:
		return 0
	default:
		return f.Limit
	}
}

// Failure records a retryable stage failure.
type Failure struct {
	Expected    model.ProcessingStatus
	Error       string
	NextRetryAt time.Time
}

// Store defines the persistence interface for the lead pipeline.
type Store interface {
	// Work items
	CreateWorkItem(ctx context.Context, item *model.WorkItem) error
	GetWorkItem(ctx context.Context, id string) (*model.WorkItem, error)
	// UpdateWorkItem writes item only if its stored status is still expected.
	UpdateWorkItem(ctx context.Context, item *model.WorkItem, expected model.ProcessingStatus) error
	// RecordFailure bumps retry_count and schedules the next attempt. It
	// returns the new retry count.
	RecordFailure(ctx context.Context, id string, f Failure) (int, error)
	ResetRetry(ctx context.Context, id string) error
	ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]model.WorkItem, error)
	DeleteWorkItems(ctx context.Context, ids []string) (int, error)

	// Leads
	// CreateLead inserts lead unless one already exists for its work item;
	// created is false in that case and lead is left untouched.
	CreateLead(ctx context.Context, lead *model.Lead) (created bool, err error)
	GetLeadByWorkItem(ctx context.Context, workItemID string) (*model.Lead, error)
	ListLeadsWithHRProvider(ctx context.Context) ([]model.Lead, error)
	UpdateLead(ctx context.Context, lead *model.Lead) error

	// Reference data
	IsClientContact(ctx context.Context, authorID string) (bool, error)
	FindClientByCompany(ctx context.Context, companyRef string) (*model.Client, error)
	FindHRProviderByCompany(ctx context.Context, companyRef string) (*model.HRProvider, error)
	UpsertClients(ctx context.Context, clients []model.Client) error
	UpsertHRProviders(ctx context.Context, providers []model.HRProvider) error
	UpsertClientContacts(ctx context.Context, contacts []model.ClientContact) error

	// Enrichment cache
	GetEnrichment(ctx context.Context, companyRef string) (*model.EnrichmentRecord, error)
	UpsertEnrichment(ctx context.Context, rec *model.EnrichmentRecord) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// jsonArg marshals v for a nullable JSON column. nil, empty and "null"
// values are stored as NULL.
func jsonArg(v any) (any, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return nil, nil
		}
		return string(raw), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal json column")
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}

// decodeJSON unmarshals a nullable JSON column into dst.
func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return eris.Wrap(json.Unmarshal(raw, dst), "store: unmarshal json column")
}

// workItemColumns is the column order shared by inserts, updates and scans.
const workItemColumns = `id, text, title, author_id, author_name, author_profile_ref,
	stage1, stage2, stage3, company_ref, company_name, position, employer_refs, profile,
	status, filter_reason, last_error, retry_count, next_retry_at, last_retried_at,
	created_at, updated_at`

func workItemArgs(it *model.WorkItem) ([]any, error) {
	var jsonCols [5]any
	for i, v := range []any{it.Stage1, it.Stage2, it.Stage3, it.EmployerRefs, it.Profile} {
		a, err := jsonArg(v)
		if err != nil {
			return nil, err
		}
		jsonCols[i] = a
	}
	return []any{
		it.ID, it.Text, it.Title, it.AuthorID, it.AuthorName, it.AuthorProfileRef,
		jsonCols[0], jsonCols[1], jsonCols[2], it.CompanyRef, it.CompanyName, it.Position, jsonCols[3], jsonCols[4],
		string(it.Status), it.FilterReason, it.LastError, it.RetryCount, it.NextRetryAt, it.LastRetriedAt,
		it.CreatedAt, it.UpdatedAt,
	}, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanWorkItem(row scannable) (*model.WorkItem, error) {
	var it model.WorkItem
	var stage1, stage2, stage3, employerRefs, profile []byte
	var status string
	if err := row.Scan(
		&it.ID, &it.Text, &it.Title, &it.AuthorID, &it.AuthorName, &it.AuthorProfileRef,
		&stage1, &stage2, &stage3, &it.CompanyRef, &it.CompanyName, &it.Position, &employerRefs, &profile,
		&status, &it.FilterReason, &it.LastError, &it.RetryCount, &it.NextRetryAt, &it.LastRetriedAt,
		&it.CreatedAt, &it.UpdatedAt,
	); err != nil {
		return nil, err
	}
	it.Status = model.ProcessingStatus(status)
	if len(stage1) > 0 {
		it.Stage1 = &model.Stage1Result{}
		if err := decodeJSON(stage1, it.Stage1); err != nil {
			return nil, err
		}
	}
	if len(stage2) > 0 {
		it.Stage2 = &model.Stage2Result{}
		if err := decodeJSON(stage2, it.Stage2); err != nil {
			return nil, err
		}
	}
	if len(stage3) > 0 {
		it.Stage3 = &model.Stage3Result{}
		if err := decodeJSON(stage3, it.Stage3); err != nil {
			return nil, err
		}
	}
	if err := decodeJSON(employerRefs, &it.EmployerRefs); err != nil {
		return nil, err
	}
	if len(profile) > 0 {
		it.Profile = json.RawMessage(profile)
	}
	return &it, nil
}

const leadColumns = `id, work_item_id, author_id, author_name, author_profile_ref, position,
	company_ref, company_name, company_industry, company_size, category, past_employer_refs,
	approach_message, message_status, message_error, status, matched_client, matched_hr_provider,
	had_client_history, last_contact_at, phone, notes, created_at, updated_at`

func leadArgs(l *model.Lead) ([]any, error) {
	past, err := jsonArg(l.PastEmployerRefs)
	if err != nil {
		return nil, err
	}
	client, err := jsonArg(l.MatchedClient)
	if err != nil {
		return nil, err
	}
	hr, err := jsonArg(l.MatchedHRProvider)
	if err != nil {
		return nil, err
	}
	return []any{
		l.ID, l.WorkItemID, l.AuthorID, l.AuthorName, l.AuthorProfileRef, l.Position,
		l.CompanyRef, l.CompanyName, l.CompanyIndustry, l.CompanySize, l.Category, past,
		l.ApproachMessage, string(l.MessageStatus), l.MessageError, string(l.Status), client, hr,
		l.HadClientHistory, l.LastContactAt, l.Phone, l.Notes, l.CreatedAt, l.UpdatedAt,
	}, nil
}

func scanLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	var past, client, hr []byte
	var msgStatus, status string
	if err := row.Scan(
		&l.ID, &l.WorkItemID, &l.AuthorID, &l.AuthorName, &l.AuthorProfileRef, &l.Position,
		&l.CompanyRef, &l.CompanyName, &l.CompanyIndustry, &l.CompanySize, &l.Category, &past,
		&l.ApproachMessage, &msgStatus, &l.MessageError, &status, &client, &hr,
		&l.HadClientHistory, &l.LastContactAt, &l.Phone, &l.Notes, &l.CreatedAt, &l.UpdatedAt,
	); err != nil {
		return nil, err
	}
	l.MessageStatus = model.MessageStatus(msgStatus)
	l.Status = model.LeadStatus(status)
	if err := decodeJSON(past, &l.PastEmployerRefs); err != nil {
		return nil, err
	}
	if len(client) > 0 {
		l.MatchedClient = &model.Match{}
		if err := decodeJSON(client, l.MatchedClient); err != nil {
			return nil, err
		}
	}
	if len(hr) > 0 {
		l.MatchedHRProvider = &model.Match{}
		if err := decodeJSON(hr, l.MatchedHRProvider); err != nil {
			return nil, err
		}
	}
	return &l, nil
}

const enrichmentColumns = `id, company_ref, name, description, industry, size, headquarters,
	website, status, error, last_enriched_at, updated_at`

func enrichmentArgs(r *model.EnrichmentRecord) []any {
	return []any{
		r.ID, r.CompanyRef, r.Name, r.Description, r.Industry, r.Size, r.Headquarters,
		r.Website, string(r.Status), r.Error, r.LastEnrichedAt, r.UpdatedAt,
	}
}

func scanEnrichment(row scannable) (*model.EnrichmentRecord, error) {
	var r model.EnrichmentRecord
	var status string
	if err := row.Scan(
		&r.ID, &r.CompanyRef, &r.Name, &r.Description, &r.Industry, &r.Size, &r.Headquarters,
		&r.Website, &status, &r.Error, &r.LastEnrichedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.Status = model.EnrichmentStatus(status)
	return &r, nil
}

func statusStrings(statuses []model.ProcessingStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
