package model

import "time"

// Lead is the materialized output of a WorkItem that passed every gate.
type Lead struct {
	ID         string `json:"id"`
	WorkItemID string `json:"work_item_id"`

	AuthorID         string `json:"author_id"`
	AuthorName       string `json:"author_name"`
	AuthorProfileRef string `json:"author_profile_ref"`
	Position         string `json:"position"`
	CompanyRef       string `json:"company_ref"`
	CompanyName      string `json:"company_name"`
	CompanyIndustry  string `json:"company_industry,omitempty"`
	CompanySize      string `json:"company_size,omitempty"`
	Category         string `json:"category,omitempty"`

	// PastEmployerRefs are the earlier employers checked at
	// materialization, excluding CompanyRef.
	PastEmployerRefs []string `json:"past_employer_refs,omitempty"`

	ApproachMessage string        `json:"approach_message"`
	MessageStatus   MessageStatus `json:"message_status"`
	MessageError    string        `json:"message_error,omitempty"`

	Status            LeadStatus `json:"status"`
	MatchedClient     *Match     `json:"matched_client,omitempty"`
	MatchedHRProvider *Match     `json:"matched_hr_provider,omitempty"`
	HadClientHistory  bool       `json:"had_client_history"`

	LastContactAt *time.Time `json:"last_contact_at,omitempty"`
	Phone         string     `json:"phone,omitempty"`
	Notes         string     `json:"notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Refs returns the employer references the lead is matched against: the
// current company first, then past employers.
func (l *Lead) Refs() []string {
	refs := make([]string, 0, len(l.PastEmployerRefs)+1)
	if l.CompanyRef != "" {
		refs = append(refs, l.CompanyRef)
	}
	for _, r := range l.PastEmployerRefs {
		if r != "" && r != l.CompanyRef {
			refs = append(refs, r)
		}
	}
	return refs
}

// ClearHRProvider drops a stale HR-provider match and resets the status.
func (l *Lead) ClearHRProvider() {
	l.MatchedHRProvider = nil
	l.Status = LeadStatusCompleted
}
