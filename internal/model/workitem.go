package model

import (
	"encoding/json"
	"time"
)

// Filter reasons recorded when an item ends in StatusFilteredOut.
const (
	FilterNotRecruiting  = "not_recruiting"
	FilterLocation       = "location_language"
	FilterExistingClient = "existing_client_contact"
)

// MaxEmployerRefs is how many recent employers are checked against the
// client and HR-provider tables.
const MaxEmployerRefs = 5

// WorkItem is one ingested post moving through the pipeline.
type WorkItem struct {
	ID               string `json:"id"`
	Text             string `json:"text"`
	Title            string `json:"title,omitempty"`
	AuthorID         string `json:"author_id"`
	AuthorName       string `json:"author_name,omitempty"`
	AuthorProfileRef string `json:"author_profile_ref"`

	Stage1 *Stage1Result `json:"stage1,omitempty"`
	Stage2 *Stage2Result `json:"stage2,omitempty"`
	Stage3 *Stage3Result `json:"stage3,omitempty"`

	CompanyRef   string          `json:"company_ref,omitempty"`
	CompanyName  string          `json:"company_name,omitempty"`
	Position     string          `json:"position,omitempty"`
	EmployerRefs []string        `json:"employer_refs,omitempty"`
	Profile      json.RawMessage `json:"profile,omitempty"`

	Status        ProcessingStatus `json:"status"`
	FilterReason  string           `json:"filter_reason,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
	RetryCount    int              `json:"retry_count"`
	NextRetryAt   *time.Time       `json:"next_retry_at,omitempty"`
	LastRetriedAt *time.Time       `json:"last_retried_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Stage1Result is the recruiting-post classification.
type Stage1Result struct {
	IsRecruiting *bool  `json:"is_recruiting" validate:"required"`
	Rationale    string `json:"rationale"`
}

// Recruiting reports the verdict, treating a missing value as negative.
func (r *Stage1Result) Recruiting() bool {
	return r != nil && r.IsRecruiting != nil && *r.IsRecruiting
}

// Verdicts returned by the location/language gate.
const (
	VerdictYes = "Oui"
	VerdictNo  = "Non"
)

// Stage2Result is the location/language gate verdict.
type Stage2Result struct {
	Verdict   string `json:"verdict" validate:"required,oneof=Oui Non"`
	Rationale string `json:"rationale"`
}

// Passed reports whether the gate let the item through.
func (r *Stage2Result) Passed() bool {
	return r != nil && r.Verdict == VerdictYes
}

// Stage3Result is the categorization output.
type Stage3Result struct {
	Category      string `json:"category" validate:"required"`
	Justification string `json:"justification"`
}

// Position is one normalized entry of a scraped profile's experience.
type Position struct {
	Company   string `json:"company"`
	Position  string `json:"position"`
	CompanyID string `json:"company_id"`
	IsCurrent bool   `json:"is_current"`
}

// ProfileSnapshot is the normalized result of a profile scrape.
type ProfileSnapshot struct {
	ProfileRef string     `json:"profile_ref"`
	FullName   string     `json:"full_name"`
	Headline   string     `json:"headline,omitempty"`
	Positions  []Position `json:"positions"`
}

// Current returns the first current position, falling back to the most
// recent one.
func (p *ProfileSnapshot) Current() (Position, bool) {
	if p == nil || len(p.Positions) == 0 {
		return Position{}, false
	}
	for _, pos := range p.Positions {
		if pos.IsCurrent {
			return pos, true
		}
	}
	return p.Positions[0], true
}

// EmployerRefs returns up to MaxEmployerRefs distinct company ids, most
// recent first.
func (p *ProfileSnapshot) EmployerRefs() []string {
	if p == nil {
		return nil
	}
	seen := make(map[string]bool)
	var refs []string
	for _, pos := range p.Positions {
		if pos.CompanyID == "" || seen[pos.CompanyID] {
			continue
		}
		seen[pos.CompanyID] = true
		refs = append(refs, pos.CompanyID)
		if len(refs) == MaxEmployerRefs {
			break
		}
	}
	return refs
}
