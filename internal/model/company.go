package model

import (
	"strings"
	"time"
)

// EnrichmentRecord is the cached, normalized data about a company
// reference. It is keyed by the external company reference.
type EnrichmentRecord struct {
	ID             string           `json:"id"`
	CompanyRef     string           `json:"company_ref"`
	Name           string           `json:"name"`
	Description    string           `json:"description"`
	Industry       string           `json:"industry"`
	Size           string           `json:"size"`
	Headquarters   string           `json:"headquarters"`
	Website        string           `json:"website,omitempty"`
	Status         EnrichmentStatus `json:"status"`
	Error          string           `json:"error,omitempty"`
	LastEnrichedAt *time.Time       `json:"last_enriched_at,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// IsComplete reports whether the record can be served from cache: it is
// enriched and has both a description and a size.
func (r *EnrichmentRecord) IsComplete() bool {
	return r != nil &&
		r.Status == EnrichmentEnriched &&
		strings.TrimSpace(r.Description) != "" &&
		strings.TrimSpace(r.Size) != ""
}

// Match is a weak reference to a client or HR-provider row. CompanyRef is
// the employer reference that produced the match.
type Match struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	CompanyRef string `json:"company_ref,omitempty"`
}

// Client is a known customer company.
type Client struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	CompanyRef string `json:"company_ref"`
}

// HRProvider is a recruiting agency or HR services company.
type HRProvider struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	CompanyRef string `json:"company_ref"`
}

// ClientContact links a person to a client relationship.
type ClientContact struct {
	AuthorID string `json:"author_id"`
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
}

// ExternalAccount is a credential usable against the profile provider.
type ExternalAccount struct {
	ID     string `json:"id" yaml:"id" mapstructure:"id"`
	APIKey string `json:"-" yaml:"api_key" mapstructure:"api_key"`
}
