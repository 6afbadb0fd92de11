// Package linkedin is a client for the external LinkedIn data provider used
// to scrape author profiles and company pages.
package linkedin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
)

const defaultBaseURL = "https://api.linkedin-data.example/v1"

// Account identifies the provider session a call is made on behalf of.
type Account struct {
	ID     string
	APIKey string
}

// Client scrapes profiles and companies from the provider.
type Client interface {
	GetUser(ctx context.Context, acct Account, profileRef string) (*Profile, error)
	GetCompany(ctx context.Context, acct Account, companyRef string) (*Company, error)
}

// Profile is a normalized user payload.
type Profile struct {
	ProfileRef string          `json:"profile_ref"`
	FullName   string          `json:"full_name"`
	Headline   string          `json:"headline"`
	Positions  []Position      `json:"positions"`
	Raw        json.RawMessage `json:"-"`
}

// Position is a normalized work-experience entry.
type Position struct {
	Company   string `json:"company"`
	Position  string `json:"position"`
	CompanyID string `json:"company_id"`
	IsCurrent bool   `json:"is_current"`
}

// Company is a normalized company payload.
type Company struct {
	Ref          string `json:"ref"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Industry     string `json:"industry"`
	Size         string `json:"size"`
	Headquarters string `json:"headquarters"`
	Website      string `json:"website"`
}

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	// Code is the provider's own error type (e.g. "errors/disconnected_account")
	// when the body carried its error envelope.
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("linkedin: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("linkedin: status %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// ProviderErrorCode returns the provider error type, if any.
func (e *APIError) ProviderErrorCode() string { return e.Code }

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout. Calls that never return are
// cut off here and surface as transient errors.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a provider client. apiKey is used for accounts that do
// not carry their own key.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) GetUser(ctx context.Context, acct Account, profileRef string) (*Profile, error) {
	if profileRef == "" {
		return nil, eris.New("linkedin: empty profile reference")
	}
	body, err := c.get(ctx, acct, "/users/"+url.PathEscape(profileRef))
	if err != nil {
		return nil, eris.Wrapf(err, "linkedin: get user %s", profileRef)
	}
	p, err := NormalizeProfile(body)
	if err != nil {
		return nil, eris.Wrapf(err, "linkedin: get user %s", profileRef)
	}
	if p.ProfileRef == "" {
		p.ProfileRef = profileRef
	}
	return p, nil
}

func (c *httpClient) GetCompany(ctx context.Context, acct Account, companyRef string) (*Company, error) {
	if companyRef == "" {
		return nil, eris.New("linkedin: empty company reference")
	}
	body, err := c.get(ctx, acct, "/company/"+url.PathEscape(companyRef))
	if err != nil {
		return nil, eris.Wrapf(err, "linkedin: get company %s", companyRef)
	}
	co, err := NormalizeCompany(body)
	if err != nil {
		return nil, eris.Wrapf(err, "linkedin: get company %s", companyRef)
	}
	if co.Ref == "" {
		co.Ref = companyRef
	}
	return co, nil
}

func (c *httpClient) get(ctx context.Context, acct Account, path string) ([]byte, error) {
	q := url.Values{}
	q.Set("account_id", acct.ID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	key := acct.APIKey
	if key == "" {
		key = c.apiKey
	}
	req.Header.Set("X-API-KEY", key)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

// parseAPIError reads the provider's {"type","title","detail"} envelope when
// present.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	if !gjson.ValidBytes(body) {
		return apiErr
	}
	doc := gjson.ParseBytes(body)
	if t := doc.Get("type").String(); strings.HasPrefix(t, "errors/") {
		apiErr.Code = t
	}
	if detail := firstString(doc, "detail", "title", "message", "error"); detail != "" {
		apiErr.Message = detail
	}
	return apiErr
}
