package linkedin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-pipeline/internal/resilience"
)

const userPayload = `{
	"provider_id": "ACoAA123",
	"first_name": "Marie",
	"last_name": "Dupont",
	"headline": "Talent Acquisition @ Acme",
	"work_experience": [
		{"company": "Acme", "company_id": "1001", "position": "Talent Acquisition", "start": "2023-01", "end": null},
		{"company": "Globex", "company_id": "2002", "position": "Recruiter", "start": "2019-01", "end": "2022-12"}
	]
}`

const companyPayload = `{
	"id": "1001",
	"name": "Acme",
	"description": "Industrial software.",
	"industry": ["Software Development"],
	"employee_count_range": {"from": 51, "to": 200},
	"locations": [
		{"is_headquarter": false, "city": "Lyon", "country": "FR"},
		{"is_headquarter": true, "city": "Paris", "country": "FR"}
	],
	"website": "https://acme.example"
}`

func TestGetUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/users/marie-dupont", r.URL.Path)
		assert.Equal(t, "acct-1", r.URL.Query().Get("account_id"))
		assert.Equal(t, "acct-key", r.Header.Get("X-API-KEY"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(userPayload))
	}))
	defer srv.Close()

	c := NewClient("default-key", WithBaseURL(srv.URL))
	p, err := c.GetUser(context.Background(), Account{ID: "acct-1", APIKey: "acct-key"}, "marie-dupont")
	require.NoError(t, err)

	assert.Equal(t, "ACoAA123", p.ProfileRef)
	assert.Equal(t, "Marie Dupont", p.FullName)
	require.Len(t, p.Positions, 2)
	assert.Equal(t, Position{Company: "Acme", CompanyID: "1001", Position: "Talent Acquisition", IsCurrent: true}, p.Positions[0])
	assert.False(t, p.Positions[1].IsCurrent)
	assert.NotEmpty(t, p.Raw)
}

func TestGetUser_DefaultKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "default-key", r.Header.Get("X-API-KEY"))
		_, _ = w.Write([]byte(userPayload))
	}))
	defer srv.Close()

	c := NewClient("default-key", WithBaseURL(srv.URL))
	_, err := c.GetUser(context.Background(), Account{ID: "acct-1"}, "x")
	require.NoError(t, err)
}

func TestGetCompany(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/company/1001", r.URL.Path)
		_, _ = w.Write([]byte(companyPayload))
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	co, err := c.GetCompany(context.Background(), Account{ID: "acct-1"}, "1001")
	require.NoError(t, err)
	assert.Equal(t, &Company{
		Ref:          "1001",
		Name:         "Acme",
		Description:  "Industrial software.",
		Industry:     "Software Development",
		Size:         "51-200",
		Headquarters: "Paris, FR",
		Website:      "https://acme.example",
	}, co)
}

func TestGet_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantMsg  string
	}{
		{"rate limited", http.StatusTooManyRequests, `too many requests`, "", "too many requests"},
		{"unauthorized", http.StatusUnauthorized, `{"message":"bad key"}`, "", "bad key"},
		{"provider envelope", http.StatusBadRequest, `{"type":"errors/disconnected_account","title":"Disconnected","detail":"Account session expired"}`, "errors/disconnected_account", "Account session expired"},
		{"server error", http.StatusBadGateway, `upstream`, "", "upstream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient("k", WithBaseURL(srv.URL))
			_, err := c.GetUser(context.Background(), Account{ID: "a"}, "someone")
			require.Error(t, err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.HTTPStatus())
			assert.Equal(t, tt.wantCode, apiErr.ProviderErrorCode())
			assert.Equal(t, tt.wantMsg, apiErr.Message)
		})
	}
}

// A provider envelope marks an account-side condition the provider reports
// itself, which clears on its own; a bare 401/403 means the key is wrong.
func TestGet_ErrorDisposition(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   resilience.Disposition
	}{
		{"401 with envelope", http.StatusUnauthorized, `{"type":"errors/disconnected_account","title":"Disconnected"}`, resilience.ProviderFailure},
		{"403 with envelope", http.StatusForbidden, `{"type":"errors/insufficient_permissions","detail":"Account restricted"}`, resilience.ProviderFailure},
		{"401 bare", http.StatusUnauthorized, `{"message":"bad key"}`, resilience.PermanentFailure},
		{"403 text", http.StatusForbidden, `forbidden`, resilience.PermanentFailure},
		{"429 with envelope", http.StatusTooManyRequests, `{"type":"errors/too_many_requests"}`, resilience.RateLimited},
		{"503", http.StatusServiceUnavailable, `unavailable`, resilience.TransientFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient("k", WithBaseURL(srv.URL))
			_, err := c.GetUser(context.Background(), Account{ID: "a"}, "someone")
			require.Error(t, err)
			assert.Equal(t, tt.want, resilience.Classify(err))
		})
	}
}

func TestGet_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	_, err := c.GetCompany(context.Background(), Account{ID: "a"}, "1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedPayload))
}

func TestGet_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(userPayload))
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL), WithTimeout(20*time.Millisecond))
	_, err := c.GetUser(context.Background(), Account{ID: "a"}, "slow")
	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}

func TestGet_EmptyReference(t *testing.T) {
	c := NewClient("k")
	_, err := c.GetUser(context.Background(), Account{ID: "a"}, "")
	assert.Error(t, err)
	_, err = c.GetCompany(context.Background(), Account{ID: "a"}, "")
	assert.Error(t, err)
}
