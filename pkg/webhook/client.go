// Package webhook posts lead events to an outbound HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Event names sent in the payload's "event" field.
const (
	EventLeadCreated = "lead.created"
)

// Payload is the JSON body delivered to the endpoint.
type Payload struct {
	Event      string    `json:"event"`
	LeadID     string    `json:"lead_id"`
	WorkItemID string    `json:"work_item_id"`
	Status     string    `json:"status"`
	Company    string    `json:"company,omitempty"`
	AuthorName string    `json:"author_name,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier delivers lead events.
type Notifier interface {
	Notify(ctx context.Context, p Payload) error
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithSecret sets a shared secret sent in the X-Webhook-Secret header.
func WithSecret(secret string) Option {
	return func(c *httpClient) {
		c.secret = secret
	}
}

type httpClient struct {
	url    string
	secret string
	http   *http.Client
}

// NewClient creates a notifier posting to url. An empty url yields a no-op
// notifier.
func NewClient(url string, opts ...Option) Notifier {
	if url == "" {
		return Nop{}
	}
	c := &httpClient{
		url:  url,
		http: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Notify(ctx context.Context, p Payload) error {
	if p.OccurredAt.IsZero() {
		p.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "webhook: marshal payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "webhook: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("X-Webhook-Secret", c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "webhook: send request")
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return eris.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Nop discards every event.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Payload) error { return nil }
