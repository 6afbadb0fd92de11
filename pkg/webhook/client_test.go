package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotify(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "s3cret", r.Header.Get("X-Webhook-Secret"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewClient(srv.URL, WithSecret("s3cret"))
	err := n.Notify(context.Background(), Payload{
		Event:      EventLeadCreated,
		LeadID:     "lead-1",
		WorkItemID: "item-1",
		Status:     "completed",
	})
	require.NoError(t, err)
	assert.Equal(t, EventLeadCreated, got.Event)
	assert.Equal(t, "lead-1", got.LeadID)
	assert.False(t, got.OccurredAt.IsZero())
}

func TestNotify_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).Notify(context.Background(), Payload{Event: EventLeadCreated})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 502")
}

func TestNewClient_EmptyURLIsNop(t *testing.T) {
	n := NewClient("")
	assert.IsType(t, Nop{}, n)
	assert.NoError(t, n.Notify(context.Background(), Payload{}))
}
