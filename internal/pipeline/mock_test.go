package pipeline

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/lead-pipeline/pkg/anthropic"
	"github.com/sells-group/lead-pipeline/pkg/linkedin"
	"github.com/sells-group/lead-pipeline/pkg/webhook"
)

// --- Anthropic Mock ---

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

// onPrompt expects a completion whose system prompt is system.
func (m *mockAnthropicClient) onPrompt(system string) *mock.Call {
	return m.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return len(req.System) > 0 && req.System[0].Text == system
	}))
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Model:   "claude-haiku-4-5-20251001",
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 120, OutputTokens: 30},
	}
}

// --- LinkedIn Mock ---

type mockLinkedInClient struct {
	mock.Mock
}

func (m *mockLinkedInClient) GetUser(ctx context.Context, acct linkedin.Account, profileRef string) (*linkedin.Profile, error) {
	args := m.Called(ctx, acct, profileRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*linkedin.Profile), args.Error(1)
}

func (m *mockLinkedInClient) GetCompany(ctx context.Context, acct linkedin.Account, companyRef string) (*linkedin.Company, error) {
	args := m.Called(ctx, acct, companyRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*linkedin.Company), args.Error(1)
}

// --- Webhook recorder ---

type recordingNotifier struct {
	mu     sync.Mutex
	events []webhook.Payload
}

func (r *recordingNotifier) Notify(_ context.Context, p webhook.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
	return nil
}

func (r *recordingNotifier) Events() []webhook.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]webhook.Payload(nil), r.events...)
}
