package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-pipeline/internal/resilience"
	"github.com/sells-group/lead-pipeline/pkg/anthropic"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// completeJSON sends one prompt and decodes the reply into T. A reply that
// is empty, not JSON, or fails T's validate tags is a ValidationError; the
// partial object is never returned.
func completeJSON[T any](ctx context.Context, ai anthropic.Client, model string, maxTokens int64, stage, system, user string) (*T, error) {
	resp, err := ai.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System: []anthropic.SystemBlock{{
			Text:         system,
			CacheControl: &anthropic.CacheControl{},
		}},
		Messages: []anthropic.Message{{Role: "user", Content: user}},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: %s completion", stage)
	}
	resp.Usage.LogCost(model, stage)

	return decodeStrict[T](stage, resp.Text())
}

// decodeStrict parses and validates a JSON payload from the LLM or a
// callback body.
func decodeStrict[T any](field, text string) (*T, error) {
	text = cleanJSON(text)
	if text == "" {
		return nil, resilience.NewValidationError(field, "empty response", nil)
	}

	var out T
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, resilience.NewValidationError(field, "malformed JSON", err)
	}
	if err := validate.Struct(&out); err != nil {
		return nil, resilience.NewValidationError(field, "invalid fields", err)
	}
	return &out, nil
}

// cleanJSON extracts a JSON object from text that may carry markdown code
// fences or surrounding prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	// Strip markdown code fences.
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	// Find first { and last }.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
