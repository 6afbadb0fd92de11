package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/sells-group/lead-pipeline/internal/model"
)

const recruitingSystemPrompt = `You screen LinkedIn posts for a recruitment agency.
Decide whether the post announces one or more open positions that the author's company is hiring for.
Posts about the author looking for a job, event announcements, or general HR commentary are not recruiting posts.
Respond with JSON only: {"is_recruiting": true|false, "rationale": "<one sentence>"}`

// The default-to-positive rule for French posts is product policy and lives
// here, not in the orchestrator.
const locationSystemPrompt = `You decide whether a recruiting post is in scope for a French recruitment agency.
Answer "Oui" when the position is located in France, or when the post is written in French and nothing in it places the position outside France.
Answer "Non" when the position is clearly located outside France, or when the post is not in French and gives no French location.
When in doubt about a French-language post, answer "Oui".
Respond with JSON only: {"verdict": "Oui"|"Non", "rationale": "<one sentence>"}`

// Categories the categorization stage may return.
var Categories = []string{"tech", "sales", "marketing", "finance", "operations", "hr", "healthcare", "other"}

var categorySystemPrompt = fmt.Sprintf(`You categorize recruiting posts by the job family of the advertised position.
Pick exactly one category from: %s.
Respond with JSON only: {"category": "<category>", "justification": "<one sentence>"}`, strings.Join(Categories, ", "))

func postPrompt(item *model.WorkItem) string {
	var b strings.Builder
	if item.Title != "" {
		b.WriteString("Title: ")
		b.WriteString(item.Title)
		b.WriteString("\n")
	}
	if item.AuthorName != "" {
		b.WriteString("Author: ")
		b.WriteString(item.AuthorName)
		b.WriteString("\n")
	}
	b.WriteString("Post:\n")
	b.WriteString(item.Text)
	return b.String()
}

// ClassifyRecruiting runs stage 1.
func (o *Orchestrator) ClassifyRecruiting(ctx context.Context, item *model.WorkItem) (*model.Stage1Result, error) {
	return completeJSON[model.Stage1Result](ctx, o.ai, o.cfg.Anthropic.Model, o.cfg.Anthropic.MaxTokens,
		"stage1", recruitingSystemPrompt, postPrompt(item))
}

// ClassifyLocation runs stage 2.
func (o *Orchestrator) ClassifyLocation(ctx context.Context, item *model.WorkItem) (*model.Stage2Result, error) {
	return completeJSON[model.Stage2Result](ctx, o.ai, o.cfg.Anthropic.Model, o.cfg.Anthropic.MaxTokens,
		"stage2", locationSystemPrompt, postPrompt(item))
}

// Categorize runs stage 3.
func (o *Orchestrator) Categorize(ctx context.Context, item *model.WorkItem) (*model.Stage3Result, error) {
	res, err := completeJSON[model.Stage3Result](ctx, o.ai, o.cfg.Anthropic.Model, o.cfg.Anthropic.MaxTokens,
		"stage3", categorySystemPrompt, postPrompt(item))
	if err != nil {
		return nil, err
	}
	res.Category = normalizeCategory(res.Category)
	return res, nil
}

func normalizeCategory(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	for _, known := range Categories {
		if c == known {
			return c
		}
	}
	return "other"
}

func applyStage1(item *model.WorkItem, r *model.Stage1Result) {
	item.Stage1 = r
	if !r.Recruiting() {
		item.Status = model.StatusFilteredOut
		item.FilterReason = model.FilterNotRecruiting
		return
	}
	item.Status = model.StatusStage1Done
}

func applyStage2(item *model.WorkItem, r *model.Stage2Result) {
	item.Stage2 = r
	if !r.Passed() {
		item.Status = model.StatusFilteredOut
		item.FilterReason = model.FilterLocation
		return
	}
	item.Status = model.StatusStage2Done
}

func applyStage3(item *model.WorkItem, r *model.Stage3Result) {
	item.Stage3 = r
	item.Status = model.StatusStage3Done
}
