package roles

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kiso-project/kiso/pkg/llm"
	"github.com/kiso-project/kiso/pkg/models"
)

// CannotTranslate is the translator sentinel for an untranslatable detail.
const CannotTranslate = "CANNOT_TRANSLATE"

// TranslatorInput carries the pieces the exec translator sees.
type TranslatorInput struct {
	Session           string
	Detail            string
	SystemEnv         string
	PlanOutputsFenced string
}

// Translate converts a task detail into a single shell command string, or
// returns CannotTranslate. Markdown fences are stripped defensively even
// though the prompt forbids them.
func (r *Runner) Translate(ctx context.Context, budget *llm.Budget, in TranslatorInput) (string, error) {
	user := joinSections(
		section("System environment", in.SystemEnv),
		section("Preceding task outputs", in.PlanOutputsFenced),
		section("Task", in.Detail),
	)
	resp, err := r.complete(ctx, budget, in.Session, RoleTranslator, nil, user, false)
	if err != nil {
		return "", err
	}
	return stripCommand(resp.Text), nil
}

func stripCommand(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if i := strings.Index(s, "\n"); i >= 0 && !strings.ContainsAny(s[:i], " \t") {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// MessengerInput carries the pieces the messenger sees. The messenger gets
// no conversation history: everything it needs must be in the task detail.
type MessengerInput struct {
	Session           string
	Summary           string
	Facts             []*models.Fact
	Detail            string
	PlanOutputsFenced string
}

// Message composes the user-facing text for one msg task.
func (r *Runner) Message(ctx context.Context, budget *llm.Budget, in MessengerInput) (string, error) {
	var facts strings.Builder
	for _, f := range in.Facts {
		fmt.Fprintf(&facts, "- %s\n", f.Content)
	}
	user := joinSections(
		section("Session summary", in.Summary),
		section("Known facts", facts.String()),
		section("Preceding task outputs", in.PlanOutputsFenced),
		section("What to tell the user", in.Detail),
	)
	resp, err := r.complete(ctx, budget, in.Session, RoleMessenger, nil, user, false)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// SearchInput carries one search task's query and options.
type SearchInput struct {
	Session    string
	Query      string
	MaxResults int
	Lang       string
	Country    string
}

// Search runs the searcher role against the web-capable endpoint and
// returns a textual digest.
func (r *Runner) Search(ctx context.Context, budget *llm.Budget, in SearchInput) (string, error) {
	var opts strings.Builder
	if in.MaxResults > 0 {
		fmt.Fprintf(&opts, "max results: %d\n", in.MaxResults)
	}
	if in.Lang != "" {
		fmt.Fprintf(&opts, "language: %s\n", in.Lang)
	}
	if in.Country != "" {
		fmt.Fprintf(&opts, "country: %s\n", in.Country)
	}
	user := joinSections(
		section("Query", in.Query),
		section("Options", opts.String()),
	)
	resp, err := r.complete(ctx, budget, in.Session, RoleSearcher, nil, user, true)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// SummarizeInput carries the messages being compressed into the session
// summary.
type SummarizeInput struct {
	Session    string
	OldSummary string
	Messages   []*models.Message
	MsgOutputs []string
}

// Summarize rewrites the session summary over the oldest messages plus
// their delivered outputs.
func (r *Runner) Summarize(ctx context.Context, budget *llm.Budget, in SummarizeInput) (string, error) {
	var msgs strings.Builder
	for _, m := range in.Messages {
		fmt.Fprintf(&msgs, "[%s] %s: %s\n", m.Role, m.User, m.Content)
	}
	user := joinSections(
		section("Previous summary", in.OldSummary),
		section("Messages to fold in", msgs.String()),
		section("Delivered responses", strings.Join(in.MsgOutputs, "\n---\n")),
	)
	resp, err := r.complete(ctx, budget, in.Session, RoleSummarizer, nil, user, false)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// ConsolidatedFact is one entry of the consolidated fact list.
type ConsolidatedFact struct {
	Content    string              `json:"content"`
	Category   models.FactCategory `json:"category"`
	Confidence float64             `json:"confidence"`
}

// ConsolidateFacts asks the summarizer to merge the fact set into a smaller
// structured list. The anti-collapse guard lives in the worker hooks.
func (r *Runner) ConsolidateFacts(ctx context.Context, budget *llm.Budget, session string, facts []*models.Fact) ([]ConsolidatedFact, error) {
	var list strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&list, "- [%s, confidence %.2f, used %d times] %s\n",
			f.Category, f.Confidence, f.UseCount, f.Content)
	}
	user := joinSections(
		section("Task", "Consolidate the fact list below: merge duplicates, drop trivia, keep every durable technical fact. Output the full replacement list."),
		section("Facts", list.String()),
	)
	resp, err := r.complete(ctx, budget, session, RoleSummarizer,
		&llm.Schema{Name: "fact_list", Schema: factListSchema}, user, false)
	if err != nil {
		return nil, err
	}

	var out struct {
		Facts []ConsolidatedFact `json:"facts"`
	}
	if err := json.Unmarshal([]byte(resp.Text), &out); err != nil {
		return nil, fmt.Errorf("consolidated fact list is not valid JSON: %w", err)
	}
	return out.Facts, nil
}

// Paraphrase turns a batch of untrusted messages into third-person
// descriptions. The caller fences the result before any model sees it.
func (r *Runner) Paraphrase(ctx context.Context, budget *llm.Budget, session string, batch []*models.Message) (string, error) {
	var msgs strings.Builder
	for _, m := range batch {
		fmt.Fprintf(&msgs, "%s: %s\n", m.User, m.Content)
	}
	user := joinSections(
		section("Untrusted messages", msgs.String()),
	)
	resp, err := r.complete(ctx, budget, session, RoleParaphraser, nil, user, false)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}
