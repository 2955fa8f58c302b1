package roles

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kiso-project/kiso/pkg/llm"
	"github.com/kiso-project/kiso/pkg/models"
)

// Curator verdicts.
const (
	CuratorPromote = "promote"
	CuratorAsk     = "ask"
	CuratorDiscard = "discard"
)

// Evaluation is the curator's disposition of one pending learning.
type Evaluation struct {
	LearningID int64   `json:"learning_id"`
	Verdict    string  `json:"verdict"`
	Fact       *string `json:"fact"`
	Question   *string `json:"question"`
	Reason     *string `json:"reason"`
}

// CuratorResult is the decoded curator output.
type CuratorResult struct {
	Evaluations []Evaluation `json:"evaluations"`
}

// CuratorInput carries the context the curator sees.
type CuratorInput struct {
	Session      string
	Summary      string
	Facts        []*models.Fact
	PendingItems []*models.PendingItem
	Learnings    []*models.Learning
}

// Curate evaluates pending learnings: promote into facts, turn into an open
// question, or discard.
func (r *Runner) Curate(ctx context.Context, budget *llm.Budget, in CuratorInput) (*CuratorResult, error) {
	resp, err := r.complete(ctx, budget, in.Session, RoleCurator,
		&llm.Schema{Name: "curate", Schema: curatorSchema}, buildCuratorContext(in), false)
	if err != nil {
		return nil, err
	}

	var result CuratorResult
	if err := json.Unmarshal([]byte(resp.Text), &result); err != nil {
		return nil, fmt.Errorf("curator output is not valid JSON: %w", err)
	}
	return &result, nil
}

func buildCuratorContext(in CuratorInput) string {
	var facts strings.Builder
	for _, f := range in.Facts {
		fmt.Fprintf(&facts, "- [%s] %s\n", f.Category, f.Content)
	}
	var pending strings.Builder
	for _, p := range in.PendingItems {
		fmt.Fprintf(&pending, "- %s\n", p.Question)
	}
	var learnings strings.Builder
	for _, l := range in.Learnings {
		fmt.Fprintf(&learnings, "- id %d: %s\n", l.ID, l.Content)
	}

	return joinSections(
		section("Session summary", in.Summary),
		section("Existing facts", facts.String()),
		section("Existing open questions", pending.String()),
		section("Pending learnings to evaluate", learnings.String()),
	)
}
