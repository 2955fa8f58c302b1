package roles

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kiso-project/kiso/pkg/llm"
	"github.com/kiso-project/kiso/pkg/sanitize"
)

// Reviewer verdicts.
const (
	VerdictOK     = "ok"
	VerdictReplan = "replan"
)

// ReviewerInput carries the pieces the reviewer sees for one task. Output
// is the raw task output; it is fenced per call at render time.
type ReviewerInput struct {
	Session         string
	Goal            string
	OriginalRequest string
	TaskDetail      string
	TaskExpect      string
	Output          string
}

// ReviewerResult is the decoded reviewer verdict.
type ReviewerResult struct {
	Status string  `json:"status"`
	Reason *string `json:"reason"`
	Learn  *string `json:"learn"`
}

// Review judges one task output against its expectation. A replan verdict
// without a reason is re-prompted up to MaxRetries times; exhaustion fails
// the call.
func (r *Runner) Review(ctx context.Context, budget *llm.Budget, in ReviewerInput) (*ReviewerResult, error) {
	missingReason := false
	for attempt := 0; ; attempt++ {
		resp, err := r.complete(ctx, budget, in.Session, RoleReviewer,
			&llm.Schema{Name: "review", Schema: reviewerSchema},
			buildReviewerContext(in, missingReason), false)
		if err != nil {
			return nil, err
		}

		var result ReviewerResult
		if err := json.Unmarshal([]byte(resp.Text), &result); err != nil {
			return nil, fmt.Errorf("reviewer output is not valid JSON: %w", err)
		}

		if result.Status == VerdictReplan && (result.Reason == nil || strings.TrimSpace(*result.Reason) == "") {
			if attempt >= r.MaxRetries {
				return nil, fmt.Errorf("reviewer returned replan without a reason after %d attempts", attempt+1)
			}
			missingReason = true
			continue
		}
		return &result, nil
	}
}

func buildReviewerContext(in ReviewerInput, missingReason bool) string {
	sections := []string{
		section("Process goal", in.Goal),
		section("Original user request", in.OriginalRequest),
		section("Task", in.TaskDetail),
		section("Expected outcome", in.TaskExpect),
		section("Actual output", sanitize.Fence(sanitize.LabelTaskOutput, in.Output)),
	}
	if missingReason {
		sections = append(sections, section("Correction",
			"Your previous verdict was replan with no reason. A replan verdict must carry a non-empty reason."))
	}
	return joinSections(sections...)
}
