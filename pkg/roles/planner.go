package roles

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kiso-project/kiso/pkg/llm"
	"github.com/kiso-project/kiso/pkg/models"
	"github.com/kiso-project/kiso/pkg/sanitize"
	"github.com/kiso-project/kiso/pkg/skills"
)

// KV is one ephemeral secret emitted by the planner.
type KV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PlannedTask is one task as emitted by the planner, before persistence.
// Optional fields are pointers so null survives decoding.
type PlannedTask struct {
	Type   models.TaskType `json:"type"`
	Detail string          `json:"detail"`
	Skill  *string         `json:"skill"`
	Args   *string         `json:"args"`
	Expect *string         `json:"expect"`
}

// PlannerResult is the decoded planner output.
type PlannerResult struct {
	Goal         string        `json:"goal"`
	Secrets      []KV          `json:"secrets"`
	Tasks        []PlannedTask `json:"tasks"`
	ExtendReplan *int          `json:"extend_replan"`
}

// SkillSummary is the planner-facing view of one installed skill.
type SkillSummary struct {
	Name       string
	Summary    string
	ArgsSchema string
	UsageGuide string
}

// ReplanAttempt is one prior {goal, reason} pair for this message.
type ReplanAttempt struct {
	Goal   string
	Reason string
}

// CompletedTask is one finished task of a failed plan. Output is carried
// raw; it is fenced when the context is rendered.
type CompletedTask struct {
	Line   string
	Output string
}

// ReplanContext enriches the planner context after a failed plan.
type ReplanContext struct {
	Completed     []CompletedTask
	Remaining     []string
	FailureReason string
	History       []ReplanAttempt
}

// PlannerInput carries every context piece the planner is allowed to see.
// Untrusted pieces (the paraphrase, prior task outputs) are raw here and
// fenced at render time, so each call gets fresh boundary tokens.
type PlannerInput struct {
	Session          string
	Summary          string
	TrustedMessages  []*models.Message
	RecentMsgOutputs []string
	Paraphrased      string
	NewMessage       string
	Facts            []*models.Fact
	PendingItems     []*models.PendingItem
	Skills           []SkillSummary
	CallerRole       string
	SystemEnv        string
	Replan           *ReplanContext
	ValidationErrors []string
}

// Plan calls the planner and decodes its structured output. Semantic
// validation and the retry loop belong to the plan runtime.
func (r *Runner) Plan(ctx context.Context, budget *llm.Budget, in PlannerInput) (*PlannerResult, error) {
	resp, err := r.complete(ctx, budget, in.Session, RolePlanner,
		&llm.Schema{Name: "plan", Schema: plannerSchema}, buildPlannerContext(in), false)
	if err != nil {
		return nil, err
	}

	var result PlannerResult
	if err := json.Unmarshal([]byte(resp.Text), &result); err != nil {
		return nil, fmt.Errorf("planner output is not valid JSON: %w", err)
	}
	return &result, nil
}

func buildPlannerContext(in PlannerInput) string {
	var msgs strings.Builder
	for _, m := range in.TrustedMessages {
		fmt.Fprintf(&msgs, "[%s] %s: %s\n", m.Role, m.User, m.Content)
	}

	var facts strings.Builder
	for _, f := range in.Facts {
		fmt.Fprintf(&facts, "- [%s, confidence %.2f] %s\n", f.Category, f.Confidence, f.Content)
	}

	var pending strings.Builder
	for _, p := range in.PendingItems {
		fmt.Fprintf(&pending, "- %s\n", p.Question)
	}

	var skillList strings.Builder
	for _, s := range in.Skills {
		fmt.Fprintf(&skillList, "### %s\n%s\nArgs schema: %s\n", s.Name, s.Summary, s.ArgsSchema)
		if s.UsageGuide != "" {
			fmt.Fprintf(&skillList, "Usage: %s\n", s.UsageGuide)
		}
	}

	paraphrased := ""
	if in.Paraphrased != "" {
		paraphrased = sanitize.Fence(sanitize.LabelUntrustedCtx, in.Paraphrased)
	}

	sections := []string{
		section("Session summary", in.Summary),
		section("Recent conversation", msgs.String()),
		section("Recent responses", strings.Join(in.RecentMsgOutputs, "\n---\n")),
		section("Reports from untrusted sources", paraphrased),
		section("Known facts", facts.String()),
		section("Open questions", pending.String()),
		section("Available skills", skillList.String()),
		section("Caller role", in.CallerRole),
		section("System environment", in.SystemEnv),
	}

	if rc := in.Replan; rc != nil {
		var history strings.Builder
		for _, h := range rc.History {
			fmt.Fprintf(&history, "- goal: %s\n  failed because: %s\n", h.Goal, h.Reason)
		}
		completed := make([]string, 0, len(rc.Completed))
		for _, c := range rc.Completed {
			completed = append(completed, c.Line+"\n"+sanitize.Fence(sanitize.LabelTaskOutput, c.Output))
		}
		sections = append(sections,
			section("Completed tasks of the failed plan", strings.Join(completed, "\n")),
			section("Tasks that never ran", strings.Join(rc.Remaining, "\n")),
			section("Failure", rc.FailureReason),
			section("Previous attempts for this request", history.String()),
		)
	}

	if len(in.ValidationErrors) > 0 {
		sections = append(sections, section("Your previous plan was rejected",
			"Fix these problems and emit a corrected plan:\n- "+strings.Join(in.ValidationErrors, "\n- ")))
	}

	sections = append(sections, section("New message", in.NewMessage))
	return joinSections(sections...)
}

// ValidateTasks applies the structural plan rules and returns every
// violation found, phrased for the planner re-prompt.
func ValidateTasks(tasks []PlannedTask, installed map[string]*skills.Skill) []string {
	var errs []string
	if len(tasks) == 0 {
		return []string{"the task list is empty"}
	}

	for i, t := range tasks {
		n := i + 1
		if !t.Type.Valid() {
			errs = append(errs, fmt.Sprintf("task %d has unknown type %q", n, t.Type))
			continue
		}
		if t.Type.NeedsExpect() {
			if t.Expect == nil || strings.TrimSpace(*t.Expect) == "" {
				errs = append(errs, fmt.Sprintf("task %d (%s) needs a non-null expect", n, t.Type))
			}
		} else if t.Expect != nil {
			errs = append(errs, fmt.Sprintf("task %d (%s) must have null expect", n, t.Type))
		}

		switch t.Type {
		case models.TaskTypeReplan:
			if i != len(tasks)-1 {
				errs = append(errs, fmt.Sprintf("task %d: replan must be the last task", n))
			}
			if t.Skill != nil || t.Args != nil {
				errs = append(errs, fmt.Sprintf("task %d: replan must have null skill and args", n))
			}
		case models.TaskTypeSkill:
			if t.Skill == nil || *t.Skill == "" {
				errs = append(errs, fmt.Sprintf("task %d: skill tasks must name a skill", n))
				continue
			}
			s, ok := installed[*t.Skill]
			if !ok {
				errs = append(errs, fmt.Sprintf("task %d: skill %q is not installed", n, *t.Skill))
				continue
			}
			args := ""
			if t.Args != nil {
				args = *t.Args
			}
			if err := s.ValidateArgs(args); err != nil {
				errs = append(errs, fmt.Sprintf("task %d: %v", n, err))
			}
		}
	}

	replans := 0
	for _, t := range tasks {
		if t.Type == models.TaskTypeReplan {
			replans++
		}
	}
	if replans > 1 {
		errs = append(errs, "at most one replan task is allowed")
	}

	last := tasks[len(tasks)-1].Type
	if last != models.TaskTypeMsg && last != models.TaskTypeReplan {
		errs = append(errs, "the last task must be msg or replan")
	}
	return errs
}
