package roles

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiso-project/kiso/pkg/llm"
	"github.com/kiso-project/kiso/pkg/models"
	"github.com/kiso-project/kiso/pkg/skills"
)

type fakeGateway struct {
	responses []string
	requests  []llm.Request
}

func (f *fakeGateway) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.requests = append(f.requests, req)
	text := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return &llm.Response{Text: text, InputTokens: 10, OutputTokens: 5}, nil
}

type fixedModels struct{}

func (fixedModels) ModelFor(role string) string { return "model-" + role }

func newRunner(gw *fakeGateway) *Runner {
	return &Runner{Gateway: gw, Models: fixedModels{}, MaxRetries: 3}
}

func strp(s string) *string { return &s }

func TestPlan_DecodesStructuredOutput(t *testing.T) {
	gw := &fakeGateway{responses: []string{`{
		"goal": "list files",
		"secrets": [{"key": "api_token", "value": "tok_abc123"}],
		"tasks": [
			{"type": "exec", "detail": "list py files", "skill": null, "args": null, "expect": "a list"},
			{"type": "msg", "detail": "report", "skill": null, "args": null, "expect": null}
		],
		"extend_replan": 2
	}`}}
	r := newRunner(gw)

	result, err := r.Plan(context.Background(), llm.NewBudget(10), PlannerInput{
		Session: "s1", NewMessage: "list python files",
	})
	require.NoError(t, err)
	assert.Equal(t, "list files", result.Goal)
	require.Len(t, result.Secrets, 1)
	assert.Equal(t, "tok_abc123", result.Secrets[0].Value)
	require.Len(t, result.Tasks, 2)
	assert.Equal(t, models.TaskTypeExec, result.Tasks[0].Type)
	assert.Nil(t, result.Tasks[1].Expect)
	require.NotNil(t, result.ExtendReplan)
	assert.Equal(t, 2, *result.ExtendReplan)

	// The call carried a strict schema and the configured planner model.
	require.Len(t, gw.requests, 1)
	assert.Equal(t, "model-planner", gw.requests[0].Model)
	require.NotNil(t, gw.requests[0].Schema)
}

func TestPlan_ConsumesBudget(t *testing.T) {
	gw := &fakeGateway{responses: []string{`{}`}}
	r := newRunner(gw)

	budget := llm.NewBudget(0)
	_, err := r.Plan(context.Background(), budget, PlannerInput{Session: "s1"})
	require.ErrorIs(t, err, llm.ErrBudgetExceeded)
	assert.Empty(t, gw.requests)
}

func installedSkills(t *testing.T) map[string]*skills.Skill {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "weather")
	require.NoError(t, os.MkdirAll(dir, 0755))
	manifest := `
[kiso]
type = "skill"
name = "weather"

[kiso.skill.args.city]
type = "string"
required = true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.toml"), []byte(manifest), 0644))
	all, err := skills.NewRegistry(root).Scan()
	require.NoError(t, err)
	return all
}

func TestValidateTasks(t *testing.T) {
	installed := installedSkills(t)

	exec := PlannedTask{Type: models.TaskTypeExec, Detail: "d", Expect: strp("e")}
	msg := PlannedTask{Type: models.TaskTypeMsg, Detail: "d"}
	replan := PlannedTask{Type: models.TaskTypeReplan, Detail: "d"}

	cases := []struct {
		name  string
		tasks []PlannedTask
		want  []string // substrings expected among the errors; empty = valid
	}{
		{"valid exec+msg", []PlannedTask{exec, msg}, nil},
		{"valid replan tail", []PlannedTask{exec, replan}, nil},
		{"empty", nil, []string{"empty"}},
		{"missing expect", []PlannedTask{{Type: models.TaskTypeExec, Detail: "d"}, msg}, []string{"non-null expect"}},
		{"msg with expect", []PlannedTask{{Type: models.TaskTypeMsg, Detail: "d", Expect: strp("e")}}, []string{"null expect"}},
		{"no terminal msg", []PlannedTask{exec}, []string{"last task must be msg or replan"}},
		{"replan not last", []PlannedTask{replan, msg}, []string{"replan must be the last task"}},
		{"replan with skill", []PlannedTask{exec, {Type: models.TaskTypeReplan, Detail: "d", Skill: strp("weather")}}, []string{"null skill and args"}},
		{"duplicate replan", []PlannedTask{replan, replan}, []string{"at most one replan"}},
		{"unknown skill", []PlannedTask{{Type: models.TaskTypeSkill, Detail: "d", Skill: strp("nope"), Expect: strp("e")}, msg}, []string{"not installed"}},
		{"bad skill args", []PlannedTask{{Type: models.TaskTypeSkill, Detail: "d", Skill: strp("weather"), Args: strp(`{"planet": "Mars"}`), Expect: strp("e")}, msg}, []string{"args rejected"}},
		{"good skill args", []PlannedTask{{Type: models.TaskTypeSkill, Detail: "d", Skill: strp("weather"), Args: strp(`{"city": "Oslo"}`), Expect: strp("e")}, msg}, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errs := ValidateTasks(tc.tasks, installed)
			if len(tc.want) == 0 {
				assert.Empty(t, errs)
				return
			}
			joined := ""
			for _, e := range errs {
				joined += e + "\n"
			}
			for _, want := range tc.want {
				assert.Contains(t, joined, want)
			}
		})
	}
}

func TestReview_RetriesMissingReason(t *testing.T) {
	gw := &fakeGateway{responses: []string{
		`{"status": "replan", "reason": null, "learn": null}`,
		`{"status": "replan", "reason": "directory missing", "learn": "use ls first"}`,
	}}
	r := newRunner(gw)

	result, err := r.Review(context.Background(), llm.NewBudget(10), ReviewerInput{
		Session: "s1", TaskDetail: "d", TaskExpect: "e", Output: "o",
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictReplan, result.Status)
	assert.Equal(t, "directory missing", *result.Reason)
	assert.Equal(t, "use ls first", *result.Learn)
	assert.Len(t, gw.requests, 2)
}

func TestReview_RetryExhaustion(t *testing.T) {
	gw := &fakeGateway{responses: []string{`{"status": "replan", "reason": null, "learn": null}`}}
	r := newRunner(gw)
	r.MaxRetries = 1

	_, err := r.Review(context.Background(), llm.NewBudget(10), ReviewerInput{Session: "s1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without a reason")
	assert.Len(t, gw.requests, 2)
}

// fenceToken extracts the random delimiter token for a fence label from a
// rendered context.
func fenceToken(t *testing.T, content, label string) string {
	t.Helper()
	m := regexp.MustCompile(`<<<` + label + `_([0-9a-f]{32})>>>`).FindStringSubmatch(content)
	require.Len(t, m, 2, "context should carry a %s fence", label)
	return m[1]
}

func TestReview_FreshFenceTokensPerCall(t *testing.T) {
	gw := &fakeGateway{responses: []string{
		`{"status": "replan", "reason": null, "learn": null}`,
		`{"status": "ok", "reason": null, "learn": null}`,
	}}
	r := newRunner(gw)

	_, err := r.Review(context.Background(), llm.NewBudget(10), ReviewerInput{
		Session: "s1", TaskDetail: "d", TaskExpect: "e", Output: "raw output",
	})
	require.NoError(t, err)
	require.Len(t, gw.requests, 2)

	first := fenceToken(t, gw.requests[0].Messages[1].Content, "TASK_OUTPUT")
	second := fenceToken(t, gw.requests[1].Messages[1].Content, "TASK_OUTPUT")
	assert.NotEqual(t, first, second)
}

func TestPlan_FreshFenceTokensPerCall(t *testing.T) {
	plan := `{"goal": "g", "secrets": [], "tasks": [
		{"type": "msg", "detail": "d", "skill": null, "args": null, "expect": null}
	], "extend_replan": null}`
	gw := &fakeGateway{responses: []string{plan}}
	r := newRunner(gw)

	in := PlannerInput{Session: "s1", Paraphrased: "a visitor asked about uptime"}
	for i := 0; i < 2; i++ {
		_, err := r.Plan(context.Background(), llm.NewBudget(10), in)
		require.NoError(t, err)
	}
	require.Len(t, gw.requests, 2)

	first := fenceToken(t, gw.requests[0].Messages[1].Content, "UNTRUSTED_CTX")
	second := fenceToken(t, gw.requests[1].Messages[1].Content, "UNTRUSTED_CTX")
	assert.NotEqual(t, first, second)
}

func TestTranslate_StripsFences(t *testing.T) {
	gw := &fakeGateway{responses: []string{"```sh\nfind . -name \"*.py\"\n```"}}
	r := newRunner(gw)

	cmd, err := r.Translate(context.Background(), llm.NewBudget(10), TranslatorInput{
		Session: "s1", Detail: "list py files",
	})
	require.NoError(t, err)
	assert.Equal(t, `find . -name "*.py"`, cmd)
	// Translator runs on the messenger-fallback model resolution.
	assert.Equal(t, "model-translator", gw.requests[0].Model)
}

func TestSearch_UsesWebEndpoint(t *testing.T) {
	gw := &fakeGateway{responses: []string{"digest"}}
	r := newRunner(gw)

	_, err := r.Search(context.Background(), llm.NewBudget(10), SearchInput{
		Session: "s1", Query: "go 1.25 release notes", MaxResults: 3,
	})
	require.NoError(t, err)
	require.Len(t, gw.requests, 1)
	assert.True(t, gw.requests[0].WebSearch)
}

func TestPromptOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "messenger.md"), []byte("custom prompt"), 0644))

	gw := &fakeGateway{responses: []string{"hi"}}
	r := newRunner(gw)
	r.PromptDir = dir

	_, err := r.Message(context.Background(), llm.NewBudget(10), MessengerInput{Session: "s1", Detail: "d"})
	require.NoError(t, err)
	assert.Equal(t, "custom prompt", gw.requests[0].Messages[0].Content)

	// Roles without an override fall back to the embedded default.
	_, err = r.Paraphrase(context.Background(), llm.NewBudget(10), "s1", nil)
	require.NoError(t, err)
	assert.Contains(t, gw.requests[1].Messages[0].Content, "Paraphraser")
}

func TestConsolidateFacts(t *testing.T) {
	gw := &fakeGateway{responses: []string{`{"facts": [
		{"content": "repo uses make", "category": "project", "confidence": 0.9}
	]}`}}
	r := newRunner(gw)

	facts, err := r.ConsolidateFacts(context.Background(), llm.NewBudget(10), "s1", nil)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, models.FactCategoryProject, facts[0].Category)
	require.NotNil(t, gw.requests[0].Schema)
}
