// Package executor runs one task: exec through the translator and a
// sub-shell, skill as a subprocess, msg and search through their roles.
// Every output is sanitized before it leaves this package.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kiso-project/kiso/pkg/config"
	"github.com/kiso-project/kiso/pkg/llm"
	"github.com/kiso-project/kiso/pkg/models"
	"github.com/kiso-project/kiso/pkg/roles"
	"github.com/kiso-project/kiso/pkg/sanitize"
	"github.com/kiso-project/kiso/pkg/secrets"
	"github.com/kiso-project/kiso/pkg/skills"
)

// ErrCannotTranslate marks an exec detail the translator could not express
// as a shell command.
var ErrCannotTranslate = errors.New("task detail cannot be translated to a command")

// Result is one task execution outcome. Status is done or failed; Output
// and Stderr are sanitized; Command carries the translated shell command
// for exec tasks.
type Result struct {
	Status   models.TaskStatus
	Output   string
	Stderr   string
	ExitCode int
	Command  string
	// FailureReason summarizes why a failed task failed, for the replan
	// context and user notification.
	FailureReason string
}

// TaskContext is the per-task environment the worker hands down.
type TaskContext struct {
	Session      string
	Workspace    string
	Admin        bool
	PlanOutputs  []models.PlanOutput
	SecretValues []string
	Ephemeral    *secrets.Ephemeral
	Summary      string
	Facts        []*models.Fact
	SystemEnv    string
}

// Executor dispatches tasks. One instance is shared by all workers.
type Executor struct {
	Runner  *roles.Runner
	Skills  *skills.Registry
	Deploy  *secrets.Deploy
	Limits  config.Limits
	Wrapper []string
}

// Execute runs one task and returns its sanitized result. It never returns
// an error for task-level failures; those surface as Status failed with a
// FailureReason. An error return means the surrounding plan cannot proceed
// (budget exhaustion, context cancellation).
func (e *Executor) Execute(ctx context.Context, budget *llm.Budget, tc TaskContext, task *models.Task) (*Result, error) {
	switch task.Type {
	case models.TaskTypeExec:
		return e.runExec(ctx, budget, tc, task)
	case models.TaskTypeSkill:
		return e.runSkill(ctx, tc, task)
	case models.TaskTypeMsg:
		return e.runMsg(ctx, budget, tc, task)
	case models.TaskTypeSearch:
		return e.runSearch(ctx, budget, tc, task)
	default:
		return nil, fmt.Errorf("executor cannot run task type %q", task.Type)
	}
}

func (e *Executor) runExec(ctx context.Context, budget *llm.Budget, tc TaskContext, task *models.Task) (*Result, error) {
	command, err := e.Runner.Translate(ctx, budget, roles.TranslatorInput{
		Session:           tc.Session,
		Detail:            task.Detail,
		SystemEnv:         tc.SystemEnv,
		PlanOutputsFenced: fencedOutputs(tc.PlanOutputs),
	})
	if err != nil {
		if errors.Is(err, llm.ErrBudgetExceeded) {
			return nil, err
		}
		return failure(tc, "", fmt.Sprintf("translation failed: %v", err)), nil
	}
	if command == roles.CannotTranslate {
		return failure(tc, "", ErrCannotTranslate.Error()), nil
	}
	if err := Screen(command); err != nil {
		r := failure(tc, command, err.Error())
		return r, nil
	}

	argv := []string{"sh", "-c", command}
	if !tc.Admin {
		argv = append(e.wrapperFor(tc.Session), argv...)
	}
	proc := e.run(ctx, argv, tc.Workspace, cleanEnv(nil), nil)

	r := &Result{
		Command:  command,
		Output:   sanitize.Sanitize(proc.stdout, tc.SecretValues),
		Stderr:   sanitize.Sanitize(proc.stderr, tc.SecretValues),
		ExitCode: proc.exitCode,
	}
	switch {
	case proc.timedOut:
		r.Status = models.TaskStatusFailed
		r.FailureReason = fmt.Sprintf("command killed after %s timeout", e.Limits.ExecTimeout())
	case proc.exitCode != 0:
		r.Status = models.TaskStatusFailed
		r.FailureReason = fmt.Sprintf("command exited with status %d", proc.exitCode)
	default:
		r.Status = models.TaskStatusDone
	}
	return r, nil
}

// skillStdin is the JSON document written to a skill's stdin.
type skillStdin struct {
	Args           json.RawMessage     `json:"args"`
	Session        string              `json:"session"`
	Workspace      string              `json:"workspace"`
	SessionSecrets map[string]string   `json:"session_secrets"`
	PlanOutputs    []models.PlanOutput `json:"plan_outputs"`
}

func (e *Executor) runSkill(ctx context.Context, tc TaskContext, task *models.Task) (*Result, error) {
	skill, err := e.Skills.Get(task.Skill)
	if err != nil {
		return failure(tc, "", fmt.Sprintf("skill %q unavailable: %v", task.Skill, err)), nil
	}

	args := json.RawMessage(task.Args)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	outputs := tc.PlanOutputs
	if outputs == nil {
		outputs = []models.PlanOutput{}
	}
	stdin, err := json.Marshal(skillStdin{
		Args:           args,
		Session:        tc.Session,
		Workspace:      tc.Workspace,
		SessionSecrets: tc.Ephemeral.Subset(skill.SessionSecrets),
		PlanOutputs:    outputs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build skill stdin: %w", err)
	}

	// Declared deploy-secret env vars join the clean environment.
	env := map[string]string{}
	for key := range skill.Env {
		if v, ok := e.Deploy.Get(key); ok {
			env[key] = v
		}
	}

	interpreter := filepath.Join(skill.Dir, ".venv", "bin", "python")
	argv := []string{interpreter, filepath.Join(skill.Dir, "run.py")}
	if !tc.Admin {
		argv = append(e.wrapperFor(tc.Session), argv...)
	}
	proc := e.run(ctx, argv, tc.Workspace, cleanEnv(env), stdin)

	r := &Result{
		Output:   sanitize.Sanitize(proc.stdout, tc.SecretValues),
		Stderr:   sanitize.Sanitize(proc.stderr, tc.SecretValues),
		ExitCode: proc.exitCode,
	}
	switch {
	case proc.timedOut:
		r.Status = models.TaskStatusFailed
		r.FailureReason = fmt.Sprintf("skill killed after %s timeout", e.Limits.ExecTimeout())
	case proc.exitCode != 0:
		r.Status = models.TaskStatusFailed
		r.FailureReason = fmt.Sprintf("skill exited with status %d", proc.exitCode)
	default:
		r.Status = models.TaskStatusDone
	}
	return r, nil
}

func (e *Executor) runMsg(ctx context.Context, budget *llm.Budget, tc TaskContext, task *models.Task) (*Result, error) {
	text, err := e.Runner.Message(ctx, budget, roles.MessengerInput{
		Session:           tc.Session,
		Summary:           tc.Summary,
		Facts:             tc.Facts,
		Detail:            task.Detail,
		PlanOutputsFenced: fencedOutputs(tc.PlanOutputs),
	})
	if err != nil {
		if errors.Is(err, llm.ErrBudgetExceeded) {
			return nil, err
		}
		return failure(tc, "", fmt.Sprintf("messenger failed: %v", err)), nil
	}
	return &Result{
		Status: models.TaskStatusDone,
		Output: sanitize.Sanitize(text, tc.SecretValues),
	}, nil
}

// searchArgs are the optional knobs of a search task.
type searchArgs struct {
	MaxResults int    `json:"max_results"`
	Lang       string `json:"lang"`
	Country    string `json:"country"`
}

func (e *Executor) runSearch(ctx context.Context, budget *llm.Budget, tc TaskContext, task *models.Task) (*Result, error) {
	var args searchArgs
	if task.Args != "" {
		// Malformed search args degrade to an unfiltered query.
		_ = json.Unmarshal([]byte(task.Args), &args)
	}
	digest, err := e.Runner.Search(ctx, budget, roles.SearchInput{
		Session:    tc.Session,
		Query:      task.Detail,
		MaxResults: args.MaxResults,
		Lang:       args.Lang,
		Country:    args.Country,
	})
	if err != nil {
		if errors.Is(err, llm.ErrBudgetExceeded) {
			return nil, err
		}
		return failure(tc, "", fmt.Sprintf("search failed: %v", err)), nil
	}
	return &Result{
		Status: models.TaskStatusDone,
		Output: sanitize.Sanitize(digest, tc.SecretValues),
	}, nil
}

// wrapperFor expands the configured restricted-user wrapper for a session.
func (e *Executor) wrapperFor(session string) []string {
	out := make([]string, 0, len(e.Wrapper))
	for _, part := range e.Wrapper {
		out = append(out, strings.ReplaceAll(part, "{session}", session))
	}
	return out
}

func failure(tc TaskContext, command, reason string) *Result {
	return &Result{
		Status:        models.TaskStatusFailed,
		Command:       command,
		FailureReason: reason,
		Stderr:        sanitize.Sanitize(reason, tc.SecretValues),
	}
}

// fencedOutputs renders the plan-outputs array for a role context, fenced
// as untrusted task output.
func fencedOutputs(outputs []models.PlanOutput) string {
	if len(outputs) == 0 {
		return ""
	}
	data, err := json.MarshalIndent(outputs, "", "  ")
	if err != nil {
		return ""
	}
	return sanitize.Fence(sanitize.LabelTaskOutput, string(data))
}

// cleanEnv builds the minimal subprocess environment: PATH plus any extra
// declared vars.
func cleanEnv(extra map[string]string) []string {
	env := []string{"PATH=" + pathEnv()}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func pathEnv() string {
	if p, ok := os.LookupEnv("PATH"); ok {
		return p
	}
	return "/usr/local/bin:/usr/bin:/bin"
}
