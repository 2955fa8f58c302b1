// Package plan implements the per-message plan state machine: paraphrase,
// plan, validate, persist, iterate tasks, review, deliver, and the replan,
// cancel, and budget termination paths.
package plan

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kiso-project/kiso/pkg/config"
	"github.com/kiso-project/kiso/pkg/delivery"
	"github.com/kiso-project/kiso/pkg/executor"
	"github.com/kiso-project/kiso/pkg/llm"
	"github.com/kiso-project/kiso/pkg/models"
	"github.com/kiso-project/kiso/pkg/roles"
	"github.com/kiso-project/kiso/pkg/sanitize"
	"github.com/kiso-project/kiso/pkg/secrets"
	"github.com/kiso-project/kiso/pkg/skills"
	"github.com/kiso-project/kiso/pkg/store"
	"github.com/kiso-project/kiso/pkg/workspace"
)

// Context window sizes for the planner.
const (
	recentTrusted   = 10
	recentUntrusted = 10
	recentOutputs   = 5
	maxExtendGrant  = 3
)

// Auditor records task executions and review verdicts.
type Auditor interface {
	Task(session string, taskID int64, taskType, detail, status string, duration time.Duration, outputLength int)
	Review(session string, taskID int64, verdict string, hasLearning bool)
}

// Runtime drives plans for one process. It is shared by all workers; all
// per-message state lives in Env.
type Runtime struct {
	Store      *store.Store
	Exec       *executor.Executor
	Deliver    *delivery.Deliverer
	Workspaces *workspace.Manager
	Skills     *skills.Registry
	Deploy     *secrets.Deploy
	Audit      Auditor
	// Cfg returns the current configuration; re-read at task boundaries so
	// authorization changes take effect mid-plan.
	Cfg func() *config.Config
}

// Env is the per-message processing environment owned by one worker.
type Env struct {
	Msg       *models.Message
	UserName  string
	Cancel    *atomic.Bool
	Budget    *llm.Budget
	Ephemeral *secrets.Ephemeral
	// Roles is the per-message role runner (its gateway wraps the shared
	// client in a token counter).
	Roles *roles.Runner
}

// Result reports what a processed message touched, for the post-execution
// hooks.
type Result struct {
	FinalPlan   *models.Plan
	UsedFactIDs []int64
}

// outcome is the disposition of one task-iteration pass.
type outcome struct {
	kind   outcomeKind
	reason string
}

type outcomeKind int

const (
	planDone outcomeKind = iota
	planCancelled
	planFailed
	planReplan
)

// ProcessMessage runs the full lifecycle for one inbound message. Terminal
// plan failures are handled internally (user notified, plan marked); an
// error return means infrastructure trouble the worker should log.
func (r *Runtime) ProcessMessage(ctx context.Context, env *Env) (*Result, error) {
	session := env.Msg.Session
	log := slog.With("session", session, "message_id", env.Msg.ID)

	ws, err := r.Workspaces.Ensure(session)
	if err != nil {
		return nil, err
	}
	sess, err := r.Store.GetSession(ctx, session)
	if err != nil {
		return nil, err
	}

	paraphrased := r.paraphraseUntrusted(ctx, env, log)

	facts, err := r.Store.FactsForSession(ctx, session)
	if err != nil {
		return nil, err
	}
	result := &Result{UsedFactIDs: factIDs(facts)}

	pending, err := r.Store.OpenPendingItems(ctx, session)
	if err != nil {
		return nil, err
	}
	trusted, err := r.Store.RecentTrustedMessages(ctx, session, recentTrusted)
	if err != nil {
		return nil, err
	}
	msgOutputs, err := r.Store.RecentMsgOutputs(ctx, session, recentOutputs)
	if err != nil {
		return nil, err
	}

	base := roles.PlannerInput{
		Session:          session,
		Summary:          sess.Summary,
		TrustedMessages:  trusted,
		RecentMsgOutputs: msgOutputs,
		Paraphrased:      paraphrased,
		NewMessage:       env.Msg.Content,
		Facts:            facts,
		PendingItems:     pending,
		SystemEnv:        systemEnv(ws),
	}

	depth := 0
	extendGrant := 0
	var parentID string
	var replanCtx *roles.ReplanContext
	var history []roles.ReplanAttempt

	for {
		cfg := r.Cfg()
		user, ok := cfg.Users[env.UserName]
		if !ok {
			return result, fmt.Errorf("caller %q is no longer configured", env.UserName)
		}

		input := base
		input.CallerRole = user.Role
		input.Replan = replanCtx
		input.Skills = r.allowedSkillSummaries(user, log)

		planned, err := r.planWithRetries(ctx, env, input, cfg.Limits.MaxValidationRetries)
		if err != nil {
			if p := r.persistFailedPlan(ctx, env, parentID, err); p != nil {
				result.FinalPlan = p
			}
			r.terminalNotify(ctx, env, sess, fmt.Sprintf(
				"I could not produce a valid plan for your request: %v", err))
			return result, nil
		}

		for _, kv := range planned.Secrets {
			env.Ephemeral.Set(kv.Key, kv.Value)
		}
		if planned.ExtendReplan != nil {
			extendGrant = clamp(*planned.ExtendReplan, 0, maxExtendGrant)
		}

		plan, tasks, err := r.persistPlan(ctx, env, planned, parentID, extendGrant)
		if err != nil {
			return result, err
		}
		result.FinalPlan = plan

		out := r.iterate(ctx, env, sess, user, plan, tasks, ws, facts)
		_ = r.Workspaces.RemovePlanOutputs(session)

		switch out.kind {
		case planDone:
			if err := r.Store.UpdatePlanStatus(ctx, plan.ID, models.PlanStatusDone); err != nil {
				return result, err
			}
			return result, nil
		case planCancelled, planFailed:
			return result, nil
		case planReplan:
			depth++
			history = append(history, roles.ReplanAttempt{Goal: plan.Goal, Reason: out.reason})
			_ = r.Store.FailPendingTasks(ctx, plan.ID)
			_ = r.Store.UpdatePlanStatus(ctx, plan.ID, models.PlanStatusFailed)

			if depth > cfg.Limits.MaxReplanDepth+extendGrant {
				r.terminalNotify(ctx, env, sess, fmt.Sprintf(
					"I am giving up on this request after %d planning attempts. Last failure: %s",
					depth, out.reason))
				return result, nil
			}

			r.notify(ctx, env, sess, fmt.Sprintf("Revising the plan: %s", out.reason), false)
			replanCtx = r.buildReplanContext(ctx, plan, out.reason, history)
			parentID = plan.ID
		}
	}
}

// paraphraseUntrusted folds recent untrusted messages into one third-person
// description. The text stays raw here and is fenced inside each planner
// call, so every call carries fresh boundary tokens. Failure degrades to an
// empty block: untrusted content never reaches the planner raw.
func (r *Runtime) paraphraseUntrusted(ctx context.Context, env *Env, log *slog.Logger) string {
	untrusted, err := r.Store.RecentUntrustedMessages(ctx, env.Msg.Session, recentUntrusted)
	if err != nil || len(untrusted) == 0 {
		return ""
	}
	text, err := env.Roles.Paraphrase(ctx, env.Budget, env.Msg.Session, untrusted)
	if err != nil {
		log.Warn("Paraphrasing untrusted messages failed", "error", err)
		return ""
	}
	return text
}

// planWithRetries calls the planner, validates, and re-prompts with the
// violations until the plan passes or retries run out.
func (r *Runtime) planWithRetries(ctx context.Context, env *Env, input roles.PlannerInput, maxRetries int) (*roles.PlannerResult, error) {
	installed, err := r.Skills.Scan()
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		planned, err := env.Roles.Plan(ctx, env.Budget, input)
		if err != nil {
			return nil, err
		}
		verrs := roles.ValidateTasks(planned.Tasks, installed)
		if len(verrs) == 0 {
			return planned, nil
		}
		if attempt >= maxRetries {
			return nil, fmt.Errorf("plan invalid after %d attempts: %s",
				attempt+1, strings.Join(verrs, "; "))
		}
		input.ValidationErrors = verrs
	}
}

// persistPlan writes the plan and its tasks. Detail and args are sanitized
// at persistence time so historical rows stay safe to inspect.
func (r *Runtime) persistPlan(ctx context.Context, env *Env, planned *roles.PlannerResult, parentID string, extendGrant int) (*models.Plan, []*models.Task, error) {
	vals := env.Ephemeral.Values(r.Deploy)

	plan := &models.Plan{
		ID:           uuid.NewString(),
		Session:      env.Msg.Session,
		MessageID:    env.Msg.ID,
		Goal:         sanitize.Sanitize(planned.Goal, vals),
		Status:       models.PlanStatusRunning,
		ParentID:     parentID,
		ExtendReplan: extendGrant,
	}
	if err := r.Store.InsertPlan(ctx, plan); err != nil {
		return nil, nil, err
	}

	tasks := make([]*models.Task, 0, len(planned.Tasks))
	for i, pt := range planned.Tasks {
		t := &models.Task{
			PlanID: plan.ID,
			Index:  i + 1,
			Type:   pt.Type,
			Detail: sanitize.Sanitize(pt.Detail, vals),
			Status: models.TaskStatusPending,
		}
		if pt.Skill != nil {
			t.Skill = *pt.Skill
		}
		if pt.Args != nil {
			t.Args = sanitize.Sanitize(*pt.Args, vals)
		}
		if pt.Expect != nil {
			t.Expect = *pt.Expect
		}
		tasks = append(tasks, t)
	}
	if err := r.Store.InsertTasks(ctx, tasks); err != nil {
		return nil, nil, err
	}
	return plan, tasks, nil
}

// persistFailedPlan records a failed plan row when no valid plan could be
// produced. Every processed trusted message keeps at least one plan
// attached, so /status and audits can see the terminal failure.
func (r *Runtime) persistFailedPlan(ctx context.Context, env *Env, parentID string, cause error) *models.Plan {
	goal := env.Msg.Content
	if len(goal) > 120 {
		goal = goal[:120]
	}
	plan := &models.Plan{
		ID:        uuid.NewString(),
		Session:   env.Msg.Session,
		MessageID: env.Msg.ID,
		Goal:      sanitize.Sanitize("(planning failed) "+goal, env.Ephemeral.Values(r.Deploy)),
		Status:    models.PlanStatusFailed,
		ParentID:  parentID,
	}
	if err := r.Store.InsertPlan(ctx, plan); err != nil {
		slog.Error("Failed to record failed plan", "session", env.Msg.Session, "error", err)
		return nil
	}
	slog.Info("Planning failed terminally", "session", env.Msg.Session, "plan_id", plan.ID, "error", cause)
	return plan
}

// buildReplanContext assembles the enriched planner context after a failed
// plan. Task outputs are untrusted; they travel raw and get fenced per
// planner call.
func (r *Runtime) buildReplanContext(ctx context.Context, plan *models.Plan, reason string, history []roles.ReplanAttempt) *roles.ReplanContext {
	rc := &roles.ReplanContext{FailureReason: reason, History: history}
	tasks, err := r.Store.TasksForPlan(ctx, plan.ID)
	if err != nil {
		return rc
	}
	for _, t := range tasks {
		line := fmt.Sprintf("%d. [%s] %s", t.Index, t.Type, t.Detail)
		if t.Status == models.TaskStatusDone {
			rc.Completed = append(rc.Completed, roles.CompletedTask{Line: line, Output: t.Output})
		} else {
			rc.Remaining = append(rc.Remaining, line)
		}
	}
	return rc
}

// allowedSkillSummaries builds the planner's skill list filtered by the
// caller's grant.
func (r *Runtime) allowedSkillSummaries(user config.User, log *slog.Logger) []roles.SkillSummary {
	installed, err := r.Skills.Scan()
	if err != nil {
		log.Warn("Skill scan failed", "error", err)
		return nil
	}
	var out []roles.SkillSummary
	for name, s := range installed {
		if !user.AllowsSkill(name) {
			continue
		}
		out = append(out, roles.SkillSummary{
			Name:       name,
			Summary:    s.Summary,
			ArgsSchema: s.ArgsSchemaJSON(),
			UsageGuide: s.UsageGuide,
		})
	}
	return out
}

// notify stores a worker-generated assistant message and posts it to the
// session webhook when one is set.
func (r *Runtime) notify(ctx context.Context, env *Env, sess *models.Session, content string, final bool) {
	content = sanitize.Sanitize(content, env.Ephemeral.Values(r.Deploy))
	_, err := r.Store.InsertMessage(ctx, &models.Message{
		Session:   sess.ID,
		User:      "kiso",
		Role:      models.RoleAssistant,
		Content:   content,
		Trusted:   true,
		Processed: true,
	})
	if err != nil {
		slog.Error("Failed to store notification", "session", sess.ID, "error", err)
	}
	if sess.Webhook != "" {
		r.Deliver.Deliver(ctx, sess.Webhook, delivery.Payload{
			Session: sess.ID,
			Content: content,
			Final:   final,
		})
	}
}

// terminalNotify reports a terminal failure. Never final: the plan did not
// complete.
func (r *Runtime) terminalNotify(ctx context.Context, env *Env, sess *models.Session, content string) {
	r.notify(ctx, env, sess, content, false)
}

func factIDs(facts []*models.Fact) []int64 {
	out := make([]int64, 0, len(facts))
	for _, f := range facts {
		out = append(out, f.ID)
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// systemEnv describes the host for the planner and exec translator.
func systemEnv(workspace string) string {
	host, _ := os.Hostname()
	return fmt.Sprintf("os: %s/%s\nhost: %s\nworkspace: %s\nshell: sh",
		runtime.GOOS, runtime.GOARCH, host, workspace)
}
