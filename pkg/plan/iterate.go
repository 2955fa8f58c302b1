package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kiso-project/kiso/pkg/config"
	"github.com/kiso-project/kiso/pkg/delivery"
	"github.com/kiso-project/kiso/pkg/executor"
	"github.com/kiso-project/kiso/pkg/llm"
	"github.com/kiso-project/kiso/pkg/models"
	"github.com/kiso-project/kiso/pkg/roles"
)

// iterate runs a plan's tasks in index order and returns the plan's
// disposition. The cancel flag is observed only between tasks.
func (r *Runtime) iterate(ctx context.Context, env *Env, sess *models.Session, user config.User, plan *models.Plan, tasks []*models.Task, ws string, facts []*models.Fact) outcome {
	log := slog.With("session", sess.ID, "plan_id", plan.ID)
	var outputs []models.PlanOutput

	// Task LLM calls must flow through the per-message runner so the token
	// counter and budget see them.
	exec := *r.Exec
	exec.Runner = env.Roles

	for i, task := range tasks {
		if env.Cancel.Load() {
			return r.cancelPlan(ctx, env, sess, plan, outputs)
		}

		// Authorization is re-read at every task boundary.
		cfg := r.Cfg()
		current, ok := cfg.Users[env.UserName]
		if !ok || current.Role != user.Role {
			return outcome{planReplan, fmt.Sprintf("caller %q was removed or changed role", env.UserName)}
		}
		if task.Type == models.TaskTypeSkill && !current.AllowsSkill(task.Skill) {
			_ = r.Store.FinishTask(ctx, task.ID, models.TaskStatusFailed, "", "skill access revoked")
			return outcome{planReplan, fmt.Sprintf("skill %q is no longer allowed for this caller", task.Skill)}
		}

		if task.Type == models.TaskTypeReplan {
			_ = r.Store.FinishTask(ctx, task.ID, models.TaskStatusDone, "", "")
			return outcome{planReplan, task.Detail}
		}

		if task.Type == models.TaskTypeExec {
			if err := r.Workspaces.WritePlanOutputs(sess.ID, outputs); err != nil {
				log.Error("Failed to write plan outputs file", "error", err)
			}
		}

		_ = r.Store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusRunning)
		start := time.Now()

		res, err := exec.Execute(ctx, env.Budget, executor.TaskContext{
			Session:      sess.ID,
			Workspace:    ws,
			Admin:        current.IsAdmin(),
			PlanOutputs:  outputs,
			SecretValues: env.Ephemeral.Values(r.Deploy),
			Ephemeral:    env.Ephemeral,
			Summary:      sess.Summary,
			Facts:        facts,
			SystemEnv:    systemEnv(ws),
		}, task)
		if err != nil {
			return r.abortPlan(ctx, env, sess, plan, task, err)
		}

		if res.Command != "" {
			_ = r.Store.SetTaskCommand(ctx, task.ID, res.Command)
		}
		_ = r.Store.FinishTask(ctx, task.ID, res.Status, res.Output, res.Stderr)
		task.Status, task.Output = res.Status, res.Output

		outputs = append(outputs, models.PlanOutput{
			Index:  task.Index,
			Type:   task.Type,
			Detail: task.Detail,
			Output: res.Output,
			Status: res.Status,
		})

		if r.Audit != nil {
			r.Audit.Task(sess.ID, task.ID, string(task.Type), task.Detail,
				string(res.Status), time.Since(start), len(res.Output))
		}

		switch task.Type {
		case models.TaskTypeExec, models.TaskTypeSkill, models.TaskTypeSearch:
			// The reviewer runs even on failed tasks: it sees the failure
			// in the output and usually votes replan.
			verdict, err := r.review(ctx, env, plan, task, res)
			if err != nil {
				if errors.Is(err, llm.ErrBudgetExceeded) {
					return r.abortPlan(ctx, env, sess, plan, task, err)
				}
				return outcome{planReplan, fmt.Sprintf("review unavailable for task %d: %v", task.Index, err)}
			}
			if verdict.Status == roles.VerdictReplan {
				reason := res.FailureReason
				if verdict.Reason != nil && *verdict.Reason != "" {
					reason = *verdict.Reason
				}
				return outcome{planReplan, reason}
			}
			if res.Status == models.TaskStatusFailed {
				return outcome{planReplan, res.FailureReason}
			}
		case models.TaskTypeMsg:
			if res.Status == models.TaskStatusFailed {
				return outcome{planReplan, res.FailureReason}
			}
			r.deliverMsg(ctx, sess, tasks, i, res.Output)
		}
	}

	return outcome{kind: planDone}
}

// review judges one exec/skill/search output and records the verdict plus
// any learning.
func (r *Runtime) review(ctx context.Context, env *Env, plan *models.Plan, task *models.Task, res *executor.Result) (*roles.ReviewerResult, error) {
	output := res.Output
	if res.Stderr != "" {
		output += "\n[stderr]\n" + res.Stderr
	}
	verdict, err := env.Roles.Review(ctx, env.Budget, roles.ReviewerInput{
		Session:         plan.Session,
		Goal:            plan.Goal,
		OriginalRequest: env.Msg.Content,
		TaskDetail:      task.Detail,
		TaskExpect:      task.Expect,
		Output:          output,
	})
	if err != nil {
		return nil, err
	}

	hasLearning := verdict.Learn != nil && strings.TrimSpace(*verdict.Learn) != ""
	if hasLearning {
		if _, err := r.Store.InsertLearning(ctx, *verdict.Learn, plan.Session); err != nil {
			slog.Error("Failed to store learning", "session", plan.Session, "error", err)
		}
	}
	if r.Audit != nil {
		r.Audit.Review(plan.Session, task.ID, verdict.Status, hasLearning)
	}
	return verdict, nil
}

// deliverMsg posts one completed msg task. final is true iff this msg is
// literally the plan's last task and every preceding task completed — a
// trailing replan means the plan is not terminal, so its msg is never
// final.
func (r *Runtime) deliverMsg(ctx context.Context, sess *models.Session, tasks []*models.Task, idx int, content string) {
	final := idx == len(tasks)-1
	for j := 0; j < idx; j++ {
		if tasks[j].Status != models.TaskStatusDone {
			final = false
		}
	}
	if sess.Webhook == "" {
		return
	}
	r.Deliver.Deliver(ctx, sess.Webhook, delivery.Payload{
		Session: sess.ID,
		TaskID:  tasks[idx].ID,
		Content: content,
		Final:   final,
	})
}

// cancelPlan marks the remaining tasks and the plan cancelled and emits the
// worker-generated summary of completed work.
func (r *Runtime) cancelPlan(ctx context.Context, env *Env, sess *models.Session, plan *models.Plan, outputs []models.PlanOutput) outcome {
	n, _ := r.Store.CancelPendingTasks(ctx, plan.ID)
	_ = r.Store.UpdatePlanStatus(ctx, plan.ID, models.PlanStatusCancelled)

	var b strings.Builder
	fmt.Fprintf(&b, "Cancelled: %q.", plan.Goal)
	if len(outputs) == 0 {
		b.WriteString(" No tasks had completed.")
	} else {
		fmt.Fprintf(&b, " %d task(s) had completed:\n", len(outputs))
		for _, o := range outputs {
			fmt.Fprintf(&b, "- %s (%s)\n", o.Detail, o.Status)
		}
	}
	fmt.Fprintf(&b, "%d task(s) were cancelled.", n)

	r.notify(ctx, env, sess, b.String(), false)
	slog.Info("Plan cancelled", "session", sess.ID, "plan_id", plan.ID, "cancelled_tasks", n)
	return outcome{kind: planCancelled}
}

// abortPlan handles non-task-level errors mid-iteration: budget exhaustion
// and context cancellation. The plan fails and the user is told why.
func (r *Runtime) abortPlan(ctx context.Context, env *Env, sess *models.Session, plan *models.Plan, task *models.Task, err error) outcome {
	_ = r.Store.FinishTask(ctx, task.ID, models.TaskStatusFailed, "", err.Error())
	_ = r.Store.FailPendingTasks(ctx, plan.ID)
	_ = r.Store.UpdatePlanStatus(ctx, plan.ID, models.PlanStatusFailed)

	if errors.Is(err, llm.ErrBudgetExceeded) {
		r.terminalNotify(ctx, env, sess, fmt.Sprintf(
			"I stopped working on %q: the processing budget for this message ran out.", plan.Goal))
	} else {
		r.terminalNotify(ctx, env, sess, fmt.Sprintf(
			"I stopped working on %q: %v", plan.Goal, err))
	}
	return outcome{planFailed, err.Error()}
}
