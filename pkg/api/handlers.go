package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kiso-project/kiso/pkg/config"
	"github.com/kiso-project/kiso/pkg/models"
	"github.com/kiso-project/kiso/pkg/store"
	"github.com/kiso-project/kiso/pkg/worker"
	"github.com/kiso-project/kiso/pkg/workspace"
)

type messageRequest struct {
	Session string `json:"session"`
	User    string `json:"user"`
	Content string `json:"content"`
	Webhook string `json:"webhook"`
}

// postMessage ingests one message. An unknown user is still accepted: the
// message lands with trusted=0 and never wakes a worker.
func (s *Server) postMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !config.SessionIDPattern.MatchString(req.Session) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	if req.User == "" || req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user and content are required"})
		return
	}
	cfg := s.Cfg()
	if req.Webhook != "" {
		if err := validateWebhookURL(req.Webhook, cfg.Server.WebhookAllowHosts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	connector := connectorOf(c)
	existing, err := s.Store.GetSession(c.Request.Context(), req.Session)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	if _, err := s.Store.EnsureSession(c.Request.Context(), req.Session, connector, req.Webhook, ""); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	if existing != nil && req.Webhook != "" && existing.Webhook != req.Webhook {
		_ = s.Store.UpdateSessionWebhook(c.Request.Context(), req.Session, req.Webhook, existing.Description)
	}

	userName, trusted := cfg.ResolveUser(connector, req.User)
	if !trusted {
		userName = req.User
		slog.Info("Message from unknown user stored untrusted",
			"session", req.Session, "user", req.User, "connector", connector)
	}

	id, err := s.Sched.Submit(c.Request.Context(), &models.Message{
		Session: req.Session,
		User:    userName,
		Role:    models.RoleUser,
		Content: req.Content,
		Trusted: trusted,
	})
	switch {
	case errors.Is(err, worker.ErrQueueFull):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "session queue is full"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"queued": true, "session": req.Session, "message_id": id})
}

type sessionRequest struct {
	Session     string `json:"session"`
	Webhook     string `json:"webhook"`
	Description string `json:"description"`
}

func (s *Server) postSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !config.SessionIDPattern.MatchString(req.Session) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	if req.Webhook != "" {
		if err := validateWebhookURL(req.Webhook, s.Cfg().Server.WebhookAllowHosts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ctx := c.Request.Context()
	_, err := s.Store.GetSession(ctx, req.Session)
	existed := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}

	if _, err := s.Store.EnsureSession(ctx, req.Session, connectorOf(c), req.Webhook, req.Description); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	if existed {
		if err := s.Store.UpdateSessionWebhook(ctx, req.Session, req.Webhook, req.Description); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": req.Session})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": req.Session})
}

// cancelSession flips the session's cancel flag. Idempotent: repeating the
// call, or cancelling an idle session, succeeds with cancelled=false.
func (s *Server) cancelSession(c *gin.Context) {
	session := c.Param("session")
	if !config.SessionIDPattern.MatchString(session) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	planID, cancelled := s.Sched.Cancel(c.Request.Context(), session)
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled, "plan_id": planID})
}

func (s *Server) listSessions(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		sessions []*models.Session
		err      error
	)
	if c.Query("all") == "true" && isAdmin(c) {
		sessions, err = s.Store.ListSessions(ctx)
	} else {
		sessions, err = s.Store.ListSessionsForConnector(ctx, connectorOf(c))
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}

	out := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, gin.H{
			"session":     sess.ID,
			"connector":   sess.Connector,
			"description": sess.Description,
			"created_at":  sess.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

type taskView struct {
	ID      int64  `json:"id"`
	PlanID  string `json:"plan_id"`
	Index   int    `json:"index"`
	Type    string `json:"type"`
	Detail  string `json:"detail"`
	Status  string `json:"status"`
	Output  string `json:"output"`
	Command string `json:"command,omitempty"`
	Stderr  string `json:"stderr,omitempty"`
}

func viewTask(t *models.Task, verbose bool) taskView {
	v := taskView{
		ID:     t.ID,
		PlanID: t.PlanID,
		Index:  t.Index,
		Type:   string(t.Type),
		Detail: t.Detail,
		Status: string(t.Status),
		Output: t.Output,
	}
	if verbose {
		v.Command = t.Command
		v.Stderr = t.Stderr
	}
	return v
}

// sessionStatus is the polling channel: everything a connector needs to
// render progress, including tasks newer than its last-seen id.
func (s *Server) sessionStatus(c *gin.Context) {
	session := c.Param("session")
	if !config.SessionIDPattern.MatchString(session) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	ctx := c.Request.Context()
	afterID, _ := strconv.ParseInt(c.Query("after"), 10, 64)
	verbose := c.Query("verbose") == "true"

	tasks, err := s.Store.TasksForSessionAfter(ctx, session, afterID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, viewTask(t, verbose))
	}

	var planView gin.H
	var activeTask *taskView
	latest, err := s.Store.LatestPlan(ctx, session)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	default:
		planView = gin.H{
			"id":            latest.ID,
			"goal":          latest.Goal,
			"status":        latest.Status,
			"parent_id":     latest.ParentID,
			"input_tokens":  latest.InputTokens,
			"output_tokens": latest.OutputTokens,
			"model":         latest.Model,
			"created_at":    latest.CreatedAt,
		}
		planTasks, err := s.Store.TasksForPlan(ctx, latest.ID)
		if err == nil {
			for _, t := range planTasks {
				if t.Status == models.TaskStatusRunning {
					v := viewTask(t, verbose)
					activeTask = &v
					break
				}
			}
		}
	}

	running, queued := s.Sched.Status(session)
	c.JSON(http.StatusOK, gin.H{
		"plan":           planView,
		"tasks":          views,
		"queue_length":   queued,
		"active_task":    activeTask,
		"worker_running": running,
	})
}

// reloadEnv re-reads the deploy secret file and swaps the snapshot.
func (s *Server) reloadEnv(c *gin.Context) {
	if !isAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin token required"})
		return
	}
	if err := s.Deploy.Reload(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reload failed"})
		return
	}
	slog.Info("Deploy secrets reloaded", "connector", connectorOf(c))
	c.JSON(http.StatusOK, gin.H{"reloaded": true})
}

// servePublished serves a published file by token, without authentication.
// Both unknown tokens and rows escaping their pub/ directory read as 404.
func (s *Server) servePublished(c *gin.Context) {
	path, err := s.Workspaces.Resolve(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, workspace.ErrOutsidePubDir) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	c.File(path)
}
