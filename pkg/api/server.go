// Package api exposes the HTTP surface: message ingest, session management,
// status polling, published files, and admin operations.
package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kiso-project/kiso/pkg/config"
	"github.com/kiso-project/kiso/pkg/secrets"
	"github.com/kiso-project/kiso/pkg/store"
	"github.com/kiso-project/kiso/pkg/worker"
	"github.com/kiso-project/kiso/pkg/workspace"
)

// Server wires the HTTP handlers to the runtime components.
type Server struct {
	Store      *store.Store
	Sched      *worker.Scheduler
	Workspaces *workspace.Manager
	Deploy     *secrets.Deploy
	Cfg        func() *config.Config
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	// Unauthenticated surface.
	r.GET("/health", s.health)
	r.GET("/pub/:id", s.servePublished)

	auth := r.Group("/", s.authenticate())
	auth.POST("/msg", s.postMessage)
	auth.POST("/sessions", s.postSession)
	auth.POST("/sessions/:session/cancel", s.cancelSession)
	auth.GET("/sessions", s.listSessions)
	auth.GET("/status/:session", s.sessionStatus)
	auth.POST("/admin/reload-env", s.reloadEnv)

	return r
}

// authenticate checks the bearer token against the configured token set and
// records the connector name and admin flag on the request context.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		value, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || value == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		name, token, ok := s.Cfg().TokenByValue(value)
		if !ok {
			slog.Warn("Rejected request with unknown token", "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("connector", name)
		c.Set("admin", token.Admin)
		c.Next()
	}
}

func connectorOf(c *gin.Context) string { return c.GetString("connector") }
func isAdmin(c *gin.Context) bool       { return c.GetBool("admin") }

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
