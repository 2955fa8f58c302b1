// Kiso orchestrator server — provides the HTTP API, manages per-session
// workers, and runs the plan/execute/review loop.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kiso-project/kiso/pkg/api"
	"github.com/kiso-project/kiso/pkg/audit"
	"github.com/kiso-project/kiso/pkg/config"
	"github.com/kiso-project/kiso/pkg/delivery"
	"github.com/kiso-project/kiso/pkg/executor"
	"github.com/kiso-project/kiso/pkg/llm"
	"github.com/kiso-project/kiso/pkg/plan"
	"github.com/kiso-project/kiso/pkg/secrets"
	"github.com/kiso-project/kiso/pkg/skills"
	"github.com/kiso-project/kiso/pkg/store"
	"github.com/kiso-project/kiso/pkg/worker"
	"github.com/kiso-project/kiso/pkg/workspace"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("KISO_CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory into the process environment.
	// This carries the provider API key; deploy secrets live separately
	// under the data dir.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	cfgFn := func() *config.Config { return cfg }

	// 2. Open the store and apply migrations
	st, err := store.Open(cfg.Paths.StorePath())
	if err != nil {
		slog.Error("Failed to open store", "path", cfg.Paths.StorePath(), "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()
	slog.Info("Store opened", "path", cfg.Paths.StorePath())

	// 3. Deploy secrets and the audit log (audit redacts through the
	// current deploy snapshot, so reloads take effect immediately)
	deploy, err := secrets.NewDeploy(cfg.Paths.EnvPath())
	if err != nil {
		slog.Error("Failed to load deploy secrets", "path", cfg.Paths.EnvPath(), "error", err)
		os.Exit(1)
	}
	auditLog, err := audit.New(cfg.Paths.AuditDir(), func() []string {
		snap := deploy.Snapshot()
		out := make([]string, 0, len(snap))
		for _, v := range snap {
			out = append(out, v)
		}
		return out
	})
	if err != nil {
		slog.Error("Failed to open audit log", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := auditLog.Close(); err != nil {
			slog.Error("Error closing audit log", "error", err)
		}
	}()

	// 4. LLM client with eager structured-output validation: if the
	// provider rejects a schema-bound probe for any structured role, the
	// process exits rather than failing on the first real plan.
	client := llm.NewClient(llm.ClientConfig{
		BaseURL:       cfg.LLM.BaseURL,
		SearchBaseURL: cfg.LLM.SearchBaseURL,
		APIKey:        os.Getenv(cfg.LLM.APIKeyEnv),
		Auditor:       auditLog,
	})
	probes := map[string]string{
		"planner":  cfg.LLM.Models.Planner,
		"reviewer": cfg.LLM.Models.Reviewer,
		"curator":  cfg.LLM.Models.Curator,
	}
	for role, model := range probes {
		if err := client.Probe(ctx, role, model); err != nil {
			slog.Error("Provider validation failed", "role", role, "model", model, "error", err)
			os.Exit(1)
		}
	}
	slog.Info("LLM provider validated", "base_url", cfg.LLM.BaseURL)

	// 5. Domain components
	workspaces := &workspace.Manager{Root: cfg.Paths.SessionsDir(), Store: st}
	registry := skills.NewRegistry(cfg.Paths.SkillsDir())
	runtime := &plan.Runtime{
		Store: st,
		Exec: &executor.Executor{
			Skills:  registry,
			Deploy:  deploy,
			Limits:  cfg.Limits,
			Wrapper: cfg.Exec.Wrapper,
		},
		Deliver:    delivery.New(auditLog),
		Workspaces: workspaces,
		Skills:     registry,
		Deploy:     deploy,
		Audit:      auditLog,
		Cfg:        cfgFn,
	}

	// 6. Start the scheduler (crash recovery + unprocessed-message replay
	// happen inside Start, before the HTTP surface accepts new work)
	sched := worker.NewScheduler(st, runtime, client, cfgFn)
	schedCtx, schedCancel := context.WithCancel(ctx)
	defer schedCancel()
	if err := sched.Start(schedCtx); err != nil {
		slog.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// 7. HTTP server
	server := &api.Server{
		Store:      st,
		Sched:      sched,
		Workspaces: workspaces,
		Deploy:     deploy,
		Cfg:        cfgFn,
	}
	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Kiso started successfully",
		"data_dir", cfg.Paths.DataDir,
		"connectors", len(cfg.Tokens))

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: stop accepting requests, then cancel workers
	// and wait for them to exit. A plan interrupted here is reconciled by
	// crash recovery on the next start.
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	schedCancel()
	done := make(chan struct{})
	go func() {
		sched.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Workers stopped gracefully")
	case <-time.After(30 * time.Second):
		slog.Warn("Worker shutdown timeout exceeded — crash recovery will reconcile on next start")
	}

	slog.Info("Shutdown complete")
}
