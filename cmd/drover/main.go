// Drover controller — accepts operator requests over HTTP, plans them with
// an LLM (or the deterministic fallback), gates risky plans behind approval,
// and streams command execution to remote agents over WebSocket.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/drover-io/drover/pkg/agentlink"
	"github.com/drover-io/drover/pkg/api"
	"github.com/drover-io/drover/pkg/audit"
	"github.com/drover-io/drover/pkg/bus"
	"github.com/drover-io/drover/pkg/config"
	"github.com/drover-io/drover/pkg/dispatch"
	"github.com/drover-io/drover/pkg/llm"
	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/orchestrator"
	"github.com/drover-io/drover/pkg/planner"
	"github.com/drover-io/drover/pkg/registry"
	"github.com/drover-io/drover/pkg/safety"
	"github.com/drover-io/drover/pkg/store"
)

func main() {
	configDir := flag.String("config-dir", ".", "Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))

	slog.Info("Starting drover controller", "port", cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Components, wired bottom-up: audit and store first, then the agent
	// registry and event bus, then planning and dispatch, API last.
	auditLog := audit.NewLog(cfg.AuditDir)
	defer auditLog.Close()

	st := store.New()

	var snapshot *store.Snapshot
	if cfg.SnapshotPath != "" {
		var err error
		snapshot, err = store.OpenSnapshot(cfg.SnapshotPath)
		if err != nil {
			slog.Error("Failed to open task snapshot database", "path", cfg.SnapshotPath, "error", err)
			os.Exit(1)
		}
		defer snapshot.Close()

		restored, err := snapshot.LoadAll()
		if err != nil {
			slog.Error("Failed to restore task snapshots", "error", err)
			os.Exit(1)
		}
		st.Seed(restored)
		slog.Info("Restored task history", "count", len(restored))
	}

	reg := registry.New(cfg.Registry.HeartbeatTimeout)
	eventBus := bus.New(cfg.Bus)

	eventBus.SetSnapshot(func() ([]models.Agent, []models.Task) {
		return reg.Snapshot("", ""), st.List("", 0)
	})
	reg.SetEvents(eventBus)

	st.SetOnTransition(func(task models.Task, from models.TaskStatus) {
		auditLog.Write(audit.Record{
			TaskID:  task.ID,
			Event:   "status_changed",
			Version: task.Version,
			Details: map[string]any{"from": from, "to": task.Status},
		})
		eventBus.TaskUpdated(task)
		if task.Status.IsTerminal() {
			metrics.TasksFinished.WithLabelValues(string(task.Status)).Inc()
			if snapshot != nil {
				snapshot.Save(task)
			}
		}
	})

	dispatcher := dispatch.New(cfg.Dispatch, reg, st, eventBus, auditLog)
	reg.SetOnAgentDown(dispatcher.AgentDisconnected)

	completer, err := llm.FromConfig(cfg.LLM)
	if err != nil {
		slog.Error("Failed to configure LLM backend", "error", err)
		os.Exit(1)
	}
	var pl planner.Planner
	if completer != nil {
		pl = planner.NewLive(completer)
	} else {
		pl = planner.StubPlanner{}
	}
	slog.Info("Planner ready", "provider", pl.Provider())

	orch := orchestrator.New(st, reg, dispatcher, pl, safety.New(), auditLog, cfg.LLM.Timeout)

	reg.StartReaper(ctx, cfg.Registry.ReapInterval)

	retention := store.NewRetentionService(cfg.Retention, st, snapshot)
	retention.Start(ctx)
	defer retention.Stop()

	hub := agentlink.NewHub(cfg.Dispatch, reg, dispatcher)
	server := api.NewServer(cfg.Port, orch, reg, st, eventBus, hub, auditLog)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Drover started")

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		slog.Error("HTTP server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}
	slog.Info("Drover stopped")
}
