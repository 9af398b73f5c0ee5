package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/basket/gatekeeper/internal/bus"
	"github.com/basket/gatekeeper/internal/config"
	"github.com/basket/gatekeeper/internal/policy"
	"github.com/basket/gatekeeper/internal/sandbox/wasm"
)

const (
	retentionInterval   = time.Hour
	pendingSyncInterval = 5 * time.Second
)

// runDaemon serves schedules until ctx is canceled.
func runDaemon(ctx context.Context) int {
	cfg, logger, cleanup, err := startCommand(false)
	if err != nil {
		fatalStartup(nil, "E_STARTUP_INIT", err)
	}
	defer cleanup()
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "workspace", cfg.WorkspaceRoot)

	if cfg.NeedsInit {
		if err := writeDefaultConfig(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "home", cfg.HomeDir)
		if cfg, err = config.Load(); err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	a, err := newApp(ctx, cfg, logger, appOptions{withScheduler: true, daemon: true})
	if err != nil {
		fatalStartup(logger, "E_STARTUP", err)
	}
	defer a.Close()

	if err := a.engine.Start(ctx); err != nil {
		fatalStartup(logger, "E_ENGINE_START", err)
	}
	if cfg.Scheduler.WatchWorkspace {
		if err := a.tracker.Start(ctx); err != nil {
			logger.Warn("workspace tracker not started", "error", err)
		}
	}
	predicateWatcher := wasm.NewWatcher(cfg.Scheduler.PredicateDir, a.wasm, logger)
	if err := predicateWatcher.Start(ctx); err != nil {
		logger.Warn("predicate watcher not started", "dir", cfg.Scheduler.PredicateDir, "error", err)
	} else {
		go func() {
			for name := range predicateWatcher.Reloaded() {
				logger.Info("predicate module reloaded", "module", name)
			}
		}()
	}
	if cfg.Scheduler.Enabled {
		if err := a.scheduler.Start(ctx); err != nil {
			fatalStartup(logger, "E_SCHEDULER_START", err)
		}
	} else {
		logger.Info("scheduler disabled; serving manual triggers only")
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger, cfg.PolicyFile, cfg.Rules.File)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher not started", "error", err)
	} else {
		go watchConfig(ctx, a, confWatcher, logger)
	}

	approvals := a.bus.Subscribe(bus.TopicAutoFixApprovalRequired)
	defer a.bus.Unsubscribe(approvals)
	go func() {
		for ev := range approvals.Ch() {
			if p, ok := ev.Payload.(bus.AutoFixEvent); ok {
				logger.Warn("auto-fix awaiting approval",
					"execution_id", p.ExecutionID, "target", p.Target, "risk", p.Risk, "guardian", p.Guardian)
			}
		}
	}()

	go retentionLoop(ctx, a, logger)
	go pendingSyncLoop(ctx, a, logger)

	logger.Info("gatekeeper daemon ready",
		"version", Version,
		"schedules", len(a.scheduler.List()),
		"enabled", a.engine.Enabled(),
	)
	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Stop firing first, then drain pipelines already running.
	a.scheduler.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Integration.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := a.engine.Stop(shutdownCtx); err != nil {
		logger.Error("integration engine drain incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	return 0
}

// watchConfig applies hot reloads. Scheduler and coordinator settings need a
// restart; rules, policy, integration and auto-fix settings apply to the
// next run.
func watchConfig(ctx context.Context, a *app, w *config.Watcher, logger *slog.Logger) {
	for {
		var ev config.ReloadEvent
		select {
		case <-ctx.Done():
			return
		case e, ok := <-w.Events():
			if !ok {
				return
			}
			ev = e
		}
		logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
		cur := a.engine.Config()
		switch {
		case ev.Path == cur.PolicyFile:
			if err := policy.ReloadFromFile(a.policy, ev.Path); err != nil {
				logger.Error("policy reload rejected; retaining previous policy", "error", err)
				continue
			}
			logger.Info("policy hot-reloaded", "policy_version", a.policy.PolicyVersion())
		case ev.Path == cur.Rules.File:
			if err := a.rules.Reload(ev.Path); err != nil {
				logger.Error("rule pack reload rejected; retaining previous rules", "error", err)
				continue
			}
			logger.Info("rule pack hot-reloaded", "rules", len(a.rules.Rules()))
		case filepath.Base(ev.Path) == "config.yaml":
			next, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			if err := a.engine.UpdateConfig(next); err != nil {
				logger.Error("config.yaml rejected by integration engine", "error", err)
				continue
			}
			if err := a.autofix.UpdateConfig(next.AutoFix); err != nil {
				logger.Error("config.yaml rejected by auto-fix engine", "error", err)
			}
			if next.Rules.File != cur.Rules.File {
				if err := a.rules.Reload(next.Rules.File); err != nil {
					logger.Error("rule pack reload rejected", "path", next.Rules.File, "error", err)
				}
			}
			logger.Info("config.yaml hot-reloaded", "config_fingerprint", next.Fingerprint())
		}
	}
}

func retentionLoop(ctx context.Context, a *app, logger *slog.Logger) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r := a.engine.Config().Retention
			result, err := a.store.RunRetention(ctx, r.RunsDays, r.ExecutionsDays, r.AuditDays)
			if err != nil {
				logger.Error("retention job failed", "error", err)
			} else if result.PurgedRuns+result.PurgedExecutions+result.PurgedAuditLogs > 0 {
				logger.Info("retention job completed",
					"purged_runs", result.PurgedRuns,
					"purged_executions", result.PurgedExecutions,
					"purged_audit_logs", result.PurgedAuditLogs,
				)
			}
			if n, err := a.autofix.SweepBackups(ctx); err != nil {
				logger.Error("backup sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("backup sweep completed", "removed", n)
			}
		}
	}
}

// pendingSyncLoop picks up approvals and rejections made with
// "gatekeeper fixes" while the daemon runs.
func pendingSyncLoop(ctx context.Context, a *app, logger *slog.Logger) {
	ticker := time.NewTicker(pendingSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.autofix.SyncPending(ctx); err != nil {
				logger.Warn("pending auto-fix sync failed", "error", err)
			}
		}
	}
}
