package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/basket/gatekeeper/internal/audit"
	"github.com/basket/gatekeeper/internal/autofix"
	"github.com/basket/gatekeeper/internal/backup"
	"github.com/basket/gatekeeper/internal/bus"
	"github.com/basket/gatekeeper/internal/config"
	"github.com/basket/gatekeeper/internal/coordinator"
	"github.com/basket/gatekeeper/internal/evaluators"
	"github.com/basket/gatekeeper/internal/integration"
	otelPkg "github.com/basket/gatekeeper/internal/otel"
	"github.com/basket/gatekeeper/internal/persistence"
	"github.com/basket/gatekeeper/internal/policy"
	"github.com/basket/gatekeeper/internal/quality"
	"github.com/basket/gatekeeper/internal/sandbox/wasm"
	"github.com/basket/gatekeeper/internal/scheduler"
)

// app holds the wired components of one process.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	bus         *bus.Bus
	provider    *otelPkg.Provider
	metrics     *otelPkg.Metrics
	store       *persistence.Store
	policy      *policy.LivePolicy
	rules       *evaluators.PatternEvaluator
	scorer      *evaluators.KeywordScorer
	backups     *backup.Store
	autofix     *autofix.Engine
	coordinator *coordinator.Coordinator
	engine      *integration.Engine

	// Set only when built withScheduler.
	scheduler *scheduler.Scheduler
	tracker   *scheduler.Tracker
	wasm      *wasm.Host

	closers []func()
}

type appOptions struct {
	withScheduler bool
	// daemon marks the long-running process in telemetry.
	daemon bool
}

// scheduleHistory breaks the construction cycle between the integration
// engine, which reads schedule firings, and the scheduler, which runs the
// engine.
type scheduleHistory struct {
	sched atomic.Pointer[scheduler.Scheduler]
}

func (h *scheduleHistory) Executions(scheduleID string, limit int) []scheduler.Execution {
	s := h.sched.Load()
	if s == nil {
		return nil
	}
	return s.Executions(scheduleID, limit)
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, bus: bus.New()}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	role := "cli"
	if opts.daemon {
		role = "daemon"
	}
	a.provider, err = otelPkg.Init(ctx, cfg.OTel, otelPkg.Process{
		Role:      role,
		Workspace: cfg.WorkspaceRoot,
		HomeDir:   cfg.HomeDir,
	})
	if err != nil {
		return a, fmt.Errorf("otel init: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.provider.Shutdown(context.Background()) })
	a.metrics, err = otelPkg.NewMetrics(a.provider.Meter)
	if err != nil {
		return a, fmt.Errorf("otel metrics: %w", err)
	}

	a.store, err = persistence.Open(cfg.DBPath)
	if err != nil {
		return a, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.store.Close() })
	audit.SetDB(a.store.DB())
	a.closers = append(a.closers, func() { audit.SetDB(nil) })
	logger.Info("startup phase", "phase", "schema_migrated")

	pol := policy.Default()
	if _, statErr := os.Stat(cfg.PolicyFile); statErr == nil {
		pol, err = policy.Load(cfg.PolicyFile)
		if err != nil {
			return a, fmt.Errorf("load policy: %w", err)
		}
	}
	a.policy = policy.NewLivePolicy(pol, cfg.PolicyFile)
	logger.Info("policy loaded", "policy_version", a.policy.PolicyVersion())

	a.rules, err = evaluators.LoadPatternEvaluator(cfg.Rules.File)
	if err != nil {
		return a, fmt.Errorf("load rules: %w", err)
	}
	indicators := evaluators.DefaultIndicators()
	if cfg.Principles.IndicatorsFile != "" {
		indicators, err = evaluators.LoadIndicators(cfg.Principles.IndicatorsFile)
		if err != nil {
			return a, fmt.Errorf("load indicators: %w", err)
		}
	}
	a.scorer, err = evaluators.NewKeywordScorer(cfg.PrincipleWeights(), indicators)
	if err != nil {
		return a, fmt.Errorf("principle scorer: %w", err)
	}

	a.backups, err = backup.Open(ctx, cfg.AutoFix.Backups.Dir, cfg.AutoFix.Backups.Compress, a.store, logger)
	if err != nil {
		return a, fmt.Errorf("open backups: %w", err)
	}
	a.autofix, err = autofix.New(ctx, cfg.AutoFix, autofix.Options{
		Backups:   a.backups,
		Store:     a.store,
		Policy:    a.policy,
		Validator: a.rules,
		Scorer:    a.scorer,
		Bus:       a.bus,
		Logger:    logger,
		Metrics:   a.metrics,
		Tracer:    a.provider.Tracer,
	})
	if err != nil {
		return a, fmt.Errorf("autofix: %w", err)
	}
	a.closers = append(a.closers, a.autofix.Close)

	a.coordinator, err = coordinator.New(cfg.Coordinator, coordinator.Options{
		Weights: cfg.PrincipleWeights(),
		Bus:     a.bus,
		Logger:  logger,
		Metrics: a.metrics,
		Tracer:  a.provider.Tracer,
	})
	if err != nil {
		return a, fmt.Errorf("coordinator: %w", err)
	}
	a.closers = append(a.closers, a.coordinator.Close)
	if err := connectTasks(a.coordinator, a.rules, cfg.Coordinator.Tasks); err != nil {
		return a, err
	}

	history := &scheduleHistory{}
	a.engine, err = integration.New(cfg, integration.Options{
		Rules:       a.rules,
		Principles:  a.scorer,
		Coordinator: a.coordinator,
		AutoFix:     a.autofix,
		Schedules:   history,
		Store:       a.store,
		Bus:         a.bus,
		Logger:      logger,
		Metrics:     a.metrics,
		Tracer:      a.provider.Tracer,
	})
	if err != nil {
		return a, fmt.Errorf("integration engine: %w", err)
	}
	a.closers = append(a.closers, a.engine.Close)

	if !opts.withScheduler {
		return a, nil
	}

	a.wasm, err = wasm.NewHost(ctx, wasm.Config{Logger: logger})
	if err != nil {
		return a, fmt.Errorf("wasm host: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.wasm.Close(context.Background()) })
	if _, statErr := os.Stat(cfg.Scheduler.PredicateDir); statErr == nil {
		if err := a.wasm.LoadDir(ctx, cfg.Scheduler.PredicateDir); err != nil {
			logger.Warn("predicate modules not loaded", "dir", cfg.Scheduler.PredicateDir, "error", err)
		}
	}

	a.tracker = scheduler.NewTracker(cfg.WorkspaceRoot, a.bus, logger)
	a.scheduler, err = scheduler.New(cfg.Scheduler, scheduler.Options{
		Runner:     a.engine,
		Signals:    a.engine,
		Changes:    a.tracker,
		Predicates: a.wasm,
		Store:      a.store,
		Bus:        a.bus,
		Logger:     logger,
		Metrics:    a.metrics,
		Tracer:     a.provider.Tracer,
	})
	if err != nil {
		return a, fmt.Errorf("scheduler: %w", err)
	}
	a.closers = append(a.closers, a.scheduler.Close)
	history.sched.Store(a.scheduler)
	registerPredicates(a.scheduler)

	schedules, err := scheduler.LoadSchedulesFromConfig(cfg.Scheduler)
	if err != nil {
		return a, err
	}
	if err := a.scheduler.Restore(ctx, schedules); err != nil {
		return a, err
	}
	return a, nil
}

// connectTasks creates the configured coordination tasks and connects each
// participant type to the rules of its guardian.
func connectTasks(c *coordinator.Coordinator, rules *evaluators.PatternEvaluator, cfgs []config.TaskConfig) error {
	tasks, err := coordinator.LoadTasksFromConfig(cfgs)
	if err != nil {
		return err
	}
	connected := map[string]bool{}
	for _, task := range tasks {
		for _, p := range task.Participants {
			if connected[p.Type] {
				continue
			}
			if err := c.Connect(p.Type, rules.Scoped(p.Type)); err != nil {
				return err
			}
			connected[p.Type] = true
		}
		if _, err := c.CreateTask(task); err != nil {
			return fmt.Errorf("create task %s: %w", task.ID, err)
		}
	}
	return nil
}

// registerPredicates adds the built-in Go predicates usable by conditional
// schedules.
func registerPredicates(s *scheduler.Scheduler) {
	s.RegisterPredicate("idle", func(_ context.Context, sig scheduler.Signals) (bool, error) {
		return sig.SystemLoad() < 0.25, nil
	})
	s.RegisterPredicate("healthy", func(_ context.Context, sig scheduler.Signals) (bool, error) {
		h, ok := sig.HealthMetric("system_health")
		if !ok {
			return false, errors.New("no run recorded yet")
		}
		return h >= 0.7, nil
	})
	s.RegisterPredicate("aligned", func(_ context.Context, sig scheduler.Signals) (bool, error) {
		score, ok := sig.PrincipleScore(string(quality.CommonGood))
		return ok && score >= 0.6, nil
	})
}

// Close releases components in reverse order of construction.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
