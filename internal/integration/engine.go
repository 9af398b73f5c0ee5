// Package integration is the validation façade: it threads one validation
// context through principle scoring, rule evaluation, coordination and
// auto-fix according to a pipeline mode, aggregates their results into a
// RunResult and keeps run history and statistics.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/basket/gatekeeper/internal/autofix"
	"github.com/basket/gatekeeper/internal/bus"
	"github.com/basket/gatekeeper/internal/config"
	"github.com/basket/gatekeeper/internal/coordinator"
	"github.com/basket/gatekeeper/internal/evaluators"
	"github.com/basket/gatekeeper/internal/otel"
	"github.com/basket/gatekeeper/internal/persistence"
	"github.com/basket/gatekeeper/internal/quality"
	"github.com/basket/gatekeeper/internal/scheduler"
	"github.com/basket/gatekeeper/internal/shared"
	"github.com/basket/gatekeeper/internal/stats"
)

var (
	// ErrConfiguration is returned when no pipeline component is enabled or
	// the configuration is invalid.
	ErrConfiguration = errors.New("integration configuration error")
	ErrStopped       = errors.New("integration engine stopped")
)

// Coordinator is the part of *coordinator.Coordinator the engine uses.
type Coordinator interface {
	Execute(ctx context.Context, taskID string, vc quality.Context) (*coordinator.Execution, error)
	Tasks() []coordinator.Task
	Stats() coordinator.Stats
}

// Remediator is the part of *autofix.Engine the engine uses.
type Remediator interface {
	Submit(ctx context.Context, action autofix.Action, vc quality.Context, guardian string) (string, error)
}

// Proposer is implemented by rule evaluators that can suggest fixes for
// their own failing findings.
type Proposer interface {
	Propose(vc quality.Context, results []quality.ComponentResult) []evaluators.Proposal
}

// ScheduleHistory exposes recent firings of a schedule, newest first.
type ScheduleHistory interface {
	Executions(scheduleID string, limit int) []scheduler.Execution
}

// Options carries the engine's collaborators. Nil components are treated as
// disabled regardless of configuration.
type Options struct {
	Rules       quality.RuleEvaluator
	Principles  quality.PrincipleScorer
	Coordinator Coordinator
	AutoFix     Remediator
	Schedules   ScheduleHistory
	Store       *persistence.Store
	Bus         *bus.Bus
	Logger      *slog.Logger
	Metrics     *otel.Metrics
	Tracer      trace.Tracer
}

// ComponentStats accumulates the executions of one pipeline component.
type ComponentStats struct {
	Executions int64      `json:"executions"`
	Success    stats.Rate `json:"success"`
	DurationMs stats.Mean `json:"duration_ms"`
	Score      stats.Mean `json:"score"`
}

// Stats are the rolling statistics over every run of the engine.
type Stats struct {
	Total           int64                     `json:"total"`
	Passed          int64                     `json:"passed"`
	Warning         int64                     `json:"warning"`
	Failed          int64                     `json:"failed"`
	Errors          int64                     `json:"errors"`
	DurationMs      stats.Mean                `json:"duration_ms"`
	Score           stats.Mean                `json:"score"`
	Health          stats.Mean                `json:"health"`
	Synchronization stats.Mean                `json:"synchronization"`
	Consistency     stats.Mean                `json:"consistency"`
	Trend           float64                   `json:"trend"` // mean score of the last 5 runs minus the 5 before
	Components      map[string]ComponentStats `json:"components"`
	Modes           map[Mode]int64            `json:"modes"`
	Strategies      map[Strategy]int64        `json:"strategies,omitempty"`

	recent []float64
}

// SuccessRate is the share of runs that passed.
func (s Stats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Passed) / float64(s.Total)
}

const trendWindow = 5

func cloneStats(s Stats) Stats {
	out := s
	out.Components = make(map[string]ComponentStats, len(s.Components))
	for k, v := range s.Components {
		out.Components[k] = v
	}
	out.Modes = make(map[Mode]int64, len(s.Modes))
	for k, v := range s.Modes {
		out.Modes[k] = v
	}
	out.Strategies = make(map[Strategy]int64, len(s.Strategies))
	for k, v := range s.Strategies {
		out.Strategies[k] = v
	}
	out.recent = append([]float64(nil), s.recent...)
	return out
}

// State is a point-in-time view of the engine.
type State struct {
	Running         bool     `json:"running"`
	ActivePipelines int64    `json:"active_pipelines"`
	MaxPipelines    int      `json:"max_pipelines"`
	Mode            Mode     `json:"mode"`
	Enabled         []string `json:"enabled"`
	LastRunID       string   `json:"last_run_id,omitempty"`
	Stats           Stats    `json:"stats"`
}

// Engine runs validation pipelines. It is safe for concurrent use.
type Engine struct {
	rules       quality.RuleEvaluator
	principles  quality.PrincipleScorer
	coordinator Coordinator
	autofix     Remediator
	schedules   ScheduleHistory
	store       *persistence.Store
	bus         *bus.Bus
	logger      *slog.Logger
	metrics     *otel.Metrics
	tracer      trace.Tracer
	stats       *stats.Actor[Stats]

	active atomic.Int64
	wg     sync.WaitGroup

	mu      sync.RWMutex
	cfg     config.Config
	sem     *semaphore.Weighted
	running bool
	stopped bool
	history []RunResult
	last    *RunResult

	now func() time.Time
}

// New builds an engine. cfg is validated; at least one component must be
// enabled when runs are requested, not at construction.
func New(cfg config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = otel.Discard()
	}
	e := &Engine{
		rules:       opts.Rules,
		principles:  opts.Principles,
		coordinator: opts.Coordinator,
		autofix:     opts.AutoFix,
		schedules:   opts.Schedules,
		store:       opts.Store,
		bus:         opts.Bus,
		logger:      logger.With("component", "integration"),
		metrics:     metrics,
		tracer:      opts.Tracer,
		stats: stats.NewActor(Stats{
			Components: map[string]ComponentStats{},
			Modes:      map[Mode]int64{},
			Strategies: map[Strategy]int64{},
		}, cloneStats),
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(maxPipelines(cfg))),
		now: time.Now,
	}
	return e, nil
}

func maxPipelines(cfg config.Config) int {
	if n := cfg.Integration.MaxConcurrentPipelines; n > 0 {
		return n
	}
	return 4
}

// Start marks the engine as serving scheduled and external runs.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("integration engine already started")
	}
	e.running = true
	e.stopped = false
	e.logger.Info("integration engine started",
		"mode", e.cfg.Integration.PipelineMode,
		"enabled", e.enabledLocked(),
		"config_fingerprint", e.cfg.Fingerprint(),
	)
	return nil
}

// Stop refuses new runs and waits for active pipelines, at most for the
// configured shutdown timeout or until ctx is done.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	e.running = false
	timeout := time.Duration(e.cfg.Integration.ShutdownTimeoutSeconds) * time.Second
	e.mu.Unlock()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		e.logger.Info("integration engine stopped")
		return nil
	case <-timer.C:
		return fmt.Errorf("stop: %d pipelines still active after %s", e.active.Load(), timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the statistics actor. Call it after Stop.
func (e *Engine) Close() {
	e.stats.Close()
}

// Config returns the current configuration.
func (e *Engine) Config() config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// UpdateConfig validates and installs cfg for subsequent runs. Runs already
// in flight keep the configuration they started with.
func (e *Engine) UpdateConfig(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if maxPipelines(cfg) != maxPipelines(e.cfg) {
		e.sem = semaphore.NewWeighted(int64(maxPipelines(cfg)))
	}
	e.cfg = cfg
	if excess := len(e.history) - historyLimit(cfg); excess > 0 {
		e.history = append([]RunResult(nil), e.history[excess:]...)
	}
	e.logger.Info("integration config updated", "config_fingerprint", cfg.Fingerprint())
	return nil
}

func historyLimit(cfg config.Config) int {
	if n := cfg.Integration.HistoryLimit; n > 0 {
		return n
	}
	return 100
}

// Enabled lists the components that would take part in a run.
func (e *Engine) Enabled() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabledLocked()
}

func (e *Engine) enabledLocked() []string {
	var out []string
	if e.cfg.Principles.Enabled && e.principles != nil {
		out = append(out, ComponentPrinciples)
	}
	if e.cfg.Rules.Enabled && e.rules != nil {
		out = append(out, ComponentRules)
	}
	if e.cfg.Coordinator.Enabled && e.coordinator != nil {
		out = append(out, ComponentCoordination)
	}
	if e.cfg.AutoFix.Enabled && e.autofix != nil {
		out = append(out, ComponentAutoFix)
	}
	if e.cfg.Scheduler.Enabled && e.schedules != nil {
		out = append(out, ComponentScheduling)
	}
	return out
}

// RunValidation runs one pipeline over vc. An empty mode uses the configured
// pipeline mode.
//
// The only errors are ErrConfiguration (nothing enabled, unknown mode) and
// ErrStopped. Every failure after that point is captured in the returned
// result's status and critical issues.
func (e *Engine) RunValidation(ctx context.Context, vc quality.Context, mode Mode) (RunResult, error) {
	e.mu.RLock()
	cfg, sem, stopped := e.cfg, e.sem, e.stopped
	e.mu.RUnlock()

	if !cfg.AnyComponentEnabled() {
		return RunResult{}, fmt.Errorf("%w: no validation component is enabled", ErrConfiguration)
	}
	if mode == "" {
		mode = Mode(cfg.Integration.PipelineMode)
	}
	if !mode.valid() {
		return RunResult{}, fmt.Errorf("%w: unknown pipeline mode %q", ErrConfiguration, mode)
	}
	if stopped {
		return RunResult{}, ErrStopped
	}
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return RunResult{}, ErrStopped
	}
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()

	runID := shared.RunID(ctx)
	if runID == "" {
		runID = shared.NewRunID()
		ctx = shared.WithRunID(ctx, runID)
	}
	result := &RunResult{
		ID:         runID,
		Target:     vc.TargetPath,
		Mode:       mode,
		ScheduleID: shared.ScheduleID(ctx),
		Components: make(map[string]ComponentReport),
		StartedAt:  e.now(),
	}

	ctx, span := otel.StartSpan(ctx, e.tracer, "validation.run",
		otel.AttrRunID.String(runID),
		otel.AttrTarget.String(vc.TargetPath),
		otel.AttrMode.String(string(mode)),
	)
	e.logger.InfoContext(ctx, "validation started", "target", vc.TargetPath, "mode", mode)
	e.publish(bus.TopicValidationStarted, result)

	if err := sem.Acquire(ctx, 1); err != nil {
		result.Components[componentPipeline] = ComponentReport{
			Name:   componentPipeline,
			Status: quality.StatusError,
			Error:  fmt.Sprintf("acquire pipeline slot: %v", err),
		}
	} else {
		e.active.Add(1)
		e.metrics.ActivePipelines.Add(ctx, 1)
		p := &pipeline{e: e, cfg: cfg, vc: vc, result: result}
		p.run(ctx, mode)
		e.metrics.ActivePipelines.Add(ctx, -1)
		e.active.Add(-1)
		sem.Release(1)
	}

	result.FinishedAt = e.now()
	result.Metrics.Duration = result.FinishedAt.Sub(result.StartedAt)
	aggregator{cfg: cfg.Integration, minAlignment: cfg.Principles.MinAlignment}.apply(result)
	if result.Strategy != "" {
		span.SetAttributes(otel.AttrStrategy.String(string(result.Strategy)))
	}

	out := result.clone()
	e.record(out, cfg)
	e.updateStats(out)
	e.persist(ctx, out, cfg)

	e.metrics.ValidationDuration.Record(ctx, out.Metrics.Duration.Seconds(), metric.WithAttributes(
		otel.AttrMode.String(string(mode)),
		otel.AttrStatus.String(string(out.Status)),
	))
	otel.Count(ctx, e.metrics.ValidationRuns, otel.AttrStatus.String(string(out.Status)))
	var spanErr error
	if out.Status == quality.StatusError {
		spanErr = errors.New("validation run ended with component errors")
	}
	otel.EndSpan(span, spanErr)

	topic := bus.TopicValidationCompleted
	if out.Status == quality.StatusFailed || out.Status == quality.StatusError {
		topic = bus.TopicValidationFailed
	}
	e.publish(topic, &out)
	e.logger.InfoContext(ctx, "validation finished",
		"status", out.Status,
		"score", out.Score,
		"alignment", out.Alignment,
		"health", out.Health,
		"critical_issues", len(out.CriticalIssues),
		"strategy", out.Strategy,
		"duration_ms", out.Metrics.Duration.Milliseconds(),
	)
	return out, nil
}

func (e *Engine) record(r RunResult, cfg config.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, r)
	if excess := len(e.history) - historyLimit(cfg); excess > 0 {
		e.history = append([]RunResult(nil), e.history[excess:]...)
	}
	last := r
	e.last = &last
}

func (e *Engine) updateStats(r RunResult) {
	e.stats.Update(func(s *Stats) {
		s.Total++
		switch r.Status {
		case quality.StatusPassed:
			s.Passed++
		case quality.StatusWarning:
			s.Warning++
		case quality.StatusFailed:
			s.Failed++
		default:
			s.Errors++
		}
		s.DurationMs.Add(float64(r.Metrics.Duration.Milliseconds()))
		s.Score.Add(r.Score)
		s.Health.Add(r.Health)
		s.Synchronization.Add(r.Metrics.Synchronization)
		s.Consistency.Add(r.Metrics.Consistency)
		s.Modes[r.Mode]++
		if r.Strategy != "" {
			s.Strategies[r.Strategy]++
		}
		s.recent = append(s.recent, r.Score)
		if excess := len(s.recent) - 2*trendWindow; excess > 0 {
			s.recent = s.recent[excess:]
		}
		s.Trend = stats.Trend(s.recent, trendWindow)
		for name, c := range r.Components {
			cs := s.Components[name]
			cs.Executions++
			cs.Success.Observe(c.Error == "" && c.Status != quality.StatusFailed)
			cs.DurationMs.Add(float64(c.Duration.Milliseconds()))
			if c.Scored {
				cs.Score.Add(c.Score)
			}
			s.Components[name] = cs
		}
	})
}

func (e *Engine) persist(ctx context.Context, r RunResult, cfg config.Config) {
	if e.store == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		e.logger.Warn("encode run result failed", "run_id", r.ID, "error", err)
		data = []byte("{}")
	}
	rec := persistence.RunRecord{
		ID:                r.ID,
		Target:            r.Target,
		Mode:              string(r.Mode),
		Strategy:          string(r.Strategy),
		Status:            string(r.Status),
		Score:             r.Score,
		Alignment:         r.Alignment,
		Health:            r.Health,
		CriticalCount:     len(r.CriticalIssues),
		DurationMs:        r.Metrics.Duration.Milliseconds(),
		ScheduleID:        r.ScheduleID,
		ConfigFingerprint: cfg.Fingerprint(),
		ResultJSON:        string(data),
		CreatedAt:         r.FinishedAt,
	}
	if err := e.store.InsertRun(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Warn("persist run failed", "run_id", r.ID, "error", err)
	}
}

func (e *Engine) publish(topic string, r *RunResult) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(topic, bus.ValidationEvent{
		RunID:      r.ID,
		Target:     r.Target,
		Mode:       string(r.Mode),
		Status:     string(r.Status),
		Score:      r.Score,
		ScheduleID: r.ScheduleID,
	})
}

// History returns up to limit recent runs, newest first. limit <= 0 returns
// all retained runs.
func (e *Engine) History(limit int) []RunResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := len(e.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]RunResult, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, e.history[i].clone())
	}
	return out
}

// ClearHistory drops the in-memory history and returns how many runs were
// removed. Persisted runs are kept.
func (e *Engine) ClearHistory() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.history)
	e.history = nil
	return n
}

// Runs lists persisted runs, newest first.
func (e *Engine) Runs(ctx context.Context, target string, limit int) ([]persistence.RunRecord, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.ListRuns(ctx, target, limit)
}

// Last returns the most recent run, if any.
func (e *Engine) Last() (RunResult, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return RunResult{}, false
	}
	return e.last.clone(), true
}

// Stats returns a snapshot of the rolling statistics.
func (e *Engine) Stats() Stats {
	return e.stats.Snapshot()
}

// Status reports whether the engine is serving, its load and statistics.
func (e *Engine) Status() State {
	e.mu.RLock()
	st := State{
		Running:      e.running,
		MaxPipelines: maxPipelines(e.cfg),
		Mode:         Mode(e.cfg.Integration.PipelineMode),
		Enabled:      e.enabledLocked(),
	}
	if e.last != nil {
		st.LastRunID = e.last.ID
	}
	e.mu.RUnlock()
	st.ActivePipelines = e.active.Load()
	st.Stats = e.Stats()
	return st
}
