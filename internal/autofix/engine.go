// Package autofix applies remediation actions to workspace files. Every
// mutation is preceded by a checksummed backup, validated afterwards and
// rolled back when validation fails.
package autofix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/gatekeeper/internal/audit"
	"github.com/basket/gatekeeper/internal/backup"
	"github.com/basket/gatekeeper/internal/bus"
	"github.com/basket/gatekeeper/internal/config"
	"github.com/basket/gatekeeper/internal/otel"
	"github.com/basket/gatekeeper/internal/persistence"
	"github.com/basket/gatekeeper/internal/policy"
	"github.com/basket/gatekeeper/internal/quality"
	"github.com/basket/gatekeeper/internal/stats"
)

var (
	ErrDisabled           = errors.New("auto-fix is disabled")
	ErrSessionLimit       = errors.New("auto-fix session limit reached")
	ErrRiskRejected       = errors.New("auto-fix risk above acceptance threshold")
	ErrApprovalRequired   = errors.New("auto-fix requires approval")
	ErrValidationFailed   = errors.New("post-fix validation failed")
	ErrPrincipleAlignment = errors.New("post-fix principle alignment below floor")
	ErrPolicyDenied       = errors.New("auto-fix denied by policy")
	ErrNotFound           = errors.New("auto-fix execution not found")
	ErrNotPending         = errors.New("auto-fix execution is not pending approval")
	ErrNotRollbackable    = errors.New("auto-fix execution cannot be rolled back")
)

// Status of an execution.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
	StatusRejected   Status = "rejected"
)

// Validation is the post-fix check outcome.
type Validation struct {
	Score     float64                   `json:"score"`
	Alignment float64                   `json:"alignment,omitempty"`
	Passed    bool                      `json:"passed"`
	Results   []quality.ComponentResult `json:"results,omitempty"`
}

// Execution is one submitted action and its lifecycle.
type Execution struct {
	ID            string        `json:"id"`
	Guardian      string        `json:"guardian"`
	Action        Action        `json:"action"`
	Status        Status        `json:"status"`
	BackupID      string        `json:"backup_id,omitempty"`
	Created       bool          `json:"created,omitempty"` // target did not exist before the fix
	Validation    *Validation   `json:"validation,omitempty"`
	Error         string        `json:"error,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	InstallOutput string        `json:"install_output,omitempty"`
	WorkspaceRoot string        `json:"workspace_root,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Duration      time.Duration `json:"duration"`
}

func (x *Execution) snapshot() Execution {
	out := *x
	if x.Validation != nil {
		v := *x.Validation
		out.Validation = &v
	}
	return out
}

// Settled reports whether the execution reached a final state.
func (x Execution) Settled() bool {
	return x.Status != StatusPending && x.Status != StatusRunning
}

// Stats summarizes executions since the engine started.
type Stats struct {
	Total      int            `json:"total"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
	RolledBack int            `json:"rolled_back"`
	Rejected   int            `json:"rejected"`
	Pending    int            `json:"pending"`
	ByRisk     map[Risk]int   `json:"by_risk"`
	ByGuardian map[string]int `json:"by_guardian"`
	DurationMs stats.Mean     `json:"duration_ms"`
	// SessionFixes is the number of successful fixes counted against the
	// session limit.
	SessionFixes int `json:"session_fixes"`
}

// SuccessRate is completed over settled, non-rejected executions.
func (s Stats) SuccessRate() float64 {
	n := s.Completed + s.Failed + s.RolledBack
	if n == 0 {
		return 0
	}
	return float64(s.Completed) / float64(n)
}

func cloneStats(s Stats) Stats {
	out := s
	out.ByRisk = make(map[Risk]int, len(s.ByRisk))
	for k, v := range s.ByRisk {
		out.ByRisk[k] = v
	}
	out.ByGuardian = make(map[string]int, len(s.ByGuardian))
	for k, v := range s.ByGuardian {
		out.ByGuardian[k] = v
	}
	return out
}

// Options carries the engine's collaborators. Only Backups is needed for
// rollback; everything else may be nil.
type Options struct {
	Backups   *backup.Store
	Store     *persistence.Store
	Policy    policy.Checker
	Validator quality.RuleEvaluator
	Scorer    quality.PrincipleScorer
	Installer Installer
	Bus       *bus.Bus
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	Tracer    trace.Tracer
}

type rollbackTimer struct {
	executionID string
	timer       *time.Timer
}

const historyLimit = 500

// Engine is the auto-fix engine. It is safe for concurrent use; file
// mutations are applied one at a time.
type Engine struct {
	backups   *backup.Store
	store     *persistence.Store
	policy    policy.Checker
	validator quality.RuleEvaluator
	scorer    quality.PrincipleScorer
	installer Installer
	bus       *bus.Bus
	logger    *slog.Logger
	metrics   *otel.Metrics
	tracer    trace.Tracer
	stats     *stats.Actor[Stats]

	applyMu sync.Mutex

	mu         sync.Mutex
	cfg        config.AutoFixConfig
	executions map[string]*Execution
	order      []string
	pending    map[string]*Execution
	fixCount   int
	timers     map[string]rollbackTimer // by target path

	now func() time.Time
}

// New builds an engine and reloads executions still pending approval.
func New(ctx context.Context, cfg config.AutoFixConfig, opts Options) (*Engine, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pol := opts.Policy
	if pol == nil {
		pol = policy.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = otel.Discard()
	}
	installer := opts.Installer
	if installer == nil {
		installer = CommandInstaller{
			Command: cfg.InstallCommand,
			Timeout: time.Duration(cfg.InstallTimeoutSeconds) * time.Second,
		}
	}
	e := &Engine{
		backups:    opts.Backups,
		store:      opts.Store,
		policy:     pol,
		validator:  opts.Validator,
		scorer:     opts.Scorer,
		installer:  installer,
		bus:        opts.Bus,
		logger:     logger.With("component", "autofix"),
		metrics:    metrics,
		tracer:     opts.Tracer,
		stats:      stats.NewActor(Stats{ByRisk: map[Risk]int{}, ByGuardian: map[string]int{}}, cloneStats),
		cfg:        cfg,
		executions: make(map[string]*Execution),
		pending:    make(map[string]*Execution),
		timers:     make(map[string]rollbackTimer),
		now:        time.Now,
	}
	if e.store != nil {
		recs, err := e.store.ListAutoFixExecutions(ctx, string(StatusPending), 1000)
		if err != nil {
			e.stats.Close()
			return nil, fmt.Errorf("load pending approvals: %w", err)
		}
		for i := len(recs) - 1; i >= 0; i-- {
			ex, err := fromRecord(recs[i])
			if err != nil {
				e.logger.Warn("skip unreadable pending execution", "execution_id", recs[i].ID, "error", err)
				continue
			}
			e.executions[ex.ID] = ex
			e.order = append(e.order, ex.ID)
			e.pending[ex.ID] = ex
		}
		if n := len(e.pending); n > 0 {
			e.stats.Update(func(s *Stats) { s.Pending += n })
		}
	}
	return e, nil
}

func validateConfig(cfg config.AutoFixConfig) error {
	switch Risk(cfg.RiskThreshold) {
	case RiskLow, RiskMedium, RiskHigh:
	default:
		return fmt.Errorf("%w: autofix.risk_threshold %q", config.ErrInvalid, cfg.RiskThreshold)
	}
	for _, r := range cfg.ApprovalRisks {
		switch Risk(strings.ToLower(r)) {
		case RiskLow, RiskMedium, RiskHigh:
		default:
			return fmt.Errorf("%w: autofix.approval_risks: %q", config.ErrInvalid, r)
		}
	}
	if cfg.MaxFixesPerSession < 0 {
		return fmt.Errorf("%w: autofix.max_fixes_per_session must be >= 0", config.ErrInvalid)
	}
	return nil
}

// Close stops pending rollback timers and the statistics actor.
func (e *Engine) Close() {
	e.mu.Lock()
	for target, t := range e.timers {
		t.timer.Stop()
		delete(e.timers, target)
	}
	e.mu.Unlock()
	e.stats.Close()
}

// UpdateConfig swaps the engine settings. The session counter is kept.
func (e *Engine) UpdateConfig(cfg config.AutoFixConfig) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.logger.Info("auto-fix config updated", "enabled", cfg.Enabled, "risk_threshold", cfg.RiskThreshold)
	return nil
}

// Config returns the active settings.
func (e *Engine) Config() config.AutoFixConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Enabled reports whether submissions are accepted.
func (e *Engine) Enabled() bool { return e.Config().Enabled }

// ResetSession zeroes the session fix counter.
func (e *Engine) ResetSession() {
	e.mu.Lock()
	e.fixCount = 0
	e.mu.Unlock()
}

// Submit checks preconditions in order (enabled, action shape, session
// limit, risk, policy) and either parks the action for approval,
// returning its id together with ErrApprovalRequired, or applies it
// immediately.
func (e *Engine) Submit(ctx context.Context, action Action, vc quality.Context, guardian string) (string, error) {
	cfg := e.Config()
	if !cfg.Enabled {
		return "", ErrDisabled
	}
	if action.Target == "" {
		action.Target = vc.TargetPath
	}
	action.Target = resolveTarget(vc.WorkspaceRoot, action.Target)
	action.Risk = Risk(strings.ToLower(string(action.Risk)))
	if err := action.Validate(); err != nil {
		return "", err
	}
	if err := e.checkSessionLimit(cfg); err != nil {
		e.deny(ctx, action, err.Error())
		return "", err
	}
	if !action.Risk.Within(Risk(cfg.RiskThreshold)) {
		err := fmt.Errorf("%w: %s exceeds %s", ErrRiskRejected, action.Risk, cfg.RiskThreshold)
		e.deny(ctx, action, err.Error())
		return "", err
	}
	if err := e.checkPolicy(action); err != nil {
		e.deny(ctx, action, err.Error())
		return "", err
	}

	now := e.now()
	ex := &Execution{
		ID:            uuid.NewString(),
		Guardian:      guardian,
		Action:        action,
		Status:        StatusRunning,
		WorkspaceRoot: vc.WorkspaceRoot,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	e.stats.Update(func(s *Stats) {
		s.Total++
		s.ByRisk[action.Risk]++
		if guardian != "" {
			s.ByGuardian[guardian]++
		}
	})

	if needsApproval(cfg, action) {
		ex.Status = StatusPending
		e.track(ex, true)
		e.persist(ctx, ex)
		e.stats.Update(func(s *Stats) { s.Pending++ })
		e.auditFix(ctx, audit.DecisionApproval, ex.ID, guardian, action, "awaiting operator approval")
		e.publish(bus.TopicAutoFixApprovalRequired, ex, "")
		e.logger.Info("auto-fix awaiting approval", "execution_id", ex.ID, "target", action.Target, "risk", action.Risk)
		return ex.ID, fmt.Errorf("%w: execution %s", ErrApprovalRequired, ex.ID)
	}

	e.track(ex, false)
	return ex.ID, e.run(ctx, ex)
}

// Approve runs a parked execution. Preconditions that can change while an
// execution waits (enabled, session limit) are checked again.
func (e *Engine) Approve(ctx context.Context, id string) error {
	cfg := e.Config()
	if !cfg.Enabled {
		return ErrDisabled
	}
	if err := e.checkSessionLimit(cfg); err != nil {
		return err
	}
	ex, err := e.takePending(id)
	if err != nil {
		return err
	}
	e.stats.Update(func(s *Stats) { s.Pending-- })
	e.auditFix(ctx, audit.DecisionApproved, ex.ID, ex.Guardian, ex.Action, "approved")
	e.logger.Info("auto-fix approved", "execution_id", id)
	return e.run(ctx, ex)
}

// Reject discards a parked execution.
func (e *Engine) Reject(ctx context.Context, id, reason string) error {
	ex, err := e.takePending(id)
	if err != nil {
		return err
	}
	e.update(ex, func(x *Execution) {
		x.Status = StatusRejected
		x.Reason = reason
	})
	e.persist(ctx, ex)
	e.stats.Update(func(s *Stats) {
		s.Pending--
		s.Rejected++
	})
	e.auditFix(ctx, audit.DecisionRejected, ex.ID, ex.Guardian, ex.Action, reason)
	e.publish(bus.TopicAutoFixRejected, ex, reason)
	e.logger.Info("auto-fix rejected", "execution_id", id, "reason", reason)
	return nil
}

// SyncPending drops pending executions that another process, such as the
// fixes CLI, approved or rejected after this engine loaded them. The stored
// record replaces the in-memory one. Fixes applied elsewhere get their
// timed rollback here, counted from when they finished, because the
// applying process exits with the command.
func (e *Engine) SyncPending(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	e.mu.Lock()
	ids := make([]string, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	cfg := e.Config()
	synced := 0
	for _, id := range ids {
		rec, err := e.store.GetAutoFixExecution(ctx, id)
		if errors.Is(err, persistence.ErrNotFound) {
			continue
		}
		if err != nil {
			return synced, err
		}
		if Status(rec.Status) == StatusPending {
			continue
		}
		x, err := fromRecord(rec)
		if err != nil {
			e.logger.Warn("skip unreadable execution", "execution_id", id, "error", err)
			continue
		}
		e.mu.Lock()
		if _, ok := e.pending[id]; !ok {
			e.mu.Unlock()
			continue
		}
		delete(e.pending, id)
		e.executions[id] = x
		e.mu.Unlock()
		e.stats.Update(func(s *Stats) {
			s.Pending--
			switch x.Status {
			case StatusCompleted:
				s.Completed++
			case StatusRejected:
				s.Rejected++
			}
		})
		synced++

		if x.Status == StatusCompleted && x.BackupID != "" && cfg.Rollback.Enabled && cfg.Rollback.TimeoutMinutes > 0 {
			left := time.Duration(cfg.Rollback.TimeoutMinutes)*time.Minute - e.now().Sub(x.UpdatedAt)
			e.scheduleRollback(x, max(left, 0))
		}
		e.logger.InfoContext(ctx, "pending auto-fix decided by another process", "execution_id", id, "status", x.Status)
	}
	return synced, nil
}

func (e *Engine) takePending(id string) (*Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ex, ok := e.pending[id]
	if !ok {
		if _, known := e.executions[id]; known {
			return nil, fmt.Errorf("%s: %w", id, ErrNotPending)
		}
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	delete(e.pending, id)
	ex.Status = StatusRunning
	return ex, nil
}

func (e *Engine) run(ctx context.Context, ex *Execution) error {
	a := ex.Action
	ctx, span := otel.StartSpan(ctx, e.tracer, "autofix.apply",
		otel.AttrExecutionID.String(ex.ID),
		otel.AttrTarget.String(a.Target),
		otel.AttrRisk.String(string(a.Risk)),
		otel.AttrGuardian.String(ex.Guardian),
	)
	start := e.now()
	cfg := e.Config()
	e.persist(ctx, ex)

	e.applyMu.Lock()
	written, err := e.apply(ctx, ex, cfg)
	rolledBack := false
	if err != nil && written && cfg.Rollback.Enabled && cfg.Rollback.OnFailure {
		if rbErr := e.restore(ex); rbErr != nil {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			e.auditRollbackFailure(ctx, ex, rbErr)
		} else {
			rolledBack = true
			otel.Count(ctx, e.metrics.AutoFixRollbacks, otel.AttrRisk.String(string(a.Risk)))
		}
	}
	e.applyMu.Unlock()

	elapsed := e.now().Sub(start)
	status := StatusCompleted
	switch {
	case err == nil:
	case rolledBack:
		status = StatusRolledBack
	default:
		status = StatusFailed
	}
	e.update(ex, func(x *Execution) {
		x.Status = status
		x.Duration = elapsed
		if err != nil {
			x.Error = err.Error()
		}
	})
	e.persist(ctx, ex)
	e.stats.Update(func(s *Stats) {
		s.DurationMs.Add(float64(elapsed.Milliseconds()))
		switch status {
		case StatusCompleted:
			s.Completed++
		case StatusRolledBack:
			s.RolledBack++
		default:
			s.Failed++
		}
	})
	otel.Count(ctx, e.metrics.AutoFixExecutions, otel.AttrStatus.String(string(status)), otel.AttrRisk.String(string(a.Risk)))
	otel.EndSpan(span, err)

	if err != nil {
		e.auditFix(ctx, audit.DecisionFailed, ex.ID, ex.Guardian, a, err.Error())
		e.publish(bus.TopicAutoFixFailed, ex, err.Error())
		e.logger.WarnContext(ctx, "auto-fix failed", "execution_id", ex.ID, "target", a.Target, "status", status, "error", err)
		return err
	}

	e.mu.Lock()
	e.fixCount++
	e.mu.Unlock()
	e.auditFix(ctx, audit.DecisionApplied, ex.ID, ex.Guardian, a, a.Description)
	e.publish(bus.TopicAutoFixCompleted, ex, "")
	e.logger.InfoContext(ctx, "auto-fix applied", "execution_id", ex.ID, "target", a.Target, "kind", a.Kind, "duration_ms", elapsed.Milliseconds())
	if cfg.Rollback.Enabled && cfg.Rollback.TimeoutMinutes > 0 && (ex.BackupID != "" || ex.Created) {
		e.scheduleRollback(ex, time.Duration(cfg.Rollback.TimeoutMinutes)*time.Minute)
	}
	return nil
}

// apply backs up, mutates and validates the target. written reports whether
// the target was modified on disk.
func (e *Engine) apply(ctx context.Context, ex *Execution, cfg config.AutoFixConfig) (written bool, err error) {
	a := ex.Action
	current, existed, mode, err := readTarget(a.Target)
	if err != nil {
		return false, err
	}
	if existed && cfg.Backups.Enabled && e.backups != nil {
		md, err := e.backups.Snapshot(ctx, a.Target)
		if err != nil {
			return false, fmt.Errorf("backup %s: %w", a.Target, err)
		}
		e.update(ex, func(x *Execution) { x.BackupID = md.ID })
	}

	m, err := mutate(a, current, existed)
	if err != nil {
		return false, err
	}
	if !existed {
		if err := os.MkdirAll(filepath.Dir(a.Target), 0o755); err != nil {
			return false, fmt.Errorf("create parent dir: %w", err)
		}
	}
	if err := backup.AtomicWrite(a.Target, m.content, mode); err != nil {
		return false, fmt.Errorf("write %s: %w", a.Target, err)
	}
	if !existed {
		e.update(ex, func(x *Execution) { x.Created = true })
	}

	if m.install {
		out, err := e.installer.Install(ctx, manifestDir(a.Target))
		e.update(ex, func(x *Execution) { x.InstallOutput = out })
		if err != nil {
			return true, err
		}
	}

	vc := quality.Context{TargetPath: a.Target, Content: string(m.content), WorkspaceRoot: ex.WorkspaceRoot}
	v, err := e.validate(ctx, cfg, vc)
	e.update(ex, func(x *Execution) { x.Validation = v })
	return true, err
}

func (e *Engine) validate(ctx context.Context, cfg config.AutoFixConfig, vc quality.Context) (*Validation, error) {
	v := &Validation{Score: 1}
	if cfg.ValidateAfterFix && e.validator != nil {
		results, err := e.validator.Evaluate(ctx, vc)
		if err != nil {
			return v, fmt.Errorf("%w: %v", ErrValidationFailed, err)
		}
		score, worst := quality.Summarize(results)
		v.Score, v.Results = score, results
		if score < cfg.RequiredValidationScore {
			return v, fmt.Errorf("%w: score %.2f below %.2f", ErrValidationFailed, score, cfg.RequiredValidationScore)
		}
		if worst == quality.StatusFailed || worst == quality.StatusError {
			return v, fmt.Errorf("%w: %s", ErrValidationFailed, firstFailure(results))
		}
	}
	if cfg.PrincipleValidation && e.scorer != nil {
		res, err := e.scorer.Score(ctx, vc)
		if err != nil {
			return v, fmt.Errorf("%w: %v", ErrPrincipleAlignment, err)
		}
		v.Alignment = res.Overall
		if res.Overall < cfg.RequiredAlignment {
			return v, fmt.Errorf("%w: %.2f below %.2f", ErrPrincipleAlignment, res.Overall, cfg.RequiredAlignment)
		}
	}
	v.Passed = true
	return v, nil
}

func firstFailure(results []quality.ComponentResult) string {
	for _, r := range results {
		if r.Status == quality.StatusFailed || r.Status == quality.StatusError {
			return r.Message
		}
	}
	return "failed result"
}

// restore puts the target back to its pre-fix state.
func (e *Engine) restore(ex *Execution) error {
	backupID, created, target := ex.BackupID, ex.Created, ex.Action.Target
	switch {
	case backupID != "":
		if e.backups == nil {
			return fmt.Errorf("backup %s: no backup store", backupID)
		}
		_, err := e.backups.Restore(backupID)
		return err
	case created:
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove created file: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: no backup for %s", ErrNotRollbackable, ex.ID)
	}
}

// Rollback restores the target of a completed execution. A backup whose
// checksum no longer matches aborts the rollback with an integrity error.
func (e *Engine) Rollback(ctx context.Context, id, reason string) error {
	if err := e.adopt(ctx, id); err != nil {
		return err
	}
	e.mu.Lock()
	ex, ok := e.executions[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if ex.Status != StatusCompleted {
		status := ex.Status
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotRollbackable, id, status)
	}
	if t, ok := e.timers[ex.Action.Target]; ok && t.executionID == id {
		t.timer.Stop()
		delete(e.timers, ex.Action.Target)
	}
	e.mu.Unlock()

	if !e.policy.AllowCapability(policy.CapRollback) {
		e.deny(ctx, ex.Action, "rollback capability not granted")
		return fmt.Errorf("%w: %s", ErrPolicyDenied, policy.CapRollback)
	}

	e.applyMu.Lock()
	err := e.restore(ex)
	e.applyMu.Unlock()
	if err != nil {
		e.update(ex, func(x *Execution) { x.Error = "rollback: " + err.Error() })
		e.persist(ctx, ex)
		e.auditRollbackFailure(ctx, ex, err)
		e.logger.Error("auto-fix rollback failed", "execution_id", id, "error", err)
		return err
	}
	e.update(ex, func(x *Execution) {
		x.Status = StatusRolledBack
		x.Reason = reason
	})
	e.persist(ctx, ex)
	e.stats.Update(func(s *Stats) {
		s.Completed--
		s.RolledBack++
	})
	otel.Count(ctx, e.metrics.AutoFixRollbacks, otel.AttrRisk.String(string(ex.Action.Risk)))
	e.auditFix(ctx, audit.DecisionRolledBack, ex.ID, ex.Guardian, ex.Action, reason, policy.CapRollback)
	e.publish(bus.TopicAutoFixRolledBack, ex, reason)
	e.logger.Info("auto-fix rolled back", "execution_id", id, "reason", reason)
	return nil
}

// adopt loads a completed execution recorded by an earlier process so it can
// be rolled back. Executions already tracked are left alone.
func (e *Engine) adopt(ctx context.Context, id string) error {
	e.mu.Lock()
	_, ok := e.executions[id]
	e.mu.Unlock()
	if ok || e.store == nil {
		return nil
	}
	rec, err := e.store.GetAutoFixExecution(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return err
	}
	x, err := fromRecord(rec)
	if err != nil {
		return err
	}
	if x.Status != StatusCompleted {
		return fmt.Errorf("%w: %s is %s", ErrNotRollbackable, id, x.Status)
	}
	e.mu.Lock()
	if _, ok := e.executions[id]; !ok {
		e.executions[id] = x
		e.order = append(e.order, id)
		e.stats.Update(func(s *Stats) { s.Completed++ })
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) auditRollbackFailure(ctx context.Context, ex *Execution, err error) {
	decision := audit.DecisionFailed
	if errors.Is(err, backup.ErrIntegrity) {
		decision = audit.DecisionIntegrityErr
	}
	e.auditFix(ctx, decision, ex.ID, ex.Guardian, ex.Action, err.Error(), policy.CapRollback)
}

// auditFix records a decision about action. caps defaults to the
// capabilities the action needs.
func (e *Engine) auditFix(ctx context.Context, decision, id, guardian string, a Action, reason string, caps ...string) {
	if len(caps) == 0 {
		caps = a.Capabilities()
	}
	audit.Fix(ctx, audit.FixEvent{
		Decision:      decision,
		ExecutionID:   id,
		Target:        a.Target,
		ChangeKind:    string(a.Kind),
		Risk:          string(a.Risk),
		Guardian:      guardian,
		Capabilities:  caps,
		Reason:        reason,
		PolicyVersion: e.policy.PolicyVersion(),
	})
}

// scheduleRollback arms a timed rollback for ex. An armed timer for an
// older execution on the same target is superseded.
func (e *Engine) scheduleRollback(ex *Execution, after time.Duration) {
	id, target := ex.ID, ex.Action.Target
	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.timers[target]; ok {
		prev.timer.Stop()
		e.logger.Debug("timed rollback superseded", "execution_id", prev.executionID, "by", id)
	}
	e.timers[target] = rollbackTimer{
		executionID: id,
		timer: time.AfterFunc(after, func() {
			if err := e.Rollback(context.Background(), id, "rollback timeout elapsed"); err != nil {
				e.logger.Warn("timed rollback failed", "execution_id", id, "error", err)
			}
		}),
	}
}

func (e *Engine) checkSessionLimit(cfg config.AutoFixConfig) error {
	if cfg.MaxFixesPerSession <= 0 {
		return nil
	}
	e.mu.Lock()
	n := e.fixCount
	e.mu.Unlock()
	if n >= cfg.MaxFixesPerSession {
		return fmt.Errorf("%w: %d of %d", ErrSessionLimit, n, cfg.MaxFixesPerSession)
	}
	return nil
}

func (e *Engine) checkPolicy(a Action) error {
	if !e.policy.AllowPath(a.Target) {
		return fmt.Errorf("%w: path %s", ErrPolicyDenied, a.Target)
	}
	for _, c := range a.Capabilities() {
		if !e.policy.AllowCapability(c) {
			return fmt.Errorf("%w: capability %s", ErrPolicyDenied, c)
		}
	}
	for _, d := range a.Dependencies {
		if d.Op != DepRemove && !e.policy.AllowSource(d.Version) {
			return fmt.Errorf("%w: dependency source %s", ErrPolicyDenied, d.Version)
		}
	}
	return nil
}

func needsApproval(cfg config.AutoFixConfig, a Action) bool {
	if a.RequiresApproval {
		return true
	}
	for _, r := range cfg.ApprovalRisks {
		if Risk(strings.ToLower(r)) == a.Risk {
			return true
		}
	}
	return false
}

func (e *Engine) deny(ctx context.Context, a Action, reason string) {
	e.auditFix(ctx, audit.DecisionDeny, "", "", a, reason)
	e.logger.InfoContext(ctx, "auto-fix denied", "target", a.Target, "risk", a.Risk, "reason", reason)
}

func resolveTarget(root, target string) string {
	if !filepath.IsAbs(target) && root != "" {
		target = filepath.Join(root, target)
	}
	return filepath.Clean(target)
}

func (e *Engine) track(ex *Execution, pending bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executions[ex.ID] = ex
	e.order = append(e.order, ex.ID)
	if pending {
		e.pending[ex.ID] = ex
	}
	if len(e.order) > historyLimit {
		e.trimLocked()
	}
}

// trimLocked drops the oldest settled executions beyond historyLimit.
func (e *Engine) trimLocked() {
	excess := len(e.order) - historyLimit
	kept := e.order[:0]
	for _, id := range e.order {
		ex := e.executions[id]
		if excess > 0 && ex.Settled() && !e.timerFor(ex) {
			delete(e.executions, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	e.order = kept
}

func (e *Engine) timerFor(ex *Execution) bool {
	t, ok := e.timers[ex.Action.Target]
	return ok && t.executionID == ex.ID
}

func (e *Engine) update(ex *Execution, fn func(*Execution)) {
	e.mu.Lock()
	fn(ex)
	ex.UpdatedAt = e.now()
	e.mu.Unlock()
}

func (e *Engine) publish(topic string, ex *Execution, reason string) {
	e.mu.Lock()
	ev := bus.AutoFixEvent{
		ExecutionID: ex.ID,
		Target:      ex.Action.Target,
		Guardian:    ex.Guardian,
		Risk:        string(ex.Action.Risk),
		Status:      string(ex.Status),
		Reason:      reason,
		BackupID:    ex.BackupID,
	}
	e.mu.Unlock()
	e.bus.Publish(topic, ev)
}

func (e *Engine) persist(ctx context.Context, ex *Execution) {
	if e.store == nil {
		return
	}
	e.mu.Lock()
	snap := ex.snapshot()
	e.mu.Unlock()
	if err := e.store.UpsertAutoFixExecution(ctx, toRecord(snap)); err != nil {
		e.logger.Warn("persist auto-fix execution", "execution_id", snap.ID, "error", err)
	}
}

func toRecord(x Execution) persistence.AutoFixRecord {
	action, _ := json.Marshal(x.Action)
	rec := persistence.AutoFixRecord{
		ID:         x.ID,
		Target:     x.Action.Target,
		Guardian:   x.Guardian,
		ChangeKind: string(x.Action.Kind),
		Risk:       string(x.Action.Risk),
		Status:     string(x.Status),
		BackupID:   x.BackupID,
		ActionJSON: string(action),
		Error:      x.Error,
		CreatedAt:  x.CreatedAt,
		UpdatedAt:  x.UpdatedAt,
	}
	if x.Validation != nil {
		v, _ := json.Marshal(x.Validation)
		rec.ValidationJSON = string(v)
	}
	return rec
}

func fromRecord(r persistence.AutoFixRecord) (*Execution, error) {
	ex := &Execution{
		ID:        r.ID,
		Guardian:  r.Guardian,
		Status:    Status(r.Status),
		BackupID:  r.BackupID,
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.ActionJSON), &ex.Action); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	if r.ValidationJSON != "" {
		var v Validation
		if err := json.Unmarshal([]byte(r.ValidationJSON), &v); err == nil {
			ex.Validation = &v
		}
	}
	return ex, nil
}

// Get returns an execution by id, falling back to the persisted record.
func (e *Engine) Get(ctx context.Context, id string) (Execution, error) {
	e.mu.Lock()
	ex, ok := e.executions[id]
	if ok {
		snap := ex.snapshot()
		e.mu.Unlock()
		return snap, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		rec, err := e.store.GetAutoFixExecution(ctx, id)
		if err == nil {
			x, err := fromRecord(rec)
			if err != nil {
				return Execution{}, err
			}
			return *x, nil
		}
		if !errors.Is(err, persistence.ErrNotFound) {
			return Execution{}, err
		}
	}
	return Execution{}, fmt.Errorf("%s: %w", id, ErrNotFound)
}

// PendingApprovals lists executions waiting for approve or reject, oldest first.
func (e *Engine) PendingApprovals() []Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Execution, 0, len(e.pending))
	for _, id := range e.order {
		if ex, ok := e.pending[id]; ok {
			out = append(out, ex.snapshot())
		}
	}
	return out
}

// History returns up to limit executions, newest first. limit <= 0 returns all.
func (e *Engine) History(limit int) []Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Execution, 0, len(e.order))
	for i := len(e.order) - 1; i >= 0; i-- {
		out = append(out, e.executions[e.order[i]].snapshot())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// ClearHistory drops settled executions last updated before now-olderThan
// and returns how many were removed. Executions with an armed rollback
// timer are kept.
func (e *Engine) ClearHistory(olderThan time.Duration) int {
	cutoff := e.now().Add(-olderThan)
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.order[:0]
	removed := 0
	for _, id := range e.order {
		ex := e.executions[id]
		if ex.Settled() && ex.UpdatedAt.Before(cutoff) && !e.timerFor(ex) {
			delete(e.executions, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	e.order = kept
	return removed
}

// Backups returns the backup registry, oldest first.
func (e *Engine) Backups() []backup.Metadata {
	if e.backups == nil {
		return nil
	}
	return e.backups.List()
}

// SweepBackups removes backups past the retention window. Backups that an
// armed rollback timer still needs are kept.
func (e *Engine) SweepBackups(ctx context.Context) (int, error) {
	if e.backups == nil {
		return 0, nil
	}
	cfg := e.Config()
	keep := make(map[string]bool)
	e.mu.Lock()
	for _, t := range e.timers {
		if ex, ok := e.executions[t.executionID]; ok && ex.BackupID != "" {
			keep[ex.BackupID] = true
		}
	}
	e.mu.Unlock()
	return e.backups.Sweep(ctx, time.Duration(cfg.Backups.RetentionDays)*24*time.Hour, keep)
}

// Stats returns a snapshot of the execution statistics.
func (e *Engine) Stats() Stats {
	s := e.stats.Snapshot()
	e.mu.Lock()
	s.SessionFixes = e.fixCount
	e.mu.Unlock()
	return s
}
