package integration

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/gatekeeper/internal/autofix"
	"github.com/basket/gatekeeper/internal/config"
	"github.com/basket/gatekeeper/internal/coordinator"
	"github.com/basket/gatekeeper/internal/evaluators"
	"github.com/basket/gatekeeper/internal/otel"
	"github.com/basket/gatekeeper/internal/quality"
	"github.com/basket/gatekeeper/internal/scheduler"
	"github.com/basket/gatekeeper/internal/shared"
)

// scheduleWindow is how many recent firings feed the scheduling score.
const scheduleWindow = 10

// pipeline is the state of one RunValidation call.
type pipeline struct {
	e   *Engine
	cfg config.Config
	vc  quality.Context

	mu     sync.Mutex
	result *RunResult
	halted bool
}

func (p *pipeline) run(ctx context.Context, mode Mode) {
	switch mode {
	case ModeSequential:
		p.sequential(ctx)
	case ModeParallel:
		p.parallel(ctx)
	case ModeAdaptive:
		strategy := classify(p.vc, p.cfg.Integration)
		p.result.Strategy = strategy
		switch strategy {
		case StrategyPrincipleFirst:
			p.principleFirst(ctx)
		case StrategyPerformance:
			p.performance(ctx)
		default:
			p.comprehensive(ctx)
		}
	}
	_ = p.step(ctx, ComponentScheduling, p.scheduling)
}

// classify picks the adaptive strategy for vc.
func classify(vc quality.Context, cfg config.IntegrationConfig) Strategy {
	content := strings.ToLower(vc.Content)
	for _, kw := range cfg.PrincipleKeywords {
		if kw != "" && strings.Contains(content, strings.ToLower(kw)) {
			return StrategyPrincipleFirst
		}
	}
	path := strings.ToLower(vc.TargetPath)
	for _, frag := range cfg.PerformancePaths {
		if frag != "" && strings.Contains(path, strings.ToLower(frag)) {
			return StrategyPerformance
		}
	}
	if cfg.LargePayloadBytes > 0 && len(vc.Content) > cfg.LargePayloadBytes {
		return StrategyPerformance
	}
	return StrategyComprehensive
}

func (p *pipeline) sequential(ctx context.Context) {
	_ = p.step(ctx, ComponentPrinciples, p.principles(false))
	_ = p.step(ctx, ComponentRules, p.rules())
	p.downstream(ctx)
}

func (p *pipeline) parallel(ctx context.Context) {
	p.independent(ctx, p.principles(false), p.rules())
	p.downstream(ctx)
}

// independent runs principle scoring and rule evaluation concurrently. Under
// strict error handling the first error cancels the sibling step.
func (p *pipeline) independent(ctx context.Context, principles, rules stepFunc) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.step(gctx, ComponentPrinciples, principles) })
	g.Go(func() error { return p.step(gctx, ComponentRules, rules) })
	_ = g.Wait()
}

// downstream runs coordination and auto-fix when their triggers hold.
func (p *pipeline) downstream(ctx context.Context) {
	if p.shouldCoordinate() {
		_ = p.step(ctx, ComponentCoordination, p.coordination)
	}
	if p.shouldAutoFix() {
		_ = p.step(ctx, ComponentAutoFix, p.autofix)
	}
}

func (p *pipeline) principleFirst(ctx context.Context) {
	if !p.cfg.Principles.Enabled || p.e.principles == nil {
		p.parallel(ctx)
		return
	}
	_ = p.step(ctx, ComponentPrinciples, p.principles(false))
	rep, ok := p.report(ComponentPrinciples)
	floor := p.cfg.Principles.MinAlignment
	if !ok || !rep.Scored || rep.Score >= floor {
		_ = p.step(ctx, ComponentRules, p.rules())
		p.downstream(ctx)
		return
	}
	p.mu.Lock()
	p.result.Recommendations = append(p.result.Recommendations, fmt.Sprintf(
		"principle alignment %.2f is below %.2f: remediation runs before coordination", rep.Score, floor))
	p.mu.Unlock()
	_ = p.step(ctx, ComponentRules, p.rules())
	if p.autofixEnabled() {
		_ = p.step(ctx, ComponentAutoFix, p.autofix)
	}
}

func (p *pipeline) performance(ctx context.Context) {
	p.independent(ctx, p.principles(true), p.rules(quality.TagCritical))
}

func (p *pipeline) comprehensive(ctx context.Context) {
	p.sequential(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	correlateDeep(p.result)
	crossValidate(p.result)
}

type stepFunc func(ctx context.Context) (ComponentReport, error)

// errSkipped marks a step that had nothing to do; no report is recorded.
var errSkipped = errors.New("step skipped")

// step runs fn under a span and records its report. A panic inside fn is
// converted into a component error. The returned error is non-nil only when
// the failure halts the pipeline.
func (p *pipeline) step(ctx context.Context, name string, fn stepFunc) (halt error) {
	if p.isHalted() {
		return nil
	}
	ctx, span := otel.StartSpan(ctx, p.e.tracer, "validation.step."+name,
		otel.AttrComponent.String(name),
		otel.AttrRunID.String(p.result.ID),
	)
	start := time.Now()
	rep, err := safeStep(ctx, fn)
	if errors.Is(err, errSkipped) {
		otel.EndSpan(span, nil)
		return nil
	}
	rep.Name = name
	rep.Duration = time.Since(start)
	if err != nil {
		rep.Status = quality.StatusError
		rep.Error = err.Error()
		rep.Scored = false
		p.e.logger.Warn("pipeline step failed", "run_id", p.result.ID, "step", name, "error", err)
	}
	p.mu.Lock()
	p.result.Components[name] = rep
	if err != nil && p.strictFor(name) {
		p.halted = true
		halt = err
	}
	p.mu.Unlock()
	otel.EndSpan(span, err)
	return halt
}

func safeStep(ctx context.Context, fn stepFunc) (rep ComponentReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

func (p *pipeline) strictFor(name string) bool {
	switch p.cfg.Integration.ErrorHandling {
	case "strict":
		return true
	case "adaptive":
		return name == ComponentPrinciples || name == ComponentRules
	}
	return false
}

func (p *pipeline) isHalted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}

func (p *pipeline) report(name string) (ComponentReport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rep, ok := p.result.Components[name]
	return rep, ok
}

func (p *pipeline) principles(quick bool) stepFunc {
	return func(ctx context.Context) (ComponentReport, error) {
		if !p.cfg.Principles.Enabled || p.e.principles == nil {
			return ComponentReport{}, errSkipped
		}
		scorer := p.e.principles
		score := scorer.Score
		if qs, ok := scorer.(quality.QuickScorer); ok && quick {
			score = qs.QuickScore
		}
		res, err := score(ctx, p.vc)
		if err != nil {
			return ComponentReport{}, err
		}
		overall := quality.Clamp01(res.Overall)
		status := quality.StatusForScore(overall)
		msg := fmt.Sprintf("principle alignment %.2f", overall)
		if res.Weakest != "" {
			msg += fmt.Sprintf(", weakest %s", res.Weakest)
		}
		p.mu.Lock()
		p.result.Principles = &res
		p.mu.Unlock()
		return ComponentReport{
			Status: status,
			Score:  overall,
			Scored: true,
			Results: []quality.ComponentResult{{
				Component: ComponentPrinciples,
				Score:     overall,
				Status:    status,
				Message:   msg,
				SubScores: res.Scores(),
			}},
		}, nil
	}
}

func (p *pipeline) rules(tags ...string) stepFunc {
	return func(ctx context.Context) (ComponentReport, error) {
		if !p.cfg.Rules.Enabled || p.e.rules == nil {
			return ComponentReport{}, errSkipped
		}
		if p.cfg.Rules.TimeoutSeconds > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(p.cfg.Rules.TimeoutSeconds)*time.Second)
			defer cancel()
		}
		var (
			results []quality.ComponentResult
			err     error
		)
		if len(tags) > 0 {
			results, err = quality.EvaluateTagged(ctx, p.e.rules, p.vc, tags...)
		} else {
			results, err = p.e.rules.Evaluate(ctx, p.vc)
		}
		if err != nil {
			return ComponentReport{}, err
		}
		score, status := quality.Summarize(results)
		return ComponentReport{Status: status, Score: score, Scored: true, Results: results}, nil
	}
}

func (p *pipeline) coordinationEnabled() bool {
	return p.cfg.Coordinator.Enabled && p.e.coordinator != nil
}

func (p *pipeline) autofixEnabled() bool {
	return p.cfg.AutoFix.Enabled && p.e.autofix != nil
}

// shouldCoordinate holds for targets whose path contains one of the
// configured coordination fragments.
func (p *pipeline) shouldCoordinate() bool {
	if !p.coordinationEnabled() || p.isHalted() {
		return false
	}
	path := strings.ToLower(p.vc.TargetPath)
	for _, frag := range p.cfg.Integration.CoordinationPaths {
		if frag != "" && strings.Contains(path, strings.ToLower(frag)) {
			return true
		}
	}
	return false
}

// shouldAutoFix holds when critical issues exist or the interim score is
// below the configured floor.
func (p *pipeline) shouldAutoFix() bool {
	if !p.autofixEnabled() || p.isHalted() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.Integration.AutoFixOnCritical && len(criticalIssues(p.result)) > 0 {
		return true
	}
	agg := aggregator{cfg: p.cfg.Integration}
	scores := agg.scored(p.result)
	return len(scores) > 0 && agg.combine(scores) < p.cfg.Integration.AutoFixScoreFloor
}

func (p *pipeline) coordination(ctx context.Context) (ComponentReport, error) {
	taskID := p.cfg.Integration.CoordinationTask
	if taskID == "" {
		tasks := p.e.coordinator.Tasks()
		if len(tasks) == 0 {
			p.e.logger.Debug("no coordination task registered", "run_id", p.result.ID)
			return ComponentReport{}, errSkipped
		}
		taskID = tasks[0].ID
	}
	x, err := p.e.coordinator.Execute(ctx, taskID, p.vc)
	if x == nil {
		if err == nil {
			err = fmt.Errorf("coordination task %s returned no execution", taskID)
		}
		return ComponentReport{}, err
	}

	summary := &CoordinationSummary{
		TaskID:           x.TaskID,
		ExecutionID:      x.ID,
		Status:           string(x.Status),
		ConsensusReached: x.Metrics.ConsensusReached,
		Synchronization:  x.Metrics.Synchronization,
		Unmet:            append([]string(nil), x.Unmet...),
	}
	p.mu.Lock()
	p.result.Coordination = summary
	p.mu.Unlock()

	var status quality.Status
	switch x.Status {
	case coordinator.ExecutionCompleted:
		status = quality.StatusPassed
	case coordinator.ExecutionPartialSuccess:
		status = quality.StatusWarning
	default:
		status = quality.StatusFailed
	}
	msg := fmt.Sprintf("coordination task %s %s", x.TaskID, x.Status)
	if err != nil {
		status = quality.StatusFailed
		msg = fmt.Sprintf("coordination task %s failed: %v", x.TaskID, err)
	} else if len(x.Unmet) > 0 {
		msg += ": " + strings.Join(x.Unmet, "; ")
	}
	score := quality.Clamp01(x.Metrics.OverallScore)
	results := append(x.Results(), quality.ComponentResult{
		Component: ComponentCoordination,
		Score:     score,
		Status:    status,
		Message:   msg,
		Duration:  x.Metrics.Duration,
	})
	return ComponentReport{Status: status, Score: score, Scored: true, Results: results}, nil
}

// autofix submits every fix the rule evaluator proposes for the failing
// findings of this run.
func (p *pipeline) autofix(ctx context.Context) (ComponentReport, error) {
	proposer, ok := p.e.rules.(Proposer)
	rules, hasRules := p.report(ComponentRules)
	var proposals []evaluators.Proposal
	if ok && hasRules {
		proposals = proposer.Propose(p.vc, rules.Results)
	}
	if len(proposals) == 0 {
		return ComponentReport{
			Status: quality.StatusPassed,
			Results: []quality.ComponentResult{{
				Component: ComponentAutoFix,
				Score:     1,
				Status:    quality.StatusPassed,
				Message:   "no remediation available",
			}},
		}, nil
	}

	var (
		results  []quality.ComponentResult
		outcomes []FixOutcome
		scores   []float64
	)
	for _, pr := range proposals {
		if err := ctx.Err(); err != nil {
			return ComponentReport{}, err
		}
		risk := autofix.Risk(strings.ToLower(pr.Risk))
		if risk == "" {
			risk = autofix.RiskLow
		}
		action := autofix.Action{
			Kind:        autofix.KindPatch,
			Target:      pr.Target,
			Risk:        risk,
			RuleID:      pr.RuleID,
			Description: pr.Message,
			Patches:     []autofix.Patch{{Search: pr.Search, Replace: pr.Replace, All: true}},
		}
		start := time.Now()
		id, err := p.e.autofix.Submit(shared.WithGuardian(ctx, pr.Guardian), action, p.vc, pr.Guardian)
		res := quality.ComponentResult{Component: ComponentAutoFix, RuleID: pr.RuleID, Duration: time.Since(start)}
		out := FixOutcome{ExecutionID: id, RuleID: pr.RuleID, Guardian: pr.Guardian}
		switch {
		case err == nil:
			out.Status = string(autofix.StatusCompleted)
			res.Score, res.Status = 1, quality.StatusPassed
			res.Message = fmt.Sprintf("fix for %s applied", pr.RuleID)
		case errors.Is(err, autofix.ErrApprovalRequired):
			out.Status = string(autofix.StatusPending)
			res.Score, res.Status = 0.5, quality.StatusWarning
			res.Message = fmt.Sprintf("fix for %s awaiting approval", pr.RuleID)
		case errors.Is(err, autofix.ErrRiskRejected), errors.Is(err, autofix.ErrSessionLimit),
			errors.Is(err, autofix.ErrDisabled), errors.Is(err, autofix.ErrPolicyDenied):
			out.Status, out.Error = FixSkipped, err.Error()
			res.Status = quality.StatusWarning
			res.Message = fmt.Sprintf("fix for %s skipped (%v)", pr.RuleID, err)
		default:
			out.Status, out.Error = FixFailed, err.Error()
			res.Score, res.Status = 0, quality.StatusFailed
			res.Message = fmt.Sprintf("fix for %s failed: %v", pr.RuleID, err)
		}
		if out.Status != FixSkipped {
			scores = append(scores, res.Score)
		}
		results = append(results, res)
		outcomes = append(outcomes, out)
	}
	p.mu.Lock()
	p.result.Fixes = append(p.result.Fixes, outcomes...)
	p.mu.Unlock()

	rep := ComponentReport{Results: results}
	if len(scores) > 0 {
		rep.Score = quality.Mean(scores)
		rep.Scored = true
	}
	_, rep.Status = quality.Summarize(results)
	return rep, nil
}

// scheduling scores the recent firings of the schedule that triggered
// this run.
func (p *pipeline) scheduling(ctx context.Context) (ComponentReport, error) {
	id := p.result.ScheduleID
	if id == "" || p.e.schedules == nil {
		return ComponentReport{}, errSkipped
	}
	var done, ok int
	for _, x := range p.e.schedules.Executions(id, scheduleWindow) {
		switch x.Status {
		case scheduler.ExecutionCompleted:
			done++
			ok++
		case scheduler.ExecutionFailed:
			done++
		}
	}
	if done == 0 {
		return ComponentReport{}, errSkipped
	}
	rate := float64(ok) / float64(done)
	status := quality.StatusForScore(rate)
	return ComponentReport{
		Status: status,
		Score:  rate,
		Scored: true,
		Results: []quality.ComponentResult{{
			Component: ComponentScheduling,
			Score:     rate,
			Status:    status,
			Message:   fmt.Sprintf("schedule %s success rate %.2f over %d firings", id, rate, done),
		}},
	}, nil
}
