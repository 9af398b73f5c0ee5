// Package coordinator orchestrates named participants ("guardians") through
// a coordination pattern and decides whether their combined results meet a
// task's success criteria.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/basket/gatekeeper/internal/bus"
	"github.com/basket/gatekeeper/internal/config"
	"github.com/basket/gatekeeper/internal/otel"
	"github.com/basket/gatekeeper/internal/quality"
	"github.com/basket/gatekeeper/internal/shared"
	"github.com/basket/gatekeeper/internal/stats"
)

var (
	ErrTaskNotFound        = errors.New("coordination task not found")
	ErrTaskExists          = errors.New("coordination task already exists")
	ErrConsensusNotReached = errors.New("required consensus not reached")
	ErrCriticalParticipant = errors.New("critical participant failed")
	ErrNotConnected        = errors.New("participant not connected")
)

// ExecutionStatus is the final state of a coordination execution.
type ExecutionStatus string

const (
	ExecutionRunning        ExecutionStatus = "running"
	ExecutionCompleted      ExecutionStatus = "completed"
	ExecutionPartialSuccess ExecutionStatus = "partial_success"
	ExecutionFailed         ExecutionStatus = "failed"
)

// ParticipantStatus is the state of one participant within an execution.
type ParticipantStatus string

const (
	ParticipantPending   ParticipantStatus = "pending"
	ParticipantRunning   ParticipantStatus = "running"
	ParticipantCompleted ParticipantStatus = "completed"
	ParticipantFailed    ParticipantStatus = "failed"
	ParticipantSkipped   ParticipantStatus = "skipped"
)

// ParticipantResult is one participant's outcome in an execution.
type ParticipantResult struct {
	Type     string                    `json:"type"`
	Role     Role                      `json:"role"`
	Status   ParticipantStatus         `json:"status"`
	Results  []quality.ComponentResult `json:"results,omitempty"`
	Score    float64                   `json:"score"`
	Duration time.Duration             `json:"duration"`
	Attempts int                       `json:"attempts"`
	Error    string                    `json:"error,omitempty"`
	Vote     *Vote                     `json:"vote,omitempty"`
}

// DependencyReport classifies every declared dependency edge by the state
// of the participant it points at once the execution settled.
type DependencyReport struct {
	Resolved []string   `json:"resolved,omitempty"`
	Pending  []string   `json:"pending,omitempty"`
	Failed   []string   `json:"failed,omitempty"`
	Circular [][]string `json:"circular,omitempty"`
}

// ExecutionMetrics are the derived coordination measures of an execution.
type ExecutionMetrics struct {
	Synchronization  float64       `json:"synchronization"`
	ConsensusReached bool          `json:"consensus_reached"`
	OverallScore     float64       `json:"overall_score"`
	Alignment        float64       `json:"alignment"`
	Duration         time.Duration `json:"duration"`
}

// Execution is the state of one run of a task.
type Execution struct {
	ID           string                       `json:"id"`
	TaskID       string                       `json:"task_id"`
	Pattern      Pattern                      `json:"pattern"`
	Status       ExecutionStatus              `json:"status"`
	Target       string                       `json:"target"`
	Participants map[string]ParticipantResult `json:"participants"`
	Dependencies DependencyReport             `json:"dependencies"`
	Metrics      ExecutionMetrics             `json:"metrics"`
	Voting       *Voting                      `json:"voting,omitempty"`
	PipelineData map[string]any               `json:"pipeline_data,omitempty"`
	Unmet        []string                     `json:"unmet,omitempty"` // success criteria that did not hold
	Error        string                       `json:"error,omitempty"`
	StartedAt    time.Time                    `json:"started_at"`
	FinishedAt   time.Time                    `json:"finished_at"`
}

// Completed returns the participant types that completed, sorted.
func (x Execution) Completed() []string {
	var out []string
	for t, r := range x.Participants {
		if r.Status == ParticipantCompleted {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// Results flattens every participant's component results, ordered by
// participant type.
func (x Execution) Results() []quality.ComponentResult {
	types := make([]string, 0, len(x.Participants))
	for t := range x.Participants {
		types = append(types, t)
	}
	sort.Strings(types)
	var out []quality.ComponentResult
	for _, t := range types {
		out = append(out, x.Participants[t].Results...)
	}
	return out
}

func (x *Execution) clone() Execution {
	out := *x
	out.Unmet = append([]string(nil), x.Unmet...)
	out.Participants = make(map[string]ParticipantResult, len(x.Participants))
	for k, v := range x.Participants {
		v.Results = append([]quality.ComponentResult(nil), v.Results...)
		out.Participants[k] = v
	}
	if x.Voting != nil {
		v := x.Voting.clone()
		out.Voting = &v
	}
	if x.PipelineData != nil {
		out.PipelineData = make(map[string]any, len(x.PipelineData))
		for k, v := range x.PipelineData {
			out.PipelineData[k] = v
		}
	}
	return out
}

// ParticipantStats accumulates per-participant performance.
type ParticipantStats struct {
	Executions     int64      `json:"executions"`
	Success        stats.Rate `json:"success"`
	Score          stats.Mean `json:"score"`
	DurationMs     stats.Mean `json:"duration_ms"`
	ConsensusVotes int64      `json:"consensus_votes"`
}

// PatternStats accumulates per-pattern outcomes.
type PatternStats struct {
	Executions int64      `json:"executions"`
	Success    stats.Rate `json:"success"`
	DurationMs stats.Mean `json:"duration_ms"`
}

// Stats is a snapshot of coordinator statistics.
type Stats struct {
	Total           int64                       `json:"total"`
	Completed       int64                       `json:"completed"`
	PartialSuccess  int64                       `json:"partial_success"`
	Failed          int64                       `json:"failed"`
	DurationMs      stats.Mean                  `json:"duration_ms"`
	Synchronization stats.Mean                  `json:"synchronization"`
	Consensus       stats.Rate                  `json:"consensus"`
	Participants    map[string]ParticipantStats `json:"participants"`
	Patterns        map[Pattern]PatternStats    `json:"patterns"`
}

func cloneStats(s Stats) Stats {
	out := s
	out.Participants = make(map[string]ParticipantStats, len(s.Participants))
	for k, v := range s.Participants {
		out.Participants[k] = v
	}
	out.Patterns = make(map[Pattern]PatternStats, len(s.Patterns))
	for k, v := range s.Patterns {
		out.Patterns[k] = v
	}
	return out
}

// Options carries the coordinator's collaborators. All fields may be nil.
type Options struct {
	Weights quality.Weights
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

const executionLimit = 200

// Coordinator runs coordination tasks. It is safe for concurrent use.
type Coordinator struct {
	cfg     config.CoordinatorConfig
	weights quality.Weights
	sem     *semaphore.Weighted
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
	stats   *stats.Actor[Stats]

	mu         sync.RWMutex
	tasks      map[string]Task
	conns      map[string]quality.RuleEvaluator
	executions []*Execution
	votings    map[string]*Voting

	retryDelay time.Duration
	now        func() time.Time
}

// New builds a coordinator.
func New(cfg config.CoordinatorConfig, opts Options) (*Coordinator, error) {
	weights := opts.Weights
	if weights == nil {
		weights = quality.DefaultWeights()
	}
	if err := weights.Validate(); err != nil {
		return nil, fmt.Errorf("coordinator weights: %w", err)
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 5
	}
	if cfg.DefaultConsensusThreshold <= 0 {
		cfg.DefaultConsensusThreshold = 0.7
	}
	if cfg.DefaultTimeoutSeconds <= 0 {
		cfg.DefaultTimeoutSeconds = 300
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = otel.Discard()
	}
	return &Coordinator{
		cfg:        cfg,
		weights:    weights.Clone(),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		bus:        opts.Bus,
		logger:     logger.With("component", "coordinator"),
		metrics:    metrics,
		tracer:     opts.Tracer,
		stats:      stats.NewActor(Stats{Participants: map[string]ParticipantStats{}, Patterns: map[Pattern]PatternStats{}}, cloneStats),
		tasks:      make(map[string]Task),
		conns:      make(map[string]quality.RuleEvaluator),
		votings:    make(map[string]*Voting),
		retryDelay: 100 * time.Millisecond,
		now:        time.Now,
	}, nil
}

// Close stops the statistics actor.
func (c *Coordinator) Close() {
	c.stats.Close()
}

// Enabled reports whether coordination is switched on.
func (c *Coordinator) Enabled() bool { return c.cfg.Enabled }

// Connect registers the evaluator that runs participantType's rules. A later
// call replaces the earlier handle.
func (c *Coordinator) Connect(participantType string, ev quality.RuleEvaluator) error {
	if strings.TrimSpace(participantType) == "" || ev == nil {
		return fmt.Errorf("connect: participant type and evaluator are required")
	}
	c.mu.Lock()
	c.conns[participantType] = ev
	c.mu.Unlock()
	c.logger.Info("participant connected", "participant", participantType)
	return nil
}

// Disconnect removes a participant handle. It reports whether one existed.
func (c *Coordinator) Disconnect(participantType string) bool {
	c.mu.Lock()
	_, ok := c.conns[participantType]
	delete(c.conns, participantType)
	c.mu.Unlock()
	if ok {
		c.logger.Info("participant disconnected", "participant", participantType)
	}
	return ok
}

// Connected lists connected participant types, sorted.
func (c *Coordinator) Connected() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.conns))
	for t := range c.conns {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// CreateTask validates and registers a task. An empty ID gets a generated
// one. Defaults for timeout and consensus threshold come from the config.
func (c *Coordinator) CreateTask(task Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Name == "" {
		task.Name = task.ID
	}
	if task.Timeout <= 0 {
		task.Timeout = time.Duration(c.cfg.DefaultTimeoutSeconds) * time.Second
	}
	if task.ConsensusThreshold == 0 {
		task.ConsensusThreshold = c.cfg.DefaultConsensusThreshold
	}
	if err := task.Validate(); err != nil {
		return "", err
	}
	if task.Pattern == PatternConsensus && !c.cfg.ConsensusEnabled {
		return "", fmt.Errorf("%w: consensus coordination is disabled", ErrInvalidTask)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tasks[task.ID]; ok {
		return "", fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}
	c.tasks[task.ID] = task.clone()
	c.logger.Info("task created", "task_id", task.ID, "pattern", task.Pattern, "participants", len(task.Participants))
	return task.ID, nil
}

// DeleteTask removes a task. Executions already recorded are kept.
func (c *Coordinator) DeleteTask(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tasks[id]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(c.tasks, id)
	return nil
}

// Task returns a registered task.
func (c *Coordinator) Task(id string) (Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Tasks lists registered tasks, highest priority first.
func (c *Coordinator) Tasks() []Task {
	c.mu.RLock()
	out := make([]Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t.clone())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Executions returns the recorded executions of taskID, oldest first. An
// empty taskID returns every recorded execution.
func (c *Coordinator) Executions(taskID string) []Execution {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Execution
	for _, x := range c.executions {
		if taskID == "" || x.TaskID == taskID {
			out = append(out, x.clone())
		}
	}
	return out
}

// Execution returns one recorded execution.
func (c *Coordinator) Execution(id string) (Execution, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, x := range c.executions {
		if x.ID == id {
			return x.clone(), true
		}
	}
	return Execution{}, false
}

// Voting returns a closed voting round by id.
func (c *Coordinator) Voting(id string) (Voting, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.votings[id]
	if !ok {
		return Voting{}, false
	}
	return v.clone(), true
}

// Stats returns a snapshot of the coordinator statistics.
func (c *Coordinator) Stats() Stats {
	return c.stats.Snapshot()
}

// Execute runs a registered task against vc. It waits for a free task slot
// when max_concurrent_tasks executions are already running.
//
// The returned execution is always recorded. The error is non-nil only when
// the task is unknown, no slot could be acquired, a critical participant
// failed, or consensus was required and not reached.
func (c *Coordinator) Execute(ctx context.Context, taskID string, vc quality.Context) (*Execution, error) {
	task, ok := c.Task(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire task slot: %w", err)
	}
	defer c.sem.Release(1)

	ctx, span := otel.StartSpan(ctx, c.tracer, "coordination.execute",
		otel.AttrTaskID.String(task.ID),
		otel.AttrPattern.String(string(task.Pattern)),
		otel.AttrTarget.String(vc.TargetPath),
	)
	runCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()

	r := &run{
		c:    c,
		task: task,
		vc:   vc,
		exec: &Execution{
			ID:           uuid.NewString(),
			TaskID:       task.ID,
			Pattern:      task.Pattern,
			Status:       ExecutionRunning,
			Target:       vc.TargetPath,
			Participants: make(map[string]ParticipantResult, len(task.Participants)),
			StartedAt:    c.now(),
		},
	}
	for _, p := range task.Participants {
		r.exec.Participants[p.Type] = ParticipantResult{Type: p.Type, Role: p.Role, Status: ParticipantPending}
	}
	span.SetAttributes(otel.AttrExecutionID.String(r.exec.ID))
	logger := c.logger.With("execution_id", r.exec.ID, "task_id", task.ID, "trace_id", shared.TraceID(ctx))
	logger.Info("coordination started", "pattern", task.Pattern, "target", vc.TargetPath)
	c.publish(bus.TopicCoordinationStarted, r.exec)

	var err error
	switch task.Pattern {
	case PatternSequential:
		err = r.sequential(runCtx)
	case PatternParallel:
		r.parallel(runCtx)
	case PatternConditional:
		err = r.conditional(runCtx)
	case PatternPipeline:
		err = r.pipeline(runCtx)
	case PatternConsensus:
		err = r.consensus(runCtx)
	}
	err = r.settle(err)

	x := r.exec
	x.FinishedAt = c.now()
	x.Metrics.Duration = x.FinishedAt.Sub(x.StartedAt)
	if err != nil {
		x.Error = err.Error()
	}
	c.record(x)
	c.updateStats(x)

	c.metrics.CoordinationDuration.Record(ctx, x.Metrics.Duration.Seconds(), metric.WithAttributes(
		otel.AttrPattern.String(string(x.Pattern)),
		otel.AttrStatus.String(string(x.Status)),
	))
	otel.EndSpan(span, err)
	c.publish(bus.TopicCoordinationCompleted, x)
	logger.Info("coordination finished",
		"status", x.Status,
		"score", x.Metrics.OverallScore,
		"alignment", x.Metrics.Alignment,
		"duration_ms", x.Metrics.Duration.Milliseconds(),
	)
	out := x.clone()
	return &out, err
}

func (c *Coordinator) record(x *Execution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executions = append(c.executions, x)
	if x.Voting != nil {
		c.votings[x.Voting.ID] = x.Voting
	}
	if excess := len(c.executions) - executionLimit; excess > 0 {
		for _, old := range c.executions[:excess] {
			if old.Voting != nil {
				delete(c.votings, old.Voting.ID)
			}
		}
		c.executions = append([]*Execution(nil), c.executions[excess:]...)
	}
}

func (c *Coordinator) updateStats(x *Execution) {
	snap := x.clone()
	c.stats.Update(func(s *Stats) {
		s.Total++
		switch snap.Status {
		case ExecutionCompleted:
			s.Completed++
		case ExecutionPartialSuccess:
			s.PartialSuccess++
		default:
			s.Failed++
		}
		ms := float64(snap.Metrics.Duration.Milliseconds())
		s.DurationMs.Add(ms)
		s.Synchronization.Add(snap.Metrics.Synchronization)
		if snap.Pattern == PatternConsensus {
			s.Consensus.Observe(snap.Metrics.ConsensusReached)
		}
		for t, r := range snap.Participants {
			if r.Status == ParticipantPending || r.Status == ParticipantSkipped {
				continue
			}
			ps := s.Participants[t]
			ps.Executions++
			ps.Success.Observe(r.Status == ParticipantCompleted)
			if r.Status == ParticipantCompleted {
				ps.Score.Add(r.Score)
			}
			ps.DurationMs.Add(float64(r.Duration.Milliseconds()))
			if r.Vote != nil {
				ps.ConsensusVotes++
			}
			s.Participants[t] = ps
		}
		pat := s.Patterns[snap.Pattern]
		pat.Executions++
		pat.Success.Observe(snap.Status == ExecutionCompleted)
		pat.DurationMs.Add(ms)
		s.Patterns[snap.Pattern] = pat
	})
}

func (c *Coordinator) publish(topic string, x *Execution) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(topic, bus.CoordinationEvent{
		ExecutionID: x.ID,
		TaskID:      x.TaskID,
		Pattern:     string(x.Pattern),
		Status:      string(x.Status),
		Score:       x.Metrics.OverallScore,
	})
}

func (c *Coordinator) evaluator(participantType string) (quality.RuleEvaluator, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ev, ok := c.conns[participantType]
	return ev, ok
}

type pipelineDataKey struct{}

// WithPipelineData attaches the data accumulated by earlier pipeline stages.
func WithPipelineData(ctx context.Context, data map[string]any) context.Context {
	return context.WithValue(ctx, pipelineDataKey{}, data)
}

// PipelineData returns the data accumulated by earlier pipeline stages, or
// nil outside a pipeline execution. Callers must not modify it.
func PipelineData(ctx context.Context) map[string]any {
	if v, ok := ctx.Value(pipelineDataKey{}).(map[string]any); ok {
		return v
	}
	return nil
}
