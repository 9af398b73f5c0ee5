package coordinator

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/gatekeeper/internal/bus"
	"github.com/basket/gatekeeper/internal/config"
	"github.com/basket/gatekeeper/internal/quality"
)

func newTestCoordinator(t *testing.T, b *bus.Bus) *Coordinator {
	t.Helper()
	c, err := New(config.CoordinatorConfig{
		Enabled:            true,
		MaxConcurrentTasks: 4,
		ConsensusEnabled:   true,
	}, Options{Bus: b})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.retryDelay = 0
	t.Cleanup(c.Close)
	return c
}

// scored returns an evaluator yielding one result with the given score.
func scored(score float64) quality.RuleEvaluator {
	return quality.RuleEvaluatorFunc(func(ctx context.Context, vc quality.Context) ([]quality.ComponentResult, error) {
		return []quality.ComponentResult{{Score: score, Status: quality.StatusForScore(score)}}, nil
	})
}

func failing(msg string) quality.RuleEvaluator {
	return quality.RuleEvaluatorFunc(func(ctx context.Context, vc quality.Context) ([]quality.ComponentResult, error) {
		return nil, errors.New(msg)
	})
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) wrap(name string, ev quality.RuleEvaluator) quality.RuleEvaluator {
	return quality.RuleEvaluatorFunc(func(ctx context.Context, vc quality.Context) ([]quality.ComponentResult, error) {
		l.mu.Lock()
		l.calls = append(l.calls, name)
		l.mu.Unlock()
		return ev.Evaluate(ctx, vc)
	})
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func connect(t *testing.T, c *Coordinator, evs map[string]quality.RuleEvaluator) {
	t.Helper()
	for name, ev := range evs {
		if err := c.Connect(name, ev); err != nil {
			t.Fatalf("Connect(%s): %v", name, err)
		}
	}
}

func mustCreate(t *testing.T, c *Coordinator, task Task) string {
	t.Helper()
	id, err := c.CreateTask(task)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return id
}

var vc = quality.Context{TargetPath: "src/components/Button.tsx", Content: "export const Button = () => null"}

func TestCreateTask_RejectsCycles(t *testing.T) {
	c := newTestCoordinator(t, nil)

	_, err := c.CreateTask(Task{ID: "cycle", Pattern: PatternSequential, Participants: []Participant{
		{Type: "a", Role: RolePrimary, Weight: 1, DependsOn: []string{"b"}},
		{Type: "b", Role: RolePrimary, Weight: 1, DependsOn: []string{"a"}},
	}})
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
	var ce *CycleError
	if !errors.As(err, &ce) || len(ce.Cycle) != 3 || ce.Cycle[0] != ce.Cycle[2] {
		t.Fatalf("expected closed cycle, got %+v", ce)
	}

	_, err = c.CreateTask(Task{ID: "self", Pattern: PatternSequential, Participants: []Participant{
		{Type: "a", Role: RolePrimary, Weight: 1, DependsOn: []string{"a"}},
	}})
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("self dependency: expected ErrCyclicDependency, got %v", err)
	}

	if _, ok := c.Task("cycle"); ok {
		t.Fatal("rejected task must not be registered")
	}
}

func TestCreateTask_AcceptsChain(t *testing.T) {
	c := newTestCoordinator(t, nil)
	id := mustCreate(t, c, Task{ID: "chain", Pattern: PatternSequential, Participants: []Participant{
		{Type: "c", Role: RolePrimary, Weight: 1, DependsOn: []string{"b"}},
		{Type: "b", Role: RolePrimary, Weight: 1, DependsOn: []string{"a"}},
		{Type: "a", Role: RolePrimary, Weight: 1},
	}})
	task, ok := c.Task(id)
	if !ok {
		t.Fatal("task not registered")
	}
	if task.Timeout != 300*time.Second {
		t.Fatalf("default timeout = %v", task.Timeout)
	}
	if task.ConsensusThreshold != 0.7 {
		t.Fatalf("default threshold = %v", task.ConsensusThreshold)
	}
}

func TestCreateTask_Invalid(t *testing.T) {
	c := newTestCoordinator(t, nil)
	cases := map[string]Task{
		"no participants": {ID: "x", Pattern: PatternParallel},
		"unknown pattern": {ID: "x", Pattern: "round_robin", Participants: []Participant{{Type: "a", Role: RolePrimary}}},
		"duplicate":       {ID: "x", Pattern: PatternParallel, Participants: []Participant{{Type: "a", Role: RolePrimary}, {Type: "a", Role: RolePrimary}}},
		"bad role":        {ID: "x", Pattern: PatternParallel, Participants: []Participant{{Type: "a", Role: "leader"}}},
		"undeclared dep":  {ID: "x", Pattern: PatternParallel, Participants: []Participant{{Type: "a", Role: RolePrimary, DependsOn: []string{"z"}}}},
		"unknown critical": {ID: "x", Pattern: PatternParallel, Participants: []Participant{{Type: "a", Role: RolePrimary}},
			Criteria: Criteria{Critical: []string{"z"}}},
	}
	for name, task := range cases {
		if _, err := c.CreateTask(task); !errors.Is(err, ErrInvalidTask) {
			t.Errorf("%s: expected ErrInvalidTask, got %v", name, err)
		}
	}

	mustCreate(t, c, Task{ID: "dup", Pattern: PatternParallel, Participants: []Participant{{Type: "a", Role: RolePrimary}}})
	if _, err := c.CreateTask(Task{ID: "dup", Pattern: PatternParallel, Participants: []Participant{{Type: "a", Role: RolePrimary}}}); !errors.Is(err, ErrTaskExists) {
		t.Fatalf("expected ErrTaskExists, got %v", err)
	}
}

func TestCreateTask_ConsensusDisabled(t *testing.T) {
	c, err := New(config.CoordinatorConfig{Enabled: true}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_, err = c.CreateTask(Task{ID: "vote", Pattern: PatternConsensus, Participants: []Participant{{Type: "a", Role: RolePrimary}}})
	if !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected ErrInvalidTask, got %v", err)
	}
}

func consensusTask(id string, threshold float64, require bool) Task {
	return Task{
		ID:                 id,
		Pattern:            PatternConsensus,
		ConsensusThreshold: threshold,
		RequireConsensus:   require,
		Participants: []Participant{
			{Type: "architecture", Role: RolePrimary, Weight: 0.5},
			{Type: "ux", Role: RolePrimary, Weight: 0.3},
			{Type: "security", Role: RolePrimary, Weight: 0.2},
		},
	}
}

func TestConsensus_WeightedShare(t *testing.T) {
	c := newTestCoordinator(t, nil)
	connect(t, c, map[string]quality.RuleEvaluator{
		"architecture": scored(0.9),
		"ux":           scored(0.8),
		"security":     scored(0.2),
	})

	id := mustCreate(t, c, consensusTask("reach", 0.7, true))
	x, err := c.Execute(context.Background(), id, vc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	res := x.Voting.Result
	if res.Winner != OptionApprove || !res.Reached {
		t.Fatalf("expected approve reached, got %+v", res)
	}
	if math.Abs(res.Confidence-0.8) > 1e-9 {
		t.Fatalf("confidence = %v, want 0.8", res.Confidence)
	}
	if len(res.Dissenting) != 1 || res.Dissenting[0] != "security" {
		t.Fatalf("dissenting = %v", res.Dissenting)
	}
	if res.Unanimous {
		t.Fatal("vote was not unanimous")
	}
	if !x.Metrics.ConsensusReached || x.Voting.Status != VotingClosed {
		t.Fatalf("metrics/status = %+v / %s", x.Metrics, x.Voting.Status)
	}
	if v := x.Participants["security"].Vote; v == nil || v.Option != OptionReject {
		t.Fatalf("security vote = %+v", v)
	}
	if _, ok := c.Voting(x.Voting.ID); !ok {
		t.Fatal("voting round not retrievable")
	}

	id = mustCreate(t, c, consensusTask("miss", 0.85, true))
	x, err = c.Execute(context.Background(), id, vc)
	if !errors.Is(err, ErrConsensusNotReached) {
		t.Fatalf("expected ErrConsensusNotReached, got %v", err)
	}
	if x == nil || x.Status != ExecutionFailed || x.Voting.Result.Reached {
		t.Fatalf("expected failed execution without consensus, got %+v", x)
	}

	id = mustCreate(t, c, consensusTask("optional", 0.85, false))
	x, err = c.Execute(context.Background(), id, vc)
	if err != nil {
		t.Fatalf("consensus not required: %v", err)
	}
	if x.Metrics.ConsensusReached {
		t.Fatal("consensus must not be reached at 0.85")
	}
}

type votingGuardian struct {
	quality.RuleEvaluator
	vote  Vote
	delay time.Duration
}

func (g votingGuardian) Vote(ctx context.Context, question string, r ParticipantResult) (Vote, error) {
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return Vote{}, ctx.Err()
		}
	}
	return g.vote, nil
}

func TestConsensus_VoterOverridesDerivedVote(t *testing.T) {
	c := newTestCoordinator(t, nil)
	connect(t, c, map[string]quality.RuleEvaluator{
		"architecture": votingGuardian{RuleEvaluator: scored(0.9), vote: Vote{Option: OptionReject, Confidence: 1}},
		"ux":           scored(0.9),
		"security":     scored(0.9),
	})
	id := mustCreate(t, c, consensusTask("override", 0.5, false))
	x, err := c.Execute(context.Background(), id, vc)
	if err != nil {
		t.Fatal(err)
	}
	if x.Voting.Result.Winner != OptionApprove {
		t.Fatalf("winner = %s", x.Voting.Result.Winner)
	}
	if v := x.Participants["architecture"].Vote; v == nil || v.Option != OptionReject {
		t.Fatalf("architecture vote = %+v, want reject", v)
	}
	if math.Abs(x.Voting.Result.Confidence-0.5) > 1e-9 {
		t.Fatalf("confidence = %v, want 0.5", x.Voting.Result.Confidence)
	}
}

func TestConsensus_ExpiredRound(t *testing.T) {
	c := newTestCoordinator(t, nil)
	connect(t, c, map[string]quality.RuleEvaluator{
		"architecture": votingGuardian{RuleEvaluator: scored(0.9), vote: Vote{Option: OptionApprove}, delay: 5 * time.Second},
		"ux":           scored(0.9),
		"security":     scored(0.9),
	})
	task := consensusTask("slow", 0.5, true)
	task.Timeout = 100 * time.Millisecond
	id := mustCreate(t, c, task)
	x, err := c.Execute(context.Background(), id, vc)
	if !errors.Is(err, ErrConsensusNotReached) {
		t.Fatalf("expected ErrConsensusNotReached, got %v", err)
	}
	if x.Voting.Status != VotingExpired {
		t.Fatalf("voting status = %s, want expired", x.Voting.Status)
	}
}

func TestSequential_DependencyOrder(t *testing.T) {
	c := newTestCoordinator(t, nil)
	var log callLog
	connect(t, c, map[string]quality.RuleEvaluator{
		"a": log.wrap("a", scored(0.9)),
		"b": log.wrap("b", scored(0.9)),
		"c": log.wrap("c", scored(0.9)),
	})
	id := mustCreate(t, c, Task{ID: "seq", Pattern: PatternSequential, Participants: []Participant{
		{Type: "c", Role: RolePrimary, Weight: 1, DependsOn: []string{"b"}},
		{Type: "b", Role: RolePrimary, Weight: 1, DependsOn: []string{"a"}},
		{Type: "a", Role: RolePrimary, Weight: 1},
	}})
	x, err := c.Execute(context.Background(), id, vc)
	if err != nil {
		t.Fatal(err)
	}
	got := log.list()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("call order = %v", got)
	}
	if x.Status != ExecutionCompleted {
		t.Fatalf("status = %s, unmet = %v", x.Status, x.Unmet)
	}
	if len(x.Dependencies.Resolved) != 2 {
		t.Fatalf("resolved = %v", x.Dependencies.Resolved)
	}
}

func TestSequential_SkipsDependentsOfFailure(t *testing.T) {
	c := newTestCoordinator(t, nil)
	connect(t, c, map[string]quality.RuleEvaluator{
		"a": failing("boom"),
		"b": scored(0.9),
		"c": scored(0.9),
	})
	id := mustCreate(t, c, Task{ID: "skip", Pattern: PatternSequential, AllowPartialSuccess: true,
		Criteria: Criteria{MinSuccessful: 2},
		Participants: []Participant{
			{Type: "a", Role: RolePrimary, Weight: 1},
			{Type: "b", Role: RolePrimary, Weight: 1, DependsOn: []string{"a"}},
			{Type: "c", Role: RolePrimary, Weight: 1},
		}})
	x, err := c.Execute(context.Background(), id, vc)
	if err != nil {
		t.Fatalf("non-critical failure must not propagate: %v", err)
	}
	if x.Participants["a"].Status != ParticipantFailed {
		t.Fatalf("a = %s", x.Participants["a"].Status)
	}
	if x.Participants["b"].Status != ParticipantSkipped {
		t.Fatalf("b = %s", x.Participants["b"].Status)
	}
	if x.Participants["c"].Status != ParticipantCompleted {
		t.Fatalf("c = %s", x.Participants["c"].Status)
	}
	if x.Status != ExecutionPartialSuccess {
		t.Fatalf("status = %s", x.Status)
	}
	if len(x.Dependencies.Failed) != 1 || x.Dependencies.Failed[0] != "b->a" {
		t.Fatalf("failed deps = %v", x.Dependencies.Failed)
	}
}

func TestSequential_CriticalFailureStops(t *testing.T) {
	c := newTestCoordinator(t, nil)
	var log callLog
	connect(t, c, map[string]quality.RuleEvaluator{
		"a": log.wrap("a", failing("broken")),
		"b": log.wrap("b", scored(1)),
	})
	id := mustCreate(t, c, Task{ID: "crit", Pattern: PatternSequential, AllowPartialSuccess: true,
		Criteria: Criteria{Critical: []string{"a"}},
		Participants: []Participant{
			{Type: "a", Role: RolePrimary, Weight: 1},
			{Type: "b", Role: RolePrimary, Weight: 1},
		}})
	x, err := c.Execute(context.Background(), id, vc)
	if !errors.Is(err, ErrCriticalParticipant) {
		t.Fatalf("expected ErrCriticalParticipant, got %v", err)
	}
	if x.Status != ExecutionFailed {
		t.Fatalf("status = %s", x.Status)
	}
	if got := log.list(); len(got) != 1 {
		t.Fatalf("sequence should stop after critical failure, calls = %v", got)
	}
	if x.Participants["b"].Status != ParticipantPending {
		t.Fatalf("b = %s", x.Participants["b"].Status)
	}
}

func TestParallel_RunsConcurrently(t *testing.T) {
	c := newTestCoordinator(t, nil)
	const n = 3
	var started atomic.Int32
	barrier := quality.RuleEvaluatorFunc(func(ctx context.Context, vc quality.Context) ([]quality.ComponentResult, error) {
		started.Add(1)
		deadline := time.Now().Add(2 * time.Second)
		for started.Load() < n {
			if time.Now().After(deadline) {
				return nil, errors.New("participants did not run concurrently")
			}
			time.Sleep(time.Millisecond)
		}
		return []quality.ComponentResult{{Score: 0.8, Status: quality.StatusPassed}}, nil
	})
	connect(t, c, map[string]quality.RuleEvaluator{"a": barrier, "b": barrier, "c": barrier})
	id := mustCreate(t, c, Task{ID: "par", Pattern: PatternParallel, Participants: []Participant{
		{Type: "a", Role: RolePrimary, Weight: 1},
		{Type: "b", Role: RolePrimary, Weight: 1},
		{Type: "c", Role: RolePrimary, Weight: 1},
	}})
	x, err := c.Execute(context.Background(), id, vc)
	if err != nil {
		t.Fatal(err)
	}
	if len(x.Completed()) != n {
		t.Fatalf("completed = %v", x.Completed())
	}
	if s := x.Metrics.Synchronization; s <= 0 || s > 1 {
		t.Fatalf("synchronization = %v", s)
	}
	if math.Abs(x.Metrics.OverallScore-0.8) > 1e-9 {
		t.Fatalf("overall = %v", x.Metrics.OverallScore)
	}
}

func TestSynchronization(t *testing.T) {
	if got := synchronization([]float64{100}); got != 1 {
		t.Fatalf("single participant = %v", got)
	}
	if got := synchronization([]float64{100, 100}); got != 1 {
		t.Fatalf("equal durations = %v", got)
	}
	// variance 2500 -> 1/(1+2.5)
	if got := synchronization([]float64{50, 150}); math.Abs(got-1/3.5) > 1e-9 {
		t.Fatalf("spread durations = %v", got)
	}
}

func TestConditional_SecondaryGate(t *testing.T) {
	c := newTestCoordinator(t, nil)
	connect(t, c, map[string]quality.RuleEvaluator{
		"primary":   failing("down"),
		"secondary": scored(0.9),
		"observer":  scored(0.9),
	})
	task := Task{ID: "cond", Pattern: PatternConditional, Participants: []Participant{
		{Type: "secondary", Role: RoleSecondary, Weight: 1},
		{Type: "observer", Role: RoleObserver, Weight: 1},
		{Type: "primary", Role: RolePrimary, Weight: 1},
	}}
	id := mustCreate(t, c, task)
	x, err := c.Execute(context.Background(), id, vc)
	if err != nil {
		t.Fatal(err)
	}
	if x.Participants["secondary"].Status != ParticipantSkipped {
		t.Fatalf("secondary = %s", x.Participants["secondary"].Status)
	}
	if x.Participants["observer"].Status != ParticipantCompleted {
		t.Fatalf("observer = %s", x.Participants["observer"].Status)
	}

	task.ID = "cond-custom"
	task.Condition = func(map[string]ParticipantResult) bool { return true }
	id = mustCreate(t, c, task)
	x, err = c.Execute(context.Background(), id, vc)
	if err != nil {
		t.Fatal(err)
	}
	if x.Participants["secondary"].Status != ParticipantCompleted {
		t.Fatalf("custom condition: secondary = %s", x.Participants["secondary"].Status)
	}
}

func TestPipeline_ThreadsData(t *testing.T) {
	c := newTestCoordinator(t, nil)
	var seen map[string]any
	connect(t, c, map[string]quality.RuleEvaluator{
		"lint":   scored(0.6),
		"broken": failing("flaky"),
		"report": quality.RuleEvaluatorFunc(func(ctx context.Context, vc quality.Context) ([]quality.ComponentResult, error) {
			seen = PipelineData(ctx)
			return []quality.ComponentResult{{Score: 1, Status: quality.StatusPassed}}, nil
		}),
	})
	id := mustCreate(t, c, Task{ID: "pipe", Pattern: PatternPipeline, Participants: []Participant{
		{Type: "report", Role: RolePrimary, Weight: 1, DependsOn: []string{"lint", "broken"}},
		{Type: "broken", Role: RolePrimary, Weight: 1},
		{Type: "lint", Role: RolePrimary, Weight: 1},
	}})
	x, err := c.Execute(context.Background(), id, vc)
	if err != nil {
		t.Fatal(err)
	}
	if seen == nil {
		t.Fatal("report stage did not run")
	}
	if got, _ := seen["lint_score"].(float64); math.Abs(got-0.6) > 1e-9 {
		t.Fatalf("lint_score = %v", seen["lint_score"])
	}
	if _, ok := seen["broken_score"]; ok {
		t.Fatal("failed stage must be omitted from pipeline data")
	}
	if seen["target"] != vc.TargetPath {
		t.Fatalf("target = %v", seen["target"])
	}
	if _, ok := x.PipelineData["report_score"]; !ok {
		t.Fatal("final pipeline data missing report stage")
	}
}

func TestSuccessCriteria(t *testing.T) {
	sub := func(score float64, subs map[quality.Principle]float64) quality.RuleEvaluator {
		return quality.RuleEvaluatorFunc(func(ctx context.Context, vc quality.Context) ([]quality.ComponentResult, error) {
			return []quality.ComponentResult{{Score: score, Status: quality.StatusPassed, SubScores: subs}}, nil
		})
	}
	c := newTestCoordinator(t, nil)
	connect(t, c, map[string]quality.RuleEvaluator{
		"a": sub(1.0, map[quality.Principle]float64{quality.CommonGood: 0.9}),
		"b": sub(0.5, map[quality.Principle]float64{quality.CommonGood: 0.5, quality.Vocation: 1.0}),
	})
	base := Task{Pattern: PatternParallel, Participants: []Participant{
		{Type: "a", Role: RolePrimary, Weight: 3},
		{Type: "b", Role: RolePrimary, Weight: 1},
	}}

	base.ID = "ok"
	base.Criteria = Criteria{MinSuccessful: 2, MinOverallScore: 0.85}
	x, err := c.Execute(context.Background(), mustCreate(t, c, base), vc)
	if err != nil {
		t.Fatal(err)
	}
	// (1.0*3 + 0.5*1) / 4
	if math.Abs(x.Metrics.OverallScore-0.875) > 1e-9 {
		t.Fatalf("overall = %v", x.Metrics.OverallScore)
	}
	// common_good mean 0.7 (w .25), vocation 1.0 (w .05)
	wantAlign := (0.7*0.25 + 1.0*0.05) / 0.30
	if math.Abs(x.Metrics.Alignment-wantAlign) > 1e-9 {
		t.Fatalf("alignment = %v, want %v", x.Metrics.Alignment, wantAlign)
	}
	if x.Status != ExecutionCompleted {
		t.Fatalf("status = %s, unmet = %v", x.Status, x.Unmet)
	}

	base.ID = "align"
	base.Criteria = Criteria{MinAlignment: 0.9}
	x, _ = c.Execute(context.Background(), mustCreate(t, c, base), vc)
	if x.Status != ExecutionFailed || len(x.Unmet) != 1 {
		t.Fatalf("alignment floor: status = %s, unmet = %v", x.Status, x.Unmet)
	}

	base.ID = "partial"
	base.AllowPartialSuccess = true
	base.Criteria = Criteria{MinSuccessful: 3}
	x, _ = c.Execute(context.Background(), mustCreate(t, c, base), vc)
	if x.Status != ExecutionPartialSuccess {
		t.Fatalf("status = %s", x.Status)
	}
}

func TestParticipant_RetryAndNotConnected(t *testing.T) {
	c := newTestCoordinator(t, nil)
	var calls atomic.Int32
	connect(t, c, map[string]quality.RuleEvaluator{
		"flaky": quality.RuleEvaluatorFunc(func(ctx context.Context, vc quality.Context) ([]quality.ComponentResult, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("transient")
			}
			return []quality.ComponentResult{{Score: 0.9, Status: quality.StatusPassed}}, nil
		}),
	})
	id := mustCreate(t, c, Task{ID: "retry", Pattern: PatternParallel, RetryAttempts: 1, Participants: []Participant{
		{Type: "flaky", Role: RolePrimary, Weight: 1},
		{Type: "ghost", Role: RolePrimary, Weight: 1},
	}})
	x, err := c.Execute(context.Background(), id, vc)
	if err != nil {
		t.Fatal(err)
	}
	if pr := x.Participants["flaky"]; pr.Status != ParticipantCompleted || pr.Attempts != 2 {
		t.Fatalf("flaky = %+v", pr)
	}
	if pr := x.Participants["ghost"]; pr.Status != ParticipantFailed {
		t.Fatalf("ghost = %+v", pr)
	}
	if got := x.Results(); len(got) != 1 || got[0].Component != "flaky" {
		t.Fatalf("results = %+v", got)
	}
}

func TestExecute_Timeout(t *testing.T) {
	c := newTestCoordinator(t, nil)
	connect(t, c, map[string]quality.RuleEvaluator{
		"slow": quality.RuleEvaluatorFunc(func(ctx context.Context, vc quality.Context) ([]quality.ComponentResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})
	id := mustCreate(t, c, Task{ID: "slow", Pattern: PatternSequential, Timeout: 50 * time.Millisecond,
		Participants: []Participant{{Type: "slow", Role: RolePrimary, Weight: 1}}})
	start := time.Now()
	x, err := c.Execute(context.Background(), id, vc)
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout not enforced")
	}
	if x.Participants["slow"].Status != ParticipantFailed {
		t.Fatalf("slow = %s", x.Participants["slow"].Status)
	}
}

func TestExecute_MaxConcurrentTasks(t *testing.T) {
	c, err := New(config.CoordinatorConfig{Enabled: true, MaxConcurrentTasks: 1}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	connect(t, c, map[string]quality.RuleEvaluator{
		"hold": quality.RuleEvaluatorFunc(func(ctx context.Context, vc quality.Context) ([]quality.ComponentResult, error) {
			entered <- struct{}{}
			<-release
			return nil, nil
		}),
	})
	id := mustCreate(t, c, Task{ID: "hold", Pattern: PatternSequential, Participants: []Participant{{Type: "hold", Role: RolePrimary}}})

	done := make(chan error, 1)
	go func() {
		_, err := c.Execute(context.Background(), id, vc)
		done <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Execute(ctx, id, vc); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected slot wait to time out, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestDependencyUpdatesPublished(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicDependencyUpdate)
	defer b.Unsubscribe(sub)
	c := newTestCoordinator(t, b)
	connect(t, c, map[string]quality.RuleEvaluator{"a": scored(0.9), "b": scored(0.9)})
	id := mustCreate(t, c, Task{ID: "notify", Pattern: PatternSequential, Participants: []Participant{
		{Type: "a", Role: RolePrimary, Weight: 1},
		{Type: "b", Role: RolePrimary, Weight: 1, DependsOn: []string{"a"}},
	}})
	x, err := c.Execute(context.Background(), id, vc)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-sub.Ch():
		u, ok := ev.Payload.(bus.DependencyUpdate)
		if !ok || u.From != "a" || u.To != "b" || u.ExecutionID != x.ID || u.Status != string(ParticipantCompleted) {
			t.Fatalf("unexpected update %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no dependency update published")
	}
}

func TestStatsAndHistory(t *testing.T) {
	c := newTestCoordinator(t, nil)
	connect(t, c, map[string]quality.RuleEvaluator{"a": scored(0.9), "b": failing("x")})
	id := mustCreate(t, c, Task{ID: "stats", Pattern: PatternParallel, AllowPartialSuccess: true,
		Criteria: Criteria{MinSuccessful: 2},
		Participants: []Participant{
			{Type: "a", Role: RolePrimary, Weight: 1},
			{Type: "b", Role: RolePrimary, Weight: 1},
		}})
	for i := 0; i < 2; i++ {
		if _, err := c.Execute(context.Background(), id, vc); err != nil {
			t.Fatal(err)
		}
	}
	s := c.Stats()
	if s.Total != 2 || s.PartialSuccess != 2 {
		t.Fatalf("stats = %+v", s)
	}
	if got := s.Participants["a"].Success.Value(); got != 1 {
		t.Fatalf("a success rate = %v", got)
	}
	if got := s.Participants["b"].Success.Value(); got != 0 {
		t.Fatalf("b success rate = %v", got)
	}
	if got := s.Patterns[PatternParallel].Executions; got != 2 {
		t.Fatalf("parallel executions = %d", got)
	}
	if got := len(c.Executions(id)); got != 2 {
		t.Fatalf("executions = %d", got)
	}

	if err := c.DeleteTask(id); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Execute(context.Background(), id, vc); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if got := len(c.Executions(id)); got != 2 {
		t.Fatalf("history must survive task deletion, got %d", got)
	}
}

func TestConnectDisconnect(t *testing.T) {
	c := newTestCoordinator(t, nil)
	if err := c.Connect("", scored(1)); err == nil {
		t.Fatal("expected error for empty type")
	}
	connect(t, c, map[string]quality.RuleEvaluator{"ux": scored(1), "architecture": scored(1)})
	if got := c.Connected(); len(got) != 2 || got[0] != "architecture" {
		t.Fatalf("connected = %v", got)
	}
	if !c.Disconnect("ux") || c.Disconnect("ux") {
		t.Fatal("disconnect should report prior presence")
	}
}

func TestLoadTasksFromConfig(t *testing.T) {
	tasks, err := LoadTasksFromConfig([]config.TaskConfig{{
		ID:      "ui-review",
		Pattern: "sequential",
		Participants: []config.ParticipantConfig{
			{Type: "architecture"},
			{Type: "ux", Role: "secondary", Weight: 0.5, DependsOn: []string{"architecture"}},
		},
		TimeoutSeconds: 30,
		Critical:       []string{"architecture"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	got := tasks[0]
	if got.Name != "ui-review" || got.Timeout != 30*time.Second {
		t.Fatalf("task = %+v", got)
	}
	if got.Participants[0].Role != RolePrimary || got.Participants[0].Weight != 1 {
		t.Fatalf("participant defaults = %+v", got.Participants[0])
	}

	_, err = LoadTasksFromConfig([]config.TaskConfig{
		{ID: "x", Pattern: "parallel", Participants: []config.ParticipantConfig{{Type: "a"}}},
		{ID: "x", Pattern: "parallel", Participants: []config.ParticipantConfig{{Type: "a"}}},
	})
	if !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("duplicate: expected ErrInvalidTask, got %v", err)
	}

	_, err = LoadTasksFromConfig([]config.TaskConfig{{ID: "loop", Pattern: "pipeline", Participants: []config.ParticipantConfig{
		{Type: "a", DependsOn: []string{"b"}},
		{Type: "b", DependsOn: []string{"a"}},
	}}})
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("cycle: expected ErrCyclicDependency, got %v", err)
	}
}
