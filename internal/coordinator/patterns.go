package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/basket/gatekeeper/internal/bus"
	"github.com/basket/gatekeeper/internal/quality"
	"github.com/basket/gatekeeper/internal/shared"
)

// run is the mutable state of one execution while its pattern runs.
type run struct {
	c    *Coordinator
	task Task
	vc   quality.Context

	mu   sync.Mutex
	exec *Execution
}

func (r *run) result(participantType string) ParticipantResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Participants[participantType]
}

func (r *run) set(pr ParticipantResult) {
	r.mu.Lock()
	r.exec.Participants[pr.Type] = pr
	r.mu.Unlock()
}

func (r *run) snapshot() map[string]ParticipantResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ParticipantResult, len(r.exec.Participants))
	for k, v := range r.exec.Participants {
		out[k] = v
	}
	return out
}

func (r *run) skip(p Participant, reason string) {
	r.set(ParticipantResult{Type: p.Type, Role: p.Role, Status: ParticipantSkipped, Error: reason})
}

// unmet returns the dependencies of p that have not completed.
func (r *run) unmet(p Participant) []string {
	var out []string
	for _, dep := range p.DependsOn {
		if r.result(dep).Status != ParticipantCompleted {
			out = append(out, dep)
		}
	}
	return out
}

// invoke runs one participant with retries and records its result.
func (r *run) invoke(ctx context.Context, p Participant) ParticipantResult {
	r.set(ParticipantResult{Type: p.Type, Role: p.Role, Status: ParticipantRunning})
	start := r.c.now()
	pr := ParticipantResult{Type: p.Type, Role: p.Role}

	ev, ok := r.c.evaluator(p.Type)
	if !ok {
		pr.Status = ParticipantFailed
		pr.Error = fmt.Sprintf("%s: %s", ErrNotConnected, p.Type)
	} else {
		results, attempts, err := evaluateWithRetry(shared.WithGuardian(ctx, p.Type), ev, r.vc, r.task.RetryAttempts, r.c.retryDelay)
		pr.Attempts = attempts
		if err != nil {
			pr.Status = ParticipantFailed
			pr.Error = err.Error()
		} else {
			for i := range results {
				if results[i].Component == "" {
					results[i].Component = p.Type
				}
			}
			pr.Status = ParticipantCompleted
			pr.Results = results
			pr.Score, _ = quality.Summarize(results)
		}
	}
	pr.Duration = r.c.now().Sub(start)
	r.set(pr)

	if pr.Status == ParticipantCompleted {
		r.notifyDependents(p, pr)
	} else {
		r.c.logger.Warn("participant failed",
			"execution_id", r.exec.ID,
			"participant", p.Type,
			"attempts", pr.Attempts,
			"error", pr.Error,
		)
	}
	return pr
}

// notifyDependents tells every participant depending on p that it settled.
func (r *run) notifyDependents(p Participant, pr ParticipantResult) {
	if r.c.bus == nil {
		return
	}
	for _, q := range r.task.Participants {
		for _, dep := range q.DependsOn {
			if dep != p.Type {
				continue
			}
			r.c.bus.Publish(bus.TopicDependencyUpdate, bus.DependencyUpdate{
				ExecutionID: r.exec.ID,
				From:        p.Type,
				To:          q.Type,
				Status:      string(pr.Status),
				Score:       pr.Score,
			})
		}
	}
}

func (r *run) isCritical(participantType string) bool {
	return r.task.Criteria.isCritical(participantType)
}

// step runs p in an ordered pattern. It reports false when a critical
// participant failed and the sequence must stop.
func (r *run) step(ctx context.Context, p Participant) bool {
	if missing := r.unmet(p); len(missing) > 0 {
		r.skip(p, "dependencies not completed: "+strings.Join(missing, ", "))
		return true
	}
	pr := r.invoke(ctx, p)
	return !(pr.Status == ParticipantFailed && r.isCritical(p.Type))
}

func (r *run) sequential(ctx context.Context) error {
	order, err := dependencyOrder(r.task.Participants)
	if err != nil {
		return err
	}
	for _, p := range order {
		if !r.step(ctx, p) {
			break
		}
	}
	return nil
}

func (r *run) parallel(ctx context.Context) {
	var g errgroup.Group
	for _, p := range r.task.Participants {
		g.Go(func() error {
			r.invoke(ctx, p)
			return nil
		})
	}
	_ = g.Wait()
}

// anyPrimaryCompleted is the default gate for secondary participants.
func anyPrimaryCompleted(results map[string]ParticipantResult) bool {
	for _, r := range results {
		if r.Role == RolePrimary && r.Status == ParticipantCompleted {
			return true
		}
	}
	return false
}

func (r *run) conditional(ctx context.Context) error {
	order, err := dependencyOrder(r.task.Participants)
	if err != nil {
		return err
	}
	for _, p := range order {
		if p.Role != RolePrimary {
			continue
		}
		if !r.step(ctx, p) {
			return nil
		}
	}
	cond := r.task.Condition
	if cond == nil {
		cond = anyPrimaryCompleted
	}
	for _, p := range order {
		if p.Role == RolePrimary {
			continue
		}
		if p.Role == RoleSecondary && !cond(r.snapshot()) {
			r.skip(p, "condition not met")
			continue
		}
		if !r.step(ctx, p) {
			return nil
		}
	}
	return nil
}

func (r *run) pipeline(ctx context.Context) error {
	order, err := dependencyOrder(r.task.Participants)
	if err != nil {
		return err
	}
	data := map[string]any{"target": r.vc.TargetPath}
	for _, p := range order {
		view := make(map[string]any, len(data))
		for k, v := range data {
			view[k] = v
		}
		pr := r.invoke(WithPipelineData(ctx, view), p)
		if pr.Status == ParticipantCompleted {
			data[p.Type+"_score"] = pr.Score
			data[p.Type+"_results"] = pr.Results
			continue
		}
		if r.isCritical(p.Type) {
			break
		}
	}
	r.mu.Lock()
	r.exec.PipelineData = data
	r.mu.Unlock()
	return nil
}

func (r *run) consensus(ctx context.Context) error {
	r.parallel(ctx)

	now := r.c.now()
	voting := &Voting{
		ID:        uuid.NewString(),
		TaskID:    r.task.ID,
		Question:  fmt.Sprintf("approve the results of task %s?", r.task.Name),
		Options:   append([]Option(nil), votingOptions...),
		Threshold: r.task.ConsensusThreshold,
		Deadline:  now.Add(r.task.Timeout),
		Status:    VotingOpen,
	}
	var reqs []ballotRequest
	for _, p := range r.task.Participants {
		pr := r.result(p.Type)
		if pr.Status != ParticipantCompleted {
			continue
		}
		req := ballotRequest{participant: p, result: pr}
		if ev, ok := r.c.evaluator(p.Type); ok {
			if v, ok := ev.(Voter); ok {
				req.voter = v
			}
		}
		reqs = append(reqs, req)
	}
	ballots, expired := collectBallots(ctx, voting.Question, reqs, voting.Deadline, r.c.now)
	voting.Ballots = ballots
	voting.close(expired)

	r.mu.Lock()
	for _, b := range voting.Ballots {
		pr := r.exec.Participants[b.Participant]
		vote := b.Vote
		pr.Vote = &vote
		r.exec.Participants[b.Participant] = pr
	}
	r.exec.Voting = voting
	r.exec.Metrics.ConsensusReached = voting.Result.Reached
	r.mu.Unlock()

	if r.c.bus != nil {
		r.c.bus.Publish(bus.TopicConsensusClosed, bus.ConsensusEvent{
			VotingID:   voting.ID,
			TaskID:     r.task.ID,
			Status:     string(voting.Status),
			Winner:     string(voting.Result.Winner),
			Confidence: voting.Result.Confidence,
			Reached:    voting.Result.Reached,
		})
	}
	r.c.logger.Info("consensus closed",
		"execution_id", r.exec.ID,
		"voting_id", voting.ID,
		"status", voting.Status,
		"winner", voting.Result.Winner,
		"confidence", voting.Result.Confidence,
		"reached", voting.Result.Reached,
	)
	if r.task.RequireConsensus && !voting.Result.Reached {
		return fmt.Errorf("%w: %s at %.2f, threshold %.2f", ErrConsensusNotReached,
			voting.Result.Winner, voting.Result.Confidence, voting.Threshold)
	}
	return nil
}

// settle computes the execution metrics and final status. patternErr is the
// error the pattern itself raised, if any.
func (r *run) settle(patternErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	x := r.exec

	var completed []ParticipantResult
	var durations []float64
	for _, p := range r.task.Participants {
		pr := x.Participants[p.Type]
		if pr.Status == ParticipantCompleted {
			completed = append(completed, pr)
			durations = append(durations, float64(pr.Duration.Milliseconds()))
		}
	}
	x.Metrics.Synchronization = synchronization(durations)
	x.Metrics.OverallScore = r.overallScore(x)
	x.Metrics.Alignment = alignment(completed, r.c.weights)
	x.Dependencies = r.dependencyReport(x)

	err := patternErr
	if err == nil {
		for _, c := range r.task.Criteria.Critical {
			if x.Participants[c].Status == ParticipantFailed {
				err = fmt.Errorf("%w: %s: %s", ErrCriticalParticipant, c, x.Participants[c].Error)
				break
			}
		}
	}
	if err != nil {
		x.Status = ExecutionFailed
		return err
	}

	var unmet []string
	for _, c := range r.task.Criteria.Critical {
		if x.Participants[c].Status != ParticipantCompleted {
			unmet = append(unmet, fmt.Sprintf("critical participant %s did not complete", c))
		}
	}
	if len(completed) < r.task.Criteria.MinSuccessful {
		unmet = append(unmet, fmt.Sprintf("%d of %d required participants completed", len(completed), r.task.Criteria.MinSuccessful))
	}
	if x.Metrics.OverallScore < r.task.Criteria.MinOverallScore {
		unmet = append(unmet, fmt.Sprintf("overall score %.2f below %.2f", x.Metrics.OverallScore, r.task.Criteria.MinOverallScore))
	}
	if x.Metrics.Alignment < r.task.Criteria.MinAlignment {
		unmet = append(unmet, fmt.Sprintf("principle alignment %.2f below %.2f", x.Metrics.Alignment, r.task.Criteria.MinAlignment))
	}
	x.Unmet = unmet
	switch {
	case len(unmet) == 0:
		x.Status = ExecutionCompleted
	case r.task.AllowPartialSuccess:
		x.Status = ExecutionPartialSuccess
	default:
		x.Status = ExecutionFailed
	}
	return nil
}

// synchronization is 1/(1+variance/1000) over participant durations in
// milliseconds; a single participant is perfectly synchronized.
func synchronization(durationsMs []float64) float64 {
	if len(durationsMs) < 2 {
		return 1
	}
	return 1 / (1 + quality.Variance(durationsMs)/1000)
}

// overallScore is the weight-normalized mean score of completed
// participants. With zero total weight it falls back to the plain mean.
func (r *run) overallScore(x *Execution) float64 {
	var total, weight float64
	var scores []float64
	for _, p := range r.task.Participants {
		pr := x.Participants[p.Type]
		if pr.Status != ParticipantCompleted {
			continue
		}
		total += pr.Score * p.Weight
		weight += p.Weight
		scores = append(scores, pr.Score)
	}
	if weight > 0 {
		return total / weight
	}
	return quality.Mean(scores)
}

// alignment averages every reported sub-score per principle and combines
// the principle means with w. It is 0 when nothing was reported.
func alignment(completed []ParticipantResult, w quality.Weights) float64 {
	sums := make(map[quality.Principle]float64)
	counts := make(map[quality.Principle]int)
	for _, pr := range completed {
		for _, res := range pr.Results {
			for p, s := range res.SubScores {
				sums[p] += s
				counts[p]++
			}
		}
	}
	means := make(map[quality.Principle]float64, len(sums))
	for p, s := range sums {
		means[p] = s / float64(counts[p])
	}
	return w.Apply(means)
}

func (r *run) dependencyReport(x *Execution) DependencyReport {
	var rep DependencyReport
	for _, p := range r.task.Participants {
		for _, dep := range p.DependsOn {
			edge := p.Type + "->" + dep
			switch x.Participants[dep].Status {
			case ParticipantCompleted:
				rep.Resolved = append(rep.Resolved, edge)
			case ParticipantFailed, ParticipantSkipped:
				rep.Failed = append(rep.Failed, edge)
			default:
				rep.Pending = append(rep.Pending, edge)
			}
		}
	}
	sort.Strings(rep.Resolved)
	sort.Strings(rep.Pending)
	sort.Strings(rep.Failed)
	return rep
}
