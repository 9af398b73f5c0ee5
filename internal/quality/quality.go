// Package quality holds the data model shared by every governance
// component: the immutable validation context, per-component results, the
// seven weighted principles and the capability interfaces that pluggable
// evaluators implement.
package quality

import (
	"context"
	"strings"
	"time"
)

// Status is the outcome class of a component result or a run.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusWarning Status = "warning"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
)

// Context is the read-only input of one validation run.
type Context struct {
	TargetPath    string `json:"target_path"`
	Content       string `json:"content"`
	WorkspaceRoot string `json:"workspace_root"`
}

// WithContent returns a copy of c carrying different content.
func (c Context) WithContent(content string) Context {
	c.Content = content
	return c
}

// ComponentResult is a single scored finding from a component or rule.
type ComponentResult struct {
	Component string                `json:"component"`
	RuleID    string                `json:"rule_id,omitempty"`
	Score     float64               `json:"score"`
	Status    Status                `json:"status"`
	Message   string                `json:"message"`
	Duration  time.Duration         `json:"duration"`
	SubScores map[Principle]float64 `json:"sub_scores,omitempty"`
	Tags      []string              `json:"tags,omitempty"`
}

// HasTag reports whether the result carries tag (case-insensitive).
func (r ComponentResult) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// TagCritical marks rules whose failure is always a critical issue.
const TagCritical = "critical"

// RuleEvaluator inspects a context and returns zero or more findings.
// Implementations must be deterministic for identical content.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, vc Context) ([]ComponentResult, error)
}

// TaggedEvaluator is implemented by rule evaluators that can restrict a
// pass to rules carrying any of the given tags.
type TaggedEvaluator interface {
	EvaluateTagged(ctx context.Context, vc Context, tags ...string) ([]ComponentResult, error)
}

// PrincipleScorer grades a context against the seven principles.
type PrincipleScorer interface {
	Score(ctx context.Context, vc Context) (PrincipleScoreResult, error)
}

// QuickScorer is implemented by scorers offering a cheaper approximate pass.
type QuickScorer interface {
	QuickScore(ctx context.Context, vc Context) (PrincipleScoreResult, error)
}

// RuleEvaluatorFunc adapts a function to RuleEvaluator.
type RuleEvaluatorFunc func(ctx context.Context, vc Context) ([]ComponentResult, error)

// Evaluate calls f.
func (f RuleEvaluatorFunc) Evaluate(ctx context.Context, vc Context) ([]ComponentResult, error) {
	return f(ctx, vc)
}

// EvaluateTagged runs ev restricted to tags when supported, otherwise runs it
// fully and filters the results.
func EvaluateTagged(ctx context.Context, ev RuleEvaluator, vc Context, tags ...string) ([]ComponentResult, error) {
	if te, ok := ev.(TaggedEvaluator); ok {
		return te.EvaluateTagged(ctx, vc, tags...)
	}
	results, err := ev.Evaluate(ctx, vc)
	if err != nil {
		return nil, err
	}
	var out []ComponentResult
	for _, r := range results {
		for _, tag := range tags {
			if r.HasTag(tag) {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

// StatusForScore maps a score onto the default status bands.
func StatusForScore(score float64) Status {
	switch {
	case score >= 0.7:
		return StatusPassed
	case score >= 0.5:
		return StatusWarning
	default:
		return StatusFailed
	}
}

// Summarize collapses results into one score (the mean) and the worst status.
// It returns (1, passed) for an empty slice.
func Summarize(results []ComponentResult) (float64, Status) {
	if len(results) == 0 {
		return 1, StatusPassed
	}
	var sum float64
	worst := StatusPassed
	for _, r := range results {
		sum += r.Score
		if statusRank(r.Status) > statusRank(worst) {
			worst = r.Status
		}
	}
	return sum / float64(len(results)), worst
}

func statusRank(s Status) int {
	switch s {
	case StatusWarning:
		return 1
	case StatusFailed:
		return 2
	case StatusError:
		return 3
	default:
		return 0
	}
}

// Clamp01 bounds x to [0,1].
func Clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// Variance returns the population variance of xs.
func Variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var v float64
	for _, x := range xs {
		v += (x - mean) * (x - mean)
	}
	return v / float64(len(xs))
}

// Mean returns the arithmetic mean of xs, or 0 when empty.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
