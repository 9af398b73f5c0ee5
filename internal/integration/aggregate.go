package integration

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"time"

	"github.com/basket/gatekeeper/internal/config"
	"github.com/basket/gatekeeper/internal/quality"
)

// componentOrder fixes the iteration order over a run's components.
var componentOrder = []string{
	componentPipeline, ComponentPrinciples, ComponentRules, ComponentCoordination, ComponentAutoFix, ComponentScheduling,
}

var criticalMarker = regexp.MustCompile(`(?i)\b(fail(ed|ure|s)?|critical|errors?)\b`)

const (
	correlationBand      = 0.2
	syncBottleneck       = 0.7
	syncEmergent         = 0.95
	excellence           = 0.9
	disagreement         = 0.3
	performanceFloor     = 0.8
	consistencyFloor     = 0.9
	opportunityScore     = 0.8
	opportunityAlign     = 0.7
	opportunitySync      = 0.8
	criticalIssuePenalty = 0.2
)

// aggregator derives every run-level figure from the component reports.
type aggregator struct {
	cfg          config.IntegrationConfig
	minAlignment float64
}

func (a aggregator) apply(r *RunResult) {
	scored := a.scored(r)
	r.Score = a.combine(scored)
	if r.Principles != nil {
		r.Alignment = quality.Clamp01(r.Principles.Overall)
	} else {
		r.Alignment = r.Score
	}
	r.CriticalIssues = criticalIssues(r)
	r.Recommendations = append(recommendations(r), r.Recommendations...)

	r.Metrics.Synchronization = synchronization(scored)
	r.Metrics.Consistency = consistency(r)
	r.Metrics.Performance = a.performance(r.Metrics.Duration)
	r.Metrics.Reliability = reliability(r)
	r.Health = health(r)
	r.Opportunities = opportunities(r)
	a.insights(r, scored)
	r.Status = a.status(r)
}

func (a aggregator) scored(r *RunResult) map[string]float64 {
	out := make(map[string]float64)
	for _, name := range componentOrder {
		if c, ok := r.Components[name]; ok && c.Scored {
			out[name] = quality.Clamp01(c.Score)
		}
	}
	return out
}

// combine folds component scores according to the aggregation mode. Weights
// of components that produced no score are dropped and the rest
// re-normalized.
func (a aggregator) combine(scores map[string]float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	values := make([]float64, 0, len(scores))
	for _, name := range componentOrder {
		if s, ok := scores[name]; ok {
			values = append(values, s)
		}
	}
	switch a.cfg.Aggregation {
	case "consensus":
		return median(values)
	case "best_of":
		best := values[0]
		for _, v := range values[1:] {
			best = math.Max(best, v)
		}
		return best
	}
	var sum, total float64
	for name, s := range scores {
		w := a.cfg.Weights[name]
		if w <= 0 {
			continue
		}
		sum += s * w
		total += w
	}
	if total == 0 {
		return quality.Mean(values)
	}
	return sum / total
}

func median(xs []float64) float64 {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// criticalIssues lists component errors and every non-passing finding whose
// message carries a failure marker or whose rule is tagged critical.
func criticalIssues(r *RunResult) []string {
	var out []string
	for _, name := range componentOrder {
		c, ok := r.Components[name]
		if !ok {
			continue
		}
		if c.Error != "" {
			out = append(out, fmt.Sprintf("%s: error: %s", name, c.Error))
		}
		for _, res := range c.Results {
			if res.Status == quality.StatusPassed || res.Message == "" {
				continue
			}
			if res.HasTag(quality.TagCritical) || criticalMarker.MatchString(res.Message) {
				out = append(out, fmt.Sprintf("%s: %s", name, res.Message))
			}
		}
	}
	return out
}

func recommendations(r *RunResult) []string {
	var out []string
	if r.Principles != nil {
		out = append(out, r.Principles.Recommendations()...)
	}
	for _, f := range r.Fixes {
		if f.Status == "pending" {
			out = append(out, fmt.Sprintf("review pending fix %s for rule %s", f.ExecutionID, f.RuleID))
		}
	}
	if c, ok := r.Components[ComponentRules]; ok && c.Scored && c.Score < opportunityScore {
		if _, fixed := r.Components[ComponentAutoFix]; !fixed {
			out = append(out, "resolve failing rules or enable auto-fix for rules that declare a fix")
		}
	}
	return out
}

// synchronization is 1 minus the variance of the component scores.
func synchronization(scores map[string]float64) float64 {
	if len(scores) < 2 {
		return 1
	}
	values := make([]float64, 0, len(scores))
	for _, s := range scores {
		values = append(values, s)
	}
	return math.Max(0, 1-quality.Variance(values))
}

// consistency is the share of component reports whose status agrees with the
// band their own score falls into.
func consistency(r *RunResult) float64 {
	var total, agree int
	for _, c := range r.Components {
		if !c.Scored || c.Error != "" {
			continue
		}
		total++
		if c.Status == quality.StatusForScore(c.Score) {
			agree++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(agree) / float64(total)
}

// performance decays linearly to 0 at twice the duration ceiling.
func (a aggregator) performance(d time.Duration) float64 {
	ceiling := time.Duration(a.cfg.DurationCeilingMs) * time.Millisecond
	if ceiling <= 0 {
		return 1
	}
	return math.Max(0, 1-float64(d)/float64(2*ceiling))
}

func reliability(r *RunResult) float64 {
	if len(r.Components) == 0 {
		return 1
	}
	var ok int
	for _, c := range r.Components {
		if c.Error == "" {
			ok++
		}
	}
	return float64(ok) / float64(len(r.Components))
}

func health(r *RunResult) float64 {
	issues := math.Max(0, 1-criticalIssuePenalty*float64(len(r.CriticalIssues)))
	h := 0.4*r.Score +
		0.3*r.Alignment +
		0.2*issues +
		0.1*(r.Metrics.Synchronization+r.Metrics.Consistency)/2
	return quality.Clamp01(h)
}

func opportunities(r *RunResult) []Opportunity {
	var out []Opportunity
	if len(r.CriticalIssues) > 0 {
		out = append(out, Opportunity{
			Component: ComponentRules,
			Issue:     fmt.Sprintf("%d critical issues unresolved", len(r.CriticalIssues)),
			Impact:    "high", Effort: "medium", Priority: 1,
		})
	}
	if r.Alignment < opportunityAlign {
		out = append(out, Opportunity{
			Component: ComponentPrinciples,
			Issue:     "principle alignment below 0.70",
			Impact:    "high", Effort: "low", Priority: 1,
		})
	}
	if r.Metrics.Synchronization < opportunitySync {
		out = append(out, Opportunity{
			Component: "integration",
			Issue:     "component scores diverge",
			Impact:    "medium", Effort: "high", Priority: 2,
		})
	}
	if r.Score < opportunityScore {
		out = append(out, Opportunity{
			Component: "general",
			Issue:     "overall score below 0.80",
			Impact:    "medium", Effort: "medium", Priority: 3,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func (a aggregator) insights(r *RunResult, scores map[string]float64) {
	in := &r.Insights
	if in.Interactions == nil {
		in.Interactions = make(map[string]Interaction)
	}
	for i, x := range componentOrder {
		sx, ok := scores[x]
		if !ok {
			continue
		}
		for _, y := range componentOrder[i+1:] {
			sy, ok := scores[y]
			if !ok {
				continue
			}
			in.Interactions[x+"-"+y] = interaction(sx, sy)
		}
	}

	ceiling := time.Duration(a.cfg.DurationCeilingMs) * time.Millisecond
	if ceiling > 0 && r.Metrics.Duration > ceiling {
		in.Bottlenecks = append(in.Bottlenecks, fmt.Sprintf("run took %s, ceiling %s", r.Metrics.Duration.Round(time.Millisecond), ceiling))
	}
	if r.Metrics.Synchronization < syncBottleneck {
		in.Bottlenecks = append(in.Bottlenecks, fmt.Sprintf("component synchronization %.2f", r.Metrics.Synchronization))
	}

	if r.Metrics.Performance < performanceFloor {
		in.Suggestions = append(in.Suggestions, "optimize component performance")
	}
	if r.Metrics.Consistency < consistencyFloor {
		in.Suggestions = append(in.Suggestions, "improve data consistency between components")
	}

	if r.Score > excellence && r.Alignment > excellence {
		in.EmergentPatterns = append(in.EmergentPatterns, "integral excellence")
	}
	if r.Metrics.Synchronization > syncEmergent {
		in.EmergentPatterns = append(in.EmergentPatterns, "exceptional component synchronization")
	}
}

func interaction(a, b float64) Interaction {
	d := math.Abs(a - b)
	return Interaction{Delta: d, Correlated: d <= correlationBand}
}

// status grades the run: errors dominate, then critical issues, then the
// score and alignment bands.
func (a aggregator) status(r *RunResult) quality.Status {
	for _, c := range r.Components {
		if c.Error != "" {
			return quality.StatusError
		}
	}
	switch {
	case len(r.CriticalIssues) > 0:
		return quality.StatusFailed
	case r.Score < 0.5 || r.Alignment < a.minAlignment:
		return quality.StatusFailed
	case r.Score < 0.7 || r.Alignment < 0.7:
		return quality.StatusWarning
	default:
		return quality.StatusPassed
	}
}

// crossValidate compares rule, principle and coordination outcomes of a
// comprehensive run and records disagreements as suggestions.
func crossValidate(r *RunResult) {
	rules, hasRules := r.Components[ComponentRules]
	principles, hasPrinciples := r.Components[ComponentPrinciples]
	if hasRules && hasPrinciples && rules.Scored && principles.Scored {
		if d := math.Abs(rules.Score - principles.Score); d > disagreement {
			r.Insights.Suggestions = append(r.Insights.Suggestions, fmt.Sprintf(
				"rule score %.2f and principle alignment %.2f disagree by %.2f; review rule coverage",
				rules.Score, principles.Score, d))
		}
	}
	coord, hasCoord := r.Components[ComponentCoordination]
	if hasRules && hasCoord && coord.Error == "" && rules.Error == "" && coord.Status != rules.Status {
		r.Insights.Suggestions = append(r.Insights.Suggestions, fmt.Sprintf(
			"coordination status %s does not match rule status %s", coord.Status, rules.Status))
	}
}

// correlateDeep relates the rule score to each principle of the breakdown.
func correlateDeep(r *RunResult) {
	rules, ok := r.Components[ComponentRules]
	if !ok || !rules.Scored || r.Principles == nil {
		return
	}
	if r.Insights.Interactions == nil {
		r.Insights.Interactions = make(map[string]Interaction)
	}
	for _, p := range quality.Principles {
		b, ok := r.Principles.Breakdown[p]
		if !ok {
			continue
		}
		r.Insights.Interactions[ComponentRules+"-"+string(p)] = interaction(rules.Score, b.Score)
	}
}
