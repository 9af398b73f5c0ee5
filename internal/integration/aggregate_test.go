package integration

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/basket/gatekeeper/internal/config"
	"github.com/basket/gatekeeper/internal/quality"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func integrationDefaults() config.IntegrationConfig {
	return config.Default(".").Integration
}

func TestCombineModes(t *testing.T) {
	scores := map[string]float64{
		ComponentPrinciples:   0.4,
		ComponentRules:        0.8,
		ComponentCoordination: 0.9,
	}
	cfg := integrationDefaults()

	cfg.Aggregation = "weighted"
	if got := (aggregator{cfg: cfg}).combine(scores); !approx(got, 0.5/0.75) {
		t.Fatalf("weighted = %v, want %v", got, 0.5/0.75)
	}
	cfg.Aggregation = "consensus"
	if got := (aggregator{cfg: cfg}).combine(scores); !approx(got, 0.8) {
		t.Fatalf("consensus = %v, want 0.8", got)
	}
	cfg.Aggregation = "best_of"
	if got := (aggregator{cfg: cfg}).combine(scores); !approx(got, 0.9) {
		t.Fatalf("best_of = %v, want 0.9", got)
	}
}

func TestCombineWeightedFallsBackToMean(t *testing.T) {
	cfg := integrationDefaults()
	cfg.Weights = map[string]float64{}
	got := (aggregator{cfg: cfg}).combine(map[string]float64{ComponentRules: 0.2, ComponentPrinciples: 0.6})
	if !approx(got, 0.4) {
		t.Fatalf("combine without weights = %v, want 0.4", got)
	}
	if got := (aggregator{cfg: cfg}).combine(nil); got != 0 {
		t.Fatalf("combine of nothing = %v, want 0", got)
	}
}

func TestMedianEvenCount(t *testing.T) {
	if got := median([]float64{0.9, 0.1, 0.5, 0.3}); !approx(got, 0.4) {
		t.Fatalf("median = %v, want 0.4", got)
	}
}

func TestCriticalIssuesOnlyFromNonPassingFindings(t *testing.T) {
	r := &RunResult{Components: map[string]ComponentReport{
		ComponentRules: {Results: []quality.ComponentResult{
			{RuleID: "a", Status: quality.StatusPassed, Message: "a passed", Tags: []string{quality.TagCritical}},
			{RuleID: "b", Status: quality.StatusFailed, Message: "b critical: secret literal"},
			{RuleID: "c", Status: quality.StatusWarning, Message: "c low: style", Tags: []string{quality.TagCritical}},
			{RuleID: "d", Status: quality.StatusWarning, Message: "d low: naming"},
		}},
		ComponentCoordination: {Status: quality.StatusError, Error: "no participants"},
	}}
	got := criticalIssues(r)
	want := []string{
		"rules: b critical: secret literal",
		"rules: c low: style",
		"coordination: error: no participants",
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("critical issues = %q, want %q", got, want)
	}
}

func TestStatusBands(t *testing.T) {
	a := aggregator{cfg: integrationDefaults(), minAlignment: 0.6}
	cases := []struct {
		name string
		r    RunResult
		want quality.Status
	}{
		{name: "passed", r: RunResult{Score: 0.9, Alignment: 0.8}, want: quality.StatusPassed},
		{name: "warning score", r: RunResult{Score: 0.65, Alignment: 0.9}, want: quality.StatusWarning},
		{name: "warning alignment", r: RunResult{Score: 0.9, Alignment: 0.65}, want: quality.StatusWarning},
		{name: "failed score", r: RunResult{Score: 0.45, Alignment: 0.9}, want: quality.StatusFailed},
		{name: "failed alignment", r: RunResult{Score: 0.9, Alignment: 0.55}, want: quality.StatusFailed},
		{name: "failed critical", r: RunResult{Score: 1, Alignment: 1, CriticalIssues: []string{"x"}}, want: quality.StatusFailed},
		{name: "error", r: RunResult{Score: 1, Alignment: 1, Components: map[string]ComponentReport{
			ComponentRules: {Error: "boom"},
		}}, want: quality.StatusError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := a.status(&tc.r); got != tc.want {
				t.Fatalf("status = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestApplyDerivesHealthAndOpportunities(t *testing.T) {
	cfg := integrationDefaults()
	r := &RunResult{
		Components: map[string]ComponentReport{
			ComponentPrinciples: {Status: quality.StatusFailed, Score: 0.4, Scored: true},
			ComponentRules:      {Status: quality.StatusPassed, Score: 1, Scored: true},
		},
		Principles: &quality.PrincipleScoreResult{Overall: 0.4},
		Metrics:    Metrics{Duration: 100 * time.Millisecond},
	}
	aggregator{cfg: cfg, minAlignment: 0.6}.apply(r)

	wantScore := (0.3*0.4 + 0.25*1) / 0.55
	if !approx(r.Score, wantScore) {
		t.Fatalf("score = %v, want %v", r.Score, wantScore)
	}
	if r.Alignment != 0.4 {
		t.Fatalf("alignment = %v, want 0.4", r.Alignment)
	}
	// variance of {0.4, 1} is 0.09
	if !approx(r.Metrics.Synchronization, 0.91) {
		t.Fatalf("synchronization = %v, want 0.91", r.Metrics.Synchronization)
	}
	if r.Metrics.Consistency != 1 || r.Metrics.Reliability != 1 {
		t.Fatalf("consistency/reliability = %v/%v, want 1/1", r.Metrics.Consistency, r.Metrics.Reliability)
	}
	wantPerf := 1 - 100.0/10000.0
	if !approx(r.Metrics.Performance, wantPerf) {
		t.Fatalf("performance = %v, want %v", r.Metrics.Performance, wantPerf)
	}
	wantHealth := 0.4*wantScore + 0.3*0.4 + 0.2*1 + 0.1*(0.91+1)/2
	if !approx(r.Health, wantHealth) {
		t.Fatalf("health = %v, want %v", r.Health, wantHealth)
	}
	if r.Status != quality.StatusFailed {
		t.Fatalf("status = %s, want failed (alignment below floor)", r.Status)
	}
	if len(r.Opportunities) != 2 {
		t.Fatalf("opportunities = %+v, want alignment and score", r.Opportunities)
	}
	if r.Opportunities[0].Component != ComponentPrinciples || r.Opportunities[0].Priority != 1 {
		t.Fatalf("first opportunity = %+v", r.Opportunities[0])
	}
	if r.Opportunities[1].Priority != 3 {
		t.Fatalf("second opportunity = %+v", r.Opportunities[1])
	}
	in, ok := r.Insights.Interactions["principles-rules"]
	if !ok || in.Correlated || !approx(in.Delta, 0.6) {
		t.Fatalf("interaction = %+v, %v", in, ok)
	}
}

func TestInsightsFlagSlowRuns(t *testing.T) {
	cfg := integrationDefaults()
	cfg.DurationCeilingMs = 10
	r := &RunResult{
		Components: map[string]ComponentReport{
			ComponentRules: {Status: quality.StatusPassed, Score: 0.95, Scored: true},
		},
		Principles: &quality.PrincipleScoreResult{Overall: 0.95},
		Metrics:    Metrics{Duration: 50 * time.Millisecond},
	}
	aggregator{cfg: cfg, minAlignment: 0.6}.apply(r)
	if r.Metrics.Performance != 0 {
		t.Fatalf("performance = %v, want 0 past twice the ceiling", r.Metrics.Performance)
	}
	if len(r.Insights.Bottlenecks) != 1 || !strings.Contains(r.Insights.Bottlenecks[0], "ceiling") {
		t.Fatalf("bottlenecks = %q", r.Insights.Bottlenecks)
	}
	if len(r.Insights.Suggestions) == 0 || r.Insights.Suggestions[0] != "optimize component performance" {
		t.Fatalf("suggestions = %q", r.Insights.Suggestions)
	}
	patterns := strings.Join(r.Insights.EmergentPatterns, ",")
	if !strings.Contains(patterns, "integral excellence") || !strings.Contains(patterns, "synchronization") {
		t.Fatalf("emergent patterns = %q", r.Insights.EmergentPatterns)
	}
}

func TestConsistencyCountsBandMismatches(t *testing.T) {
	r := &RunResult{Components: map[string]ComponentReport{
		ComponentRules:        {Status: quality.StatusPassed, Score: 0.9, Scored: true},
		ComponentCoordination: {Status: quality.StatusFailed, Score: 0.9, Scored: true},
		ComponentAutoFix:      {Status: quality.StatusWarning},
	}}
	if got := consistency(r); got != 0.5 {
		t.Fatalf("consistency = %v, want 0.5", got)
	}
}

func TestCrossValidateReportsDisagreement(t *testing.T) {
	r := &RunResult{Components: map[string]ComponentReport{
		ComponentRules:        {Status: quality.StatusPassed, Score: 1, Scored: true},
		ComponentPrinciples:   {Status: quality.StatusFailed, Score: 0.3, Scored: true},
		ComponentCoordination: {Status: quality.StatusWarning, Score: 0.6, Scored: true},
	}}
	crossValidate(r)
	if len(r.Insights.Suggestions) != 2 {
		t.Fatalf("suggestions = %q, want two", r.Insights.Suggestions)
	}
	if !strings.Contains(r.Insights.Suggestions[0], "disagree") {
		t.Fatalf("first suggestion = %q", r.Insights.Suggestions[0])
	}
}

func TestClassify(t *testing.T) {
	cfg := integrationDefaults()
	cases := []struct {
		vc   quality.Context
		want Strategy
	}{
		{quality.Context{TargetPath: "docs/intro.md", Content: "Our Philosophy of care"}, StrategyPrincipleFirst},
		{quality.Context{TargetPath: "src/performance/cache.go", Content: "package cache"}, StrategyPerformance},
		{quality.Context{TargetPath: "src/big.go", Content: strings.Repeat("x", cfg.LargePayloadBytes+1)}, StrategyPerformance},
		{quality.Context{TargetPath: "src/util.go", Content: "package util"}, StrategyComprehensive},
	}
	for _, tc := range cases {
		if got := classify(tc.vc, cfg); got != tc.want {
			t.Fatalf("classify(%s) = %s, want %s", tc.vc.TargetPath, got, tc.want)
		}
	}
}
