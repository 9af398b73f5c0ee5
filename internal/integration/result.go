package integration

import (
	"time"

	"github.com/basket/gatekeeper/internal/quality"
)

// Mode is the top-level pipeline strategy.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
	ModeAdaptive   Mode = "adaptive"
)

func (m Mode) valid() bool {
	switch m {
	case ModeSequential, ModeParallel, ModeAdaptive:
		return true
	}
	return false
}

// Strategy is the plan an adaptive run settled on.
type Strategy string

const (
	StrategyPrincipleFirst Strategy = "principle_first"
	StrategyPerformance    Strategy = "performance_optimized"
	StrategyComprehensive  Strategy = "comprehensive"
)

// Component names. They double as keys of integration.weights.
const (
	ComponentPrinciples   = "principles"
	ComponentRules        = "rules"
	ComponentCoordination = "coordination"
	ComponentAutoFix      = "autofix"
	ComponentScheduling   = "scheduling"

	// componentPipeline reports failures of the run itself, such as not
	// getting a pipeline slot.
	componentPipeline = "pipeline"
)

// ComponentReport is what one pipeline step produced.
type ComponentReport struct {
	Name     string                    `json:"name"`
	Status   quality.Status            `json:"status"`
	Score    float64                   `json:"score"`
	Scored   bool                      `json:"scored"` // false when the step produced nothing to aggregate
	Results  []quality.ComponentResult `json:"results,omitempty"`
	Duration time.Duration             `json:"duration"`
	Error    string                    `json:"error,omitempty"`
}

// CoordinationSummary references the coordination execution of a run.
type CoordinationSummary struct {
	TaskID           string   `json:"task_id"`
	ExecutionID      string   `json:"execution_id"`
	Status           string   `json:"status"`
	ConsensusReached bool     `json:"consensus_reached"`
	Synchronization  float64  `json:"synchronization"`
	Unmet            []string `json:"unmet,omitempty"`
}

// FixOutcome is the fate of one remediation submitted during a run.
type FixOutcome struct {
	ExecutionID string `json:"execution_id,omitempty"`
	RuleID      string `json:"rule_id"`
	Guardian    string `json:"guardian,omitempty"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

// Fix outcome states besides the auto-fix execution statuses.
const (
	FixSkipped = "skipped"
	FixFailed  = "failed"
)

// Opportunity is a suggested improvement, priority 1 being most urgent.
type Opportunity struct {
	Component string `json:"component"`
	Issue     string `json:"issue"`
	Impact    string `json:"impact"`
	Effort    string `json:"effort"`
	Priority  int    `json:"priority"`
}

// Interaction compares the scores of two components.
type Interaction struct {
	Delta      float64 `json:"delta"`
	Correlated bool    `json:"correlated"`
}

// Insights describe how the components of a run related to each other.
type Insights struct {
	Interactions     map[string]Interaction `json:"interactions,omitempty"`
	Bottlenecks      []string               `json:"bottlenecks,omitempty"`
	Suggestions      []string               `json:"suggestions,omitempty"`
	EmergentPatterns []string               `json:"emergent_patterns,omitempty"`
}

// Metrics are the integration-level measurements of a run.
type Metrics struct {
	Duration        time.Duration `json:"duration"`
	Synchronization float64       `json:"synchronization"`
	Consistency     float64       `json:"consistency"`
	Performance     float64       `json:"performance"`
	Reliability     float64       `json:"reliability"`
}

// RunResult is the integrated outcome of one validation run. It is frozen
// once RunValidation returns.
type RunResult struct {
	ID         string         `json:"id"`
	Target     string         `json:"target"`
	Mode       Mode           `json:"mode"`
	Strategy   Strategy       `json:"strategy,omitempty"`
	ScheduleID string         `json:"schedule_id,omitempty"`
	Status     quality.Status `json:"status"`
	Score      float64        `json:"score"`
	Alignment  float64        `json:"alignment"`
	Health     float64        `json:"health"`

	Components   map[string]ComponentReport    `json:"components"`
	Principles   *quality.PrincipleScoreResult `json:"principles,omitempty"`
	Coordination *CoordinationSummary          `json:"coordination,omitempty"`
	Fixes        []FixOutcome                  `json:"fixes,omitempty"`

	CriticalIssues  []string      `json:"critical_issues,omitempty"`
	Recommendations []string      `json:"recommendations,omitempty"`
	Opportunities   []Opportunity `json:"opportunities,omitempty"`
	Insights        Insights      `json:"insights"`
	Metrics         Metrics       `json:"metrics"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Component returns the report of name, if that step ran.
func (r RunResult) Component(name string) (ComponentReport, bool) {
	c, ok := r.Components[name]
	return c, ok
}

func (r RunResult) clone() RunResult {
	out := r
	out.Components = make(map[string]ComponentReport, len(r.Components))
	for k, v := range r.Components {
		v.Results = append([]quality.ComponentResult(nil), v.Results...)
		out.Components[k] = v
	}
	if r.Coordination != nil {
		c := *r.Coordination
		c.Unmet = append([]string(nil), c.Unmet...)
		out.Coordination = &c
	}
	if r.Principles != nil {
		p := *r.Principles
		out.Principles = &p
	}
	out.Fixes = append([]FixOutcome(nil), r.Fixes...)
	out.CriticalIssues = append([]string(nil), r.CriticalIssues...)
	out.Recommendations = append([]string(nil), r.Recommendations...)
	out.Opportunities = append([]Opportunity(nil), r.Opportunities...)
	if r.Insights.Interactions != nil {
		out.Insights.Interactions = make(map[string]Interaction, len(r.Insights.Interactions))
		for k, v := range r.Insights.Interactions {
			out.Insights.Interactions[k] = v
		}
	}
	out.Insights.Bottlenecks = append([]string(nil), r.Insights.Bottlenecks...)
	out.Insights.Suggestions = append([]string(nil), r.Insights.Suggestions...)
	out.Insights.EmergentPatterns = append([]string(nil), r.Insights.EmergentPatterns...)
	return out
}
