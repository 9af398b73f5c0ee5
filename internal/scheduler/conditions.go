package scheduler

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/basket/gatekeeper/internal/bus"
	"github.com/basket/gatekeeper/internal/sandbox/wasm"
)

// ConditionType selects what a condition inspects.
type ConditionType string

const (
	ConditionSystemHealth   ConditionType = "system_health"
	ConditionPrincipleScore ConditionType = "principle_score"
	ConditionParticipant    ConditionType = "participant_performance"
	ConditionTimeWindow     ConditionType = "time_window"
	ConditionFileChanges    ConditionType = "file_changes"
	ConditionCustom         ConditionType = "custom"
)

// Operator compares an observed value with a condition's threshold.
type Operator string

const (
	OpGT       Operator = "gt"
	OpLT       Operator = "lt"
	OpEQ       Operator = "eq"
	OpGTE      Operator = "gte"
	OpLTE      Operator = "lte"
	OpContains Operator = "contains"
	OpMatches  Operator = "matches"
)

// Change types accepted by file_changes conditions.
const (
	ChangeAny    = "any"
	ChangeAdd    = "add"
	ChangeModify = "modify"
	ChangeDelete = "delete"
)

// Condition is one typed check of a conditional schedule.
type Condition struct {
	ID        string        `json:"id"`
	Type      ConditionType `json:"type"`
	Operator  Operator      `json:"operator,omitempty"`
	Threshold float64       `json:"threshold,omitempty"`
	// Value is the operand of contains and matches.
	Value string `json:"value,omitempty"`

	// Metric names the system health metric or the participant metric
	// (success_rate, average_score, execution_time).
	Metric string `json:"metric,omitempty"`
	// Principle is empty for the overall alignment.
	Principle   string `json:"principle,omitempty"`
	Participant string `json:"participant,omitempty"`

	StartHour int            `json:"start_hour,omitempty"`
	EndHour   int            `json:"end_hour,omitempty"`
	Days      []time.Weekday `json:"days,omitempty"` // empty matches every day

	Patterns   []string      `json:"patterns,omitempty"`
	Since      time.Duration `json:"since,omitempty"`
	ChangeType string        `json:"change_type,omitempty"`

	Predicate string  `json:"predicate,omitempty"`
	Weight    float64 `json:"weight,omitempty"`
}

func (o Operator) valid() bool {
	switch o {
	case OpGT, OpLT, OpEQ, OpGTE, OpLTE, OpContains, OpMatches:
		return true
	}
	return false
}

func (c *Condition) validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("condition has empty id")
	}
	switch c.Type {
	case ConditionSystemHealth, ConditionPrincipleScore, ConditionParticipant:
		if !c.Operator.valid() {
			return fmt.Errorf("condition %s: unknown operator %q", c.ID, c.Operator)
		}
		if c.Operator == OpMatches {
			if _, err := regexp.Compile(c.Value); err != nil {
				return fmt.Errorf("condition %s: %w", c.ID, err)
			}
		}
		if c.Type == ConditionSystemHealth && c.Metric == "" {
			return fmt.Errorf("condition %s: system health metric required", c.ID)
		}
		if c.Type == ConditionParticipant && (c.Participant == "" || c.Metric == "") {
			return fmt.Errorf("condition %s: participant and metric required", c.ID)
		}
	case ConditionTimeWindow:
		if c.StartHour < 0 || c.StartHour > 23 || c.EndHour < 0 || c.EndHour > 23 {
			return fmt.Errorf("condition %s: hours must be within 0-23", c.ID)
		}
	case ConditionFileChanges:
		if len(c.Patterns) == 0 {
			return fmt.Errorf("condition %s: no file patterns", c.ID)
		}
		switch c.ChangeType {
		case "", ChangeAny, ChangeAdd, ChangeModify, ChangeDelete:
		default:
			return fmt.Errorf("condition %s: unknown change type %q", c.ID, c.ChangeType)
		}
	case ConditionCustom:
		if c.Predicate == "" {
			return fmt.Errorf("condition %s: predicate name required", c.ID)
		}
	default:
		return fmt.Errorf("condition %s: unknown type %q", c.ID, c.Type)
	}
	return nil
}

// Signals exposes the system state conditions and adaptive schedules read.
type Signals interface {
	// SystemLoad is the current load in [0,1].
	SystemLoad() float64
	// PrincipleAlignment is the latest overall principle alignment in [0,1].
	PrincipleAlignment() float64
	HealthMetric(name string) (float64, bool)
	// PrincipleScore returns the latest score of principle; an empty
	// principle asks for the overall alignment.
	PrincipleScore(principle string) (float64, bool)
	ParticipantMetric(participant, metric string) (float64, bool)
}

// StaticSignals is a fixed Signals value.
type StaticSignals struct {
	Load         float64
	Alignment    float64
	Health       map[string]float64
	Principles   map[string]float64
	Participants map[string]map[string]float64
}

func (s StaticSignals) SystemLoad() float64         { return s.Load }
func (s StaticSignals) PrincipleAlignment() float64 { return s.Alignment }

func (s StaticSignals) HealthMetric(name string) (float64, bool) {
	v, ok := s.Health[name]
	return v, ok
}

func (s StaticSignals) PrincipleScore(principle string) (float64, bool) {
	if principle == "" || principle == "overall" {
		return s.Alignment, true
	}
	v, ok := s.Principles[principle]
	return v, ok
}

func (s StaticSignals) ParticipantMetric(participant, metric string) (float64, bool) {
	v, ok := s.Participants[participant][metric]
	return v, ok
}

// ChangeSource lists recent workspace file changes.
type ChangeSource interface {
	Changes(since time.Time) []bus.FileChange
}

// Predicate is a custom condition implemented in Go.
type Predicate func(ctx context.Context, signals Signals) (bool, error)

// PredicateHost evaluates custom conditions compiled to WebAssembly.
type PredicateHost interface {
	HasModule(name string) bool
	Evaluate(ctx context.Context, name string, env wasm.Env) (bool, error)
}

// compare applies op. contains and matches compare the decimal form of
// value with operand.
func compare(value float64, op Operator, threshold float64, operand string) bool {
	switch op {
	case OpGT:
		return value > threshold
	case OpLT:
		return value < threshold
	case OpEQ:
		return math.Abs(value-threshold) < 1e-9
	case OpGTE:
		return value >= threshold
	case OpLTE:
		return value <= threshold
	case OpContains:
		return strings.Contains(strconv.FormatFloat(value, 'f', -1, 64), operand)
	case OpMatches:
		re, err := regexp.Compile(operand)
		return err == nil && re.MatchString(strconv.FormatFloat(value, 'f', -1, 64))
	}
	return false
}

// inWindow reports whether now falls within the hour window on one of days.
// Both hours are inclusive; a start after the end wraps past midnight.
func inWindow(now time.Time, startHour, endHour int, days []time.Weekday) bool {
	if len(days) > 0 {
		found := false
		for _, d := range days {
			if d == now.Weekday() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	h := now.Hour()
	if startHour <= endHour {
		return h >= startHour && h <= endHour
	}
	return h >= startHour || h <= endHour
}

// matchesChange reports whether path contains, or matches as a regular
// expression, any of patterns.
func matchesChange(path string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(path, p) {
			return true
		}
		if re, err := regexp.Compile(p); err == nil && re.MatchString(path) {
			return true
		}
	}
	return false
}

// evaluateCondition checks one condition. Unknown metrics evaluate to false.
func (s *Scheduler) evaluateCondition(ctx context.Context, c Condition, now time.Time) (bool, error) {
	switch c.Type {
	case ConditionSystemHealth:
		v, ok := s.signals.HealthMetric(c.Metric)
		return ok && compare(v, c.Operator, c.Threshold, c.Value), nil
	case ConditionPrincipleScore:
		v, ok := s.signals.PrincipleScore(c.Principle)
		return ok && compare(v, c.Operator, c.Threshold, c.Value), nil
	case ConditionParticipant:
		v, ok := s.signals.ParticipantMetric(c.Participant, c.Metric)
		return ok && compare(v, c.Operator, c.Threshold, c.Value), nil
	case ConditionTimeWindow:
		return inWindow(now, c.StartHour, c.EndHour, c.Days), nil
	case ConditionFileChanges:
		if s.changes == nil {
			return false, nil
		}
		since := c.Since
		if since <= 0 {
			since = time.Hour
		}
		want := c.ChangeType
		if want == "" {
			want = ChangeAny
		}
		for _, ch := range s.changes.Changes(now.Add(-since)) {
			if want != ChangeAny && ch.Op != want {
				continue
			}
			if matchesChange(ch.Path, c.Patterns) {
				return true, nil
			}
		}
		return false, nil
	case ConditionCustom:
		return s.evaluatePredicate(ctx, c.Predicate, now)
	}
	return false, fmt.Errorf("unknown condition type %q", c.Type)
}

func (s *Scheduler) evaluatePredicate(ctx context.Context, name string, now time.Time) (bool, error) {
	s.mu.Lock()
	p, ok := s.predicates[name]
	s.mu.Unlock()
	if ok {
		return p(ctx, s.signals)
	}
	if s.wasm != nil && s.wasm.HasModule(name) {
		health, _ := s.signals.HealthMetric("overall_score")
		return s.wasm.Evaluate(ctx, name, wasm.Env{
			SystemHealth:       health,
			SystemLoad:         s.signals.SystemLoad(),
			PrincipleAlignment: s.signals.PrincipleAlignment(),
			Now:                now,
		})
	}
	return false, fmt.Errorf("predicate %q is not registered", name)
}

// evaluateConditions combines every condition of spec. A condition that
// errors counts as false.
func (s *Scheduler) evaluateConditions(ctx context.Context, id string, spec ConditionalSpec, now time.Time) (bool, map[string]bool) {
	results := make(map[string]bool, len(spec.Conditions))
	for _, c := range spec.Conditions {
		ok, err := s.evaluateCondition(ctx, c, now)
		if err != nil {
			s.logger.Warn("condition evaluation failed", "schedule_id", id, "condition", c.ID, "error", err)
			ok = false
		}
		results[c.ID] = ok
	}
	if spec.RequireAll {
		for _, ok := range results {
			if !ok {
				return false, results
			}
		}
		return true, results
	}
	for _, ok := range results {
		if ok {
			return true, results
		}
	}
	return false, results
}
