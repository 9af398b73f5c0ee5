package coordinator

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Pattern selects how the participants of a task are orchestrated.
type Pattern string

const (
	PatternSequential  Pattern = "sequential"
	PatternParallel    Pattern = "parallel"
	PatternConditional Pattern = "conditional"
	PatternPipeline    Pattern = "pipeline"
	PatternConsensus   Pattern = "consensus"
)

// Valid reports whether p is a known pattern.
func (p Pattern) Valid() bool {
	switch p {
	case PatternSequential, PatternParallel, PatternConditional, PatternPipeline, PatternConsensus:
		return true
	}
	return false
}

// Role is the part a participant plays in a task.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
	RoleValidator Role = "validator"
	RoleObserver  Role = "observer"
)

func (r Role) valid() bool {
	switch r {
	case RolePrimary, RoleSecondary, RoleValidator, RoleObserver:
		return true
	}
	return false
}

// Participant declares one guardian taking part in a task.
type Participant struct {
	Type      string   `json:"type"`
	Role      Role     `json:"role"`
	Weight    float64  `json:"weight"`
	DependsOn []string `json:"depends_on,omitempty"` // participant types that must complete first
}

// Criteria decides the final status of an execution.
type Criteria struct {
	MinSuccessful   int      `json:"min_successful"`
	MinOverallScore float64  `json:"min_overall_score"`
	MinAlignment    float64  `json:"min_alignment"`
	Critical        []string `json:"critical,omitempty"`
}

func (c Criteria) isCritical(participantType string) bool {
	for _, t := range c.Critical {
		if t == participantType {
			return true
		}
	}
	return false
}

// Task is a named coordination of participants under one pattern.
type Task struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Pattern      Pattern       `json:"pattern"`
	Priority     int           `json:"priority"`
	Participants []Participant `json:"participants"`
	Criteria     Criteria      `json:"criteria"`

	Timeout             time.Duration `json:"timeout"`
	RetryAttempts       int           `json:"retry_attempts"`
	RequireConsensus    bool          `json:"require_consensus"`
	ConsensusThreshold  float64       `json:"consensus_threshold"`
	AllowPartialSuccess bool          `json:"allow_partial_success"`

	// Condition gates secondary participants of a conditional task. nil
	// runs them when at least one primary participant completed.
	Condition func(results map[string]ParticipantResult) bool `json:"-"`
}

// Errors returned by task validation.
var (
	ErrInvalidTask      = errors.New("invalid coordination task")
	ErrCyclicDependency = errors.New("cyclic participant dependency")
)

// CycleError names the participants forming a dependency cycle. It matches
// ErrCyclicDependency.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCyclicDependency, strings.Join(e.Cycle, " -> "))
}

func (e *CycleError) Is(target error) bool { return target == ErrCyclicDependency }

// Validate checks that the task is well-formed and its dependency graph
// is acyclic.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidTask)
	}
	if !t.Pattern.Valid() {
		return fmt.Errorf("%w: unknown pattern %q", ErrInvalidTask, t.Pattern)
	}
	if len(t.Participants) == 0 {
		return fmt.Errorf("%w: task %s has no participants", ErrInvalidTask, t.ID)
	}
	seen := make(map[string]bool)
	for _, p := range t.Participants {
		if p.Type == "" {
			return fmt.Errorf("%w: participant has empty type", ErrInvalidTask)
		}
		if seen[p.Type] {
			return fmt.Errorf("%w: duplicate participant %s", ErrInvalidTask, p.Type)
		}
		if !p.Role.valid() {
			return fmt.Errorf("%w: participant %s has unknown role %q", ErrInvalidTask, p.Type, p.Role)
		}
		if p.Weight < 0 {
			return fmt.Errorf("%w: participant %s has negative weight", ErrInvalidTask, p.Type)
		}
		seen[p.Type] = true
	}
	for _, c := range t.Criteria.Critical {
		if !seen[c] {
			return fmt.Errorf("%w: critical participant %s is not declared", ErrInvalidTask, c)
		}
	}
	if t.ConsensusThreshold < 0 || t.ConsensusThreshold > 1 {
		return fmt.Errorf("%w: consensus threshold %v outside [0,1]", ErrInvalidTask, t.ConsensusThreshold)
	}
	_, err := topoSort(t.Participants)
	return err
}

func (t *Task) clone() Task {
	out := *t
	out.Participants = make([]Participant, len(t.Participants))
	for i, p := range t.Participants {
		p.DependsOn = append([]string(nil), p.DependsOn...)
		out.Participants[i] = p
	}
	out.Criteria.Critical = append([]string(nil), t.Criteria.Critical...)
	return out
}

// topoSort orders participants so that every participant follows its
// dependencies, grouped by wave. Participants with no dependencies form
// wave 0, participants depending only on wave 0 form wave 1, and so on.
// Declaration order is kept within a wave.
func topoSort(participants []Participant) ([][]Participant, error) {
	byType := make(map[string]Participant, len(participants))
	for _, p := range participants {
		byType[p.Type] = p
	}
	for _, p := range participants {
		for _, dep := range p.DependsOn {
			if _, ok := byType[dep]; !ok {
				return nil, fmt.Errorf("%w: participant %s depends on undeclared participant %s", ErrInvalidTask, p.Type, dep)
			}
		}
	}

	var waves [][]Participant
	processed := make(map[string]bool)
	for len(processed) < len(participants) {
		var wave []Participant
		for _, p := range participants {
			if processed[p.Type] {
				continue
			}
			ready := true
			for _, dep := range p.DependsOn {
				if !processed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, p)
			}
		}
		if len(wave) == 0 {
			return nil, &CycleError{Cycle: findCycle(participants, processed, byType)}
		}
		waves = append(waves, wave)
		for _, p := range wave {
			processed[p.Type] = true
		}
	}
	return waves, nil
}

// findCycle walks unprocessed dependency edges until a participant repeats.
// Every unprocessed participant has at least one unprocessed dependency, so
// the walk always closes a loop.
func findCycle(participants []Participant, processed map[string]bool, byType map[string]Participant) []string {
	var start string
	for _, p := range participants {
		if !processed[p.Type] {
			start = p.Type
			break
		}
	}
	index := make(map[string]int)
	var path []string
	cur := start
	for {
		if i, ok := index[cur]; ok {
			return append(path[i:], cur)
		}
		index[cur] = len(path)
		path = append(path, cur)
		next := ""
		for _, dep := range byType[cur].DependsOn {
			if !processed[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			return path
		}
		cur = next
	}
}

// dependencyOrder flattens topoSort waves.
func dependencyOrder(participants []Participant) ([]Participant, error) {
	waves, err := topoSort(participants)
	if err != nil {
		return nil, err
	}
	var out []Participant
	for _, w := range waves {
		out = append(out, w...)
	}
	return out, nil
}
