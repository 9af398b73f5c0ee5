package coordinator

import (
	"fmt"
	"time"

	"github.com/basket/gatekeeper/internal/config"
)

// TaskFromConfig converts one configured task definition.
func TaskFromConfig(tc config.TaskConfig) Task {
	t := Task{
		ID:       tc.ID,
		Name:     tc.Name,
		Pattern:  Pattern(tc.Pattern),
		Priority: tc.Priority,
		Criteria: Criteria{
			MinSuccessful:   tc.MinSuccessful,
			MinOverallScore: tc.MinOverallScore,
			MinAlignment:    tc.MinAlignment,
			Critical:        append([]string(nil), tc.Critical...),
		},
		Timeout:             time.Duration(tc.TimeoutSeconds) * time.Second,
		RetryAttempts:       tc.RetryAttempts,
		RequireConsensus:    tc.RequireConsensus,
		ConsensusThreshold:  tc.ConsensusThreshold,
		AllowPartialSuccess: tc.AllowPartialSuccess,
	}
	if t.Name == "" {
		t.Name = t.ID
	}
	for _, pc := range tc.Participants {
		role := Role(pc.Role)
		if role == "" {
			role = RolePrimary
		}
		weight := pc.Weight
		if weight == 0 {
			weight = 1
		}
		t.Participants = append(t.Participants, Participant{
			Type:      pc.Type,
			Role:      role,
			Weight:    weight,
			DependsOn: append([]string(nil), pc.DependsOn...),
		})
	}
	return t
}

// LoadTasksFromConfig converts and validates configured tasks. It fails on
// the first invalid or duplicate task.
func LoadTasksFromConfig(configs []config.TaskConfig) ([]Task, error) {
	seen := make(map[string]bool)
	tasks := make([]Task, 0, len(configs))
	for _, tc := range configs {
		if tc.ID == "" {
			return nil, fmt.Errorf("%w: task has empty id", ErrInvalidTask)
		}
		if seen[tc.ID] {
			return nil, fmt.Errorf("%w: duplicate task id %s", ErrInvalidTask, tc.ID)
		}
		seen[tc.ID] = true
		t := TaskFromConfig(tc)
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("task %s: %w", tc.ID, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
