package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind selects how a schedule decides when to fire.
type Kind string

const (
	KindInterval    Kind = "interval"
	KindCron        Kind = "cron"
	KindEvent       Kind = "event"
	KindAdaptive    Kind = "adaptive"
	KindConditional Kind = "conditional"
)

// State is the lifecycle state of a schedule. Only running schedules fire.
type State string

const (
	StateRunning State = "running"
	StatePaused  State = "paused"
)

var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrNotFound        = errors.New("schedule not found")
	ErrExists          = errors.New("schedule already exists")
	ErrLimit           = errors.New("schedule limit reached")
)

// IntervalSpec fires every Every. MaxExecutions > 0 pauses the schedule
// after that many firings.
type IntervalSpec struct {
	Every         time.Duration `json:"every"`
	MaxExecutions int           `json:"max_executions,omitempty"`
}

// CronSpec fires on a cron expression evaluated in Timezone (IANA name,
// empty for local time).
type CronSpec struct {
	Expression      string `json:"expression"`
	Timezone        string `json:"timezone,omitempty"`
	AllowConcurrent bool   `json:"allow_concurrent"`
}

// EventSpec fires on named system events. Debounce collapses bursts into
// one firing; Cooldown is the minimum spacing between firings.
type EventSpec struct {
	Events   []string      `json:"events"`
	Debounce time.Duration `json:"debounce"`
	Cooldown time.Duration `json:"cooldown"`
}

// AdaptiveSpec fires on a self-tuning interval kept within [Min, Max].
type AdaptiveSpec struct {
	Base   time.Duration `json:"base"`
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Factor float64       `json:"factor"`
	// LearningPeriod is the number of executions kept in the learning ring.
	LearningPeriod int `json:"learning_period"`
}

// ConditionalSpec polls Conditions every Every. RequireAll combines them
// with AND instead of OR.
type ConditionalSpec struct {
	Conditions []Condition   `json:"conditions"`
	Every      time.Duration `json:"every"`
	RequireAll bool          `json:"require_all"`
}

// Schedule declares when validation runs over Targets fire. Exactly one of
// the kind blocks is set, matching Kind.
type Schedule struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Kind        Kind     `json:"kind"`
	Enabled     bool     `json:"enabled"`
	Priority    int      `json:"priority"`
	Targets     []string `json:"targets,omitempty"`
	Mode        string   `json:"mode,omitempty"` // pipeline mode override, empty for the configured default

	Interval    *IntervalSpec    `json:"interval,omitempty"`
	Cron        *CronSpec        `json:"cron,omitempty"`
	Event       *EventSpec       `json:"event,omitempty"`
	Adaptive    *AdaptiveSpec    `json:"adaptive,omitempty"`
	Conditional *ConditionalSpec `json:"conditional,omitempty"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSchedule, fmt.Sprintf(format, args...))
}

// Validate checks that exactly the kind block matching Kind is set and that
// its parameters are usable.
func (s *Schedule) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return invalid("empty id")
	}
	blocks := map[Kind]bool{
		KindInterval:    s.Interval != nil,
		KindCron:        s.Cron != nil,
		KindEvent:       s.Event != nil,
		KindAdaptive:    s.Adaptive != nil,
		KindConditional: s.Conditional != nil,
	}
	set, ok := blocks[s.Kind]
	if !ok {
		return invalid("schedule %s has unknown kind %q", s.ID, s.Kind)
	}
	if !set {
		return invalid("schedule %s of kind %s has no %s parameters", s.ID, s.Kind, s.Kind)
	}
	for k, present := range blocks {
		if present && k != s.Kind {
			return invalid("schedule %s of kind %s also sets %s parameters", s.ID, s.Kind, k)
		}
	}

	switch s.Kind {
	case KindInterval:
		if s.Interval.Every <= 0 {
			return invalid("schedule %s: interval must be positive", s.ID)
		}
		if s.Interval.MaxExecutions < 0 {
			return invalid("schedule %s: max executions must not be negative", s.ID)
		}
	case KindCron:
		if _, err := parseCron(s.Cron.Expression, s.Cron.Timezone); err != nil {
			return invalid("schedule %s: %v", s.ID, err)
		}
	case KindEvent:
		if len(s.Event.Events) == 0 {
			return invalid("schedule %s: no trigger events", s.ID)
		}
		for _, name := range s.Event.Events {
			if strings.TrimSpace(name) == "" {
				return invalid("schedule %s: empty event name", s.ID)
			}
		}
		if s.Event.Debounce < 0 || s.Event.Cooldown < 0 {
			return invalid("schedule %s: debounce and cooldown must not be negative", s.ID)
		}
	case KindAdaptive:
		a := s.Adaptive
		if a.Base <= 0 || a.Min <= 0 || a.Max <= 0 {
			return invalid("schedule %s: adaptive intervals must be positive", s.ID)
		}
		if a.Min > a.Max || a.Base < a.Min || a.Base > a.Max {
			return invalid("schedule %s: adaptive intervals need min <= base <= max", s.ID)
		}
		if a.Factor <= 0 || a.Factor >= 1 {
			return invalid("schedule %s: adaptation factor must be in (0,1)", s.ID)
		}
		if a.LearningPeriod < 0 {
			return invalid("schedule %s: learning period must not be negative", s.ID)
		}
	case KindConditional:
		c := s.Conditional
		if len(c.Conditions) == 0 {
			return invalid("schedule %s: no conditions", s.ID)
		}
		if c.Every < 0 {
			return invalid("schedule %s: evaluation interval must not be negative", s.ID)
		}
		for i := range c.Conditions {
			if err := c.Conditions[i].validate(); err != nil {
				return invalid("schedule %s: %v", s.ID, err)
			}
		}
	}
	return nil
}

func (s Schedule) clone() Schedule {
	out := s
	out.Targets = append([]string(nil), s.Targets...)
	if s.Interval != nil {
		v := *s.Interval
		out.Interval = &v
	}
	if s.Cron != nil {
		v := *s.Cron
		out.Cron = &v
	}
	if s.Event != nil {
		v := *s.Event
		v.Events = append([]string(nil), s.Event.Events...)
		out.Event = &v
	}
	if s.Adaptive != nil {
		v := *s.Adaptive
		out.Adaptive = &v
	}
	if s.Conditional != nil {
		v := *s.Conditional
		v.Conditions = make([]Condition, len(s.Conditional.Conditions))
		for i, c := range s.Conditional.Conditions {
			c.Days = append([]time.Weekday(nil), c.Days...)
			c.Patterns = append([]string(nil), c.Patterns...)
			v.Conditions[i] = c
		}
		out.Conditional = &v
	}
	return out
}

// ExecutionStatus is the outcome of one firing.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionSkipped   ExecutionStatus = "skipped"
)

// Execution is one firing of a schedule.
type Execution struct {
	ID            string          `json:"id"`
	ScheduleID    string          `json:"schedule_id"`
	Kind          Kind            `json:"kind"`
	Trigger       string          `json:"trigger"`
	Status        ExecutionStatus `json:"status"`
	ScheduledAt   time.Time       `json:"scheduled_at"`
	StartedAt     time.Time       `json:"started_at,omitempty"`
	Duration      time.Duration   `json:"duration"`
	Reason        string          `json:"reason,omitempty"`
	Conditions    map[string]bool `json:"conditions,omitempty"`
	AdaptiveScore float64         `json:"adaptive_score,omitempty"`
}

func (x Execution) clone() Execution {
	if x.Conditions != nil {
		m := make(map[string]bool, len(x.Conditions))
		for k, v := range x.Conditions {
			m[k] = v
		}
		x.Conditions = m
	}
	return x
}
