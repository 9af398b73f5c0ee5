package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/basket/gatekeeper/internal/config"
)

// Aliases accepted in configuration files.
var (
	kindAliases = map[string]Kind{
		"event_driven": KindEvent,
		"event-driven": KindEvent,
	}
	conditionAliases = map[string]ConditionType{
		"philosophy_score":     ConditionPrincipleScore,
		"guardian_performance": ConditionParticipant,
		"time_range":           ConditionTimeWindow,
	}
	weekdays = map[string]time.Weekday{
		"sun": time.Sunday, "sunday": time.Sunday,
		"mon": time.Monday, "monday": time.Monday,
		"tue": time.Tuesday, "tuesday": time.Tuesday,
		"wed": time.Wednesday, "wednesday": time.Wednesday,
		"thu": time.Thursday, "thursday": time.Thursday,
		"fri": time.Friday, "friday": time.Friday,
		"sat": time.Saturday, "saturday": time.Saturday,
	}
)

const defaultAdaptationFactor = 0.2

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

// ScheduleFromConfig converts one configured schedule. Unset durations fall
// back to the scheduler defaults.
func ScheduleFromConfig(sc config.ScheduleConfig, defaults config.SchedulerConfig) (Schedule, error) {
	kind := Kind(strings.ToLower(sc.Kind))
	if alias, ok := kindAliases[string(kind)]; ok {
		kind = alias
	}
	defInterval := minutes(defaults.DefaultIntervalMinutes)
	if defInterval <= 0 {
		defInterval = time.Hour
	}
	s := Schedule{
		ID:          sc.ID,
		Name:        sc.Name,
		Description: sc.Description,
		Kind:        kind,
		Enabled:     sc.Enabled,
		Priority:    sc.Priority,
		Targets:     append([]string(nil), sc.Targets...),
		Mode:        sc.Mode,
	}
	if s.Name == "" {
		s.Name = s.ID
	}

	switch kind {
	case KindInterval:
		every := minutes(sc.IntervalMinutes)
		if every <= 0 {
			every = defInterval
		}
		s.Interval = &IntervalSpec{Every: every, MaxExecutions: sc.MaxExecutions}
	case KindCron:
		s.Cron = &CronSpec{Expression: sc.Cron, Timezone: sc.Timezone, AllowConcurrent: sc.AllowConcurrent}
	case KindEvent:
		s.Event = &EventSpec{
			Events:   append([]string(nil), sc.Events...),
			Debounce: time.Duration(sc.DebounceSeconds) * time.Second,
			Cooldown: time.Duration(sc.CooldownSeconds) * time.Second,
		}
	case KindAdaptive:
		base := minutes(sc.BaseMinutes)
		if base <= 0 {
			base = defInterval
		}
		a := AdaptiveSpec{
			Base:           base,
			Min:            minutes(sc.MinMinutes),
			Max:            minutes(sc.MaxMinutes),
			Factor:         sc.AdaptationFactor,
			LearningPeriod: sc.LearningPeriod,
		}
		if a.Min <= 0 {
			a.Min = max(base/4, time.Minute)
		}
		if a.Max <= 0 {
			a.Max = base * 4
		}
		if a.Factor == 0 {
			a.Factor = defaultAdaptationFactor
		}
		if a.LearningPeriod == 0 {
			a.LearningPeriod = defaultLearningPeriod
		}
		s.Adaptive = &a
	case KindConditional:
		c := ConditionalSpec{
			Every:      time.Duration(sc.EvaluationSeconds) * time.Second,
			RequireAll: sc.RequireAll,
		}
		for _, cc := range sc.Conditions {
			cond, err := conditionFromConfig(cc)
			if err != nil {
				return Schedule{}, fmt.Errorf("%w: schedule %s: %v", ErrInvalidSchedule, sc.ID, err)
			}
			c.Conditions = append(c.Conditions, cond)
		}
		s.Conditional = &c
	}
	return s, nil
}

func conditionFromConfig(cc config.ConditionConfig) (Condition, error) {
	typ := ConditionType(strings.ToLower(cc.Type))
	if alias, ok := conditionAliases[string(typ)]; ok {
		typ = alias
	}
	c := Condition{
		ID:          cc.ID,
		Type:        typ,
		Operator:    Operator(strings.ToLower(cc.Operator)),
		Threshold:   cc.Threshold,
		Value:       cc.Value,
		Metric:      cc.Metric,
		Principle:   cc.Principle,
		Participant: cc.Participant,
		StartHour:   cc.StartHour,
		EndHour:     cc.EndHour,
		Patterns:    append([]string(nil), cc.Patterns...),
		Since:       minutes(cc.SinceMins),
		ChangeType:  strings.ToLower(cc.ChangeType),
		Predicate:   cc.Predicate,
		Weight:      cc.Weight,
	}
	for _, d := range cc.Days {
		wd, err := parseWeekday(d)
		if err != nil {
			return Condition{}, fmt.Errorf("condition %s: %w", cc.ID, err)
		}
		c.Days = append(c.Days, wd)
	}
	return c, nil
}

// parseWeekday accepts English day names, their three-letter forms, or 0-6
// with 0 as Sunday.
func parseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if wd, ok := weekdays[s]; ok {
		return wd, nil
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n <= 6 {
		return time.Weekday(n), nil
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

// LoadSchedulesFromConfig converts and validates every configured schedule.
// It fails on the first invalid or duplicate schedule.
func LoadSchedulesFromConfig(cfg config.SchedulerConfig) ([]Schedule, error) {
	seen := make(map[string]bool)
	out := make([]Schedule, 0, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		if seen[sc.ID] {
			return nil, fmt.Errorf("%w: duplicate schedule id %s", ErrInvalidSchedule, sc.ID)
		}
		seen[sc.ID] = true
		s, err := ScheduleFromConfig(sc, cfg)
		if err != nil {
			return nil, err
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
