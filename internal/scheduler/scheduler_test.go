package scheduler_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/gatekeeper/internal/bus"
	"github.com/basket/gatekeeper/internal/config"
	"github.com/basket/gatekeeper/internal/persistence"
	"github.com/basket/gatekeeper/internal/scheduler"
)

// waitFor polls check until it returns true or the deadline elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type countingRunner struct {
	calls atomic.Int64
	err   error
}

func (r *countingRunner) RunTargets(context.Context, []string, string) error {
	r.calls.Add(1)
	return r.err
}

func newScheduler(t *testing.T, cfg config.SchedulerConfig, opts scheduler.Options) *scheduler.Scheduler {
	t.Helper()
	if opts.Runner == nil {
		opts.Runner = &countingRunner{}
	}
	s, err := scheduler.New(cfg, opts)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func start(t *testing.T, s *scheduler.Scheduler) {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func mustCreate(t *testing.T, s *scheduler.Scheduler, sch scheduler.Schedule) {
	t.Helper()
	if _, err := s.Create(context.Background(), sch); err != nil {
		t.Fatalf("create %s: %v", sch.ID, err)
	}
}

func countStatus(xs []scheduler.Execution, status scheduler.ExecutionStatus) int {
	n := 0
	for _, x := range xs {
		if x.Status == status {
			n++
		}
	}
	return n
}

func TestNew_RequiresRunner(t *testing.T) {
	if _, err := scheduler.New(config.SchedulerConfig{}, scheduler.Options{}); err == nil {
		t.Fatal("expected error without a runner")
	}
}

func TestInterval_SelfPausesAtMaxExecutions(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicSchedulePaused)
	defer b.Unsubscribe(sub)

	runner := &countingRunner{}
	s := newScheduler(t, config.SchedulerConfig{}, scheduler.Options{Runner: runner, Bus: b})
	mustCreate(t, s, scheduler.Schedule{
		ID:       "capped",
		Kind:     scheduler.KindInterval,
		Enabled:  true,
		Interval: &scheduler.IntervalSpec{Every: 20 * time.Millisecond, MaxExecutions: 3},
	})
	start(t, s)

	waitFor(t, 3*time.Second, func() bool {
		info, _ := s.Get("capped")
		return info.State == scheduler.StatePaused
	})
	select {
	case ev := <-sub.Ch():
		if ev.Payload.(bus.ScheduleEvent).ScheduleID != "capped" {
			t.Fatalf("paused event = %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no paused event")
	}

	// Several more ticks would have elapsed by now.
	time.Sleep(150 * time.Millisecond)
	if got := len(s.Executions("capped", 0)); got != 3 {
		t.Fatalf("executions = %d, want 3", got)
	}
	if got := runner.calls.Load(); got != 3 {
		t.Fatalf("runner calls = %d, want 3", got)
	}
	info, _ := s.Get("capped")
	if info.Fired != 3 {
		t.Fatalf("fired = %d", info.Fired)
	}
}

func TestInterval_FailureDoesNotStopSchedule(t *testing.T) {
	runner := &countingRunner{err: errors.New("pipeline exploded")}
	s := newScheduler(t, config.SchedulerConfig{}, scheduler.Options{Runner: runner})
	mustCreate(t, s, scheduler.Schedule{
		ID:       "flaky",
		Kind:     scheduler.KindInterval,
		Enabled:  true,
		Interval: &scheduler.IntervalSpec{Every: 20 * time.Millisecond},
	})
	start(t, s)

	waitFor(t, 3*time.Second, func() bool {
		return countStatus(s.Executions("flaky", 0), scheduler.ExecutionFailed) >= 2
	})
	info, _ := s.Get("flaky")
	if info.State != scheduler.StateRunning {
		t.Fatalf("state = %s, want running", info.State)
	}
	x := s.Executions("flaky", 1)[0]
	if x.Reason != "pipeline exploded" || x.Trigger != "interval" {
		t.Fatalf("execution = %+v", x)
	}
	if st := s.Stats(); st.Failed < 2 || st.Kinds[scheduler.KindInterval].Executions < 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestEvent_DebounceCollapsesBurst(t *testing.T) {
	b := bus.New()
	runner := &countingRunner{}
	s := newScheduler(t, config.SchedulerConfig{}, scheduler.Options{Runner: runner, Bus: b})
	mustCreate(t, s, scheduler.Schedule{
		ID:      "on-commit",
		Kind:    scheduler.KindEvent,
		Enabled: true,
		Event:   &scheduler.EventSpec{Events: []string{"commit"}, Debounce: 60 * time.Millisecond},
	})
	start(t, s)

	for i := 0; i < 5; i++ {
		b.Publish(bus.SystemTopic("commit"), nil)
	}
	b.Publish(bus.SystemTopic("deploy"), nil)

	waitFor(t, 2*time.Second, func() bool { return len(s.Executions("on-commit", 0)) == 1 })
	time.Sleep(150 * time.Millisecond)
	xs := s.Executions("on-commit", 0)
	if len(xs) != 1 {
		t.Fatalf("executions = %d, want 1", len(xs))
	}
	if xs[0].Trigger != "event:commit" {
		t.Fatalf("trigger = %q", xs[0].Trigger)
	}
}

func TestEvent_CooldownSkips(t *testing.T) {
	b := bus.New()
	s := newScheduler(t, config.SchedulerConfig{}, scheduler.Options{Bus: b})
	mustCreate(t, s, scheduler.Schedule{
		ID:      "cool",
		Kind:    scheduler.KindEvent,
		Enabled: true,
		Event:   &scheduler.EventSpec{Events: []string{"file_changed"}, Cooldown: time.Hour},
	})
	start(t, s)

	b.Publish(bus.TopicFileChanged, bus.FileChange{Path: "a.go", Op: "modify"})
	waitFor(t, 2*time.Second, func() bool {
		return countStatus(s.Executions("cool", 0), scheduler.ExecutionCompleted) == 1
	})
	b.Publish(bus.TopicFileChanged, bus.FileChange{Path: "b.go", Op: "modify"})
	waitFor(t, 2*time.Second, func() bool {
		return countStatus(s.Executions("cool", 0), scheduler.ExecutionSkipped) == 1
	})
	skipped := s.Executions("cool", 1)[0]
	if skipped.Status != scheduler.ExecutionSkipped || skipped.Reason != "cooldown" {
		t.Fatalf("latest execution = %+v", skipped)
	}
	if st := s.Stats(); st.Skipped != 1 || st.Successful != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestEvent_PausedScheduleIgnoresEvents(t *testing.T) {
	b := bus.New()
	s := newScheduler(t, config.SchedulerConfig{}, scheduler.Options{Bus: b})
	mustCreate(t, s, scheduler.Schedule{
		ID:    "off",
		Kind:  scheduler.KindEvent,
		Event: &scheduler.EventSpec{Events: []string{"commit"}},
	})
	start(t, s)
	b.Publish(bus.SystemTopic("commit"), nil)
	time.Sleep(100 * time.Millisecond)
	if got := len(s.Executions("off", 0)); got != 0 {
		t.Fatalf("paused schedule fired %d times", got)
	}
}

func TestAdaptive_RetunesAfterFiring(t *testing.T) {
	s := newScheduler(t, config.SchedulerConfig{AdaptiveLearning: true}, scheduler.Options{
		Signals: scheduler.StaticSignals{Load: 0, Alignment: 1},
	})
	mustCreate(t, s, scheduler.Schedule{
		ID:      "tuned",
		Kind:    scheduler.KindAdaptive,
		Enabled: true,
		Adaptive: &scheduler.AdaptiveSpec{
			Base:   40 * time.Millisecond,
			Min:    20 * time.Millisecond,
			Max:    80 * time.Millisecond,
			Factor: 0.5,
		},
	})
	start(t, s)

	waitFor(t, 3*time.Second, func() bool {
		l, _ := s.Learning("tuned")
		return len(l.History) >= 1 && len(s.Executions("tuned", 0)) >= 1
	})
	l, ok := s.Learning("tuned")
	if !ok {
		t.Fatal("no learning state")
	}
	if l.CurrentInterval != 20*time.Millisecond {
		t.Fatalf("interval = %v, want shrunk to the floor", l.CurrentInterval)
	}
	if !l.History[0].Success || l.LastScore < 0.99 {
		t.Fatalf("learning = %+v", l)
	}
	if s.Stats().AdaptiveAdjustments < 1 {
		t.Fatal("adjustment not counted")
	}
	if x := s.Executions("tuned", 1)[0]; x.AdaptiveScore < 0.99 {
		t.Fatalf("execution score = %v", x.AdaptiveScore)
	}
}

func TestAdaptive_LearningDisabledKeepsInterval(t *testing.T) {
	s := newScheduler(t, config.SchedulerConfig{}, scheduler.Options{
		Signals: scheduler.StaticSignals{Alignment: 1},
	})
	mustCreate(t, s, scheduler.Schedule{
		ID:       "fixed",
		Kind:     scheduler.KindAdaptive,
		Enabled:  true,
		Adaptive: &scheduler.AdaptiveSpec{Base: 30 * time.Millisecond, Min: 10 * time.Millisecond, Max: time.Second, Factor: 0.5},
	})
	start(t, s)
	waitFor(t, 3*time.Second, func() bool {
		l, _ := s.Learning("fixed")
		return len(l.History) >= 2
	})
	l, _ := s.Learning("fixed")
	if l.CurrentInterval != 30*time.Millisecond || l.Adjustments != 0 {
		t.Fatalf("learning = %+v", l)
	}
}

func TestConditional_FiresWhenConditionsHold(t *testing.T) {
	s := newScheduler(t, config.SchedulerConfig{}, scheduler.Options{
		Signals: scheduler.StaticSignals{
			Alignment: 0.7,
			Health:    map[string]float64{"overall_score": 0.4},
		},
	})
	mustCreate(t, s, scheduler.Schedule{
		ID:      "degraded",
		Kind:    scheduler.KindConditional,
		Enabled: true,
		Conditional: &scheduler.ConditionalSpec{
			Every:      20 * time.Millisecond,
			RequireAll: true,
			Conditions: []scheduler.Condition{
				{ID: "health", Type: scheduler.ConditionSystemHealth, Metric: "overall_score", Operator: scheduler.OpLT, Threshold: 0.6},
				{ID: "aligned", Type: scheduler.ConditionPrincipleScore, Operator: scheduler.OpGTE, Threshold: 0.5},
			},
		},
	})
	mustCreate(t, s, scheduler.Schedule{
		ID:      "healthy",
		Kind:    scheduler.KindConditional,
		Enabled: true,
		Conditional: &scheduler.ConditionalSpec{
			Every: 20 * time.Millisecond,
			Conditions: []scheduler.Condition{
				{ID: "health", Type: scheduler.ConditionSystemHealth, Metric: "overall_score", Operator: scheduler.OpGT, Threshold: 0.9},
			},
		},
	})
	start(t, s)

	waitFor(t, 3*time.Second, func() bool { return len(s.Executions("degraded", 0)) >= 1 })
	x := s.Executions("degraded", 1)[0]
	if !x.Conditions["health"] || !x.Conditions["aligned"] || x.Trigger != "conditions" {
		t.Fatalf("execution = %+v", x)
	}
	waitFor(t, 3*time.Second, func() bool { return s.Stats().ConditionEvaluations >= 6 })
	if got := len(s.Executions("healthy", 0)); got != 0 {
		t.Fatalf("unmet schedule fired %d times", got)
	}
}

func TestCron_Validation(t *testing.T) {
	s := newScheduler(t, config.SchedulerConfig{}, scheduler.Options{})
	bad := []scheduler.CronSpec{
		{Expression: ""},
		{Expression: "not a cron"},
		{Expression: "0 9 * * *", Timezone: "Mars/Olympus"},
	}
	for i, spec := range bad {
		spec := spec
		_, err := s.Create(context.Background(), scheduler.Schedule{ID: "bad", Kind: scheduler.KindCron, Cron: &spec})
		if !errors.Is(err, scheduler.ErrInvalidSchedule) {
			t.Fatalf("case %d: err = %v, want ErrInvalidSchedule", i, err)
		}
	}
	mustCreate(t, s, scheduler.Schedule{
		ID:   "weekdays",
		Kind: scheduler.KindCron,
		Cron: &scheduler.CronSpec{Expression: "0 9 * * 1-5", Timezone: "America/New_York"},
	})

	next, err := scheduler.NextRunTime("0 9 * * *", "UTC", time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if want := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestCron_Fires(t *testing.T) {
	s := newScheduler(t, config.SchedulerConfig{}, scheduler.Options{})
	mustCreate(t, s, scheduler.Schedule{
		ID:      "every-second",
		Kind:    scheduler.KindCron,
		Enabled: true,
		Cron:    &scheduler.CronSpec{Expression: "* * * * * *"},
	})
	start(t, s)
	waitFor(t, 4*time.Second, func() bool { return len(s.Executions("every-second", 0)) >= 1 })
	info, _ := s.Get("every-second")
	if info.NextFire.IsZero() {
		t.Fatal("next fire not reported")
	}
}

func TestCreate_Errors(t *testing.T) {
	s := newScheduler(t, config.SchedulerConfig{MaxSchedules: 1}, scheduler.Options{})
	ctx := context.Background()
	interval := func(id string) scheduler.Schedule {
		return scheduler.Schedule{ID: id, Kind: scheduler.KindInterval, Interval: &scheduler.IntervalSpec{Every: time.Hour}}
	}

	if _, err := s.Create(ctx, scheduler.Schedule{
		ID:       "mixed",
		Kind:     scheduler.KindInterval,
		Interval: &scheduler.IntervalSpec{Every: time.Hour},
		Cron:     &scheduler.CronSpec{Expression: "@hourly"},
	}); !errors.Is(err, scheduler.ErrInvalidSchedule) {
		t.Fatalf("two kind blocks: err = %v", err)
	}
	if _, err := s.Create(ctx, scheduler.Schedule{ID: "none", Kind: scheduler.KindEvent}); !errors.Is(err, scheduler.ErrInvalidSchedule) {
		t.Fatalf("missing block: err = %v", err)
	}
	if _, err := s.Create(ctx, scheduler.Schedule{
		ID:       "inverted",
		Kind:     scheduler.KindAdaptive,
		Adaptive: &scheduler.AdaptiveSpec{Base: time.Minute, Min: time.Hour, Max: time.Minute, Factor: 0.1},
	}); !errors.Is(err, scheduler.ErrInvalidSchedule) {
		t.Fatalf("inverted bounds: err = %v", err)
	}

	id, err := s.Create(ctx, scheduler.Schedule{Kind: scheduler.KindInterval, Interval: &scheduler.IntervalSpec{Every: time.Hour}})
	if err != nil || id == "" {
		t.Fatalf("generated id: %q, %v", id, err)
	}
	if _, err := s.Create(ctx, interval(id)); !errors.Is(err, scheduler.ErrExists) {
		t.Fatalf("duplicate: err = %v", err)
	}
	if _, err := s.Create(ctx, interval("second")); !errors.Is(err, scheduler.ErrLimit) {
		t.Fatalf("limit: err = %v", err)
	}

	for name, fn := range map[string]func() error{
		"get":    func() error { _, err := s.Get("ghost"); return err },
		"pause":  func() error { return s.Pause(ctx, "ghost") },
		"resume": func() error { return s.Resume(ctx, "ghost") },
		"delete": func() error { return s.Delete(ctx, "ghost") },
		"update": func() error { return s.Update(ctx, interval("ghost")) },
	} {
		if err := fn(); !errors.Is(err, scheduler.ErrNotFound) {
			t.Fatalf("%s: err = %v, want ErrNotFound", name, err)
		}
	}
}

func TestLifecycle_PersistsAndPublishes(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gatekeeper.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	b := bus.New()
	sub := b.Subscribe("schedule.")
	var (
		mu     sync.Mutex
		topics []string
	)
	go func() {
		for ev := range sub.Ch() {
			mu.Lock()
			topics = append(topics, ev.Topic)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() { b.Unsubscribe(sub) })

	runner := &countingRunner{}
	s := newScheduler(t, config.SchedulerConfig{}, scheduler.Options{Runner: runner, Store: store, Bus: b})
	start(t, s)

	mustCreate(t, s, scheduler.Schedule{
		ID:      "nightly",
		Name:    "Nightly sweep",
		Kind:    scheduler.KindCron,
		Targets: []string{"src/"},
		Cron:    &scheduler.CronSpec{Expression: "0 2 * * *"},
	})
	info, _ := s.Get("nightly")
	if info.State != scheduler.StatePaused {
		t.Fatalf("disabled schedule state = %s", info.State)
	}
	if err := s.Resume(ctx, "nightly"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := s.Pause(ctx, "nightly"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	upd := scheduler.Schedule{
		ID:       "nightly",
		Kind:     scheduler.KindInterval,
		Enabled:  true,
		Interval: &scheduler.IntervalSpec{Every: time.Hour},
	}
	if err := s.Update(ctx, upd); err != nil {
		t.Fatalf("update: %v", err)
	}
	info, _ = s.Get("nightly")
	if info.State != scheduler.StateRunning || info.Schedule.Kind != scheduler.KindInterval {
		t.Fatalf("after update: %+v", info)
	}

	recs, err := store.ListSchedules(ctx)
	if err != nil || len(recs) != 1 {
		t.Fatalf("persisted schedules = %v, %v", recs, err)
	}
	if recs[0].Kind != "interval" || recs[0].State != "running" {
		t.Fatalf("persisted record = %+v", recs[0])
	}

	x, err := s.Trigger(ctx, "nightly")
	if err != nil || x.Status != scheduler.ExecutionCompleted {
		t.Fatalf("trigger = %+v, %v", x, err)
	}
	execs, err := store.ListScheduledExecutions(ctx, "nightly", 10)
	if err != nil || len(execs) != 1 || execs[0].Status != "completed" {
		t.Fatalf("persisted executions = %+v, %v", execs, err)
	}

	if err := s.Delete(ctx, "nightly"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if recs, _ := store.ListSchedules(ctx); len(recs) != 0 {
		t.Fatalf("schedule still persisted: %v", recs)
	}
	if len(s.Executions("nightly", 0)) != 1 {
		t.Fatal("history must survive deletion")
	}

	want := []string{
		bus.TopicScheduleCreated,
		bus.TopicScheduleResumed,
		bus.TopicSchedulePaused,
		bus.TopicScheduleUpdated,
		bus.TopicScheduleFired,
		bus.TopicScheduleCompleted,
		bus.TopicScheduleDeleted,
	}
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(topics) == len(want)
	})
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if topics[i] != want[i] {
			t.Fatalf("topics = %v, want %v", topics, want)
		}
	}
}

func TestStats_ListAndActive(t *testing.T) {
	s := newScheduler(t, config.SchedulerConfig{}, scheduler.Options{})
	mustCreate(t, s, scheduler.Schedule{ID: "low", Priority: 1, Kind: scheduler.KindInterval, Enabled: true, Interval: &scheduler.IntervalSpec{Every: time.Hour}})
	mustCreate(t, s, scheduler.Schedule{ID: "high", Priority: 9, Kind: scheduler.KindInterval, Interval: &scheduler.IntervalSpec{Every: time.Hour}})

	list := s.List()
	if len(list) != 2 || list[0].Schedule.ID != "high" {
		t.Fatalf("list = %+v", list)
	}
	st := s.Stats()
	if st.Schedules != 2 || st.Active != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestStop_IsIdempotentAndRestartable(t *testing.T) {
	runner := &countingRunner{}
	s := newScheduler(t, config.SchedulerConfig{}, scheduler.Options{Runner: runner})
	mustCreate(t, s, scheduler.Schedule{
		ID:       "tick",
		Kind:     scheduler.KindInterval,
		Enabled:  true,
		Interval: &scheduler.IntervalSpec{Every: 20 * time.Millisecond},
	})
	start(t, s)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("second start must fail")
	}
	waitFor(t, 2*time.Second, func() bool { return runner.calls.Load() >= 1 })
	s.Stop()
	s.Stop()
	after := runner.calls.Load()
	time.Sleep(80 * time.Millisecond)
	if runner.calls.Load() != after {
		t.Fatal("schedule fired after stop")
	}
	start(t, s)
	waitFor(t, 2*time.Second, func() bool { return runner.calls.Load() > after })
}

func TestRestore_CarriesStateAcrossRestart(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gatekeeper.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	schedules := []scheduler.Schedule{
		{
			ID:       "capped",
			Kind:     scheduler.KindInterval,
			Enabled:  true,
			Interval: &scheduler.IntervalSpec{Every: 20 * time.Millisecond, MaxExecutions: 2},
		},
		{
			ID:       "manual",
			Kind:     scheduler.KindInterval,
			Enabled:  true,
			Interval: &scheduler.IntervalSpec{Every: time.Hour},
		},
		{
			ID:       "tuned",
			Kind:     scheduler.KindAdaptive,
			Enabled:  true,
			Adaptive: &scheduler.AdaptiveSpec{Base: time.Hour, Min: time.Minute, Max: 2 * time.Hour, Factor: 0.5},
		},
	}
	cfg := config.SchedulerConfig{AdaptiveLearning: true}
	signals := scheduler.StaticSignals{Load: 0, Alignment: 1}

	first := newScheduler(t, cfg, scheduler.Options{Store: store, Signals: signals})
	if err := first.Restore(ctx, schedules); err != nil {
		t.Fatalf("restore into empty store: %v", err)
	}
	start(t, first)
	waitFor(t, 3*time.Second, func() bool {
		info, _ := first.Get("capped")
		return info.State == scheduler.StatePaused
	})
	if err := first.Pause(ctx, "manual"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := first.Trigger(ctx, "tuned"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	learned, _ := first.Learning("tuned")
	if learned.Adjustments < 1 || learned.CurrentInterval == time.Hour {
		t.Fatalf("adaptive interval not adjusted: %+v", learned)
	}
	first.Stop()

	runner := &countingRunner{}
	second := newScheduler(t, cfg, scheduler.Options{Store: store, Signals: signals, Runner: runner})
	if err := second.Restore(ctx, schedules); err != nil {
		t.Fatalf("restore after restart: %v", err)
	}
	if info, _ := second.Get("capped"); info.State != scheduler.StatePaused || info.Fired != 2 {
		t.Fatalf("capped after restart: state=%s fired=%d", info.State, info.Fired)
	}
	if info, _ := second.Get("manual"); info.State != scheduler.StatePaused {
		t.Fatalf("manual pause lost on restart: %s", info.State)
	}
	l, _ := second.Learning("tuned")
	if l.CurrentInterval != learned.CurrentInterval || l.Adjustments != learned.Adjustments {
		t.Fatalf("adaptive state after restart = %v/%d, want %v/%d", l.CurrentInterval, l.Adjustments, learned.CurrentInterval, learned.Adjustments)
	}
	if info, _ := second.Get("tuned"); info.Fired != 1 || info.State != scheduler.StateRunning {
		t.Fatalf("tuned after restart: %+v", info)
	}

	start(t, second)
	time.Sleep(100 * time.Millisecond)
	if got := runner.calls.Load(); got != 0 {
		t.Fatalf("restored paused schedules fired %d times", got)
	}
}
