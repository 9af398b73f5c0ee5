// Package scheduler decides when validation pipelines fire. Schedules fire
// on fixed intervals, cron expressions, named system events, self-tuning
// adaptive intervals, or when a set of conditions holds.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/gatekeeper/internal/bus"
	"github.com/basket/gatekeeper/internal/config"
	"github.com/basket/gatekeeper/internal/otel"
	"github.com/basket/gatekeeper/internal/persistence"
	"github.com/basket/gatekeeper/internal/shared"
	"github.com/basket/gatekeeper/internal/stats"
)

// cronParser accepts standard 5-field expressions, an optional leading
// seconds field and descriptors such as @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// parseCron parses expr evaluated in the IANA zone tz (local time when empty).
func parseCron(expr, tz string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty cron expression")
	}
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("timezone %q: %w", tz, err)
		}
		expr = "CRON_TZ=" + tz + " " + expr
	}
	return cronParser.Parse(expr)
}

// NextRunTime returns the next time expr fires after the given time.
func NextRunTime(expr, tz string, after time.Time) (time.Time, error) {
	sched, err := parseCron(expr, tz)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// cronLogger adapts slog to the cron library's logger.
type cronLogger struct{ logger *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// Runner executes the validation pipeline of a firing.
type Runner interface {
	RunTargets(ctx context.Context, targets []string, mode string) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, targets []string, mode string) error

func (f RunnerFunc) RunTargets(ctx context.Context, targets []string, mode string) error {
	return f(ctx, targets, mode)
}

// Options carries the scheduler's collaborators. Runner is required.
type Options struct {
	Runner     Runner
	Signals    Signals
	Changes    ChangeSource
	Predicates PredicateHost
	Store      *persistence.Store
	Bus        *bus.Bus
	Logger     *slog.Logger
	Metrics    *otel.Metrics
	Tracer     trace.Tracer
}

// Info is a read-only view of one schedule.
type Info struct {
	Schedule  Schedule  `json:"schedule"`
	State     State     `json:"state"`
	Fired     int       `json:"fired"`
	LastFired time.Time `json:"last_fired,omitempty"`
	NextFire  time.Time `json:"next_fire,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// KindStats accumulates outcomes of one schedule kind.
type KindStats struct {
	Executions int64      `json:"executions"`
	Success    stats.Rate `json:"success"`
	DurationMs stats.Mean `json:"duration_ms"`
}

// Stats is a snapshot of scheduler statistics.
type Stats struct {
	Schedules            int                `json:"schedules"`
	Active               int                `json:"active"`
	Total                int64              `json:"total"`
	Successful           int64              `json:"successful"`
	Failed               int64              `json:"failed"`
	Skipped              int64              `json:"skipped"`
	DurationMs           stats.Mean         `json:"duration_ms"`
	AdaptiveAdjustments  int64              `json:"adaptive_adjustments"`
	ConditionEvaluations int64              `json:"condition_evaluations"`
	Kinds                map[Kind]KindStats `json:"kinds"`
}

func cloneStats(s Stats) Stats {
	out := s
	out.Kinds = make(map[Kind]KindStats, len(s.Kinds))
	for k, v := range s.Kinds {
		out.Kinds[k] = v
	}
	return out
}

const historyLimit = 1000

type entry struct {
	sched     Schedule
	state     State
	createdAt time.Time
	updatedAt time.Time

	// fired counts firings since the schedule last started running.
	fired     int
	total     int
	lastFired time.Time
	nextFire  time.Time

	// gen invalidates loops and timers of an earlier activation.
	gen       int
	cancel    context.CancelFunc
	cronID    cron.EntryID
	debounce  *time.Timer
	lastEvent time.Time

	learning *Learning
}

// Scheduler owns a set of schedules and fires them. It is safe for
// concurrent use.
type Scheduler struct {
	cfg     config.SchedulerConfig
	runner  Runner
	signals Signals
	changes ChangeSource
	wasm    PredicateHost
	store   *persistence.Store
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
	stats   *stats.Actor[Stats]
	cron    *cron.Cron

	ceiling      time.Duration
	pollEvery    time.Duration
	analyzeEvery time.Duration

	mu         sync.Mutex
	entries    map[string]*entry
	predicates map[string]Predicate
	history    []Execution
	ctx        context.Context // non-nil while started
	cancel     context.CancelFunc
	sub        *bus.Subscription
	wg         sync.WaitGroup

	now func() time.Time
}

// New builds a scheduler. Schedules created before Start fire once it runs.
func New(cfg config.SchedulerConfig, opts Options) (*Scheduler, error) {
	if opts.Runner == nil {
		return nil, errors.New("scheduler: runner is required")
	}
	if cfg.MaxSchedules <= 0 {
		cfg.MaxSchedules = 50
	}
	if cfg.DefaultIntervalMinutes <= 0 {
		cfg.DefaultIntervalMinutes = 60
	}
	if cfg.ConditionPollSeconds <= 0 {
		cfg.ConditionPollSeconds = 30
	}
	if cfg.AnalysisIntervalMinutes <= 0 {
		cfg.AnalysisIntervalMinutes = 60
	}
	if cfg.SuccessCeilingMs <= 0 {
		cfg.SuccessCeilingMs = 5000
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	metrics := opts.Metrics
	if metrics == nil {
		metrics = otel.Discard()
	}
	signals := opts.Signals
	if signals == nil {
		signals = StaticSignals{}
	}
	return &Scheduler{
		cfg:          cfg,
		runner:       opts.Runner,
		signals:      signals,
		changes:      opts.Changes,
		wasm:         opts.Predicates,
		store:        opts.Store,
		bus:          opts.Bus,
		logger:       logger,
		metrics:      metrics,
		tracer:       opts.Tracer,
		stats:        stats.NewActor(Stats{Kinds: map[Kind]KindStats{}}, cloneStats),
		cron:         cron.New(cron.WithParser(cronParser), cron.WithLogger(cronLogger{logger})),
		ceiling:      time.Duration(cfg.SuccessCeilingMs) * time.Millisecond,
		pollEvery:    time.Duration(cfg.ConditionPollSeconds) * time.Second,
		analyzeEvery: time.Duration(cfg.AnalysisIntervalMinutes) * time.Minute,
		entries:      make(map[string]*entry),
		predicates:   make(map[string]Predicate),
		now:          time.Now,
	}, nil
}

// RegisterPredicate makes fn available to custom conditions under name. Go
// predicates take precedence over WASM modules of the same name.
func (s *Scheduler) RegisterPredicate(name string, fn Predicate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.predicates, name)
		return
	}
	s.predicates[name] = fn
}

// Start begins firing running schedules. It returns once the background
// loops are launched.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return errors.New("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()

	if s.bus != nil {
		s.sub = s.bus.Subscribe(bus.SystemPrefix)
		s.wg.Add(1)
		go s.dispatchEvents(s.ctx, s.sub)
	}
	s.wg.Add(1)
	go s.analysisLoop(s.ctx)

	for _, e := range s.entries {
		if e.state == StateRunning {
			s.activateLocked(e)
		}
	}
	s.logger.Info("scheduler started", "schedules", len(s.entries))
	return nil
}

// Stop halts every loop and waits for in-flight firings to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return
	}
	for _, e := range s.entries {
		s.deactivateLocked(e)
	}
	s.cancel()
	s.ctx = nil
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		s.bus.Unsubscribe(sub)
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Close stops the scheduler and its statistics actor.
func (s *Scheduler) Close() {
	s.Stop()
	s.stats.Close()
}

// Create validates and registers a schedule. An empty ID gets a generated
// one. Enabled schedules start running immediately; disabled ones are
// created paused.
func (s *Scheduler) Create(ctx context.Context, sch Schedule) (string, error) {
	return s.create(ctx, sch, nil)
}

// Restore creates schedules and carries over what an earlier process
// persisted for the same ids: the paused flag, firing counts and the
// learned adaptive interval. Persisted rows with no matching schedule are
// left untouched.
func (s *Scheduler) Restore(ctx context.Context, schedules []Schedule) error {
	saved := map[string]persistence.ScheduleRecord{}
	if s.store != nil {
		recs, err := s.store.ListSchedules(ctx)
		if err != nil {
			return fmt.Errorf("restore schedules: %w", err)
		}
		for _, r := range recs {
			saved[r.ID] = r
		}
	}
	restored := 0
	for _, sch := range schedules {
		var prev *persistence.ScheduleRecord
		if r, ok := saved[sch.ID]; ok {
			prev = &r
			restored++
		}
		if _, err := s.create(ctx, sch, prev); err != nil {
			return fmt.Errorf("create schedule %s: %w", sch.ID, err)
		}
	}
	s.logger.Info("schedules restored", "schedules", len(schedules), "with_state", restored)
	return nil
}

func (s *Scheduler) create(ctx context.Context, sch Schedule, prev *persistence.ScheduleRecord) (string, error) {
	if sch.ID == "" {
		sch.ID = uuid.NewString()
	}
	if sch.Name == "" {
		sch.Name = sch.ID
	}
	if err := sch.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	if _, ok := s.entries[sch.ID]; ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrExists, sch.ID)
	}
	if len(s.entries) >= s.cfg.MaxSchedules {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %d schedules", ErrLimit, s.cfg.MaxSchedules)
	}
	now := s.now()
	e := &entry{sched: sch.clone(), state: StatePaused, createdAt: now, updatedAt: now}
	if sch.Kind == KindAdaptive {
		e.learning = newLearning(sch.ID, *sch.Adaptive)
	}
	running := sch.Enabled
	if prev != nil {
		s.adoptLocked(e, *prev)
		running = running && prev.State != string(StatePaused)
	}
	if running {
		e.state = StateRunning
		s.activateLocked(e)
	}
	s.entries[sch.ID] = e
	info, rt := s.infoLocked(e), runtimeLocked(e)
	s.mu.Unlock()

	s.persistSchedule(ctx, info, rt)
	s.publishState(bus.TopicScheduleCreated, info)
	s.logger.Info("schedule created", "schedule_id", sch.ID, "kind", sch.Kind, "state", info.State)
	return sch.ID, nil
}

// Get returns one schedule.
func (s *Scheduler) Get(id string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.infoLocked(e), nil
}

// List returns every schedule, highest priority first.
func (s *Scheduler) List() []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, s.infoLocked(e))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Schedule.Priority != out[j].Schedule.Priority {
			return out[i].Schedule.Priority > out[j].Schedule.Priority
		}
		return out[i].Schedule.ID < out[j].Schedule.ID
	})
	return out
}

// Update replaces a schedule's definition. The schedule is stopped and, if
// the new definition is enabled, started again with a fresh firing count.
func (s *Scheduler) Update(ctx context.Context, sch Schedule) error {
	if sch.Name == "" {
		sch.Name = sch.ID
	}
	if err := sch.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	e, ok := s.entries[sch.ID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, sch.ID)
	}
	s.deactivateLocked(e)
	prevKind := e.sched.Kind
	e.sched = sch.clone()
	e.updatedAt = s.now()
	e.fired = 0
	switch {
	case sch.Kind != KindAdaptive:
		e.learning = nil
	case prevKind != KindAdaptive || e.learning == nil:
		e.learning = newLearning(sch.ID, *sch.Adaptive)
	default:
		e.learning.CurrentInterval = clampInterval(e.learning.CurrentInterval, *sch.Adaptive)
	}
	e.state = StatePaused
	if sch.Enabled {
		e.state = StateRunning
		s.activateLocked(e)
	}
	info, rt := s.infoLocked(e), runtimeLocked(e)
	s.mu.Unlock()

	s.persistSchedule(ctx, info, rt)
	s.publishState(bus.TopicScheduleUpdated, info)
	s.logger.Info("schedule updated", "schedule_id", sch.ID, "kind", sch.Kind, "state", info.State)
	return nil
}

// Pause stops a schedule from firing. Pausing a paused schedule is a no-op.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.state == StatePaused {
		s.mu.Unlock()
		return nil
	}
	s.pauseLocked(e)
	info, rt := s.infoLocked(e), runtimeLocked(e)
	s.mu.Unlock()

	s.persistSchedule(ctx, info, rt)
	s.publishState(bus.TopicSchedulePaused, info)
	s.logger.Info("schedule paused", "schedule_id", id)
	return nil
}

// Resume restarts a paused schedule. Interval schedules start counting
// toward their execution cap again.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.state == StateRunning {
		s.mu.Unlock()
		return nil
	}
	e.state = StateRunning
	e.fired = 0
	e.updatedAt = s.now()
	s.activateLocked(e)
	info, rt := s.infoLocked(e), runtimeLocked(e)
	s.mu.Unlock()

	s.persistSchedule(ctx, info, rt)
	s.publishState(bus.TopicScheduleResumed, info)
	s.logger.Info("schedule resumed", "schedule_id", id)
	return nil
}

// Delete stops and removes a schedule. Its execution history is kept.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.deactivateLocked(e)
	delete(s.entries, id)
	info := s.infoLocked(e)
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.DeleteSchedule(ctx, id); err != nil {
			s.logger.Warn("delete persisted schedule", "schedule_id", id, "error", err)
		}
	}
	s.publishState(bus.TopicScheduleDeleted, info)
	s.logger.Info("schedule deleted", "schedule_id", id)
	return nil
}

// Trigger fires a schedule once, outside its own timing, and returns the
// recorded execution. Paused schedules can be triggered.
func (s *Scheduler) Trigger(ctx context.Context, id string) (Execution, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return Execution{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sch := e.sched.clone()
	e.total++
	e.lastFired = s.now()
	s.mu.Unlock()
	return s.execute(ctx, sch, "manual", nil), nil
}

// Executions returns up to limit recorded firings of scheduleID, newest
// first. An empty scheduleID returns firings of every schedule.
func (s *Scheduler) Executions(scheduleID string, limit int) []Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Execution
	for i := len(s.history) - 1; i >= 0; i-- {
		x := s.history[i]
		if scheduleID != "" && x.ScheduleID != scheduleID {
			continue
		}
		out = append(out, x.clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Learning returns the adaptive state of an adaptive schedule.
func (s *Scheduler) Learning(scheduleID string) (Learning, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[scheduleID]
	if !ok || e.learning == nil {
		return Learning{}, false
	}
	return e.learning.clone(), true
}

// Stats returns a snapshot of scheduler statistics.
func (s *Scheduler) Stats() Stats {
	st := s.stats.Snapshot()
	s.mu.Lock()
	st.Schedules = len(s.entries)
	for _, e := range s.entries {
		if e.state == StateRunning {
			st.Active++
		}
	}
	s.mu.Unlock()
	return st
}

// Analyze recomputes the learned patterns of every adaptive schedule.
func (s *Scheduler) Analyze() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if e.learning == nil || e.sched.Adaptive == nil {
			continue
		}
		e.learning.analyze(now, e.sched.Adaptive.Base)
		s.logger.Debug("adaptive analysis",
			"schedule_id", id,
			"samples", len(e.learning.History),
			"optimal_hours", e.learning.OptimalHours,
			"suggested_interval", e.learning.SuggestedInterval,
			"avoid", e.learning.Avoid,
		)
	}
}

func (s *Scheduler) analysisLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.analyzeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Analyze()
		}
	}
}

// activateLocked launches whatever makes e fire. It is a no-op until Start.
func (s *Scheduler) activateLocked(e *entry) {
	if s.ctx == nil {
		return
	}
	e.gen++
	gen, id := e.gen, e.sched.ID
	now := s.now()
	switch e.sched.Kind {
	case KindInterval:
		ctx := s.loopContext(e)
		e.nextFire = now.Add(e.sched.Interval.Every)
		s.wg.Add(1)
		go s.tickLoop(ctx, id, gen, e.sched.Interval.Every, func() {
			s.fireClaimed(id, gen, "interval")
		})
	case KindConditional:
		every := e.sched.Conditional.Every
		if every <= 0 {
			every = s.pollEvery
		}
		ctx := s.loopContext(e)
		e.nextFire = time.Time{}
		s.wg.Add(1)
		go s.tickLoop(ctx, id, gen, every, func() {
			s.evaluateAndFire(id, gen)
		})
	case KindAdaptive:
		ctx := s.loopContext(e)
		e.nextFire = now.Add(e.learning.CurrentInterval)
		s.wg.Add(1)
		go s.adaptiveLoop(ctx, id, gen)
	case KindCron:
		sched, err := parseCron(e.sched.Cron.Expression, e.sched.Cron.Timezone)
		if err != nil {
			s.logger.Error("cron schedule rejected", "schedule_id", id, "error", err)
			return
		}
		var job cron.Job = cron.FuncJob(func() { s.fireClaimed(id, gen, "cron") })
		if !e.sched.Cron.AllowConcurrent {
			job = cron.NewChain(cron.SkipIfStillRunning(cronLogger{s.logger})).Then(job)
		}
		e.cronID = s.cron.Schedule(sched, job)
		e.nextFire = sched.Next(now)
	case KindEvent:
		e.nextFire = time.Time{}
	}
}

func (s *Scheduler) loopContext(e *entry) context.Context {
	ctx, cancel := context.WithCancel(s.ctx)
	e.cancel = cancel
	return ctx
}

func (s *Scheduler) deactivateLocked(e *entry) {
	e.gen++
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if e.cronID != 0 {
		s.cron.Remove(e.cronID)
		e.cronID = 0
	}
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
	e.nextFire = time.Time{}
}

func (s *Scheduler) pauseLocked(e *entry) {
	s.deactivateLocked(e)
	e.state = StatePaused
	e.updatedAt = s.now()
}

func (s *Scheduler) tickLoop(ctx context.Context, id string, gen int, every time.Duration, fn func()) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
			s.mu.Lock()
			if e, ok := s.entries[id]; ok && e.gen == gen && e.sched.Kind == KindInterval {
				e.nextFire = s.now().Add(every)
			}
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) adaptiveLoop(ctx context.Context, id string, gen int) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		e, ok := s.entries[id]
		if !ok || e.gen != gen || e.learning == nil {
			s.mu.Unlock()
			return
		}
		wait := e.learning.CurrentInterval
		e.nextFire = s.now().Add(wait)
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fireClaimed(id, gen, "adaptive")
		}
	}
}

// claim checks that the activation gen of id may still fire and counts the
// firing. An interval schedule that reaches its cap is paused here, so no
// later tick can claim it.
func (s *Scheduler) claim(id string, gen int) (Schedule, bool) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.gen != gen || e.state != StateRunning || s.ctx == nil {
		s.mu.Unlock()
		return Schedule{}, false
	}
	e.fired++
	e.total++
	e.lastFired = s.now()
	sch := e.sched.clone()
	var (
		paused *Info
		rt     savedRuntime
	)
	if sch.Kind == KindInterval && sch.Interval.MaxExecutions > 0 && e.fired >= sch.Interval.MaxExecutions {
		s.pauseLocked(e)
		info := s.infoLocked(e)
		paused, rt = &info, runtimeLocked(e)
	}
	s.mu.Unlock()

	if paused != nil {
		s.persistSchedule(context.Background(), *paused, rt)
		s.publishState(bus.TopicSchedulePaused, *paused)
		s.logger.Info("schedule reached max executions", "schedule_id", id, "max_executions", sch.Interval.MaxExecutions)
	}
	return sch, true
}

func (s *Scheduler) fireClaimed(id string, gen int, trigger string) {
	sch, ok := s.claim(id, gen)
	if !ok {
		return
	}
	s.execute(s.rootContext(), sch, trigger, nil)
}

func (s *Scheduler) evaluateAndFire(id string, gen int) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.gen != gen || e.state != StateRunning || e.sched.Conditional == nil {
		s.mu.Unlock()
		return
	}
	spec := *e.sched.Conditional
	s.mu.Unlock()

	ctx := s.rootContext()
	met, results := s.evaluateConditions(ctx, id, spec, s.now())
	s.stats.Update(func(st *Stats) { st.ConditionEvaluations++ })
	if !met {
		return
	}
	sch, ok := s.claim(id, gen)
	if !ok {
		return
	}
	s.execute(ctx, sch, "conditions", results)
}

func (s *Scheduler) rootContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Scheduler) dispatchEvents(ctx context.Context, sub *bus.Subscription) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			s.handleEvent(strings.TrimPrefix(ev.Topic, bus.SystemPrefix))
		}
	}
}

// handleEvent routes a named system event to every running event schedule
// listening for it. Events inside a schedule's cooldown are recorded as
// skipped; bursts within the debounce window collapse into one firing.
func (s *Scheduler) handleEvent(name string) {
	var skipped []Schedule
	s.mu.Lock()
	now := s.now()
	for _, e := range s.entries {
		if e.state != StateRunning || e.sched.Kind != KindEvent || !listensTo(e.sched.Event.Events, name) {
			continue
		}
		spec := e.sched.Event
		if spec.Cooldown > 0 && !e.lastEvent.IsZero() && now.Sub(e.lastEvent) < spec.Cooldown {
			skipped = append(skipped, e.sched.clone())
			continue
		}
		id, gen := e.sched.ID, e.gen
		trigger := "event:" + name
		if spec.Debounce <= 0 {
			e.lastEvent = now
			s.goLocked(func() { s.fireClaimed(id, gen, trigger) })
			continue
		}
		if e.debounce != nil {
			e.debounce.Stop()
		}
		e.debounce = time.AfterFunc(spec.Debounce, func() {
			s.mu.Lock()
			if cur, ok := s.entries[id]; ok && cur.gen == gen {
				cur.debounce = nil
				cur.lastEvent = s.now()
				s.goLocked(func() { s.fireClaimed(id, gen, trigger) })
			}
			s.mu.Unlock()
		})
	}
	s.mu.Unlock()

	for _, sch := range skipped {
		s.skip(sch, "event:"+name, "cooldown")
	}
}

// goLocked runs fn on a tracked goroutine while the scheduler is started.
func (s *Scheduler) goLocked(fn func()) {
	if s.ctx == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func listensTo(events []string, name string) bool {
	for _, ev := range events {
		if ev == name || ev == "*" {
			return true
		}
	}
	return false
}

// execute runs one firing of sch and records it.
func (s *Scheduler) execute(ctx context.Context, sch Schedule, trigger string, conds map[string]bool) Execution {
	start := time.Now()
	x := Execution{
		ID:          uuid.NewString(),
		ScheduleID:  sch.ID,
		Kind:        sch.Kind,
		Trigger:     trigger,
		Status:      ExecutionRunning,
		ScheduledAt: s.now(),
		StartedAt:   start,
		Conditions:  conds,
	}
	ctx = shared.WithScheduleID(ctx, sch.ID)
	ctx, span := otel.StartSpan(ctx, s.tracer, "schedule.fire",
		otel.AttrScheduleID.String(sch.ID),
		otel.AttrKind.String(string(sch.Kind)),
		otel.AttrExecutionID.String(x.ID),
	)
	s.bus.Publish(bus.TopicScheduleFired, bus.ScheduleEvent{
		ScheduleID:  sch.ID,
		ExecutionID: x.ID,
		Kind:        string(sch.Kind),
		Trigger:     trigger,
		Status:      string(ExecutionRunning),
	})
	s.logger.InfoContext(ctx, "schedule fired", "execution_id", x.ID, "trigger", trigger)

	err := s.runner.RunTargets(ctx, sch.Targets, sch.Mode)
	x.Duration = time.Since(start)
	x.Status = ExecutionCompleted
	topic := bus.TopicScheduleCompleted
	if err != nil {
		x.Status = ExecutionFailed
		x.Reason = err.Error()
		topic = bus.TopicScheduleFailed
		s.logger.WarnContext(ctx, "scheduled execution failed", "execution_id", x.ID, "error", err)
	}
	otel.EndSpan(span, err)

	if sch.Kind == KindAdaptive {
		x.AdaptiveScore = s.learn(sch, x)
	}
	s.bus.Publish(topic, bus.ScheduleEvent{
		ScheduleID:  sch.ID,
		ExecutionID: x.ID,
		Kind:        string(sch.Kind),
		Trigger:     trigger,
		Status:      string(x.Status),
		Duration:    x.Duration,
		Error:       x.Reason,
	})
	s.record(ctx, x)
	s.persistRuntime(context.WithoutCancel(ctx), sch.ID)
	return x
}

// skip records a firing that was suppressed.
func (s *Scheduler) skip(sch Schedule, trigger, reason string) {
	x := Execution{
		ID:          uuid.NewString(),
		ScheduleID:  sch.ID,
		Kind:        sch.Kind,
		Trigger:     trigger,
		Status:      ExecutionSkipped,
		ScheduledAt: s.now(),
		Reason:      reason,
	}
	s.logger.Debug("scheduled execution skipped", "schedule_id", sch.ID, "reason", reason)
	s.record(s.rootContext(), x)
}

// learn folds a finished adaptive firing into the schedule's learning state
// and retunes its interval. It returns the adaptive score.
func (s *Scheduler) learn(sch Schedule, x Execution) float64 {
	load := s.signals.SystemLoad()
	alignment := s.signals.PrincipleAlignment()
	success := x.Status == ExecutionCompleted && x.Duration < s.ceiling

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sch.ID]
	if !ok || e.learning == nil || e.sched.Adaptive == nil {
		return 0
	}
	spec := *e.sched.Adaptive
	l := e.learning
	l.record(LearningRecord{At: x.StartedAt, Duration: x.Duration, Success: success, Load: load, Alignment: alignment}, spec.LearningPeriod)
	score := adaptiveScore(l.recentSuccessRate(), load, alignment)
	l.LastScore = score
	if !s.cfg.AdaptiveLearning {
		return score
	}
	next := nextInterval(l.CurrentInterval, score, spec)
	if next != l.CurrentInterval {
		s.logger.Info("adaptive interval adjusted",
			"schedule_id", sch.ID,
			"score", score,
			"from", l.CurrentInterval,
			"to", next,
		)
		l.CurrentInterval = next
		l.Adjustments++
		s.stats.Update(func(st *Stats) { st.AdaptiveAdjustments++ })
	}
	return score
}

func clampInterval(d time.Duration, spec AdaptiveSpec) time.Duration {
	if d < spec.Min {
		return spec.Min
	}
	if d > spec.Max {
		return spec.Max
	}
	return d
}

func (s *Scheduler) record(ctx context.Context, x Execution) {
	otel.Count(ctx, s.metrics.ScheduleFirings,
		otel.AttrKind.String(string(x.Kind)),
		otel.AttrStatus.String(string(x.Status)),
	)
	s.stats.Update(func(st *Stats) {
		st.Total++
		switch x.Status {
		case ExecutionCompleted:
			st.Successful++
		case ExecutionFailed:
			st.Failed++
		case ExecutionSkipped:
			st.Skipped++
			return
		}
		ms := float64(x.Duration) / float64(time.Millisecond)
		st.DurationMs.Add(ms)
		ks := st.Kinds[x.Kind]
		ks.Executions++
		ks.Success.Observe(x.Status == ExecutionCompleted)
		ks.DurationMs.Add(ms)
		st.Kinds[x.Kind] = ks
	})

	s.mu.Lock()
	s.history = append(s.history, x.clone())
	if over := len(s.history) - historyLimit; over > 0 {
		s.history = append([]Execution(nil), s.history[over:]...)
	}
	s.mu.Unlock()

	if s.store == nil {
		return
	}
	rec := persistence.ScheduledExecutionRecord{
		ID:          x.ID,
		ScheduleID:  x.ScheduleID,
		Kind:        string(x.Kind),
		Trigger:     x.Trigger,
		Status:      string(x.Status),
		ScheduledAt: x.ScheduledAt,
		DurationMs:  x.Duration.Milliseconds(),
		Error:       x.Reason,
	}
	if !x.StartedAt.IsZero() {
		started := x.StartedAt
		rec.StartedAt = &started
	}
	if err := s.store.InsertScheduledExecution(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("persist scheduled execution", "execution_id", x.ID, "error", err)
	}
}

func (s *Scheduler) infoLocked(e *entry) Info {
	return Info{
		Schedule:  e.sched.clone(),
		State:     e.state,
		Fired:     e.total,
		LastFired: e.lastFired,
		NextFire:  e.nextFire,
		CreatedAt: e.createdAt,
		UpdatedAt: e.updatedAt,
	}
}

// savedRuntime is the part of a schedule's state that outlives the
// process.
type savedRuntime struct {
	Fired       int           `json:"fired"`
	Total       int           `json:"total"`
	LastFired   time.Time     `json:"last_fired,omitempty"`
	Interval    time.Duration `json:"interval,omitempty"`
	Adjustments int           `json:"adjustments,omitempty"`
	LastScore   float64       `json:"last_score,omitempty"`
}

func runtimeLocked(e *entry) savedRuntime {
	rt := savedRuntime{Fired: e.fired, Total: e.total, LastFired: e.lastFired}
	if e.learning != nil {
		rt.Interval = e.learning.CurrentInterval
		rt.Adjustments = e.learning.Adjustments
		rt.LastScore = e.learning.LastScore
	}
	return rt
}

// adoptLocked applies persisted runtime state to a new entry. The count
// toward an execution cap only carries over when the kind is unchanged.
func (s *Scheduler) adoptLocked(e *entry, rec persistence.ScheduleRecord) {
	var rt savedRuntime
	if rec.RuntimeJSON != "" {
		if err := json.Unmarshal([]byte(rec.RuntimeJSON), &rt); err != nil {
			s.logger.Warn("decode schedule runtime", "schedule_id", rec.ID, "error", err)
			return
		}
	}
	if !rec.CreatedAt.IsZero() {
		e.createdAt = rec.CreatedAt
	}
	e.total, e.lastFired = rt.Total, rt.LastFired
	if rec.Kind == string(e.sched.Kind) {
		e.fired = rt.Fired
	}
	if e.learning != nil && rt.Interval > 0 {
		e.learning.CurrentInterval = clampInterval(rt.Interval, *e.sched.Adaptive)
		e.learning.Adjustments = rt.Adjustments
		e.learning.LastScore = rt.LastScore
	}
}

func (s *Scheduler) persistRuntime(ctx context.Context, id string) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	info, rt := s.infoLocked(e), runtimeLocked(e)
	s.mu.Unlock()
	s.persistSchedule(ctx, info, rt)
}

func (s *Scheduler) persistSchedule(ctx context.Context, info Info, rt savedRuntime) {
	if s.store == nil {
		return
	}
	raw, err := json.Marshal(info.Schedule)
	if err != nil {
		s.logger.Warn("encode schedule", "schedule_id", info.Schedule.ID, "error", err)
		return
	}
	state, err := json.Marshal(rt)
	if err != nil {
		s.logger.Warn("encode schedule runtime", "schedule_id", info.Schedule.ID, "error", err)
		return
	}
	if err := s.store.UpsertSchedule(ctx, persistence.ScheduleRecord{
		ID:          info.Schedule.ID,
		Kind:        string(info.Schedule.Kind),
		State:       string(info.State),
		ConfigJSON:  string(raw),
		RuntimeJSON: string(state),
	}); err != nil {
		s.logger.Warn("persist schedule", "schedule_id", info.Schedule.ID, "error", err)
	}
}

func (s *Scheduler) publishState(topic string, info Info) {
	s.bus.Publish(topic, bus.ScheduleEvent{
		ScheduleID: info.Schedule.ID,
		Kind:       string(info.Schedule.Kind),
		Status:     string(info.State),
	})
}
