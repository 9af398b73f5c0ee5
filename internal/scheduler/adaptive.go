package scheduler

import (
	"math"
	"sort"
	"time"
)

const (
	defaultLearningPeriod = 100
	recentWindow          = 10
	minPatternSamples     = 10
	optimalHourCount      = 3

	shrinkAbove = 0.8
	growBelow   = 0.4
)

// Avoidance reasons reported by analysis.
const (
	AvoidHighLoad       = "high_system_load"
	AvoidLowAlignment   = "low_philosophy_score"
	loadAvoidCorr       = -0.5
	alignmentAvoidCorr  = -0.3
	optimalWindowLength = 2
)

// LearningRecord is one firing of an adaptive schedule as seen by the
// learning loop.
type LearningRecord struct {
	At        time.Time     `json:"at"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Load      float64       `json:"load"`
	Alignment float64       `json:"alignment"`
}

// TimeWindow is an hour range, end exclusive, that wraps past midnight when
// End < Start.
type TimeWindow struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Learning is the adaptive state of one schedule.
type Learning struct {
	ScheduleID string           `json:"schedule_id"`
	History    []LearningRecord `json:"history"`

	CurrentInterval time.Duration `json:"current_interval"`
	LastScore       float64       `json:"last_score"`
	Adjustments     int           `json:"adjustments"`

	OptimalHours         []int         `json:"optimal_hours,omitempty"`
	TimeWindows          []TimeWindow  `json:"time_windows,omitempty"`
	LoadCorrelation      float64       `json:"load_correlation"`
	AlignmentCorrelation float64       `json:"alignment_correlation"`
	SuggestedInterval    time.Duration `json:"suggested_interval"`
	Avoid                []string      `json:"avoid,omitempty"`
	AnalyzedAt           time.Time     `json:"analyzed_at,omitempty"`
}

func newLearning(id string, spec AdaptiveSpec) *Learning {
	return &Learning{
		ScheduleID:        id,
		CurrentInterval:   spec.Base,
		SuggestedInterval: spec.Base,
	}
}

func (l *Learning) record(r LearningRecord, capacity int) {
	if capacity <= 0 {
		capacity = defaultLearningPeriod
	}
	l.History = append(l.History, r)
	if over := len(l.History) - capacity; over > 0 {
		l.History = append([]LearningRecord(nil), l.History[over:]...)
	}
}

// recentSuccessRate is the success ratio over the last ten records, 0.5
// with no history.
func (l *Learning) recentSuccessRate() float64 {
	if len(l.History) == 0 {
		return 0.5
	}
	recent := l.History
	if len(recent) > recentWindow {
		recent = recent[len(recent)-recentWindow:]
	}
	n := 0
	for _, r := range recent {
		if r.Success {
			n++
		}
	}
	return float64(n) / float64(len(recent))
}

// adaptiveScore combines recent success, spare capacity and alignment.
func adaptiveScore(successRate, load, alignment float64) float64 {
	return 0.5*successRate + 0.3*clamp01(1-load) + 0.2*clamp01(alignment)
}

// nextInterval retunes cur by score. The result is always within
// [spec.Min, spec.Max].
func nextInterval(cur time.Duration, score float64, spec AdaptiveSpec) time.Duration {
	next := cur
	switch {
	case score > shrinkAbove:
		next = time.Duration(float64(cur) * (1 - spec.Factor))
	case score < growBelow:
		next = time.Duration(float64(cur) * (1 + spec.Factor))
	}
	if next < spec.Min {
		next = spec.Min
	}
	if next > spec.Max {
		next = spec.Max
	}
	return next
}

// analyze recomputes the learned patterns from History. Patterns need at
// least ten samples; the suggested interval falls back to base.
func (l *Learning) analyze(now time.Time, base time.Duration) {
	l.AnalyzedAt = now
	l.SuggestedInterval = suggestedInterval(l.History, base)
	if len(l.History) < minPatternSamples {
		return
	}

	var byHour [24]int
	success := make([]float64, len(l.History))
	load := make([]float64, len(l.History))
	align := make([]float64, len(l.History))
	for i, r := range l.History {
		if r.Success {
			byHour[r.At.Hour()]++
			success[i] = 1
		}
		load[i] = r.Load
		align[i] = r.Alignment
	}

	hours := make([]int, 0, 24)
	for h, n := range byHour {
		if n > 0 {
			hours = append(hours, h)
		}
	}
	sort.SliceStable(hours, func(i, j int) bool { return byHour[hours[i]] > byHour[hours[j]] })
	if len(hours) > optimalHourCount {
		hours = hours[:optimalHourCount]
	}
	l.OptimalHours = hours
	l.TimeWindows = l.TimeWindows[:0]
	for _, h := range hours {
		l.TimeWindows = append(l.TimeWindows, TimeWindow{Start: h, End: (h + optimalWindowLength) % 24})
	}

	l.LoadCorrelation = pearson(load, success)
	l.AlignmentCorrelation = pearson(align, success)
	l.Avoid = nil
	if l.LoadCorrelation < loadAvoidCorr {
		l.Avoid = append(l.Avoid, AvoidHighLoad)
	}
	if l.AlignmentCorrelation < alignmentAvoidCorr {
		l.Avoid = append(l.Avoid, AvoidLowAlignment)
	}
}

// suggestedInterval is the mean spacing between successful firings.
func suggestedInterval(history []LearningRecord, base time.Duration) time.Duration {
	var times []time.Time
	for _, r := range history {
		if r.Success {
			times = append(times, r.At)
		}
	}
	if len(times) < 2 {
		return base
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	total := times[len(times)-1].Sub(times[0])
	return total / time.Duration(len(times)-1)
}

// pearson returns the correlation coefficient of xs and ys, 0 when either
// has no variance.
func pearson(xs, ys []float64) float64 {
	n := len(xs)
	if n == 0 || n != len(ys) {
		return 0
	}
	var sx, sy float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
	}
	mx, my := sx/float64(n), sy/float64(n)
	var cov, vx, vy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0
	}
	return cov / math.Sqrt(vx*vy)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func (l *Learning) clone() Learning {
	out := *l
	out.History = append([]LearningRecord(nil), l.History...)
	out.OptimalHours = append([]int(nil), l.OptimalHours...)
	out.TimeWindows = append([]TimeWindow(nil), l.TimeWindows...)
	out.Avoid = append([]string(nil), l.Avoid...)
	return out
}
