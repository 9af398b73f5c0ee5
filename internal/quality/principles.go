package quality

import (
	"fmt"
	"math"
	"sort"
)

// Principle is one of the seven weighted quality dimensions.
type Principle string

const (
	CommonGood     Principle = "common_good"
	Reciprocity    Principle = "reciprocity"
	Cooperation    Principle = "cooperation"
	Stewardship    Principle = "stewardship"
	Transformation Principle = "transformation"
	Negentropy     Principle = "negentropy"
	Vocation       Principle = "vocation"
)

// Principles lists every principle in weight order.
var Principles = []Principle{
	CommonGood, Reciprocity, Cooperation, Stewardship, Transformation, Negentropy, Vocation,
}

// Valid reports whether p is a known principle.
func (p Principle) Valid() bool {
	for _, known := range Principles {
		if p == known {
			return true
		}
	}
	return false
}

// Weights assigns each principle its share of the alignment score.
type Weights map[Principle]float64

const weightTolerance = 1e-6

// DefaultWeights returns the standard distribution.
func DefaultWeights() Weights {
	return Weights{
		CommonGood:     0.25,
		Reciprocity:    0.20,
		Cooperation:    0.15,
		Stewardship:    0.15,
		Transformation: 0.10,
		Negentropy:     0.10,
		Vocation:       0.05,
	}
}

// Validate checks that every principle has a non-negative weight and that
// the weights sum to 1.0.
func (w Weights) Validate() error {
	var sum float64
	for p, v := range w {
		if !p.Valid() {
			return fmt.Errorf("unknown principle %q", p)
		}
		if v < 0 {
			return fmt.Errorf("principle %s has negative weight %v", p, v)
		}
		sum += v
	}
	for _, p := range Principles {
		if _, ok := w[p]; !ok {
			return fmt.Errorf("principle %s has no weight", p)
		}
	}
	if math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("principle weights sum to %.6f, want 1.0", sum)
	}
	return nil
}

// Clone returns a copy of w.
func (w Weights) Clone() Weights {
	out := make(Weights, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// Apply returns the weighted mean of scores over the principles present in
// scores, re-normalized by the weight of those principles. It is 0 when no
// weighted principle is present.
func (w Weights) Apply(scores map[Principle]float64) float64 {
	var total, weight float64
	for p, s := range scores {
		pw := w[p]
		if pw <= 0 {
			continue
		}
		total += s * pw
		weight += pw
	}
	if weight == 0 {
		return 0
	}
	return total / weight
}

// Level is the qualitative band of a principle score.
type Level string

const (
	LevelExemplary        Level = "exemplary"
	LevelExcellent        Level = "excellent"
	LevelGood             Level = "good"
	LevelBasic            Level = "basic"
	LevelNeedsImprovement Level = "needs_improvement"
)

// LevelFor maps a score to its band.
func LevelFor(score float64) Level {
	switch {
	case score >= 0.9:
		return LevelExemplary
	case score >= 0.8:
		return LevelExcellent
	case score >= 0.7:
		return LevelGood
	case score >= 0.5:
		return LevelBasic
	default:
		return LevelNeedsImprovement
	}
}

// PrincipleScore is the breakdown entry of one principle.
type PrincipleScore struct {
	Score           float64  `json:"score"`
	Level           Level    `json:"level"`
	Violations      []string `json:"violations,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Exemplary       []string `json:"exemplary,omitempty"`
}

// PrincipleScoreResult is the output of a PrincipleScorer.
type PrincipleScoreResult struct {
	Overall   float64                      `json:"overall"`
	Breakdown map[Principle]PrincipleScore `json:"breakdown"`
	Strongest Principle                    `json:"strongest"`
	Weakest   Principle                    `json:"weakest"`
	Balance   float64                      `json:"balance"`
}

// Scores flattens the breakdown into principle → score.
func (r PrincipleScoreResult) Scores() map[Principle]float64 {
	out := make(map[Principle]float64, len(r.Breakdown))
	for p, b := range r.Breakdown {
		out[p] = b.Score
	}
	return out
}

// Recommendations returns every recommendation, weakest principle first.
func (r PrincipleScoreResult) Recommendations() []string {
	ps := make([]Principle, 0, len(r.Breakdown))
	for p := range r.Breakdown {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool {
		si, sj := r.Breakdown[ps[i]].Score, r.Breakdown[ps[j]].Score
		if si != sj {
			return si < sj
		}
		return ps[i] < ps[j]
	})
	var out []string
	for _, p := range ps {
		out = append(out, r.Breakdown[p].Recommendations...)
	}
	return out
}

// NewPrincipleScoreResult derives overall, strongest, weakest and balance
// from a breakdown using weights.
func NewPrincipleScoreResult(breakdown map[Principle]PrincipleScore, w Weights) PrincipleScoreResult {
	res := PrincipleScoreResult{Breakdown: breakdown}
	if len(breakdown) == 0 {
		return res
	}
	scores := make([]float64, 0, len(breakdown))
	first := true
	for _, p := range Principles {
		b, ok := breakdown[p]
		if !ok {
			continue
		}
		scores = append(scores, b.Score)
		if first {
			res.Strongest, res.Weakest = p, p
			first = false
			continue
		}
		if b.Score > breakdown[res.Strongest].Score {
			res.Strongest = p
		}
		if b.Score < breakdown[res.Weakest].Score {
			res.Weakest = p
		}
	}
	res.Overall = w.Apply(res.Scores())
	res.Balance = Clamp01(1 - Variance(scores))
	return res
}
