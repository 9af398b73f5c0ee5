package evaluators

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/gatekeeper/internal/quality"
)

// Indicators are the keyword lists that move one principle's score.
type Indicators struct {
	Positive []string `yaml:"positive"`
	Anti     []string `yaml:"anti"`
	Semantic []string `yaml:"semantic"`
	MinScore float64  `yaml:"min_score"`
	// Advice is given below 0.8, Remedies additionally below 0.5.
	Advice   []string `yaml:"advice"`
	Remedies []string `yaml:"remedies"`
}

// DefaultIndicators returns the built-in indicator table.
func DefaultIndicators() map[quality.Principle]Indicators {
	return map[quality.Principle]Indicators{
		quality.CommonGood: {
			Positive: []string{"shared", "common", "collective", "community", "public", "accessibility", "inclusive", "universal", "global"},
			Anti:     []string{"exclusive", "restricted", "selfish", "proprietary"},
			Semantic: []string{"common good", "collective benefit", "general interest"},
			MinScore: 0.7,
			Advice:   []string{"Document who benefits from this change beyond its direct caller"},
			Remedies: []string{"Add accessibility and inclusive behavior", "Prefer shared abstractions over one-off helpers"},
		},
		quality.Reciprocity: {
			Positive: []string{"balance", "reciprocal", "mutual", "exchange", "equilibrium", "symmetry", "fair"},
			Anti:     []string{"imbalance", "one-way", "exploit", "unfair", "asymmetric", "greedy"},
			Semantic: []string{"give and receive", "reciprocity"},
			MinScore: 0.7,
			Advice:   []string{"Check that every producer of data has a matching consumer contract"},
			Remedies: []string{"Balance request and response shapes", "Avoid one-way side channels"},
		},
		quality.Cooperation: {
			Positive: []string{"collaborate", "cooperate", "team", "together", "joint", "partnership", "alliance"},
			Anti:     []string{"compete", "rival", "conflict", "fight", "battle", "dominate", "zero-sum"},
			Semantic: []string{"cooperation", "collaboration", "teamwork", "synergy"},
			MinScore: 0.6,
			Advice:   []string{"Prefer composition with existing modules over parallel implementations"},
			Remedies: []string{"Replace competing code paths with a shared one"},
		},
		quality.Stewardship: {
			Positive: []string{"value", "meaningful", "authentic", "genuine", "substantial", "purposeful", "worthy"},
			Anti:     []string{"artificial", "fake", "superficial", "meaningless", "wasteful", "bloated", "unnecessary", "vanity"},
			Semantic: []string{"real value", "sustainability", "efficiency"},
			MinScore: 0.6,
			Advice:   []string{"Remove code that does not serve a user-visible purpose"},
			Remedies: []string{"Drop unused dependencies and dead branches"},
		},
		quality.Transformation: {
			Positive: []string{"transform", "evolve", "improve", "upgrade", "enhance", "mindful", "intentional", "deliberate"},
			Anti:     []string{"rigid", "unchanging", "stagnant", "mindless"},
			Semantic: []string{"continuous improvement", "conscious evolution"},
			MinScore: 0.5,
			Advice:   []string{"Leave extension points where behavior is expected to change"},
			Remedies: []string{"Replace hard-coded constants with configuration"},
		},
		quality.Negentropy: {
			Positive: []string{"organized", "structured", "ordered", "systematic", "coherent", "clear", "logical", "consistent"},
			Anti:     []string{"chaotic", "messy", "disorganized", "inconsistent", "confusing", "cluttered", "hack"},
			Semantic: []string{"structure", "coherence", "clarity"},
			MinScore: 0.5,
			Advice:   []string{"Group related declarations and keep naming consistent"},
			Remedies: []string{"Split long functions", "Remove duplicated logic"},
		},
		quality.Vocation: {
			Positive: []string{"purpose", "mission", "calling", "intent", "passionate"},
			Anti:     []string{"purposeless", "aimless", "forced"},
			Semantic: []string{"vocation", "authenticity"},
			MinScore: 0.4,
			Advice:   []string{"State the purpose of the module in its header comment"},
		},
	}
}

// LoadIndicators reads an indicator table from YAML. Principles missing
// from the file keep their built-in indicators.
func LoadIndicators(path string) (map[quality.Principle]Indicators, error) {
	out := DefaultIndicators()
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("read indicators: %w", err)
	}
	var raw map[string]Indicators
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse indicators: %w", err)
	}
	for name, ind := range raw {
		p := quality.Principle(name)
		if !p.Valid() {
			return nil, fmt.Errorf("indicators: unknown principle %q", name)
		}
		out[p] = ind
	}
	return out, nil
}

// quickSampleBytes bounds the content examined by QuickScore.
const quickSampleBytes = 8 << 10

// philosophyMarkers raise the contextual factor of every principle.
var philosophyMarkers = []string{"philosophy", "common good", "reciprocity", "cooperation"}

// KeywordScorer implements quality.PrincipleScorer with substring indicators.
// Results depend only on the target path and content.
type KeywordScorer struct {
	weights    quality.Weights
	indicators map[quality.Principle]Indicators
}

// NewKeywordScorer validates weights and builds a scorer. A nil indicator
// table selects DefaultIndicators.
func NewKeywordScorer(w quality.Weights, indicators map[quality.Principle]Indicators) (*KeywordScorer, error) {
	if w == nil {
		w = quality.DefaultWeights()
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if indicators == nil {
		indicators = DefaultIndicators()
	}
	return &KeywordScorer{weights: w.Clone(), indicators: indicators}, nil
}

// Weights returns a copy of the active weights.
func (s *KeywordScorer) Weights() quality.Weights { return s.weights.Clone() }

// Score implements quality.PrincipleScorer.
func (s *KeywordScorer) Score(ctx context.Context, vc quality.Context) (quality.PrincipleScoreResult, error) {
	return s.score(ctx, vc, vc.Content, true)
}

// QuickScore implements quality.QuickScorer: the head of the content, no
// contextual factors.
func (s *KeywordScorer) QuickScore(ctx context.Context, vc quality.Context) (quality.PrincipleScoreResult, error) {
	content := vc.Content
	if len(content) > quickSampleBytes {
		content = content[:quickSampleBytes]
	}
	return s.score(ctx, vc, content, false)
}

func (s *KeywordScorer) score(ctx context.Context, vc quality.Context, content string, contextual bool) (quality.PrincipleScoreResult, error) {
	if err := ctx.Err(); err != nil {
		return quality.PrincipleScoreResult{}, err
	}
	lower := strings.ToLower(content)
	base := 0.0
	if contextual {
		base = contextualFactor(vc.TargetPath, content, lower)
	}

	breakdown := make(map[quality.Principle]quality.PrincipleScore, len(quality.Principles))
	for _, p := range quality.Principles {
		ind, ok := s.indicators[p]
		if !ok {
			continue
		}
		pos := findAll(lower, ind.Positive)
		anti := findAll(lower, ind.Anti)
		sem := findAll(lower, ind.Semantic)

		score := min(0.1*float64(len(pos)), 0.6) +
			max(-0.15*float64(len(anti)), -0.4) +
			min(0.2*float64(len(sem)), 0.3) +
			base
		score = quality.Clamp01(score)

		ps := quality.PrincipleScore{Score: score, Level: quality.LevelFor(score)}
		if len(anti) > 0 {
			ps.Violations = append(ps.Violations, fmt.Sprintf("anti-patterns for %s: %s", p, strings.Join(anti, ", ")))
		}
		if score < ind.MinScore {
			ps.Violations = append(ps.Violations, fmt.Sprintf("%s below minimum: %.2f < %.2f", p, score, ind.MinScore))
		}
		if score < 0.8 {
			ps.Recommendations = append(ps.Recommendations, ind.Advice...)
			if score < 0.5 {
				ps.Recommendations = append(ps.Recommendations, ind.Remedies...)
			}
		}
		if len(pos) > 3 {
			pos = pos[:3]
		}
		ps.Exemplary = pos
		breakdown[p] = ps
	}
	return quality.NewPrincipleScoreResult(breakdown, s.weights), nil
}

func contextualFactor(path, content, lower string) float64 {
	f := 0.0
	lp := strings.ToLower(path)
	if strings.Contains(lp, "component") || strings.Contains(lp, "page") {
		f += 0.1
	}
	lines := strings.Count(content, "\n") + 1
	if lines > 100 && lines < 500 {
		f += 0.05
	}
	f += min(0.1*float64(len(findAll(lower, philosophyMarkers))), 0.2)
	return min(f, 0.3)
}

func findAll(lower string, patterns []string) []string {
	var out []string
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			out = append(out, p)
		}
	}
	return out
}
