package evaluators

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/gatekeeper/internal/quality"
)

func newScorer(t *testing.T) *KeywordScorer {
	t.Helper()
	s, err := NewKeywordScorer(nil, nil)
	if err != nil {
		t.Fatalf("new scorer: %v", err)
	}
	return s
}

func TestScoreCoversAllPrinciples(t *testing.T) {
	s := newScorer(t)
	res, err := s.Score(context.Background(), quality.Context{TargetPath: "lib/util.ts", Content: "export const x = 1"})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if len(res.Breakdown) != len(quality.Principles) {
		t.Fatalf("expected %d principles, got %d", len(quality.Principles), len(res.Breakdown))
	}
	for p, b := range res.Breakdown {
		if b.Score < 0 || b.Score > 1 {
			t.Fatalf("%s out of range: %v", p, b.Score)
		}
	}
	if res.Overall < 0 || res.Overall > 1 {
		t.Fatalf("overall out of range: %v", res.Overall)
	}
}

func TestPositiveIndicatorsRaiseScore(t *testing.T) {
	s := newScorer(t)
	ctx := context.Background()
	plain, _ := s.Score(ctx, quality.Context{TargetPath: "x.ts", Content: "let a = 1"})
	rich, _ := s.Score(ctx, quality.Context{TargetPath: "x.ts", Content: "// shared community module, public and inclusive for the common good"})

	if rich.Breakdown[quality.CommonGood].Score <= plain.Breakdown[quality.CommonGood].Score {
		t.Fatalf("expected common good to rise: %v vs %v",
			rich.Breakdown[quality.CommonGood].Score, plain.Breakdown[quality.CommonGood].Score)
	}
	ex := rich.Breakdown[quality.CommonGood].Exemplary
	if len(ex) == 0 || len(ex) > 3 {
		t.Fatalf("exemplary must hold 1..3 matches, got %v", ex)
	}
}

func TestAntiPatternsProduceViolations(t *testing.T) {
	s := newScorer(t)
	res, _ := s.Score(context.Background(), quality.Context{TargetPath: "x.ts", Content: "messy chaotic cluttered code"})
	neg := res.Breakdown[quality.Negentropy]
	if neg.Score != 0 {
		t.Fatalf("expected clamped 0, got %v", neg.Score)
	}
	found := false
	for _, v := range neg.Violations {
		if strings.Contains(v, "anti-patterns") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected anti-pattern violation, got %v", neg.Violations)
	}
	if neg.Level != quality.LevelNeedsImprovement || len(neg.Recommendations) == 0 {
		t.Fatalf("expected low level with recommendations, got %+v", neg)
	}
	if res.Weakest == "" || res.Strongest == "" {
		t.Fatal("strongest and weakest must be set")
	}
}

func TestContextualFactorFromPath(t *testing.T) {
	s := newScorer(t)
	ctx := context.Background()
	a, _ := s.Score(ctx, quality.Context{TargetPath: "src/lib/a.tsx", Content: "x"})
	b, _ := s.Score(ctx, quality.Context{TargetPath: "src/components/a.tsx", Content: "x"})
	got := b.Breakdown[quality.Vocation].Score - a.Breakdown[quality.Vocation].Score
	if got < 0.099 || got > 0.101 {
		t.Fatalf("component path should add 0.1, got %v", got)
	}
}

func TestQuickScoreSkipsContextAndSamples(t *testing.T) {
	s := newScorer(t)
	content := strings.Repeat("x", quickSampleBytes) + " organized structured"
	res, err := s.QuickScore(context.Background(), quality.Context{TargetPath: "components/a.tsx", Content: content})
	if err != nil {
		t.Fatalf("quick score: %v", err)
	}
	if got := res.Breakdown[quality.Negentropy].Score; got != 0 {
		t.Fatalf("content past the sample must be ignored, got %v", got)
	}
}

func TestScoreHonorsCancellation(t *testing.T) {
	s := newScorer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Score(ctx, quality.Context{Content: "x"}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestNewKeywordScorerRejectsBadWeights(t *testing.T) {
	w := quality.DefaultWeights()
	w[quality.Vocation] = 0.5
	if _, err := NewKeywordScorer(w, nil); err == nil {
		t.Fatal("expected weight validation error")
	}
}

func TestLoadIndicatorsOverridesOnePrinciple(t *testing.T) {
	path := filepath.Join(t.TempDir(), "indicators.yaml")
	if err := os.WriteFile(path, []byte("vocation:\n  positive: [craft]\n  min_score: 0.1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ind, err := LoadIndicators(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := ind[quality.Vocation].Positive; len(got) != 1 || got[0] != "craft" {
		t.Fatalf("override not applied: %v", got)
	}
	if len(ind[quality.CommonGood].Positive) == 0 {
		t.Fatal("other principles must keep defaults")
	}

	if err := os.WriteFile(path, []byte("kindness:\n  positive: [x]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadIndicators(path); err == nil {
		t.Fatal("expected unknown principle error")
	}
}
