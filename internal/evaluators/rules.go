// Package evaluators holds the default pluggable evaluators: a regex rule
// engine driven by YAML rule packs and a keyword-indicator principle scorer.
package evaluators

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/basket/gatekeeper/internal/quality"
	"github.com/basket/gatekeeper/internal/shared"
)

// Severity of a rule violation.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// score of a violated rule, by severity.
var severityScore = map[Severity]float64{
	SeverityCritical: 0.0,
	SeverityHigh:     0.3,
	SeverityMedium:   0.5,
	SeverityLow:      0.6,
}

// Rule match modes.
const (
	ModeForbid  = "forbid"
	ModeRequire = "require"
)

// Fix is the search/replace remediation a rule can propose.
type Fix struct {
	Search  string `yaml:"search" json:"search"`
	Replace string `yaml:"replace" json:"replace"`
	Risk    string `yaml:"risk" json:"risk"`
}

// Rule is one entry of a rule pack.
type Rule struct {
	ID          string   `yaml:"id" json:"id"`
	Guardian    string   `yaml:"guardian" json:"guardian"`
	Description string   `yaml:"description" json:"description"`
	Pattern     string   `yaml:"pattern" json:"pattern"`
	Mode        string   `yaml:"mode" json:"mode"`
	Severity    Severity `yaml:"severity" json:"severity"`
	Message     string   `yaml:"message" json:"message"`
	Tags        []string `yaml:"tags" json:"tags"`
	Paths       []string `yaml:"paths" json:"paths"`
	Fix         *Fix     `yaml:"fix" json:"fix,omitempty"`

	re *regexp.Regexp
}

// RulePack is the document loaded from rules.yaml.
type RulePack struct {
	Version int    `yaml:"version" json:"version"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}

const rulePackSchema = `{
	"type": "object",
	"required": ["rules"],
	"properties": {
		"version": {"type": "integer", "minimum": 1},
		"rules": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "pattern", "severity"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"guardian": {"type": "string"},
					"description": {"type": "string"},
					"pattern": {"type": "string", "minLength": 1},
					"mode": {"enum": ["forbid", "require"]},
					"severity": {"enum": ["critical", "high", "medium", "low"]},
					"message": {"type": "string"},
					"tags": {"type": "array", "items": {"type": "string"}},
					"paths": {"type": "array", "items": {"type": "string"}},
					"fix": {
						"type": "object",
						"required": ["search"],
						"properties": {
							"search": {"type": "string", "minLength": 1},
							"replace": {"type": "string"},
							"risk": {"enum": ["low", "medium", "high"]}
						}
					}
				}
			}
		}
	}
}`

var packSchema *jsonschema.Schema

func init() {
	s, err := shared.CompileSchema("rulepack.json", rulePackSchema)
	if err != nil {
		panic(fmt.Sprintf("rule pack schema: %v", err))
	}
	packSchema = s
}

// DefaultRulePack is used when no rules file exists.
const DefaultRulePack = `version: 1
rules:
  - id: no-debugger
    guardian: performance
    pattern: '\bdebugger\b'
    severity: critical
    message: debugger statement left in source
    tags: [critical, performance]
    paths: ["*.js", "*.jsx", "*.ts", "*.tsx"]
    fix:
      search: "debugger;"
      replace: ""
      risk: low
  - id: no-console-log
    guardian: performance
    pattern: 'console\.log\('
    severity: medium
    message: console.log in committed code
    tags: [performance]
    paths: ["*.js", "*.jsx", "*.ts", "*.tsx"]
  - id: no-hardcoded-secret
    guardian: architecture
    pattern: '(?i)(api[_-]?key|secret|password)\s*[:=]\s*["''][^"'']{8,}["'']'
    severity: critical
    message: credential literal in source
    tags: [critical, security]
  - id: no-inline-style
    guardian: ux
    pattern: 'style=\{\{'
    severity: low
    message: inline style object bypasses the design system
    tags: [ux]
    paths: ["*.jsx", "*.tsx"]
  - id: no-todo-fixme
    guardian: architecture
    pattern: '\bFIXME\b'
    severity: low
    message: unresolved FIXME marker
    tags: [maintainability]
  - id: no-any-type
    guardian: architecture
    pattern: ':\s*any\b'
    severity: low
    message: untyped any annotation
    tags: [maintainability]
    paths: ["*.ts", "*.tsx"]
`

type compiledPack struct {
	rules  []Rule
	source string
}

// PatternEvaluator evaluates the rules of a pack against a context. It is
// safe for concurrent use and can be reloaded in place.
type PatternEvaluator struct {
	pack     *atomic.Pointer[compiledPack] // shared with scoped views
	guardian string                        // non-empty: only rules for this guardian
}

// ParseRulePack validates and compiles a YAML rule pack.
func ParseRulePack(data []byte) (RulePack, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return RulePack{}, fmt.Errorf("parse rule pack: %w", err)
	}
	if err := shared.ValidateValue(packSchema, doc); err != nil {
		return RulePack{}, fmt.Errorf("rule pack schema: %w", err)
	}
	var pack RulePack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return RulePack{}, fmt.Errorf("decode rule pack: %w", err)
	}
	seen := make(map[string]bool, len(pack.Rules))
	for i := range pack.Rules {
		r := &pack.Rules[i]
		if seen[r.ID] {
			return RulePack{}, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return RulePack{}, fmt.Errorf("rule %s: bad pattern: %w", r.ID, err)
		}
		r.re = re
		if r.Mode == "" {
			r.Mode = ModeForbid
		}
		if r.Severity == SeverityCritical && !containsFold(r.Tags, quality.TagCritical) {
			r.Tags = append(r.Tags, quality.TagCritical)
		}
		if r.Fix != nil && r.Fix.Risk == "" {
			r.Fix.Risk = "medium"
		}
	}
	return pack, nil
}

// NewPatternEvaluator builds an evaluator from a parsed pack.
func NewPatternEvaluator(pack RulePack, source string) *PatternEvaluator {
	p := new(atomic.Pointer[compiledPack])
	p.Store(&compiledPack{rules: pack.Rules, source: source})
	return &PatternEvaluator{pack: p}
}

// LoadPatternEvaluator reads path, falling back to DefaultRulePack when the
// file does not exist.
func LoadPatternEvaluator(path string) (*PatternEvaluator, error) {
	data, source, err := readPack(path)
	if err != nil {
		return nil, err
	}
	pack, err := ParseRulePack(data)
	if err != nil {
		return nil, err
	}
	return NewPatternEvaluator(pack, source), nil
}

func readPack(path string) ([]byte, string, error) {
	if path == "" {
		return []byte(DefaultRulePack), "builtin", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []byte(DefaultRulePack), "builtin", nil
		}
		return nil, "", fmt.Errorf("read rule pack: %w", err)
	}
	return data, path, nil
}

// Reload swaps in the pack at path. On error the current pack stays active.
func (e *PatternEvaluator) Reload(path string) error {
	data, source, err := readPack(path)
	if err != nil {
		return err
	}
	pack, err := ParseRulePack(data)
	if err != nil {
		return err
	}
	e.pack.Store(&compiledPack{rules: pack.Rules, source: source})
	return nil
}

// Source names where the active pack came from.
func (e *PatternEvaluator) Source() string {
	return e.pack.Load().source
}

// Rules returns the active rules visible to this evaluator.
func (e *PatternEvaluator) Rules() []Rule {
	var out []Rule
	for _, r := range e.pack.Load().rules {
		if e.guardian == "" || strings.EqualFold(r.Guardian, e.guardian) {
			out = append(out, r)
		}
	}
	return out
}

// Scoped returns a view of e restricted to rules for guardian. The view
// follows reloads of e.
func (e *PatternEvaluator) Scoped(guardian string) *PatternEvaluator {
	return &PatternEvaluator{pack: e.pack, guardian: guardian}
}

// Evaluate implements quality.RuleEvaluator.
func (e *PatternEvaluator) Evaluate(ctx context.Context, vc quality.Context) ([]quality.ComponentResult, error) {
	return e.evaluate(ctx, vc, nil)
}

// EvaluateTagged implements quality.TaggedEvaluator.
func (e *PatternEvaluator) EvaluateTagged(ctx context.Context, vc quality.Context, tags ...string) ([]quality.ComponentResult, error) {
	return e.evaluate(ctx, vc, tags)
}

func (e *PatternEvaluator) evaluate(ctx context.Context, vc quality.Context, tags []string) ([]quality.ComponentResult, error) {
	var out []quality.ComponentResult
	for _, r := range e.Rules() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if len(tags) > 0 && !anyTag(r.Tags, tags) {
			continue
		}
		if !r.appliesTo(vc.TargetPath) {
			continue
		}
		out = append(out, r.check(vc))
	}
	return out, nil
}

// Proposal is a remediation derived from a violated rule with a fix.
type Proposal struct {
	RuleID   string
	Guardian string
	Target   string
	Search   string
	Replace  string
	Risk     string
	Message  string
}

// Propose returns fixes for the violated rules among results. Only rules
// whose fix search string occurs in the content are proposed.
func (e *PatternEvaluator) Propose(vc quality.Context, results []quality.ComponentResult) []Proposal {
	byID := make(map[string]Rule)
	for _, r := range e.Rules() {
		byID[r.ID] = r
	}
	var out []Proposal
	for _, res := range results {
		if res.Status == quality.StatusPassed {
			continue
		}
		r, ok := byID[res.RuleID]
		if !ok || r.Fix == nil || !strings.Contains(vc.Content, r.Fix.Search) {
			continue
		}
		out = append(out, Proposal{
			RuleID:   r.ID,
			Guardian: r.Guardian,
			Target:   vc.TargetPath,
			Search:   r.Fix.Search,
			Replace:  r.Fix.Replace,
			Risk:     r.Fix.Risk,
			Message:  r.messageText(),
		})
	}
	return out
}

func (r Rule) appliesTo(target string) bool {
	if len(r.Paths) == 0 {
		return true
	}
	base := filepath.Base(target)
	for _, p := range r.Paths {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}

func (r Rule) messageText() string {
	if r.Message != "" {
		return r.Message
	}
	if r.Description != "" {
		return r.Description
	}
	return r.Pattern
}

func (r Rule) check(vc quality.Context) quality.ComponentResult {
	start := time.Now()
	res := quality.ComponentResult{
		Component: "rules",
		RuleID:    r.ID,
		Tags:      append([]string(nil), r.Tags...),
	}
	matches := len(r.re.FindAllStringIndex(vc.Content, -1))
	violated := matches > 0
	if r.Mode == ModeRequire {
		violated = matches == 0
	}
	if !violated {
		res.Score = 1
		res.Status = quality.StatusPassed
		res.Message = fmt.Sprintf("%s passed", r.ID)
	} else {
		res.Score = severityScore[r.Severity]
		res.Status = quality.StatusForScore(res.Score)
		label := "failed"
		if r.Severity == SeverityCritical {
			label = "critical"
		}
		if r.Mode == ModeRequire {
			res.Message = fmt.Sprintf("%s %s: %s (required pattern missing)", r.ID, label, r.messageText())
		} else {
			res.Message = fmt.Sprintf("%s %s: %s (%d matches)", r.ID, label, r.messageText(), matches)
		}
	}
	res.Duration = time.Since(start)
	return res
}

func anyTag(have, want []string) bool {
	for _, w := range want {
		if containsFold(have, w) {
			return true
		}
	}
	return false
}

func containsFold(xs []string, s string) bool {
	for _, x := range xs {
		if strings.EqualFold(x, s) {
			return true
		}
	}
	return false
}
