package autofix

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/gatekeeper/internal/policy"
	"github.com/basket/gatekeeper/internal/shared"
)

// ChangeKind selects how an action mutates its target.
type ChangeKind string

const (
	KindReplace    ChangeKind = "replace"
	KindPatch      ChangeKind = "patch"
	KindInsert     ChangeKind = "insert"
	KindDependency ChangeKind = "dependency"
	KindConfig     ChangeKind = "config"
	KindTemplate   ChangeKind = "template"
)

// Risk is the declared risk level of an action.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

func (r Risk) rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	default:
		return 4
	}
}

// Within reports whether r is accepted by threshold: low accepts only low,
// medium accepts low and medium, high accepts everything.
func (r Risk) Within(threshold Risk) bool {
	return r.rank() <= threshold.rank()
}

// Patch is one ordered search/replace step.
type Patch struct {
	Search  string `json:"search"`
	Replace string `json:"replace"`
	All     bool   `json:"all,omitempty"`
}

// Dependency operations.
const (
	DepAdd    = "add"
	DepUpdate = "update"
	DepRemove = "remove"
)

// DependencyChange edits one entry of a package manifest.
type DependencyChange struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Op      string `json:"op"`
	Dev     bool   `json:"dev,omitempty"`
}

// Config operations.
const (
	ConfigSet    = "set"
	ConfigDelete = "delete"
)

// ConfigChange sets or deletes a dot-separated key path.
type ConfigChange struct {
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	Op    string `json:"op,omitempty"`
}

// Action is a remediation request. Exactly the fields of its Kind are used.
type Action struct {
	Kind             ChangeKind `json:"kind"`
	Target           string     `json:"target"`
	Risk             Risk       `json:"risk"`
	Description      string     `json:"description,omitempty"`
	RequiresApproval bool       `json:"requires_approval,omitempty"`
	RuleID           string     `json:"rule_id,omitempty"`

	// replace
	Content string `json:"content,omitempty"`
	// patch
	Patches []Patch `json:"patches,omitempty"`
	// insert: Text goes before zero-based Line; Line == line count appends.
	Line int    `json:"line,omitempty"`
	Text string `json:"text,omitempty"`
	// dependency
	Dependencies []DependencyChange `json:"dependencies,omitempty"`
	Install      bool               `json:"install,omitempty"`
	// config
	Config []ConfigChange `json:"config,omitempty"`
	// template
	Template  string            `json:"template,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
	Append    bool              `json:"append,omitempty"`
}

// ErrInvalidAction is wrapped by every action validation failure.
var ErrInvalidAction = errors.New("invalid auto-fix action")

const actionSchemaJSON = `{
	"type": "object",
	"required": ["kind", "target", "risk"],
	"properties": {
		"kind": {"enum": ["replace", "patch", "insert", "dependency", "config", "template"]},
		"target": {"type": "string", "minLength": 1},
		"risk": {"enum": ["low", "medium", "high"]},
		"line": {"type": "integer", "minimum": 0},
		"patches": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["search"],
				"properties": {"search": {"type": "string", "minLength": 1}}
			}
		},
		"dependencies": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "op"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"op": {"enum": ["add", "update", "remove"]}
				}
			}
		},
		"config": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["path"],
				"properties": {
					"path": {"type": "string", "minLength": 1},
					"op": {"enum": ["set", "delete"]}
				}
			}
		}
	},
	"allOf": [
		{"if": {"properties": {"kind": {"const": "patch"}}},
		 "then": {"required": ["patches"], "properties": {"patches": {"minItems": 1}}}},
		{"if": {"properties": {"kind": {"const": "insert"}}},
		 "then": {"required": ["text"]}},
		{"if": {"properties": {"kind": {"const": "dependency"}}},
		 "then": {"required": ["dependencies"], "properties": {"dependencies": {"minItems": 1}}}},
		{"if": {"properties": {"kind": {"const": "config"}}},
		 "then": {"required": ["config"], "properties": {"config": {"minItems": 1}}}},
		{"if": {"properties": {"kind": {"const": "template"}}},
		 "then": {"required": ["template"]}}
	]
}`

var actionSchema *jsonschema.Schema

func init() {
	s, err := shared.CompileSchema("autofix-action.json", actionSchemaJSON)
	if err != nil {
		panic(fmt.Sprintf("auto-fix action schema: %v", err))
	}
	actionSchema = s
}

// Validate checks the action payload against its schema.
func (a Action) Validate() error {
	if err := shared.ValidateValue(actionSchema, a); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAction, err)
	}
	for _, d := range a.Dependencies {
		if d.Op != DepRemove && strings.TrimSpace(d.Version) == "" {
			return fmt.Errorf("%w: dependency %s: version required for %s", ErrInvalidAction, d.Name, d.Op)
		}
	}
	return nil
}

// Capabilities lists the policy capabilities the action needs.
func (a Action) Capabilities() []string {
	switch a.Kind {
	case KindConfig:
		return []string{policy.CapConfig}
	case KindTemplate:
		return []string{policy.CapTemplate}
	case KindDependency:
		if a.Install {
			return []string{policy.CapDependency, policy.CapInstall}
		}
		return []string{policy.CapDependency}
	default:
		return []string{policy.CapWrite}
	}
}

// Redacted returns a copy fit for logs and CLI output. Config values and
// template variables under credential keys are masked; free text goes
// through shared.Redact.
func (a Action) Redacted() Action {
	out := a
	out.Description = shared.Redact(a.Description)
	out.Content = shared.Redact(a.Content)
	out.Text = shared.Redact(a.Text)
	out.Template = shared.Redact(a.Template)
	if a.Patches != nil {
		out.Patches = make([]Patch, len(a.Patches))
		for i, p := range a.Patches {
			p.Search, p.Replace = shared.Redact(p.Search), shared.Redact(p.Replace)
			out.Patches[i] = p
		}
	}
	if a.Config != nil {
		out.Config = make([]ConfigChange, len(a.Config))
		for i, c := range a.Config {
			if s, ok := c.Value.(string); ok {
				c.Value = shared.Redact(shared.RedactValue(c.Path, s))
			} else if c.Value != nil && shared.SecretKey(c.Path) {
				c.Value = "[REDACTED]"
			}
			out.Config[i] = c
		}
	}
	if a.Variables != nil {
		out.Variables = make(map[string]string, len(a.Variables))
		for k, v := range a.Variables {
			out.Variables[k] = shared.Redact(shared.RedactValue(k, v))
		}
	}
	return out
}

// RedactActionJSON applies Redacted to a persisted action payload. Text
// that does not decode as an action is passed through shared.Redact.
func RedactActionJSON(raw string) string {
	var a Action
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return shared.Redact(raw)
	}
	b, err := json.Marshal(a.Redacted())
	if err != nil {
		return shared.Redact(raw)
	}
	return string(b)
}
