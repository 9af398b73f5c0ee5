package autofix

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrNotApplicable is returned when an action does not fit the current
// target content, e.g. a patch search string is missing.
var ErrNotApplicable = errors.New("fix not applicable")

// mutation is the result of applying an action to a target's bytes.
type mutation struct {
	content []byte
	install bool
}

// mutate computes the new bytes of the target. existed is false when the
// target does not exist yet; only replace and template may create files.
func mutate(a Action, current []byte, existed bool) (mutation, error) {
	if !existed && a.Kind != KindReplace && a.Kind != KindTemplate {
		return mutation{}, fmt.Errorf("%w: %s does not exist", ErrNotApplicable, a.Target)
	}
	switch a.Kind {
	case KindReplace:
		return mutation{content: []byte(a.Content)}, nil
	case KindPatch:
		out, err := applyPatches(string(current), a.Patches)
		return mutation{content: []byte(out)}, err
	case KindInsert:
		out, err := insertLine(string(current), a.Line, a.Text)
		return mutation{content: []byte(out)}, err
	case KindDependency:
		out, err := editManifest(current, a.Dependencies)
		return mutation{content: out, install: a.Install}, err
	case KindConfig:
		out, err := editConfig(a.Target, current, a.Config)
		return mutation{content: out}, err
	case KindTemplate:
		expanded := expandTemplate(a.Template, a.Variables)
		if a.Append {
			return mutation{content: append(append([]byte(nil), current...), expanded...)}, nil
		}
		return mutation{content: []byte(expanded)}, nil
	default:
		return mutation{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, a.Kind)
	}
}

func applyPatches(content string, patches []Patch) (string, error) {
	for i, p := range patches {
		if !strings.Contains(content, p.Search) {
			return "", fmt.Errorf("%w: patch %d: search text not found", ErrNotApplicable, i)
		}
		n := 1
		if p.All {
			n = -1
		}
		content = strings.Replace(content, p.Search, p.Replace, n)
	}
	return content, nil
}

func insertLine(content string, line int, text string) (string, error) {
	lines := strings.Split(content, "\n")
	trailing := strings.HasSuffix(content, "\n")
	if trailing {
		lines = lines[:len(lines)-1]
	}
	if content == "" {
		lines = nil
	}
	if line < 0 || line > len(lines) {
		return "", fmt.Errorf("%w: line %d outside 0..%d", ErrNotApplicable, line, len(lines))
	}
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:line]...)
	out = append(out, text)
	out = append(out, lines[line:]...)
	joined := strings.Join(out, "\n")
	if trailing || content == "" {
		joined += "\n"
	}
	return joined, nil
}

var templateVar = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.-]*)\s*\}\}`)

// expandTemplate substitutes {{name}} placeholders. Unknown names are kept.
func expandTemplate(tmpl string, vars map[string]string) string {
	return templateVar.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := templateVar.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// editManifest applies dependency changes to a package.json document.
// Only the edited entries change; everything else keeps its bytes.
func editManifest(data []byte, changes []DependencyChange) ([]byte, error) {
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return nil, fmt.Errorf("%w: parse manifest: not a JSON object", ErrNotApplicable)
	}
	out := data
	for _, c := range changes {
		section := "dependencies"
		if c.Dev {
			section = "devDependencies"
		}
		keys := []string{section, c.Name}
		present := gjson.GetBytes(out, jsonPath(keys)).Exists()
		var err error
		switch c.Op {
		case DepAdd, DepUpdate:
			if c.Op == DepUpdate && !present {
				return nil, fmt.Errorf("%w: %s is not a dependency", ErrNotApplicable, c.Name)
			}
			var raw string
			if raw, err = rawJSON(c.Version); err == nil {
				out, err = jsonSet(out, keys, raw)
			}
		case DepRemove:
			if !present {
				return nil, fmt.Errorf("%w: %s is not a dependency", ErrNotApplicable, c.Name)
			}
			out, err = sjson.DeleteBytes(out, jsonPath(keys))
		default:
			return nil, fmt.Errorf("%w: dependency op %q", ErrInvalidAction, c.Op)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: manifest %s: %v", ErrNotApplicable, c.Name, err)
		}
	}
	return out, nil
}

// Installer runs the package install step after a manifest change.
type Installer interface {
	Install(ctx context.Context, dir string) (output string, err error)
}

// manifestDir is where the install step runs for a manifest target.
func manifestDir(target string) string {
	return filepath.Dir(target)
}

// readTarget returns the current bytes of path and whether it exists.
func readTarget(path string) ([]byte, bool, os.FileMode, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, 0o644, nil
		}
		return nil, false, 0, err
	}
	if info.IsDir() {
		return nil, false, 0, fmt.Errorf("%w: %s is a directory", ErrNotApplicable, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, 0, err
	}
	return data, true, info.Mode().Perm(), nil
}
