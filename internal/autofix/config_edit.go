package autofix

import (
	"bytes"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type configFormat int

const (
	formatUnknown configFormat = iota
	formatJSON
	formatYAML
	formatTOML
	formatEnv
)

func detectFormat(path string) configFormat {
	base := strings.ToLower(filepath.Base(path))
	switch {
	case base == ".env" || strings.HasPrefix(base, ".env.") || strings.HasSuffix(base, ".env"):
		return formatEnv
	}
	switch filepath.Ext(base) {
	case ".json":
		return formatJSON
	case ".yaml", ".yml":
		return formatYAML
	case ".toml":
		return formatTOML
	}
	return formatUnknown
}

// editConfig applies key-path changes to a structured or line-oriented
// config file, chosen by the target's file name.
func editConfig(target string, data []byte, changes []ConfigChange) ([]byte, error) {
	switch detectFormat(target) {
	case formatJSON:
		return editJSON(data, changes)
	case formatYAML:
		return editYAML(data, changes)
	case formatTOML:
		return editTOML(data, changes)
	case formatEnv:
		return editEnv(data, changes)
	default:
		return nil, fmt.Errorf("%w: unsupported config format %s", ErrNotApplicable, filepath.Base(target))
	}
}

func splitPath(p string) []string {
	return strings.Split(strings.Trim(p, "."), ".")
}

// normalizeValue turns integral floats (as decoded from JSON payloads)
// back into integers so TOML and YAML keep integer types.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalizeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeValue(e)
		}
		return out
	}
	return v
}

func isDelete(c ConfigChange) bool { return c.Op == ConfigDelete }

// editTree applies changes to a decoded map document.
func editTree(root map[string]any, changes []ConfigChange) error {
	for _, c := range changes {
		keys := splitPath(c.Path)
		parent := root
		for _, k := range keys[:len(keys)-1] {
			next, ok := parent[k]
			if !ok {
				if isDelete(c) {
					return fmt.Errorf("%w: key %s not found", ErrNotApplicable, c.Path)
				}
				m := map[string]any{}
				parent[k] = m
				parent = m
				continue
			}
			m, ok := next.(map[string]any)
			if !ok {
				return fmt.Errorf("%w: %s: %s is not a table", ErrNotApplicable, c.Path, k)
			}
			parent = m
		}
		leaf := keys[len(keys)-1]
		if isDelete(c) {
			if _, ok := parent[leaf]; !ok {
				return fmt.Errorf("%w: key %s not found", ErrNotApplicable, c.Path)
			}
			delete(parent, leaf)
			continue
		}
		parent[leaf] = normalizeValue(c.Value)
	}
	return nil
}

func editYAML(data []byte, changes []ConfigChange) ([]byte, error) {
	var doc yaml.Node
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: parse YAML: %v", ErrNotApplicable, err)
		}
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: YAML document is not a mapping", ErrNotApplicable)
	}
	for _, c := range changes {
		keys := splitPath(c.Path)
		var err error
		if isDelete(c) {
			err = yamlDelete(root, keys)
		} else {
			err = yamlSet(root, keys, normalizeValue(c.Value))
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.Path, err)
		}
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func yamlSet(m *yaml.Node, keys []string, value any) error {
	key := keys[0]
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value != key {
			continue
		}
		if len(keys) == 1 {
			var v yaml.Node
			if err := v.Encode(value); err != nil {
				return err
			}
			old := m.Content[i+1]
			v.LineComment, v.HeadComment, v.FootComment = old.LineComment, old.HeadComment, old.FootComment
			m.Content[i+1] = &v
			return nil
		}
		child := m.Content[i+1]
		if child.Kind != yaml.MappingNode {
			return fmt.Errorf("%w: %s is not a mapping", ErrNotApplicable, key)
		}
		return yamlSet(child, keys[1:], value)
	}
	k := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
	v := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	if len(keys) == 1 {
		if err := v.Encode(value); err != nil {
			return err
		}
	} else if err := yamlSet(v, keys[1:], value); err != nil {
		return err
	}
	m.Content = append(m.Content, k, v)
	return nil
}

func yamlDelete(m *yaml.Node, keys []string) error {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value != keys[0] {
			continue
		}
		if len(keys) == 1 {
			m.Content = append(m.Content[:i], m.Content[i+2:]...)
			return nil
		}
		child := m.Content[i+1]
		if child.Kind != yaml.MappingNode {
			break
		}
		return yamlDelete(child, keys[1:])
	}
	return fmt.Errorf("%w: key not found", ErrNotApplicable)
}

func editEnv(data []byte, changes []ConfigChange) ([]byte, error) {
	text := string(data)
	var lines []string
	if text != "" {
		lines = strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	}
	for _, c := range changes {
		key := strings.TrimSpace(c.Path)
		idx, export := -1, false
		for i, line := range lines {
			k, exp, ok := envKey(line)
			if ok && k == key {
				idx, export = i, exp
				break
			}
		}
		if isDelete(c) {
			if idx < 0 {
				return nil, fmt.Errorf("%w: key %s not found", ErrNotApplicable, key)
			}
			lines = append(lines[:idx], lines[idx+1:]...)
			continue
		}
		entry := key + "=" + envValue(c.Value)
		if export {
			entry = "export " + entry
		}
		if idx >= 0 {
			lines[idx] = entry
		} else {
			lines = append(lines, entry)
		}
	}
	if len(lines) == 0 {
		return []byte{}, nil
	}
	return []byte(strings.Join(lines, "\n") + "\n"), nil
}

func envKey(line string) (key string, export bool, ok bool) {
	s := strings.TrimSpace(line)
	if s == "" || strings.HasPrefix(s, "#") {
		return "", false, false
	}
	if rest, found := strings.CutPrefix(s, "export "); found {
		s, export = strings.TrimSpace(rest), true
	}
	k, _, found := strings.Cut(s, "=")
	if !found {
		return "", false, false
	}
	return strings.TrimSpace(k), export, true
}

func envValue(v any) string {
	var s string
	switch x := normalizeValue(v).(type) {
	case nil:
		s = ""
	case string:
		s = x
	default:
		s = fmt.Sprint(x)
	}
	if strings.ContainsAny(s, " \t#\"'") {
		return strconv.Quote(s)
	}
	return s
}
