package autofix

import (
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

var (
	tomlHeader  = regexp.MustCompile(`^\s*\[\s*([^\[\]]+?)\s*\]\s*(?:#.*)?$`)
	tomlKeyLine = regexp.MustCompile(`^(\s*)([A-Za-z0-9_-]+|"[^"]*"|'[^']*')(\s*=\s*)(.*)$`)
	tomlBareKey = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// editTOML rewrites only the lines the changes touch, keeping comments
// and key order. The decoded result must match a plain map edit of the
// same document; when it does not (dotted keys, multi-line values,
// inline tables) the file is re-encoded from the edited map instead.
func editTOML(data []byte, changes []ConfigChange) ([]byte, error) {
	want := map[string]any{}
	if err := toml.Unmarshal(data, &want); err != nil {
		return nil, fmt.Errorf("%w: parse TOML: %v", ErrNotApplicable, err)
	}
	if err := editTree(want, changes); err != nil {
		return nil, err
	}
	if out, ok := editTOMLLines(string(data), changes); ok {
		got := map[string]any{}
		if err := toml.Unmarshal(out, &got); err == nil && reflect.DeepEqual(got, want) {
			return out, nil
		}
	}
	return toml.Marshal(want)
}

func editTOMLLines(text string, changes []ConfigChange) ([]byte, bool) {
	var lines []string
	if text != "" {
		lines = strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	}
	for _, c := range changes {
		keys := splitPath(c.Path)
		table, leaf := keys[:len(keys)-1], keys[len(keys)-1]
		from, to, found := tomlSection(lines, strings.Join(table, "."))
		at := -1
		if found {
			for i := from; i < to; i++ {
				if m := tomlKeyLine.FindStringSubmatch(lines[i]); m != nil && tomlUnquote(m[2]) == leaf {
					at = i
					break
				}
			}
		}
		if isDelete(c) {
			if at < 0 {
				return nil, false
			}
			lines = slices.Delete(lines, at, at+1)
			continue
		}
		value, ok := tomlValue(normalizeValue(c.Value))
		if !ok {
			return nil, false
		}
		switch {
		case at >= 0:
			m := tomlKeyLine.FindStringSubmatch(lines[at])
			lines[at] = m[1] + m[2] + m[3] + value + tomlComment(m[4])
		case found:
			ins := from
			for i := from; i < to; i++ {
				if tomlKeyLine.MatchString(lines[i]) {
					ins = i + 1
				}
			}
			lines = slices.Insert(lines, ins, tomlKey(leaf)+" = "+value)
		default:
			if n := len(lines); n > 0 && strings.TrimSpace(lines[n-1]) != "" {
				lines = append(lines, "")
			}
			parts := make([]string, len(table))
			for i, k := range table {
				parts[i] = tomlKey(k)
			}
			lines = append(lines, "["+strings.Join(parts, ".")+"]", tomlKey(leaf)+" = "+value)
		}
	}
	return []byte(strings.Join(lines, "\n") + "\n"), true
}

// tomlSection returns the line range holding the keys of table. The root
// table runs up to the first header.
func tomlSection(lines []string, table string) (from, to int, found bool) {
	from, to = -1, len(lines)
	if table == "" {
		from, found = 0, true
	}
	for i, line := range lines {
		if !strings.HasPrefix(strings.TrimSpace(line), "[") {
			continue
		}
		if found {
			to = i
			break
		}
		if m := tomlHeader.FindStringSubmatch(line); m != nil && tomlTableName(m[1]) == table {
			from, found = i+1, true
		}
	}
	if !found {
		return 0, 0, false
	}
	return from, to, true
}

func tomlTableName(header string) string {
	parts := strings.Split(header, ".")
	for i, p := range parts {
		parts[i] = tomlUnquote(strings.TrimSpace(p))
	}
	return strings.Join(parts, ".")
}

func tomlUnquote(k string) string {
	if len(k) >= 2 && (k[0] == '"' || k[0] == '\'') && k[len(k)-1] == k[0] {
		return k[1 : len(k)-1]
	}
	return k
}

func tomlKey(k string) string {
	if tomlBareKey.MatchString(k) {
		return k
	}
	return strconv.Quote(k)
}

// tomlValue renders v as the right-hand side of a single-line key/value.
func tomlValue(v any) (string, bool) {
	b, err := toml.Marshal(map[string]any{"v": v})
	if err != nil {
		return "", false
	}
	rhs, ok := strings.CutPrefix(strings.TrimSpace(string(b)), "v = ")
	if !ok || strings.Contains(rhs, "\n") {
		return "", false
	}
	return rhs, true
}

// tomlComment returns the trailing comment of a value, with the spacing
// that precedes it.
func tomlComment(rest string) string {
	var quote byte
	for i := 0; i < len(rest); i++ {
		ch := rest[i]
		switch {
		case quote == '"' && ch == '\\':
			i++
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '"' || ch == '\'':
			quote = ch
		case ch == '#':
			j := i
			for j > 0 && (rest[j-1] == ' ' || rest[j-1] == '\t') {
				j--
			}
			return rest[j:]
		}
	}
	return ""
}
