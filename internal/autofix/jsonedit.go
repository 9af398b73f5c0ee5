package autofix

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
)

const jsonSpace = " \t\r\n"

// jsonPath joins keys into a gjson/sjson path, escaping the characters
// the path syntax reserves (package names like @types/node.js need it).
func jsonPath(keys []string) string {
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('.')
		}
		for _, r := range k {
			if strings.ContainsRune(`\.*?|#@!:`, r) {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// rawJSON encodes v without HTML escaping so values like "tsc && vite"
// land in the file as written.
func rawJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalizeValue(v)); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// jsonSet writes raw at keys. Existing values are replaced in place by
// sjson; missing members are spliced into the deepest existing object
// following that object's own indentation.
func jsonSet(doc []byte, keys []string, raw string) ([]byte, error) {
	path := jsonPath(keys)
	if gjson.GetBytes(doc, path).Exists() {
		return sjson.SetRawBytes(doc, path, []byte(raw))
	}
	start, end, ok := rootObject(doc)
	if !ok {
		return nil, fmt.Errorf("%w: JSON document is not an object", ErrNotApplicable)
	}
	depth := 0
	for i := 1; i < len(keys); i++ {
		res := gjson.GetBytes(doc, jsonPath(keys[:i]))
		if !res.Exists() {
			break
		}
		if !res.IsObject() {
			return nil, fmt.Errorf("%w: %s is not an object", ErrNotApplicable, strings.Join(keys[:i], "."))
		}
		if res.Index <= 0 || doc[res.Index] != '{' {
			return sjson.SetRawBytes(doc, path, []byte(raw))
		}
		start, end, depth = res.Index, res.Index+len(res.Raw), i
	}
	value := raw
	for i := len(keys) - 1; i > depth; i-- {
		k, err := rawJSON(keys[i])
		if err != nil {
			return nil, err
		}
		value = "{" + k + ":" + value + "}"
	}
	return insertMember(doc, start, end, keys[depth], value)
}

func jsonDelete(doc []byte, keys []string) ([]byte, error) {
	path := jsonPath(keys)
	if !gjson.GetBytes(doc, path).Exists() {
		return nil, fmt.Errorf("%w: key %s not found", ErrNotApplicable, strings.Join(keys, "."))
	}
	return sjson.DeleteBytes(doc, path)
}

func rootObject(doc []byte) (start, end int, ok bool) {
	start = len(doc) - len(bytes.TrimLeft(doc, jsonSpace))
	end = len(bytes.TrimRight(doc, jsonSpace))
	if start >= end || doc[start] != '{' || doc[end-1] != '}' {
		return 0, 0, false
	}
	return start, end, true
}

// insertMember appends "key": value to the object spanning doc[start:end].
func insertMember(doc []byte, start, end int, key, value string) ([]byte, error) {
	k, err := rawJSON(key)
	if err != nil {
		return nil, err
	}
	obj := string(doc[start:end])
	body := obj[1 : len(obj)-1]
	var text string
	if strings.TrimSpace(body) == "" {
		text = "{" + k + ":" + value + "}"
	} else {
		lead := body[:len(body)-len(strings.TrimLeft(body, jsonSpace))]
		last := len(strings.TrimRight(body, jsonSpace))
		sep := ":"
		if i := strings.Index(body, `":`); i >= 0 && i+2 < len(body) && body[i+2] == ' ' {
			sep = ": "
		}
		text = "{" + body[:last] + "," + lead + k + sep + value + body[last:] + "}"
	}
	out := make([]byte, 0, len(doc)+len(text)-len(obj))
	out = append(out, doc[:start]...)
	out = append(out, text...)
	return append(out, doc[end:]...), nil
}

// editJSON applies changes path by path. Bytes outside the edited paths
// are left alone, so key order, number precision and escaping survive.
func editJSON(data []byte, changes []ConfigChange) ([]byte, error) {
	doc, fresh := data, len(bytes.TrimSpace(data)) == 0
	if fresh {
		doc = []byte("{}")
	}
	if !gjson.ValidBytes(doc) {
		return nil, fmt.Errorf("%w: parse JSON: invalid document", ErrNotApplicable)
	}
	for _, c := range changes {
		keys := splitPath(c.Path)
		var err error
		if isDelete(c) {
			doc, err = jsonDelete(doc, keys)
		} else {
			var raw string
			if raw, err = rawJSON(c.Value); err == nil {
				doc, err = jsonSet(doc, keys, raw)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.Path, err)
		}
	}
	if fresh {
		return pretty.Pretty(doc), nil
	}
	return doc, nil
}
