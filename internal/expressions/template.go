package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/bizflow/pkg/schema"
)

// RenderTemplate replaces every ${{path}} placeholder in tmpl with the value
// found at the dot-delimited path in data, e.g. "Project ${{project.code}}".
// A missing path is an error; unterminated placeholders are copied verbatim.
func RenderTemplate(tmpl string, data map[string]any) (string, error) {
	var out strings.Builder
	out.Grow(len(tmpl))

	i := 0
	for i < len(tmpl) {
		idx := strings.Index(tmpl[i:], "${{")
		if idx == -1 {
			out.WriteString(tmpl[i:])
			break
		}
		out.WriteString(tmpl[i : i+idx])
		start := i + idx + 3
		end := strings.Index(tmpl[start:], "}}")
		if end == -1 {
			out.WriteString(tmpl[i+idx:])
			break
		}
		path := strings.TrimSpace(tmpl[start : start+end])
		val, err := lookupPath(data, path)
		if err != nil {
			return "", err
		}
		out.WriteString(inline(val))
		i = start + end + 2
	}
	return out.String(), nil
}

func lookupPath(root map[string]any, path string) (any, error) {
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty template placeholder")
	}
	var current any = root
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"cannot traverse into non-object at %q in %q", seg, path)
		}
		val, ok := m[seg]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"field %q not found in template placeholder %q", seg, path)
		}
		current = val
	}
	return current, nil
}

func inline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return fmt.Sprintf("%v", v)
	case fmt.Stringer:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
