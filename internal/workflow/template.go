package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Substitute performs literal placeholder replacement on a step input
// template. Supported forms: {{task}}, {{step_outputs.<id>}}, and arbitrary
// {{key}} lookups against the run context. Unresolved placeholders are left
// verbatim so a missing value is visible in the rendered prompt rather than
// silently blanked.
func Substitute(template string, vars map[string]any) string {
	if template == "" || !strings.Contains(template, "{{") {
		return template
	}
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		if val, ok := lookup(vars, key); ok {
			return stringify(val)
		}
		return match
	})
}

// lookup resolves dotted keys (step_outputs.plan) through nested maps.
func lookup(vars map[string]any, key string) (any, bool) {
	if val, ok := vars[key]; ok {
		return val, true
	}
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return nil, false
	}
	var cur any = vars
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
