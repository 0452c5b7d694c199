package planning

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

type substitution struct {
	args       map[string]any
	unresolved []string
	// ambiguous is set when a dependency produced several candidates and
	// the first was taken.
	ambiguous bool
}

// substitute returns a copy of args with {{id}} placeholders replaced by
// the results of the named dependency steps.
func substitute(args map[string]any, deps map[string]*PlanStep) substitution {
	var sub substitution
	seen := make(map[string]bool)
	lookup := func(id string) (any, bool) {
		d, ok := deps[id]
		if !ok || d.Status != StepComplete {
			return nil, false
		}
		v, many, ok := placeholderValue(d.Result)
		if many {
			sub.ambiguous = true
		}
		return v, ok
	}
	miss := func(id string) {
		if !seen[id] {
			seen[id] = true
			sub.unresolved = append(sub.unresolved, "{{"+id+"}}")
		}
	}

	var walk func(v any) any
	walk = func(v any) any {
		switch x := v.(type) {
		case string:
			if m := placeholder.FindStringSubmatch(x); m != nil && m[0] == strings.TrimSpace(x) {
				val, ok := lookup(m[1])
				if !ok {
					miss(m[1])
					return x
				}
				return val
			}
			return placeholder.ReplaceAllStringFunc(x, func(ph string) string {
				id := placeholder.FindStringSubmatch(ph)[1]
				val, ok := lookup(id)
				if !ok {
					miss(id)
					return ph
				}
				return fmt.Sprint(val)
			})
		case map[string]any:
			out := make(map[string]any, len(x))
			for k, item := range x {
				out[k] = walk(item)
			}
			return out
		case []any:
			out := make([]any, len(x))
			for i, item := range x {
				out[i] = walk(item)
			}
			return out
		default:
			return v
		}
	}

	sub.args, _ = walk(args).(map[string]any)
	if sub.args == nil {
		sub.args = map[string]any{}
	}
	return sub
}

// placeholderValue picks the value a placeholder stands for. Lists yield
// their first item, objects their path.
func placeholderValue(result any) (v any, many bool, ok bool) {
	switch x := normalize(result).(type) {
	case nil:
		return nil, false, false
	case string:
		t := strings.TrimSpace(x)
		return t, false, t != ""
	case bool, float64:
		return x, false, true
	case []any:
		if len(x) == 0 {
			return nil, false, false
		}
		first, _, ok := placeholderValue(x[0])
		return first, distinct(x) > 1, ok
	case map[string]any:
		if p := pathOf(x); p != "" {
			return p, false, true
		}
		data, _ := json.Marshal(x)
		return string(data), true, len(x) > 0
	}
	return nil, false, false
}

// distinct counts the different values a list offers.
func distinct(items []any) int {
	set := make(map[string]bool)
	for _, it := range items {
		v, _, _ := placeholderValue(it)
		set[fmt.Sprint(v)] = true
	}
	return len(set)
}

var pathFields = []string{"path", "file", "filePath", "file_path", "url"}

func pathOf(m map[string]any) string {
	for _, k := range pathFields {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	if meta, ok := m["metadata"].(map[string]any); ok {
		return pathOf(meta)
	}
	return ""
}

// normalize converts typed tool output into plain JSON values.
func normalize(v any) any {
	switch x := v.(type) {
	case nil, string, bool, float64, map[string]any, []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case int:
		return float64(x)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data)
	}
	return out
}

// isEmptyResult reports search output that found nothing.
func isEmptyResult(output any) bool {
	switch x := normalize(output).(type) {
	case nil:
		return true
	case string:
		t := strings.TrimSpace(x)
		return t == "" || t == "[]" || t == "{}"
	case []any:
		return len(x) == 0
	case map[string]any:
		for _, v := range x {
			switch vv := v.(type) {
			case []any:
				if len(vv) > 0 {
					return false
				}
			case string:
				if strings.TrimSpace(vv) != "" {
					return false
				}
			case nil:
			default:
				return false
			}
		}
		return true
	}
	return false
}
