// Package smartvalue resolves ${{path}} references against an activity
// context. Paths navigate nested maps with dots; a segment prefixed with
// # fans out over an array and joins the per-element results with commas.
// References that cannot be resolved render as "-" so user-facing text
// never carries raw template tokens.
package smartvalue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Missing is rendered in place of references that do not resolve.
const Missing = "-"

// Replace scans input for ${{...}} tokens and substitutes each with its
// resolved value. Unclosed tokens are left as-is.
func Replace(input string, scope map[string]any) string {
	if !strings.Contains(input, "${{") {
		return input
	}

	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			// unclosed marker, keep the rest verbatim
			result.WriteString(input[i+idx:])
			break
		}
		end += start

		path := strings.TrimSpace(input[start:end])
		result.WriteString(Resolve(path, scope))

		i = end + 2
	}

	return result.String()
}

// Resolve evaluates a single dotted path and stringifies the result.
func Resolve(path string, scope map[string]any) string {
	if path == "" {
		return Missing
	}
	val, ok := Lookup(path, scope)
	if !ok {
		return Missing
	}
	return stringify(val)
}

// Lookup navigates the scope and returns the raw value at path. The
// boolean is false when any segment is missing or not traversable.
// Array fan-out segments (#name) resolve to the joined string form.
func Lookup(path string, scope map[string]any) (any, bool) {
	segments := strings.Split(path, ".")
	return traverse(scope, segments)
}

func traverse(current any, segments []string) (any, bool) {
	for i, seg := range segments {
		if seg == "" {
			return nil, false
		}

		if name, fanOut := strings.CutPrefix(seg, "#"); fanOut {
			obj, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			items, ok := obj[name].([]any)
			if !ok {
				return nil, false
			}
			return joinElements(items, segments[i+1:])
		}

		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// joinElements resolves the remaining path against every array element
// and joins the results. Scalar elements ignore the remaining path and
// stringify directly.
func joinElements(items []any, rest []string) (any, bool) {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		if obj, ok := item.(map[string]any); ok && len(rest) > 0 {
			val, ok := traverse(obj, rest)
			if !ok {
				return nil, false
			}
			parts = append(parts, stringify(val))
			continue
		}
		parts = append(parts, stringify(item))
	}
	return strings.Join(parts, ","), true
}

func stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return Missing
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		// whole numbers print without a decimal point
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
