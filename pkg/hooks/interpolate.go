package hooks

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Placeholder grammar: {{result.<path>}} resolved against the parsed
// task result, and {{ledger.last(TOPIC).<path>}} resolved against a
// pinned ledger view. Unknown paths are rejected at resolve time rather
// than silently becoming empty strings.

var placeholderRe = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// ErrUnknownPath means a placeholder referenced a field that does not
// exist in its scope.
var ErrUnknownPath = errors.New("unknown placeholder path")

// LedgerLookup returns the newest record of a topic rendered as a map,
// or nil when the topic has no records.
type LedgerLookup func(topic string) (map[string]any, error)

// Scope is the data placeholders resolve against.
type Scope struct {
	Result map[string]any
	Ledger LedgerLookup
}

// Interpolate resolves placeholders in a value, recursing through maps
// and slices. A string that is exactly one placeholder keeps the
// referenced value's type; placeholders embedded in larger strings are
// stringified.
func Interpolate(value any, scope Scope) (any, error) {
	switch v := value.(type) {
	case string:
		return interpolateString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			resolved, err := Interpolate(inner, scope)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			resolved, err := Interpolate(inner, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

func interpolateString(s string, scope Scope) (any, error) {
	// Whole-token form preserves the resolved value's type.
	if m := placeholderRe.FindStringSubmatch(s); m != nil && m[0] == s {
		return resolvePath(strings.TrimSpace(m[1]), scope)
	}

	var resolveErr error
	out := placeholderRe.ReplaceAllStringFunc(s, func(token string) string {
		path := strings.TrimSpace(token[2 : len(token)-2])
		value, err := resolvePath(path, scope)
		if err != nil {
			if resolveErr == nil {
				resolveErr = err
			}
			return token
		}
		return stringify(value)
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	return out, nil
}

var ledgerLastRe = regexp.MustCompile(`^ledger\.last\(([A-Z0-9_]+)\)(?:\.(.+))?$`)

func resolvePath(path string, scope Scope) (any, error) {
	if rest, ok := strings.CutPrefix(path, "result."); ok {
		if scope.Result == nil {
			return nil, fmt.Errorf("%w: %q (no task result in scope)", ErrUnknownPath, path)
		}
		return walkPath(scope.Result, rest, path)
	}
	if m := ledgerLastRe.FindStringSubmatch(path); m != nil {
		if scope.Ledger == nil {
			return nil, fmt.Errorf("%w: %q (no ledger in scope)", ErrUnknownPath, path)
		}
		record, err := scope.Ledger(m[1])
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %q: %w", path, err)
		}
		if record == nil {
			return nil, fmt.Errorf("%w: %q (topic %s has no records)", ErrUnknownPath, path, m[1])
		}
		if m[2] == "" {
			return record, nil
		}
		return walkPath(record, m[2], path)
	}
	return nil, fmt.Errorf("%w: %q (want result.<path> or ledger.last(TOPIC).<path>)", ErrUnknownPath, path)
}

func walkPath(root map[string]any, rest, full string) (any, error) {
	var current any = root
	for _, segment := range strings.Split(rest, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %q (segment %q is not an object)", ErrUnknownPath, full, segment)
		}
		current, ok = node[segment]
		if !ok {
			return nil, fmt.Errorf("%w: %q (missing %q)", ErrUnknownPath, full, segment)
		}
	}
	return current, nil
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}
