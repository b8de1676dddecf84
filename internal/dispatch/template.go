package dispatch

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// UnresolvedPlaceholderError lists template keys with no context value.
type UnresolvedPlaceholderError struct {
	Keys []string
}

func (e *UnresolvedPlaceholderError) Error() string {
	return fmt.Sprintf("unresolved template placeholders: %s", strings.Join(e.Keys, ", "))
}

// RenderTemplate substitutes {{key}} placeholders with context values.
// Non-string values are JSON encoded. All placeholders must resolve.
func RenderTemplate(template string, data map[string]any) (string, error) {
	var missing []string
	seen := map[string]bool{}

	out := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		v, ok := data[key]
		if !ok {
			if !seen[key] {
				seen[key] = true
				missing = append(missing, key)
			}
			return match
		}
		return stringify(v)
	})

	if len(missing) > 0 {
		return "", &UnresolvedPlaceholderError{Keys: missing}
	}
	return out, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
