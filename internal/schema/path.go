package schema

import (
	"strconv"
	"strings"
)

// NormalizePath strips the "$." root alias. The bare root "$" and empty paths address nothing.
func NormalizePath(path string) (string, bool) {
	normalized := strings.TrimSpace(path)
	if normalized == "" || normalized == "$" {
		return "", false
	}
	normalized = strings.TrimPrefix(normalized, "$.")
	if normalized == "" {
		return "", false
	}
	return normalized, true
}

// Extract reads the value at a dotted path. Missing segments yield nil.
func Extract(payload map[string]any, path string) any {
	normalized, ok := NormalizePath(path)
	if !ok {
		return nil
	}
	var current any = payload
	for _, segment := range strings.Split(normalized, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, exists := node[segment]
			if !exists {
				return nil
			}
			current = next
		case []any:
			idx, errAtoi := strconv.Atoi(segment)
			if errAtoi != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			current = node[idx]
		default:
			return nil
		}
	}
	return current
}

// Place returns a copy of payload with value stored at path. Maps along the path are copied
// so the input is never modified; sibling keys are preserved and missing levels are created.
func Place(payload map[string]any, path string, value any) map[string]any {
	normalized, ok := NormalizePath(path)
	if !ok {
		return payload
	}
	segments := strings.Split(normalized, ".")
	return placeSegments(payload, segments, value)
}

func placeSegments(node map[string]any, segments []string, value any) map[string]any {
	out := make(map[string]any, len(node)+1)
	for k, v := range node {
		out[k] = v
	}
	head := segments[0]
	if len(segments) == 1 {
		out[head] = value
		return out
	}
	child, _ := out[head].(map[string]any)
	out[head] = placeSegments(child, segments[1:], value)
	return out
}
