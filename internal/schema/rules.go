package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Rules are the optional constraints stored in validation_rules.
type Rules struct {
	Min     any
	Max     any
	HasMin  bool
	HasMax  bool
	Pattern string
	HasEnum bool
	Enum    []any

	regex    *regexp.Regexp
	regexErr error
}

func parseRules(raw []byte) (Rules, error) {
	var out Rules
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	var fields map[string]any
	if errUnmarshal := json.Unmarshal(raw, &fields); errUnmarshal != nil {
		return out, fmt.Errorf("validation rules: %w", errUnmarshal)
	}
	out.Min, out.HasMin = fields["min"]
	out.Max, out.HasMax = fields["max"]
	if enum, ok := fields["enum"].([]any); ok {
		out.HasEnum = true
		out.Enum = enum
	}
	if rawPattern, ok := fields["regex"]; ok {
		pattern, isString := rawPattern.(string)
		if !isString {
			out.regexErr = fmt.Errorf("regex must be a string, got %T", rawPattern)
		} else {
			out.Pattern = pattern
			out.regex, out.regexErr = CompilePattern(pattern)
		}
	}
	return out, nil
}

// HasPattern reports whether a regex rule is configured.
func (r Rules) HasPattern() bool {
	return r.Pattern != "" || r.regexErr != nil
}

var pcreDelimiterPairs = map[byte]byte{'(': ')', '{': '}', '[': ']', '<': '>'}

// CompilePattern accepts delimited patterns such as "/^[a-z]+$/i" as well as bare RE2 patterns.
// Supported modifiers are i, m, s and U; u is accepted and ignored.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	trimmed := strings.TrimSpace(pattern)
	if trimmed == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	body, flags, delimited := splitDelimited(trimmed)
	if !delimited {
		return regexp.Compile(trimmed)
	}

	var goFlags strings.Builder
	for _, flag := range flags {
		switch flag {
		case 'i', 'm', 's', 'U':
			goFlags.WriteRune(flag)
		case 'u', 'D':
		default:
			return nil, fmt.Errorf("unsupported pattern modifier %q", flag)
		}
	}
	if goFlags.Len() > 0 {
		body = "(?" + goFlags.String() + ")" + body
	}
	return regexp.Compile(body)
}

func splitDelimited(pattern string) (string, string, bool) {
	if len(pattern) < 2 {
		return "", "", false
	}
	open := pattern[0]
	if isAlphaNumeric(open) || open == '\\' || open == ' ' {
		return "", "", false
	}
	closing := open
	if pair, ok := pcreDelimiterPairs[open]; ok {
		closing = pair
	}
	end := strings.LastIndexByte(pattern, closing)
	if end <= 0 {
		return "", "", false
	}
	flags := pattern[end+1:]
	for i := 0; i < len(flags); i++ {
		if !isAlphaNumeric(flags[i]) {
			return "", "", false
		}
	}
	return pattern[1:end], flags, true
}

func isAlphaNumeric(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
