package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/router-for-me/TelemetryHub/internal/jsonlogic"
	"github.com/router-for-me/TelemetryHub/internal/models"
)

// Default error codes used when a definition does not carry its own validation_error_code.
const (
	ErrorCodeRequired     = "required"
	ErrorCodeTypeMismatch = "type_mismatch"
	ErrorCodeMin          = "min"
	ErrorCodeMax          = "max"
	ErrorCodeRegex        = "regex"
	ErrorCodeRegexInvalid = "regex_invalid"
	ErrorCodeEnum         = "enum"
)

var integerPattern = regexp.MustCompile(`^-?\d+$`)

// Parameter is a ParameterDefinition with its expression and rules parsed once.
type Parameter struct {
	Definition models.ParameterDefinition

	mutation     jsonlogic.Node
	rules        Rules
	defaultValue any
	hasDefault   bool
}

// ValidationResult is the outcome of ValidateValue.
type ValidationResult struct {
	Valid      bool   `json:"-"`
	ErrorCode  string `json:"error_code"`
	IsCritical bool   `json:"is_critical"`
	Rule       string `json:"rule"`
}

// CompileParameter parses the stored mutation expression, rules and default value.
// A malformed expression is a configuration error and is returned as such.
func CompileParameter(def models.ParameterDefinition) (*Parameter, error) {
	mutation, errParse := jsonlogic.ParseJSON(def.MutationExpression)
	if errParse != nil {
		return nil, fmt.Errorf("schema: parameter %s mutation: %w", def.Key, errParse)
	}
	rules, errRules := parseRules(def.ValidationRules)
	if errRules != nil {
		return nil, fmt.Errorf("schema: parameter %s: %w", def.Key, errRules)
	}
	p := &Parameter{Definition: def, mutation: mutation, rules: rules}
	if raw := strings.TrimSpace(string(def.DefaultValue)); raw != "" && raw != "null" {
		if errUnmarshal := json.Unmarshal([]byte(raw), &p.defaultValue); errUnmarshal != nil {
			return nil, fmt.Errorf("schema: parameter %s default: %w", def.Key, errUnmarshal)
		}
		p.hasDefault = true
	}
	return p, nil
}

// Key returns the parameter key.
func (p *Parameter) Key() string { return p.Definition.Key }

// HasMutation reports whether a mutation expression is configured.
func (p *Parameter) HasMutation() bool { return p.mutation != nil }

// ExtractValue reads the raw value from the payload.
func (p *Parameter) ExtractValue(payload map[string]any) any {
	return Extract(payload, p.Definition.JSONPath)
}

// MutateValue applies the mutation expression with the value bound to "val".
func (p *Parameter) MutateValue(value any) any {
	if p.mutation == nil {
		return value
	}
	return jsonlogic.Evaluate(p.mutation, map[string]any{"val": value})
}

// PlaceValue stores value at the parameter's path in a copy of payload.
func (p *Parameter) PlaceValue(payload map[string]any, value any) map[string]any {
	return Place(payload, p.Definition.JSONPath, value)
}

// ResolvedDefaultValue returns the configured default or a zero value of the declared type.
func (p *Parameter) ResolvedDefaultValue() any {
	if p.hasDefault {
		return p.defaultValue
	}
	switch p.Definition.Type {
	case models.ParameterTypeInteger:
		return 0
	case models.ParameterTypeDecimal:
		return 0.0
	case models.ParameterTypeBoolean:
		return false
	case models.ParameterTypeString:
		return ""
	case models.ParameterTypeJSON:
		return map[string]any{}
	}
	return nil
}

// ValidateValue checks required, type and rule constraints. The first failing check wins.
func (p *Parameter) ValidateValue(value any) ValidationResult {
	empty := isEmpty(value)
	if p.Definition.Required && empty {
		return p.invalid(ErrorCodeRequired)
	}
	if empty {
		return ValidationResult{Valid: true}
	}
	if !MatchesType(p.Definition.Type, value) {
		return p.invalid(ErrorCodeTypeMismatch)
	}

	if number, numeric := numericValue(value); numeric {
		if p.rules.HasMin {
			if bound, ok := numericValue(p.rules.Min); ok && number < bound {
				return p.invalid(ErrorCodeMin)
			}
		}
		if p.rules.HasMax {
			if bound, ok := numericValue(p.rules.Max); ok && number > bound {
				return p.invalid(ErrorCodeMax)
			}
		}
	}

	if text, isString := value.(string); isString && p.rules.HasPattern() {
		if p.rules.regexErr != nil {
			return p.invalid(ErrorCodeRegexInvalid)
		}
		if !p.rules.regex.MatchString(text) {
			return p.invalid(ErrorCodeRegex)
		}
	}

	if p.rules.HasEnum {
		matched := false
		for _, option := range p.rules.Enum {
			if jsonlogic.StrictEqual(option, value) {
				matched = true
				break
			}
		}
		if !matched {
			return p.invalid(ErrorCodeEnum)
		}
	}
	return ValidationResult{Valid: true}
}

func (p *Parameter) invalid(rule string) ValidationResult {
	code := strings.TrimSpace(p.Definition.ValidationErrorCode)
	if code == "" {
		code = rule
	}
	return ValidationResult{
		Valid:      false,
		ErrorCode:  code,
		IsCritical: p.Definition.IsCritical,
		Rule:       rule,
	}
}

func isEmpty(value any) bool {
	if value == nil {
		return true
	}
	text, ok := value.(string)
	return ok && text == ""
}

// MatchesType reports whether value is acceptable for the declared type. Integers accept
// whole numbers and digit strings; booleans accept true/false, 0/1 and their string forms.
func MatchesType(typ models.ParameterType, value any) bool {
	switch typ {
	case models.ParameterTypeInteger:
		switch v := value.(type) {
		case string:
			return integerPattern.MatchString(v)
		case float64:
			return v == math.Trunc(v) && !math.IsInf(v, 0)
		case int, int32, int64:
			return true
		case json.Number:
			_, errInt := v.Int64()
			return errInt == nil
		}
		return false
	case models.ParameterTypeDecimal:
		_, ok := numericValue(value)
		return ok
	case models.ParameterTypeBoolean:
		switch v := value.(type) {
		case bool:
			return true
		case string:
			return v == "true" || v == "false" || v == "0" || v == "1"
		case float64:
			return v == 0 || v == 1
		case int:
			return v == 0 || v == 1
		}
		return false
	case models.ParameterTypeString:
		_, ok := value.(string)
		return ok
	case models.ParameterTypeJSON:
		switch value.(type) {
		case map[string]any, []any:
			return true
		}
		return false
	}
	return false
}

// numericValue accepts numbers and numeric strings. Booleans are not numeric here.
func numericValue(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		parsed, errParse := v.Float64()
		return parsed, errParse == nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, false
		}
		parsed, errParse := strconv.ParseFloat(trimmed, 64)
		return parsed, errParse == nil
	}
	return 0, false
}
