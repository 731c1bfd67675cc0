package jsonlogic

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Evaluate runs the tree against data. A nil tree yields nil.
// Missing variables resolve to nil and never produce an error.
func Evaluate(n Node, data any) any {
	switch v := n.(type) {
	case nil:
		return nil
	case Const:
		return normalize(v.Value)
	case List:
		out := make([]any, 0, len(v.Items))
		for _, item := range v.Items {
			out = append(out, Evaluate(item, data))
		}
		return out
	case Var:
		value := Lookup(data, v.Path)
		if value == nil && v.Default != nil {
			return Evaluate(v.Default, data)
		}
		return value
	case Arithmetic:
		return evalArithmetic(v, data)
	case Compare:
		return evalCompare(v.Op, Evaluate(v.Left, data), Evaluate(v.Right, data))
	case Logical:
		return evalLogical(v, data)
	case If:
		return evalIf(v, data)
	default:
		return nil
	}
}

// EvaluateRaw parses a decoded JSON expression and evaluates it.
func EvaluateRaw(raw any, data any) (any, error) {
	tree, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return Evaluate(tree, data), nil
}

// EvaluateJSON parses a stored JSON expression and evaluates it. An empty or null expression yields nil.
func EvaluateJSON(expression []byte, data any) (any, error) {
	tree, err := ParseJSON(expression)
	if err != nil {
		return nil, err
	}
	return Evaluate(tree, data), nil
}

// Truthy reports whether a value counts as true in a condition.
func Truthy(v any) bool {
	switch t := normalize(v).(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0 && !math.IsNaN(t)
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "0", "false", "off", "no", "null":
			return false
		}
		return true
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// Lookup resolves a dotted path through nested maps and slices. An empty path returns data itself.
func Lookup(data any, path string) any {
	if path == "" {
		return normalize(data)
	}
	current := data
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			current = node[idx]
		default:
			return nil
		}
	}
	return normalize(current)
}

func evalArithmetic(node Arithmetic, data any) any {
	// Null and non-numeric operands count as 0.
	values := make([]float64, 0, len(node.Operands))
	for _, operand := range node.Operands {
		number, _ := ToNumber(Evaluate(operand, data))
		values = append(values, number)
	}

	switch node.Op {
	case OpAdd:
		sum := 0.0
		for _, value := range values {
			sum += value
		}
		return sum
	case OpSubtract:
		if len(values) == 1 {
			return -values[0]
		}
		result := values[0]
		for _, value := range values[1:] {
			result -= value
		}
		return result
	case OpMultiply:
		result := 1.0
		for _, value := range values {
			result *= value
		}
		return result
	case OpDivide:
		result := values[0]
		for _, value := range values[1:] {
			if value == 0 {
				return nil
			}
			result /= value
		}
		return result
	case OpModulo:
		if values[1] == 0 {
			return nil
		}
		return math.Mod(values[0], values[1])
	case OpMin:
		result := values[0]
		for _, value := range values[1:] {
			result = math.Min(result, value)
		}
		return result
	case OpMax:
		result := values[0]
		for _, value := range values[1:] {
			result = math.Max(result, value)
		}
		return result
	}
	return nil
}

func evalCompare(op string, left, right any) bool {
	switch op {
	case OpEqual:
		return looseEqual(left, right)
	case OpNotEqual:
		return !looseEqual(left, right)
	case OpStrictEqual:
		return StrictEqual(left, right)
	case OpStrictNotEqual:
		return !StrictEqual(left, right)
	}

	if left == nil || right == nil {
		return false
	}
	var cmp int
	leftNumber, leftOK := ToNumber(left)
	rightNumber, rightOK := ToNumber(right)
	switch {
	case leftOK && rightOK:
		switch {
		case leftNumber < rightNumber:
			cmp = -1
		case leftNumber > rightNumber:
			cmp = 1
		}
	default:
		cmp = strings.Compare(stringify(left), stringify(right))
	}

	switch op {
	case OpGreater:
		return cmp > 0
	case OpGreaterOrEqual:
		return cmp >= 0
	case OpLess:
		return cmp < 0
	case OpLessOrEqual:
		return cmp <= 0
	}
	return false
}

func evalLogical(node Logical, data any) any {
	switch node.Op {
	case OpAnd:
		for _, operand := range node.Operands {
			if !Truthy(Evaluate(operand, data)) {
				return false
			}
		}
		return true
	case OpOr:
		for _, operand := range node.Operands {
			if Truthy(Evaluate(operand, data)) {
				return true
			}
		}
		return false
	case OpNot:
		return !Truthy(Evaluate(node.Operands[0], data))
	case OpDoubleNegation:
		return Truthy(Evaluate(node.Operands[0], data))
	}
	return nil
}

func evalIf(node If, data any) any {
	branches := node.Branches
	for len(branches) >= 2 {
		if Truthy(Evaluate(branches[0], data)) {
			return Evaluate(branches[1], data)
		}
		branches = branches[2:]
	}
	if len(branches) == 1 {
		return Evaluate(branches[0], data)
	}
	return nil
}

func looseEqual(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	leftNumber, leftOK := ToNumber(left)
	rightNumber, rightOK := ToNumber(right)
	if leftOK && rightOK {
		return leftNumber == rightNumber
	}
	return stringify(left) == stringify(right)
}

// StrictEqual compares type and value without coercion. Go integer kinds count as numbers.
func StrictEqual(left, right any) bool {
	left, right = normalize(left), normalize(right)
	if reflect.TypeOf(left) != reflect.TypeOf(right) {
		return false
	}
	return reflect.DeepEqual(left, right)
}

// ToNumber coerces numbers, numeric strings and booleans to float64.
func ToNumber(v any) (float64, bool) {
	switch t := normalize(v).(type) {
	case float64:
		return t, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		trimmed := strings.TrimSpace(t)
		if trimmed == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

// normalize folds Go numeric kinds into float64 so callers can pass native maps.
func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return parsed
	}
	return v
}
