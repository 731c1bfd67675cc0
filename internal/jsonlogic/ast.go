package jsonlogic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Operator names understood by the parser.
const (
	OpVar      = "var"
	OpAdd      = "+"
	OpSubtract = "-"
	OpMultiply = "*"
	OpDivide   = "/"
	OpModulo   = "%"
	OpMin      = "min"
	OpMax      = "max"

	OpEqual          = "=="
	OpStrictEqual    = "==="
	OpNotEqual       = "!="
	OpStrictNotEqual = "!=="
	OpGreater        = ">"
	OpGreaterOrEqual = ">="
	OpLess           = "<"
	OpLessOrEqual    = "<="
	OpAnd            = "and"
	OpOr             = "or"
	OpNot            = "!"
	OpDoubleNegation = "!!"
	OpIf             = "if"
	OpTernary        = "?:"
)

// Node is one element of a parsed expression tree.
type Node interface {
	node()
}

// Const is a literal value.
type Const struct {
	Value any
}

// List is a literal array whose items are evaluated individually.
type List struct {
	Items []Node
}

// Var reads a dotted path from the evaluation input.
type Var struct {
	Path    string
	Default Node
}

// Arithmetic applies a numeric operator across all operands.
type Arithmetic struct {
	Op       string
	Operands []Node
}

// Compare applies a binary comparison.
type Compare struct {
	Op    string
	Left  Node
	Right Node
}

// Logical combines operands by truthiness.
type Logical struct {
	Op       string
	Operands []Node
}

// If holds condition/value pairs followed by an optional else branch.
type If struct {
	Branches []Node
}

func (Const) node()      {}
func (List) node()       {}
func (Var) node()        {}
func (Arithmetic) node() {}
func (Compare) node()    {}
func (Logical) node()    {}
func (If) node()         {}

// EvaluationError reports a malformed expression tree.
type EvaluationError struct {
	Operator string
	Message  string
}

func (e *EvaluationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Operator == "" {
		return "jsonlogic: " + e.Message
	}
	return fmt.Sprintf("jsonlogic: %s: %s", e.Operator, e.Message)
}

// ParseJSON decodes a stored expression and parses it. Empty input and JSON null yield a nil node.
func ParseJSON(data []byte) (Node, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var raw any
	if errUnmarshal := json.Unmarshal(trimmed, &raw); errUnmarshal != nil {
		return nil, &EvaluationError{Message: "decode expression: " + errUnmarshal.Error()}
	}
	return Parse(raw)
}

// Parse converts a decoded JSON value into an expression tree.
func Parse(raw any) (Node, error) {
	switch v := raw.(type) {
	case map[string]any:
		if len(v) != 1 {
			return nil, &EvaluationError{Message: fmt.Sprintf("expression object must hold exactly one operator, got %d keys", len(v))}
		}
		for op, args := range v {
			return parseOperator(op, args)
		}
	case []any:
		items := make([]Node, 0, len(v))
		for _, item := range v {
			parsed, err := Parse(item)
			if err != nil {
				return nil, err
			}
			items = append(items, parsed)
		}
		return List{Items: items}, nil
	}
	return Const{Value: raw}, nil
}

func parseOperator(op string, args any) (Node, error) {
	switch op {
	case OpVar:
		return parseVar(args)
	case OpAdd, OpSubtract, OpMultiply, OpMin, OpMax:
		operands, err := parseOperands(args)
		if err != nil {
			return nil, err
		}
		if len(operands) == 0 {
			return nil, &EvaluationError{Operator: op, Message: "requires at least one operand"}
		}
		return Arithmetic{Op: op, Operands: operands}, nil
	case OpDivide, OpModulo:
		operands, err := parseOperands(args)
		if err != nil {
			return nil, err
		}
		if len(operands) < 2 {
			return nil, &EvaluationError{Operator: op, Message: "requires at least two operands"}
		}
		if op == OpModulo && len(operands) != 2 {
			return nil, &EvaluationError{Operator: op, Message: "requires exactly two operands"}
		}
		return Arithmetic{Op: op, Operands: operands}, nil
	case OpEqual, OpStrictEqual, OpNotEqual, OpStrictNotEqual, OpGreater, OpGreaterOrEqual, OpLess, OpLessOrEqual:
		operands, err := parseOperands(args)
		if err != nil {
			return nil, err
		}
		if len(operands) != 2 {
			return nil, &EvaluationError{Operator: op, Message: fmt.Sprintf("requires exactly two operands, got %d", len(operands))}
		}
		return Compare{Op: op, Left: operands[0], Right: operands[1]}, nil
	case OpAnd, OpOr:
		operands, err := parseOperands(args)
		if err != nil {
			return nil, err
		}
		if len(operands) == 0 {
			return nil, &EvaluationError{Operator: op, Message: "requires at least one operand"}
		}
		return Logical{Op: op, Operands: operands}, nil
	case OpNot, OpDoubleNegation:
		operands, err := parseOperands(args)
		if err != nil {
			return nil, err
		}
		if len(operands) != 1 {
			return nil, &EvaluationError{Operator: op, Message: "requires exactly one operand"}
		}
		return Logical{Op: op, Operands: operands}, nil
	case OpIf, OpTernary:
		operands, err := parseOperands(args)
		if err != nil {
			return nil, err
		}
		if len(operands) < 2 {
			return nil, &EvaluationError{Operator: op, Message: "requires a condition and a value"}
		}
		return If{Branches: operands}, nil
	default:
		return nil, &EvaluationError{Operator: op, Message: "unknown operator"}
	}
}

// parseOperands accepts both the array form and the single-value shorthand.
func parseOperands(args any) ([]Node, error) {
	items, ok := args.([]any)
	if !ok {
		items = []any{args}
	}
	out := make([]Node, 0, len(items))
	for _, item := range items {
		parsed, err := Parse(item)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed)
	}
	return out, nil
}

func parseVar(args any) (Node, error) {
	var (
		rawPath    any
		rawDefault any
		hasDefault bool
	)
	switch v := args.(type) {
	case []any:
		if len(v) > 2 {
			return nil, &EvaluationError{Operator: OpVar, Message: "accepts a path and an optional default"}
		}
		if len(v) > 0 {
			rawPath = v[0]
		}
		if len(v) == 2 {
			rawDefault = v[1]
			hasDefault = true
		}
	default:
		rawPath = v
	}

	path, ok := pathString(rawPath)
	if !ok {
		return nil, &EvaluationError{Operator: OpVar, Message: fmt.Sprintf("path must be a string or number, got %T", rawPath)}
	}

	out := Var{Path: path}
	if hasDefault {
		parsed, err := Parse(rawDefault)
		if err != nil {
			return nil, err
		}
		out.Default = parsed
	}
	return out, nil
}

func pathString(raw any) (string, bool) {
	switch v := raw.(type) {
	case nil:
		return "", true
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}

// Variables returns the distinct var paths referenced by the tree, in first-seen order.
func Variables(n Node) []string {
	seen := make(map[string]struct{})
	var out []string
	var walk func(Node)
	walk = func(current Node) {
		switch v := current.(type) {
		case Var:
			if v.Path != "" {
				if _, ok := seen[v.Path]; !ok {
					seen[v.Path] = struct{}{}
					out = append(out, v.Path)
				}
			}
			if v.Default != nil {
				walk(v.Default)
			}
		case List:
			for _, item := range v.Items {
				walk(item)
			}
		case Arithmetic:
			for _, item := range v.Operands {
				walk(item)
			}
		case Compare:
			walk(v.Left)
			walk(v.Right)
		case Logical:
			for _, item := range v.Operands {
				walk(item)
			}
		case If:
			for _, item := range v.Branches {
				walk(item)
			}
		}
	}
	walk(n)
	return out
}
