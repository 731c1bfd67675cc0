package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/router-for-me/TelemetryHub/internal/jsonlogic"
	"github.com/router-for-me/TelemetryHub/internal/models"
)

// Derived is a DerivedParameterDefinition with its expression parsed once.
type Derived struct {
	Definition models.DerivedParameterDefinition

	expression   jsonlogic.Node
	dependencies []string
}

// CompileDerived parses the expression and resolves the dependency list.
func CompileDerived(def models.DerivedParameterDefinition) (*Derived, error) {
	expression, errParse := jsonlogic.ParseJSON(def.Expression)
	if errParse != nil {
		return nil, fmt.Errorf("schema: derived %s expression: %w", def.Key, errParse)
	}
	d := &Derived{Definition: def, expression: expression}

	var explicit []any
	if raw := strings.TrimSpace(string(def.Dependencies)); raw != "" && raw != "null" {
		if errUnmarshal := json.Unmarshal([]byte(raw), &explicit); errUnmarshal != nil {
			return nil, fmt.Errorf("schema: derived %s dependencies: %w", def.Key, errUnmarshal)
		}
	}
	d.dependencies = resolveDependencies(explicit, expression)
	return d, nil
}

// Key returns the derived parameter key.
func (d *Derived) Key() string { return d.Definition.Key }

// ResolvedDependencies returns the explicit dependency list when present, otherwise the
// parameter keys referenced by the expression. A dotted reference depends on its first segment.
func (d *Derived) ResolvedDependencies() []string {
	out := make([]string, len(d.dependencies))
	copy(out, d.dependencies)
	return out
}

// Evaluate computes the derived value from resolved parameter values.
func (d *Derived) Evaluate(inputs map[string]any) any {
	return jsonlogic.Evaluate(d.expression, inputs)
}

// ValidateDependencies reports the dependencies missing from availableKeys.
func (d *Derived) ValidateDependencies(availableKeys []string) (bool, []string) {
	available := make(map[string]struct{}, len(availableKeys))
	for _, key := range availableKeys {
		available[key] = struct{}{}
	}
	var missing []string
	for _, dep := range d.dependencies {
		if _, ok := available[dep]; !ok {
			missing = append(missing, dep)
		}
	}
	return len(missing) == 0, missing
}

func resolveDependencies(explicit []any, expression jsonlogic.Node) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(key string) {
		key = strings.TrimSpace(key)
		if key == "" {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	for _, item := range explicit {
		if key, ok := item.(string); ok {
			add(key)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, path := range jsonlogic.Variables(expression) {
		head, _, _ := strings.Cut(path, ".")
		add(head)
	}
	return out
}

// CycleReport is the result of DetectCircularDependencies.
type CycleReport struct {
	HasCycle bool     `json:"has_cycle"`
	Cycles   []string `json:"cycles"`
}

type color uint8

const (
	unvisited color = iota
	inStack
	done
)

// DetectCircularDependencies runs a depth-first search over the key to dependencies graph.
// Dependencies that are not derived keys are leaves. When a node still on the stack is reached
// again, the members of that cycle are reported in visiting order and the search stops.
func DetectCircularDependencies(definitions []*Derived) CycleReport {
	graph := make(map[string][]string, len(definitions))
	order := make([]string, 0, len(definitions))
	for _, def := range definitions {
		if def == nil {
			continue
		}
		if _, exists := graph[def.Key()]; !exists {
			order = append(order, def.Key())
		}
		graph[def.Key()] = def.ResolvedDependencies()
	}

	colors := make(map[string]color, len(graph))
	var stack []string
	var cycle []string

	var visit func(node string) bool
	visit = func(node string) bool {
		switch colors[node] {
		case inStack:
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i] == node {
					cycle = append([]string(nil), stack[i:]...)
					break
				}
			}
			return true
		case done:
			return false
		}
		colors[node] = inStack
		stack = append(stack, node)
		for _, next := range graph[node] {
			if _, isDerived := graph[next]; !isDerived {
				continue
			}
			if visit(next) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		colors[node] = done
		return false
	}

	for _, node := range order {
		if visit(node) {
			break
		}
	}
	return CycleReport{HasCycle: len(cycle) > 0, Cycles: cycle}
}

// Skip reasons reported by Derive.
const (
	SkipReasonMissingDependencies = "missing_dependencies"
	SkipReasonUnresolved          = "unresolved_dependencies"
)

// Derivation is the outcome of Derive.
type Derivation struct {
	Derived map[string]any    `json:"derived_values"`
	Final   map[string]any    `json:"final_values"`
	Skipped map[string]string `json:"skipped,omitempty"`
}

// Derive evaluates derived parameters in dependency order using only base values and values
// already derived in this pass. A derived parameter whose dependencies cannot be satisfied is
// left out and reported in Skipped; the others are still evaluated.
func Derive(base map[string]any, definitions []*Derived) Derivation {
	resolved := make(map[string]any, len(base)+len(definitions))
	for k, v := range base {
		resolved[k] = v
	}
	result := Derivation{Derived: map[string]any{}}

	pending := make([]*Derived, 0, len(definitions))
	derivedKeys := make(map[string]struct{}, len(definitions))
	for _, def := range definitions {
		if def == nil {
			continue
		}
		pending = append(pending, def)
		derivedKeys[def.Key()] = struct{}{}
	}

	for len(pending) > 0 {
		progress := false
		remaining := pending[:0]
		for _, def := range pending {
			if !dependenciesResolved(def, resolved) {
				remaining = append(remaining, def)
				continue
			}
			value := def.Evaluate(resolved)
			resolved[def.Key()] = value
			result.Derived[def.Key()] = value
			progress = true
		}
		pending = remaining
		if !progress {
			break
		}
	}

	for _, def := range pending {
		if result.Skipped == nil {
			result.Skipped = map[string]string{}
		}
		reason := SkipReasonUnresolved
		for _, dep := range def.dependencies {
			_, isResolved := resolved[dep]
			_, isDerived := derivedKeys[dep]
			if !isResolved && !isDerived {
				reason = SkipReasonMissingDependencies
				break
			}
		}
		result.Skipped[def.Key()] = reason
	}

	result.Final = make(map[string]any, len(base)+len(result.Derived))
	for k, v := range base {
		result.Final[k] = v
	}
	for k, v := range result.Derived {
		result.Final[k] = v
	}
	return result
}

func dependenciesResolved(def *Derived, resolved map[string]any) bool {
	for _, dep := range def.dependencies {
		if _, ok := resolved[dep]; !ok {
			return false
		}
	}
	return true
}
