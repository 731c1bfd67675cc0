package schema

import (
	"math"
	"reflect"
	"testing"

	"github.com/router-for-me/TelemetryHub/internal/models"
	"gorm.io/datatypes"
)

func compileDerived(t *testing.T, key, expression, dependencies string) *Derived {
	t.Helper()
	def := models.DerivedParameterDefinition{
		Key:        key,
		DataType:   models.ParameterTypeDecimal,
		Expression: datatypes.JSON(expression),
	}
	if dependencies != "" {
		def.Dependencies = datatypes.JSON(dependencies)
	}
	d, errCompile := CompileDerived(def)
	if errCompile != nil {
		t.Fatalf("compile %s: %v", key, errCompile)
	}
	return d
}

func TestResolvedDependencies(t *testing.T) {
	inferred := compileDerived(t, "heat_index", `{"+":[{"var":"temp_c"},{"*":[{"var":["humidity",0]},0.1]},{"var":"meta.offset"}]}`, "")
	if got, want := inferred.ResolvedDependencies(), []string{"temp_c", "humidity", "meta"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	explicit := compileDerived(t, "x", `{"var":"a"}`, `["b","","b","c"]`)
	if got, want := explicit.ResolvedDependencies(), []string{"b", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	ok, missing := inferred.ValidateDependencies([]string{"temp_c", "meta"})
	if ok || !reflect.DeepEqual(missing, []string{"humidity"}) {
		t.Fatalf("expected humidity missing, got ok=%v missing=%v", ok, missing)
	}
}

func TestDetectCircularDependencies(t *testing.T) {
	a := compileDerived(t, "A", `{"+":[{"var":"B"},1]}`, "")
	b := compileDerived(t, "B", `{"+":[{"var":"A"},1]}`, "")
	report := DetectCircularDependencies([]*Derived{a, b})
	if !report.HasCycle {
		t.Fatalf("expected cycle")
	}
	if !reflect.DeepEqual(report.Cycles, []string{"A", "B"}) {
		t.Fatalf("expected cycle members [A B], got %v", report.Cycles)
	}

	c := compileDerived(t, "C", `{"+":[{"var":"temp"},1]}`, "")
	d := compileDerived(t, "D", `{"*":[{"var":"C"},2]}`, "")
	if report := DetectCircularDependencies([]*Derived{d, c}); report.HasCycle {
		t.Fatalf("expected no cycle, got %v", report.Cycles)
	}

	self := compileDerived(t, "S", `{"var":"S"}`, "")
	if report := DetectCircularDependencies([]*Derived{self}); !report.HasCycle {
		t.Fatalf("expected self-reference to be a cycle")
	}
}

func TestDeriveInDependencyOrder(t *testing.T) {
	tempF := compileDerived(t, "temp_f", `{"+":[{"*":[{"var":"temp_c"},1.8]},32]}`, "")
	delta := compileDerived(t, "delta_f", `{"-":[{"var":"temp_f"},50]}`, "")

	result := Derive(map[string]any{"temp_c": 12.0}, []*Derived{delta, tempF})
	got, ok := result.Final["temp_f"].(float64)
	if !ok || math.Abs(got-53.6) > 1e-9 {
		t.Fatalf("expected temp_f=53.6, got %v", result.Final["temp_f"])
	}
	gotDelta, ok := result.Final["delta_f"].(float64)
	if !ok || math.Abs(gotDelta-3.6) > 1e-9 {
		t.Fatalf("expected delta_f=3.6, got %v", result.Final["delta_f"])
	}
	if result.Final["temp_c"] != 12.0 {
		t.Fatalf("expected base value kept, got %v", result.Final["temp_c"])
	}
	if len(result.Skipped) != 0 {
		t.Fatalf("expected nothing skipped, got %v", result.Skipped)
	}
}

func TestDeriveIsolatesBrokenParameters(t *testing.T) {
	ok := compileDerived(t, "double", `{"*":[{"var":"v"},2]}`, "")
	missing := compileDerived(t, "needs_x", `{"+":[{"var":"x"},1]}`, "")
	loopA := compileDerived(t, "A", `{"var":"B"}`, "")
	loopB := compileDerived(t, "B", `{"var":"A"}`, "")

	result := Derive(map[string]any{"v": 3.0}, []*Derived{missing, ok, loopA, loopB})
	if result.Final["double"] != 6.0 {
		t.Fatalf("expected double=6, got %v", result.Final["double"])
	}
	want := map[string]string{
		"needs_x": SkipReasonMissingDependencies,
		"A":       SkipReasonUnresolved,
		"B":       SkipReasonUnresolved,
	}
	if !reflect.DeepEqual(result.Skipped, want) {
		t.Fatalf("expected skipped %v, got %v", want, result.Skipped)
	}
	if _, present := result.Final["needs_x"]; present {
		t.Fatalf("skipped parameter must not appear in final values")
	}
}
