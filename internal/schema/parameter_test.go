package schema

import (
	"math"
	"reflect"
	"testing"

	"github.com/router-for-me/TelemetryHub/internal/models"
	"gorm.io/datatypes"
)

func compileParameter(t *testing.T, def models.ParameterDefinition) *Parameter {
	t.Helper()
	p, errCompile := CompileParameter(def)
	if errCompile != nil {
		t.Fatalf("compile %s: %v", def.Key, errCompile)
	}
	return p
}

func TestExtractValueSupportsRootAlias(t *testing.T) {
	payload := map[string]any{
		"sensor": map[string]any{"temp": 21.5},
		"status": "ok",
	}
	p := compileParameter(t, models.ParameterDefinition{Key: "temp", JSONPath: "$.sensor.temp", Type: models.ParameterTypeDecimal})
	if got := p.ExtractValue(payload); got != 21.5 {
		t.Fatalf("expected 21.5, got %v", got)
	}

	plain := compileParameter(t, models.ParameterDefinition{Key: "status", JSONPath: "status", Type: models.ParameterTypeString})
	if got := plain.ExtractValue(payload); got != "ok" {
		t.Fatalf("expected ok, got %v", got)
	}

	missing := compileParameter(t, models.ParameterDefinition{Key: "hum", JSONPath: "$.sensor.humidity", Type: models.ParameterTypeDecimal})
	if got := missing.ExtractValue(payload); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}

	root := compileParameter(t, models.ParameterDefinition{Key: "root", JSONPath: "$", Type: models.ParameterTypeJSON})
	if got := root.ExtractValue(payload); got != nil {
		t.Fatalf("expected nil for bare root, got %v", got)
	}
}

func TestMutateValuePreservesFraction(t *testing.T) {
	p := compileParameter(t, models.ParameterDefinition{
		Key:                "temp_f",
		JSONPath:           "temp",
		Type:               models.ParameterTypeDecimal,
		MutationExpression: datatypes.JSON(`{"+":[{"*":[{"var":"val"},1.8]},32]}`),
	})
	got, ok := p.MutateValue(10.0).(float64)
	if !ok || math.Abs(got-50) > 1e-9 {
		t.Fatalf("expected 50.0, got %v", p.MutateValue(10.0))
	}

	identity := compileParameter(t, models.ParameterDefinition{Key: "raw", JSONPath: "raw", Type: models.ParameterTypeInteger})
	if got := identity.MutateValue(7.0); got != 7.0 {
		t.Fatalf("expected identity, got %v", got)
	}
}

func TestCompileParameterRejectsMalformedMutation(t *testing.T) {
	_, errCompile := CompileParameter(models.ParameterDefinition{
		Key:                "bad",
		JSONPath:           "bad",
		Type:               models.ParameterTypeDecimal,
		MutationExpression: datatypes.JSON(`{"pow":[{"var":"val"},2]}`),
	})
	if errCompile == nil {
		t.Fatalf("expected compile error for unknown operator")
	}
}

func TestValidateValue(t *testing.T) {
	cases := []struct {
		name  string
		def   models.ParameterDefinition
		value any
		valid bool
		code  string
	}{
		{
			name:  "required missing",
			def:   models.ParameterDefinition{Key: "t", Type: models.ParameterTypeDecimal, Required: true, IsCritical: true},
			value: nil,
			code:  ErrorCodeRequired,
		},
		{
			name:  "optional missing",
			def:   models.ParameterDefinition{Key: "t", Type: models.ParameterTypeDecimal},
			value: "",
			valid: true,
		},
		{
			name:  "integer digit string",
			def:   models.ParameterDefinition{Key: "n", Type: models.ParameterTypeInteger},
			value: "-42",
			valid: true,
		},
		{
			name:  "integer fraction",
			def:   models.ParameterDefinition{Key: "n", Type: models.ParameterTypeInteger},
			value: 4.5,
			code:  ErrorCodeTypeMismatch,
		},
		{
			name:  "boolean string",
			def:   models.ParameterDefinition{Key: "b", Type: models.ParameterTypeBoolean},
			value: "1",
			valid: true,
		},
		{
			name:  "boolean word",
			def:   models.ParameterDefinition{Key: "b", Type: models.ParameterTypeBoolean},
			value: "yes",
			code:  ErrorCodeTypeMismatch,
		},
		{
			name:  "decimal below min with custom code",
			def:   models.ParameterDefinition{Key: "t", Type: models.ParameterTypeDecimal, ValidationRules: datatypes.JSON(`{"min":-40,"max":85}`), ValidationErrorCode: "TEMP_RANGE"},
			value: -41.0,
			code:  "TEMP_RANGE",
		},
		{
			name:  "numeric string above max",
			def:   models.ParameterDefinition{Key: "t", Type: models.ParameterTypeDecimal, ValidationRules: datatypes.JSON(`{"max":"100"}`)},
			value: "120",
			code:  ErrorCodeMax,
		},
		{
			name:  "delimited regex with flag",
			def:   models.ParameterDefinition{Key: "c", Type: models.ParameterTypeString, ValidationRules: datatypes.JSON(`{"regex":"/^#[0-9A-F]{6}$/i"}`)},
			value: "#00ff aa",
			code:  ErrorCodeRegex,
		},
		{
			name:  "delimited regex match",
			def:   models.ParameterDefinition{Key: "c", Type: models.ParameterTypeString, ValidationRules: datatypes.JSON(`{"regex":"/^#[0-9A-F]{6}$/i"}`)},
			value: "#00ffaa",
			valid: true,
		},
		{
			name:  "invalid regex",
			def:   models.ParameterDefinition{Key: "c", Type: models.ParameterTypeString, ValidationRules: datatypes.JSON(`{"regex":"/([a-z/"}`)},
			value: "abc",
			code:  ErrorCodeRegexInvalid,
		},
		{
			name:  "enum strict",
			def:   models.ParameterDefinition{Key: "m", Type: models.ParameterTypeString, ValidationRules: datatypes.JSON(`{"enum":["auto","manual"]}`)},
			value: "off",
			code:  ErrorCodeEnum,
		},
		{
			name:  "json object",
			def:   models.ParameterDefinition{Key: "j", Type: models.ParameterTypeJSON},
			value: map[string]any{"a": 1.0},
			valid: true,
		},
	}

	for _, tc := range cases {
		p := compileParameter(t, tc.def)
		got := p.ValidateValue(tc.value)
		if got.Valid != tc.valid {
			t.Fatalf("%s: expected valid=%v, got %+v", tc.name, tc.valid, got)
		}
		if !tc.valid && got.ErrorCode != tc.code {
			t.Fatalf("%s: expected code %q, got %q", tc.name, tc.code, got.ErrorCode)
		}
		if !tc.valid && got.IsCritical != tc.def.IsCritical {
			t.Fatalf("%s: expected critical=%v", tc.name, tc.def.IsCritical)
		}
	}
}

func TestResolvedDefaultValue(t *testing.T) {
	cases := map[models.ParameterType]any{
		models.ParameterTypeInteger: 0,
		models.ParameterTypeDecimal: 0.0,
		models.ParameterTypeBoolean: false,
		models.ParameterTypeString:  "",
		models.ParameterTypeJSON:    map[string]any{},
	}
	for typ, want := range cases {
		p := compileParameter(t, models.ParameterDefinition{Key: "k", JSONPath: "k", Type: typ})
		if got := p.ResolvedDefaultValue(); !reflect.DeepEqual(got, want) {
			t.Fatalf("%s: expected %#v, got %#v", typ, want, got)
		}
	}

	explicit := compileParameter(t, models.ParameterDefinition{Key: "k", JSONPath: "k", Type: models.ParameterTypeInteger, DefaultValue: datatypes.JSON(`5`)})
	if got := explicit.ResolvedDefaultValue(); got != 5.0 {
		t.Fatalf("expected explicit default 5, got %#v", got)
	}
}

func TestPlaceValueRoundTrip(t *testing.T) {
	original := map[string]any{
		"meta":   map[string]any{"fw": "1.2.0"},
		"sensor": map[string]any{"unit": "C"},
	}
	params := []*Parameter{
		compileParameter(t, models.ParameterDefinition{Key: "temp", JSONPath: "$.sensor.temp", Type: models.ParameterTypeDecimal}),
		compileParameter(t, models.ParameterDefinition{Key: "mode", JSONPath: "control.mode", Type: models.ParameterTypeString}),
		compileParameter(t, models.ParameterDefinition{Key: "on", JSONPath: "on", Type: models.ParameterTypeBoolean}),
	}
	values := map[string]any{"temp": 22.5, "mode": "auto", "on": true}

	payload := original
	for _, p := range params {
		payload = p.PlaceValue(payload, values[p.Key()])
	}

	for _, p := range params {
		if got := p.ExtractValue(payload); !reflect.DeepEqual(got, values[p.Key()]) {
			t.Fatalf("%s: expected %v, got %v", p.Key(), values[p.Key()], got)
		}
	}
	if Extract(payload, "meta.fw") != "1.2.0" || Extract(payload, "sensor.unit") != "C" {
		t.Fatalf("unrelated keys disturbed: %v", payload)
	}
	if _, leaked := original["sensor"].(map[string]any)["temp"]; leaked {
		t.Fatalf("input payload was modified")
	}
}

func TestCompilePatternModifiers(t *testing.T) {
	if _, errCompile := CompilePattern("/abc/x"); errCompile == nil {
		t.Fatalf("expected error for unsupported modifier")
	}
	re, errCompile := CompilePattern("^[a-z]+$")
	if errCompile != nil || !re.MatchString("abc") {
		t.Fatalf("expected bare pattern to compile and match: %v", errCompile)
	}
	re, errCompile = CompilePattern("#^dev-\\d+$#")
	if errCompile != nil || !re.MatchString("dev-12") {
		t.Fatalf("expected hash-delimited pattern to match: %v", errCompile)
	}
}
