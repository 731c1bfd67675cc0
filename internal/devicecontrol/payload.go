package devicecontrol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/router-for-me/TelemetryHub/internal/schema"
)

// ErrPayloadNotObject is returned when a command payload does not decode to a JSON object.
var ErrPayloadNotObject = errors.New("devicecontrol: payload must be a JSON object")

// BuildSchemaPayload places a value for every parameter, using its default when values has none.
func BuildSchemaPayload(parameters []*schema.Parameter, values map[string]any) map[string]any {
	payload := map[string]any{}
	for _, parameter := range parameters {
		value, ok := values[parameter.Key()]
		if !ok {
			value = parameter.ResolvedDefaultValue()
		}
		payload = parameter.PlaceValue(payload, value)
	}
	return payload
}

// ParseRawPayload decodes a raw JSON command body.
func ParseRawPayload(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var decoded any
	if errUnmarshal := json.Unmarshal([]byte(raw), &decoded); errUnmarshal != nil {
		return nil, fmt.Errorf("devicecontrol: parse payload: %w", errUnmarshal)
	}
	payload, ok := decoded.(map[string]any)
	if !ok {
		return nil, ErrPayloadNotObject
	}
	return payload, nil
}

// ValidatePayload checks payload against the topic parameters and returns the failures by key.
func ValidatePayload(parameters []*schema.Parameter, payload map[string]any) map[string]schema.ValidationResult {
	failures := map[string]schema.ValidationResult{}
	for _, parameter := range parameters {
		result := parameter.ValidateValue(parameter.ExtractValue(payload))
		if !result.Valid {
			failures[parameter.Key()] = result
		}
	}
	return failures
}
