package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/router-for-me/TelemetryHub/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// Query aggregates.
const (
	AggregateAvg   = "avg"
	AggregateMin   = "min"
	AggregateMax   = "max"
	AggregateSum   = "sum"
	AggregateCount = "count"
)

// Query node step reasons.
const (
	ReasonQueryConfigMissing = "query_config_missing"
	ReasonQueryConfigInvalid = "query_config_invalid"
	ReasonQuerySourceInvalid = "query_source_invalid"
	ReasonQueryNoData        = "query_no_data"
	ReasonQueryFailed        = "query_execution_failed"
)

const maxQuerySamples = 10000

// runQuery aggregates the configured parameter over the window and returns the execution
// context for downstream nodes with the result under "query" and "queries.<node id>".
func (e *Executor) runQuery(ctx context.Context, exec *execution, node Node, execCtx map[string]any) (map[string]any, map[string]any, map[string]any) {
	cfg, ok := decodeConfig[QueryConfig](node)
	if !ok {
		return execCtx, map[string]any{}, map[string]any{"reason": ReasonQueryConfigMissing}
	}
	aggregate := strings.ToLower(strings.TrimSpace(cfg.Aggregate))
	if aggregate == "" {
		aggregate = AggregateAvg
	}
	span, okWindow := windowDuration(cfg.Window.Size, cfg.Window.Unit)
	switch {
	case !validAggregate(aggregate):
		return execCtx, map[string]any{}, map[string]any{"reason": ReasonQueryConfigInvalid, "message": fmt.Sprintf("unsupported aggregate %q", cfg.Aggregate)}
	case !okWindow:
		return execCtx, map[string]any{}, map[string]any{"reason": ReasonQueryConfigInvalid, "message": "window needs a positive size and a minute, hour or day unit"}
	case cfg.Source.DeviceID == 0 || cfg.Source.TopicID == 0 || cfg.Source.ParameterDefinitionID == 0:
		return execCtx, map[string]any{}, map[string]any{"reason": ReasonQueryConfigInvalid, "message": "source needs device_id, topic_id and parameter_definition_id"}
	}

	var device models.Device
	if errDevice := e.db.WithContext(ctx).Where("organization_id = ?", exec.run.OrganizationID).First(&device, uint64(cfg.Source.DeviceID)).Error; errDevice != nil || device.DeviceSchemaVersionID == nil {
		return execCtx, map[string]any{}, map[string]any{"reason": ReasonQuerySourceInvalid, "message": "device not found"}
	}
	var topic models.SchemaVersionTopic
	errTopic := e.db.WithContext(ctx).
		Where("id = ? AND device_schema_version_id = ? AND direction = ?", uint64(cfg.Source.TopicID), *device.DeviceSchemaVersionID, models.TopicDirectionPublish).
		First(&topic).Error
	if errTopic != nil {
		return execCtx, map[string]any{}, map[string]any{"reason": ReasonQuerySourceInvalid, "message": "publish topic not found on the device schema"}
	}
	var definition models.ParameterDefinition
	errDefinition := e.db.WithContext(ctx).
		Where("id = ? AND schema_version_topic_id = ? AND is_active = ?", uint64(cfg.Source.ParameterDefinitionID), topic.ID, true).
		First(&definition).Error
	if errDefinition != nil {
		return execCtx, map[string]any{}, map[string]any{"reason": ReasonQuerySourceInvalid, "message": "active parameter not found on the topic"}
	}

	end := windowEnd(execCtx, e.now())
	start := end.Add(-span)
	var rows []datatypes.JSON
	errRows := e.db.WithContext(ctx).Model(&models.DeviceTelemetryLog{}).
		Where("device_id = ? AND schema_version_topic_id = ? AND recorded_at >= ? AND recorded_at <= ?", device.ID, topic.ID, start, end).
		Order("recorded_at DESC").
		Limit(maxQuerySamples).
		Pluck("transformed_values", &rows).Error
	if errRows != nil {
		return execCtx, map[string]any{}, map[string]any{"reason": ReasonQueryFailed, "message": errRows.Error()}
	}

	samples := make([]float64, 0, len(rows))
	for _, raw := range rows {
		values := map[string]any{}
		if len(raw) == 0 || json.Unmarshal(raw, &values) != nil {
			continue
		}
		if number, ok := sampleNumber(triggerValue(values, definition)); ok {
			samples = append(samples, number)
		}
	}

	result := map[string]any{
		"aggregate":    aggregate,
		"sample_count": len(samples),
		"window": map[string]any{
			"start": start.Format(time.RFC3339),
			"end":   end.Format(time.RFC3339),
			"size":  cfg.Window.Size,
			"unit":  strings.ToLower(strings.TrimSpace(cfg.Window.Unit)),
		},
		"source": map[string]any{
			"device_id":               device.ID,
			"topic_id":                topic.ID,
			"parameter_definition_id": definition.ID,
			"parameter_key":           definition.Key,
		},
	}
	value, okValue := aggregateSamples(aggregate, samples)
	if !okValue {
		return execCtx, result, map[string]any{"reason": ReasonQueryNoData, "message": "no numeric samples in window"}
	}
	result["value"] = value

	log.WithFields(log.Fields{
		"run_correlation_id": exec.runCorrelationID,
		"node_id":            node.ID,
		"aggregate":          aggregate,
		"query_value":        value,
		"sample_count":       len(samples),
	}).Info("automation: query node executed")
	return withQueryResult(execCtx, node.ID, result), result, nil
}

func validAggregate(aggregate string) bool {
	switch aggregate {
	case AggregateAvg, AggregateMin, AggregateMax, AggregateSum, AggregateCount:
		return true
	}
	return false
}

func windowDuration(size int, unit string) (time.Duration, bool) {
	if size <= 0 {
		return 0, false
	}
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "minute":
		return time.Duration(size) * time.Minute, true
	case "hour":
		return time.Duration(size) * time.Hour, true
	case "day":
		return time.Duration(size) * 24 * time.Hour, true
	}
	return 0, false
}

// windowEnd is the trigger's recorded_at or scheduled_for, falling back to now.
func windowEnd(execCtx map[string]any, now time.Time) time.Time {
	if trigger, ok := execCtx["trigger"].(map[string]any); ok {
		for _, key := range []string{"recorded_at", "scheduled_for"} {
			if raw, ok := trigger[key].(string); ok {
				if parsed, errParse := time.Parse(time.RFC3339, strings.TrimSpace(raw)); errParse == nil {
					return parsed.UTC()
				}
			}
		}
	}
	return now.UTC()
}

func sampleNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t) && !math.IsInf(t, 0)
	case json.Number:
		f, errParse := t.Float64()
		return f, errParse == nil
	case string:
		f, errParse := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, errParse == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	return 0, false
}

func aggregateSamples(aggregate string, samples []float64) (float64, bool) {
	if aggregate == AggregateCount {
		return float64(len(samples)), true
	}
	if len(samples) == 0 {
		return 0, false
	}
	out := samples[0]
	sum := 0.0
	for _, sample := range samples {
		sum += sample
		switch aggregate {
		case AggregateMin:
			out = math.Min(out, sample)
		case AggregateMax:
			out = math.Max(out, sample)
		}
	}
	switch aggregate {
	case AggregateSum:
		return sum, true
	case AggregateAvg:
		return sum / float64(len(samples)), true
	}
	return out, true
}

func withQueryResult(execCtx map[string]any, nodeID string, result map[string]any) map[string]any {
	next := make(map[string]any, len(execCtx)+2)
	for key, value := range execCtx {
		next[key] = value
	}
	queries := map[string]any{}
	if previous, ok := execCtx["queries"].(map[string]any); ok {
		for key, value := range previous {
			queries[key] = value
		}
	}
	queries[nodeID] = result
	next["query"] = result
	next["queries"] = queries
	return next
}
