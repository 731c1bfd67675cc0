package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/router-for-me/TelemetryHub/internal/models"
	"gorm.io/gorm"
)

func seedTelemetryAt(t *testing.T, conn *gorm.DB, p plant, id string, tempC float64, at time.Time) *models.DeviceTelemetryLog {
	t.Helper()
	telemetryLog := seedTelemetryLog(t, conn, p, id, tempC)
	if errUpdate := conn.Model(telemetryLog).Update("recorded_at", at).Error; errUpdate != nil {
		t.Fatalf("move telemetry log %s: %v", id, errUpdate)
	}
	telemetryLog.RecordedAt = at
	return telemetryLog
}

func queryGraph(p plant, queryConfig, logic string) string {
	command := fmt.Sprintf(`{"target":{"device_id":%d,"topic_id":%d},"payload":{"fan":true}}`, p.device.ID, p.control.ID)
	return fmt.Sprintf(`{
		"nodes": [
			{"id":"trigger-1","type":"telemetry-trigger","data":{"config":{"mode":"event","source":{"device_id":%d,"topic_id":%d,"parameter_definition_id":%d}}}},
			{"id":"avg-1h","type":"query","data":{"config":%s}},
			{"id":"cond-1","type":"condition","data":{"config":{"json_logic":%s}}},
			{"id":"cmd-1","type":"command","data":{"config":%s}}
		],
		"edges": [
			{"source":"trigger-1","target":"avg-1h"},
			{"source":"avg-1h","target":"cond-1"},
			{"source":"cond-1","target":"cmd-1"}
		]
	}`, p.device.ID, p.telemetry.ID, p.temperature.ID, queryConfig, logic, command)
}

func TestQueryNodeFeedsWindowAggregateToCondition(t *testing.T) {
	conn := openTestDB(t)
	p := seedPlant(t, conn)
	noon := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedTelemetryAt(t, conn, p, "log-1140", 10, noon.Add(-20*time.Minute))
	seedTelemetryAt(t, conn, p, "log-1150", 20, noon.Add(-10*time.Minute))
	seedTelemetryAt(t, conn, p, "log-1000", 500, noon.Add(-2*time.Hour))
	current := seedTelemetryAt(t, conn, p, "log-1200", 30, noon)

	queryConfig := fmt.Sprintf(`{"aggregate":"avg","window":{"size":1,"unit":"hour"},"source":{"device_id":%d,"topic_id":"%d","parameter_definition_id":%d}}`, p.device.ID, p.telemetry.ID, p.temperature.ID)
	version := seedWorkflow(t, conn, "rolling-average", queryGraph(p, queryConfig, `{">":[{"var":"queries.avg-1h.value"},15]}`))

	mqtt := &fakeMQTT{}
	run, errRun := newTestRunner(conn, mqtt, nil).StartTelemetryRun(context.Background(), version.ID, current.ID, "")
	if errRun != nil {
		t.Fatalf("run: %v", errRun)
	}
	if stored := loadRun(t, conn, run.ID); stored.Status != models.RunStatusCompleted {
		t.Fatalf("expected completed run, got %s %s", stored.Status, stored.ErrorSummary)
	}
	steps := loadSteps(t, conn, run.ID)
	if len(steps) != 4 {
		t.Fatalf("expected four steps, got %d", len(steps))
	}
	if steps[1].NodeType != NodeQuery || steps[1].Status != models.StepStatusCompleted {
		t.Fatalf("expected completed query step, got %s %s", steps[1].NodeType, steps[1].Status)
	}
	var output map[string]any
	_ = json.Unmarshal(steps[1].OutputSnapshot, &output)
	if output["value"] != 20.0 || output["sample_count"] != 3.0 || output["aggregate"] != AggregateAvg {
		t.Fatalf("unexpected query output %v", output)
	}
	window, _ := output["window"].(map[string]any)
	if window["start"] != "2026-03-01T11:00:00Z" || window["end"] != "2026-03-01T12:00:00Z" {
		t.Fatalf("unexpected window %v", window)
	}
	var condition map[string]any
	_ = json.Unmarshal(steps[2].OutputSnapshot, &condition)
	if condition["passed"] != true {
		t.Fatalf("expected condition on the aggregate to pass, got %v", condition)
	}
	if steps[3].Status != models.StepStatusCompleted || len(mqtt.topics) != 1 {
		t.Fatalf("expected one dispatched command, got %s %v", steps[3].Status, mqtt.topics)
	}
}

func TestQueryNodeAggregates(t *testing.T) {
	conn := openTestDB(t)
	p := seedPlant(t, conn)
	noon := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedTelemetryAt(t, conn, p, "log-a", 4, noon.Add(-3*time.Minute))
	seedTelemetryAt(t, conn, p, "log-b", -2, noon.Add(-2*time.Minute))
	current := seedTelemetryAt(t, conn, p, "log-c", 7, noon)

	cases := map[string]float64{
		AggregateMin:   -2,
		AggregateMax:   7,
		AggregateSum:   9,
		AggregateCount: 3,
	}
	for aggregate, want := range cases {
		queryConfig := fmt.Sprintf(`{"aggregate":%q,"window":{"size":5,"unit":"minute"},"source":{"device_id":%d,"topic_id":%d,"parameter_definition_id":%d}}`, aggregate, p.device.ID, p.telemetry.ID, p.temperature.ID)
		logic := fmt.Sprintf(`{"==":[{"var":"query.value"},%v]}`, want)
		version := seedWorkflow(t, conn, "agg-"+aggregate, queryGraph(p, queryConfig, logic))
		run, errRun := newTestRunner(conn, &fakeMQTT{}, nil).StartTelemetryRun(context.Background(), version.ID, current.ID, "")
		if errRun != nil {
			t.Fatalf("%s: run: %v", aggregate, errRun)
		}
		steps := loadSteps(t, conn, run.ID)
		if len(steps) != 4 {
			t.Fatalf("%s: expected condition to pass and command to run, got %d steps", aggregate, len(steps))
		}
	}
}

func TestQueryNodeFailureFailsRun(t *testing.T) {
	conn := openTestDB(t)
	p := seedPlant(t, conn)
	current := seedTelemetryLog(t, conn, p, "log-now", 30)

	cases := map[string]string{
		"bad-unit":   fmt.Sprintf(`{"aggregate":"avg","window":{"size":1,"unit":"week"},"source":{"device_id":%d,"topic_id":%d,"parameter_definition_id":%d}}`, p.device.ID, p.telemetry.ID, p.temperature.ID),
		"control":    fmt.Sprintf(`{"aggregate":"avg","window":{"size":1,"unit":"hour"},"source":{"device_id":%d,"topic_id":%d,"parameter_definition_id":%d}}`, p.device.ID, p.control.ID, p.temperature.ID),
		"median":     fmt.Sprintf(`{"aggregate":"median","window":{"size":1,"unit":"hour"},"source":{"device_id":%d,"topic_id":%d,"parameter_definition_id":%d}}`, p.device.ID, p.telemetry.ID, p.temperature.ID),
		"foreign":    fmt.Sprintf(`{"aggregate":"avg","window":{"size":1,"unit":"hour"},"source":{"device_id":%d,"topic_id":%d,"parameter_definition_id":%d}}`, p.device.ID+100, p.telemetry.ID, p.temperature.ID),
		"empty-conf": `{}`,
	}
	wantReason := map[string]string{
		"bad-unit":   ReasonQueryConfigInvalid,
		"control":    ReasonQuerySourceInvalid,
		"median":     ReasonQueryConfigInvalid,
		"foreign":    ReasonQuerySourceInvalid,
		"empty-conf": ReasonQueryConfigInvalid,
	}
	for name, queryConfig := range cases {
		version := seedWorkflow(t, conn, "broken-"+name, queryGraph(p, queryConfig, `true`))
		run, errRun := newTestRunner(conn, &fakeMQTT{}, nil).StartTelemetryRun(context.Background(), version.ID, current.ID, "")
		if errRun != nil {
			t.Fatalf("%s: run: %v", name, errRun)
		}
		stored := loadRun(t, conn, run.ID)
		if stored.Status != models.RunStatusFailed || errorReason(stored.ErrorSummary) != ReasonNodeExecutionFailed {
			t.Fatalf("%s: expected failed run, got %s %s", name, stored.Status, stored.ErrorSummary)
		}
		steps := loadSteps(t, conn, run.ID)
		if len(steps) != 2 || steps[1].Status != models.StepStatusFailed || errorReason(steps[1].Error) != wantReason[name] {
			t.Fatalf("%s: expected failed query step with %s, got %+v", name, wantReason[name], steps)
		}
	}
}

func TestAggregateSamplesWithoutData(t *testing.T) {
	if _, ok := aggregateSamples(AggregateAvg, nil); ok {
		t.Fatalf("expected avg over no samples to be undefined")
	}
	if value, ok := aggregateSamples(AggregateCount, nil); !ok || value != 0 {
		t.Fatalf("expected count over no samples to be 0, got %v %v", value, ok)
	}
	if _, ok := sampleNumber(true); ok {
		t.Fatalf("expected booleans not to count as samples")
	}
	if value, ok := sampleNumber(" 12.5 "); !ok || value != 12.5 {
		t.Fatalf("expected numeric string sample, got %v %v", value, ok)
	}
}
