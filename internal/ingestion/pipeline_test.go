package ingestion

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"

	"github.com/router-for-me/TelemetryHub/internal/config"
	"github.com/router-for-me/TelemetryHub/internal/models"
)

func decodeMap(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	if len(raw) == 0 {
		return nil
	}
	var out map[string]any
	if errUnmarshal := json.Unmarshal(raw, &out); errUnmarshal != nil {
		t.Fatalf("decode json %s: %v", raw, errUnmarshal)
	}
	return out
}

func TestIngestProcessesTelemetry(t *testing.T) {
	f := setupFixture(t)
	p := f.pipeline(testFlags())

	message, errIngest := p.Ingest(context.Background(), envelope("m-1", map[string]any{"temp": 10.0}))
	if errIngest != nil {
		t.Fatalf("ingest: %v", errIngest)
	}
	if message == nil || message.Status != models.IngestionStatusCompleted {
		t.Fatalf("expected completed message, got %+v", message)
	}
	if message.DeviceID == nil || *message.DeviceID != f.device.ID {
		t.Fatalf("expected device to be resolved, got %+v", message.DeviceID)
	}

	logs := f.telemetryLogs(t)
	if len(logs) != 1 {
		t.Fatalf("expected one telemetry log, got %d", len(logs))
	}
	if logs[0].ProcessingState != models.ProcessingStateProcessed {
		t.Fatalf("expected processed, got %s", logs[0].ProcessingState)
	}
	mutated := decodeMap(t, logs[0].MutatedValues)
	if mutated["temp_c"] != 12.0 {
		t.Fatalf("expected mutated temp_c=12, got %v", mutated["temp_c"])
	}
	transformed := decodeMap(t, logs[0].TransformedValues)
	tempF, ok := transformed["temp_f"].(float64)
	if !ok || math.Abs(tempF-53.6) > 1e-9 {
		t.Fatalf("expected temp_f=53.6, got %v", transformed["temp_f"])
	}

	stages := f.stageLogs(t, message.ID)
	want := []models.IngestionStage{
		models.IngestionStageDedupe,
		models.IngestionStageLookup,
		models.IngestionStageValidate,
		models.IngestionStageMutate,
		models.IngestionStagePersist,
		models.IngestionStagePublish,
	}
	if len(stages) != len(want) {
		t.Fatalf("expected %d stage logs, got %d", len(want), len(stages))
	}
	for i, stage := range stages {
		if stage.Stage != want[i] || stage.Status != models.StageStatusCompleted {
			t.Fatalf("stage %d: expected %s completed, got %s %s", i, want[i], stage.Stage, stage.Status)
		}
		if stage.DurationMS == nil {
			t.Fatalf("stage %s: expected duration", stage.Stage)
		}
	}
	mutateStage := stages[3]
	changeSet := decodeMap(t, mutateStage.ChangeSet)
	if _, ok := changeSet["temp_c"]; !ok {
		t.Fatalf("expected temp_c in change set, got %v", changeSet)
	}
	if len(mutateStage.OutputSnapshot) == 0 {
		t.Fatalf("expected output snapshot when capture is enabled")
	}

	if f.hotState.calls != 1 || f.analytics.telemetry != 1 {
		t.Fatalf("expected one hot state write and one publish, got %d/%d", f.hotState.calls, f.analytics.telemetry)
	}
	if len(f.listener.logs) != 1 || f.listener.logs[0].ID != logs[0].ID {
		t.Fatalf("expected listener to receive the persisted log")
	}

	var device models.Device
	if errFind := f.db.First(&device, f.device.ID).Error; errFind != nil {
		t.Fatalf("reload device: %v", errFind)
	}
	if device.LastSeenAt == nil || device.ConnectionState != models.ConnectionStateOnline {
		t.Fatalf("expected device online with last_seen_at, got %q %v", device.ConnectionState, device.LastSeenAt)
	}
}

func TestIngestIsIdempotentPerMessageID(t *testing.T) {
	f := setupFixture(t)
	p := f.pipeline(testFlags())
	env := envelope("m-dup", map[string]any{"temp": 10.0})

	first, errFirst := p.Ingest(context.Background(), env)
	if errFirst != nil {
		t.Fatalf("first ingest: %v", errFirst)
	}
	env.Payload = map[string]any{"temp": 30.0}
	second, errSecond := p.Ingest(context.Background(), env)
	if errSecond != nil {
		t.Fatalf("second ingest: %v", errSecond)
	}

	if first.ID != second.ID {
		t.Fatalf("expected same message id, got %s and %s", first.ID, second.ID)
	}
	if second.Status != models.IngestionStatusDuplicate {
		t.Fatalf("expected duplicate status, got %s", second.Status)
	}
	if stored := f.storedMessage(t, first.ID); stored.Status != models.IngestionStatusCompleted {
		t.Fatalf("expected stored message to stay completed, got %s", stored.Status)
	}
	if logs := f.telemetryLogs(t); len(logs) != 1 {
		t.Fatalf("expected exactly one telemetry log, got %d", len(logs))
	}
	if f.hotState.calls != 1 || f.analytics.telemetry != 1 {
		t.Fatalf("expected side effects once, got hot=%d analytics=%d", f.hotState.calls, f.analytics.telemetry)
	}
	if stages := f.stageLogs(t, first.ID); len(stages) != 6 {
		t.Fatalf("expected duplicate to add no stage logs, got %d", len(stages))
	}

	var count int64
	if errCount := f.db.Model(&models.IngestionMessage{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count messages: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("expected one message row, got %d", count)
	}
}

func TestIngestWithoutMessageIDFingerprintsPayload(t *testing.T) {
	f := setupFixture(t)
	p := f.pipeline(testFlags())

	first, _ := p.Ingest(context.Background(), envelope("", map[string]any{"temp": 11.0}))
	second, _ := p.Ingest(context.Background(), envelope("", map[string]any{"temp": 11.0}))
	third, _ := p.Ingest(context.Background(), envelope("", map[string]any{"temp": 12.0}))

	if first.ID != second.ID || second.Status != models.IngestionStatusDuplicate {
		t.Fatalf("expected identical payload to be a duplicate")
	}
	if third.ID == first.ID || third.Status != models.IngestionStatusCompleted {
		t.Fatalf("expected a different payload to be processed, got %s", third.Status)
	}
}

func TestIngestValidationShortCircuits(t *testing.T) {
	f := setupFixture(t)
	flags := testFlags()
	flags.CaptureStageSnapshots = false
	p := f.pipeline(flags)

	message, errIngest := p.Ingest(context.Background(), envelope("m-invalid", map[string]any{"meta": map[string]any{"status": "ok"}}))
	if errIngest != nil {
		t.Fatalf("ingest: %v", errIngest)
	}
	if message.Status != models.IngestionStatusFailedValidation {
		t.Fatalf("expected failed_validation, got %s", message.Status)
	}

	logs := f.telemetryLogs(t)
	if len(logs) != 1 {
		t.Fatalf("expected one telemetry log, got %d", len(logs))
	}
	if logs[0].ProcessingState != models.ProcessingStateInvalid {
		t.Fatalf("expected invalid state, got %s", logs[0].ProcessingState)
	}
	if logs[0].ValidationStatus != models.ValidationStatusInvalid {
		t.Fatalf("expected critical failure to be invalid, got %s", logs[0].ValidationStatus)
	}
	if len(logs[0].MutatedValues) != 0 {
		t.Fatalf("expected mutated values to stay null, got %s", logs[0].MutatedValues)
	}
	validationErrors := decodeMap(t, logs[0].ValidationErrors)
	tempErr, _ := validationErrors["temp_c"].(map[string]any)
	if tempErr["error_code"] != "required" || tempErr["is_critical"] != true {
		t.Fatalf("expected required critical error, got %v", validationErrors)
	}

	if f.hotState.calls != 0 || f.analytics.telemetry != 0 {
		t.Fatalf("expected no side effects, got hot=%d analytics=%d", f.hotState.calls, f.analytics.telemetry)
	}
	if f.analytics.invalid != 1 {
		t.Fatalf("expected one invalid event, got %d", f.analytics.invalid)
	}
	if len(f.listener.logs) != 0 {
		t.Fatalf("expected listener not to fire for invalid telemetry")
	}

	summary := decodeMap(t, f.storedMessage(t, message.ID).ErrorSummary)
	if _, ok := summary["validation_errors"]; !ok {
		t.Fatalf("expected validation errors in summary, got %v", summary)
	}
	for _, stage := range f.stageLogs(t, message.ID) {
		if len(stage.InputSnapshot) != 0 || len(stage.OutputSnapshot) != 0 {
			t.Fatalf("stage %s: expected no snapshots when capture is disabled", stage.Stage)
		}
		if stage.Stage == models.IngestionStageValidate && len(stage.Errors) == 0 {
			t.Fatalf("expected validate stage to carry errors")
		}
	}
}

func TestIngestInactiveDeviceIsSkipped(t *testing.T) {
	f := setupFixture(t)
	if errUpdate := f.db.Model(&models.Device{}).Where("id = ?", f.device.ID).Update("is_active", false).Error; errUpdate != nil {
		t.Fatalf("deactivate device: %v", errUpdate)
	}
	p := f.pipeline(testFlags())

	message, errIngest := p.Ingest(context.Background(), envelope("m-inactive", map[string]any{"temp": 10.0}))
	if errIngest != nil {
		t.Fatalf("ingest: %v", errIngest)
	}
	if message.Status != models.IngestionStatusInactiveSkipped {
		t.Fatalf("expected inactive_skipped, got %s", message.Status)
	}
	logs := f.telemetryLogs(t)
	if len(logs) != 1 || logs[0].ProcessingState != models.ProcessingStateInactiveSkipped {
		t.Fatalf("expected one inactive_skipped telemetry log, got %+v", logs)
	}
	if len(logs[0].MutatedValues) != 0 {
		t.Fatalf("expected no mutated values for inactive device")
	}
	if f.hotState.calls != 0 || f.analytics.telemetry != 0 || f.analytics.invalid != 0 || len(f.listener.logs) != 0 {
		t.Fatalf("expected zero downstream side effects")
	}
}

func TestIngestPublishFailureIsTerminal(t *testing.T) {
	f := setupFixture(t)
	f.hotState.err = errHotStateDown
	p := f.pipeline(testFlags())

	message, errIngest := p.Ingest(context.Background(), envelope("m-publish", map[string]any{"temp": 10.0}))
	if errIngest != nil {
		t.Fatalf("ingest: %v", errIngest)
	}
	if message.Status != models.IngestionStatusFailedTerminal {
		t.Fatalf("expected failed_terminal, got %s", message.Status)
	}
	logs := f.telemetryLogs(t)
	if len(logs) != 1 || logs[0].ProcessingState != models.ProcessingStatePublishFailed {
		t.Fatalf("expected publish_failed telemetry log, got %+v", logs)
	}

	summary := decodeMap(t, f.storedMessage(t, message.ID).ErrorSummary)
	if summary["reason"] != ReasonPublishFailed {
		t.Fatalf("expected publish_failed reason, got %v", summary["reason"])
	}
	errs, _ := summary["errors"].(map[string]any)
	if errs[SideEffectHotState] != errHotStateDown.Error() {
		t.Fatalf("expected hot_state error, got %v", errs)
	}
	if f.analytics.telemetry != 1 {
		t.Fatalf("expected analytics to be attempted despite hot state failure")
	}

	stages := f.stageLogs(t, message.ID)
	publish := stages[len(stages)-1]
	if publish.Stage != models.IngestionStagePublish || publish.Status != models.StageStatusFailed {
		t.Fatalf("expected failed publish stage, got %s %s", publish.Stage, publish.Status)
	}
	if _, ok := decodeMap(t, publish.Errors)[SideEffectHotState]; !ok {
		t.Fatalf("expected publish stage to carry the hot_state error")
	}
}

func TestIngestAnalyticsFlagOnlySuppressesAnalytics(t *testing.T) {
	f := setupFixture(t)
	flags := testFlags()
	flags.PublishAnalytics = false
	p := f.pipeline(flags)

	message, errIngest := p.Ingest(context.Background(), envelope("m-flag", map[string]any{"temp": 10.0}))
	if errIngest != nil {
		t.Fatalf("ingest: %v", errIngest)
	}
	if message.Status != models.IngestionStatusCompleted {
		t.Fatalf("expected completed, got %s", message.Status)
	}
	if f.hotState.calls != 1 || f.analytics.telemetry != 0 {
		t.Fatalf("expected hot state only, got hot=%d analytics=%d", f.hotState.calls, f.analytics.telemetry)
	}
}

func TestIngestDisabledCreatesNothing(t *testing.T) {
	f := setupFixture(t)

	disabled := testFlags()
	disabled.Enabled = false
	otherDriver := testFlags()
	otherDriver.Driver = "legacy"

	for _, flags := range []config.PipelineConfig{disabled, otherDriver} {
		message, errIngest := f.pipeline(flags).Ingest(context.Background(), envelope("m-off", map[string]any{"temp": 10.0}))
		if errIngest != nil || message != nil {
			t.Fatalf("expected nil result, got %+v %v", message, errIngest)
		}
	}
	var count int64
	if errCount := f.db.Model(&models.IngestionMessage{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count messages: %v", errCount)
	}
	if count != 0 {
		t.Fatalf("expected no messages, got %d", count)
	}
}

func TestIngestUnknownTopicFailsLookup(t *testing.T) {
	f := setupFixture(t)
	p := f.pipeline(testFlags())

	env := envelope("m-unknown", map[string]any{"temp": 10.0})
	env.MQTTTopic = "sensors/ghost/telemetry"
	message, errIngest := p.Ingest(context.Background(), env)
	if errIngest != nil {
		t.Fatalf("ingest: %v", errIngest)
	}
	if message.Status != models.IngestionStatusFailedTerminal {
		t.Fatalf("expected failed_terminal, got %s", message.Status)
	}
	summary := decodeMap(t, f.storedMessage(t, message.ID).ErrorSummary)
	if summary["reason"] != ReasonTopicNotRegistered {
		t.Fatalf("expected topic_not_registered, got %v", summary["reason"])
	}
	stages := f.stageLogs(t, message.ID)
	last := stages[len(stages)-1]
	if last.Stage != models.IngestionStageLookup || last.Status != models.StageStatusFailed {
		t.Fatalf("expected failed lookup stage, got %s %s", last.Stage, last.Status)
	}
	if logs := f.telemetryLogs(t); len(logs) != 0 {
		t.Fatalf("expected no telemetry logs, got %d", len(logs))
	}
}

func TestIngestConcurrentReplaysProduceOneSideEffect(t *testing.T) {
	f := setupFixture(t)
	sqlDB, errDB := f.db.DB()
	if errDB != nil {
		t.Fatalf("sql db: %v", errDB)
	}
	sqlDB.SetMaxOpenConns(1)
	p := f.pipeline(testFlags())

	const workers = 8
	var wg sync.WaitGroup
	statuses := make([]models.IngestionStatus, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			message, errIngest := p.Ingest(context.Background(), envelope("m-race", map[string]any{"temp": 10.0}))
			errs[i] = errIngest
			if message != nil {
				statuses[i] = message.Status
			}
		}(i)
	}
	wg.Wait()

	duplicates := 0
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if statuses[i] == models.IngestionStatusDuplicate {
			duplicates++
		}
	}
	if duplicates != workers-1 {
		t.Fatalf("expected %d duplicates, got %d (%v)", workers-1, duplicates, statuses)
	}
	if logs := f.telemetryLogs(t); len(logs) != 1 {
		t.Fatalf("expected one telemetry log, got %d", len(logs))
	}
	var messages int64
	if errCount := f.db.Model(&models.IngestionMessage{}).Count(&messages).Error; errCount != nil {
		t.Fatalf("count messages: %v", errCount)
	}
	if messages != 1 {
		t.Fatalf("expected one stored message, got %d", messages)
	}
	if f.hotState.calls != 1 || f.analytics.telemetry != 1 || len(f.listener.logs) != 1 {
		t.Fatalf("expected one side effect each, got hot=%d analytics=%d listener=%d", f.hotState.calls, f.analytics.telemetry, len(f.listener.logs))
	}
}
