package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	internaldb "github.com/router-for-me/TelemetryHub/internal/db"
	"github.com/router-for-me/TelemetryHub/internal/devicecontrol"
	"github.com/router-for-me/TelemetryHub/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const testOrgID = uint64(7)

type plant struct {
	device      *models.Device
	telemetry   *models.SchemaVersionTopic
	control     *models.SchemaVersionTopic
	temperature *models.ParameterDefinition
}

type fakeMQTT struct {
	mu     sync.Mutex
	topics []string
	err    error
}

func (f *fakeMQTT) Publish(_ context.Context, topic string, _ []byte, _ byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return f.err
}

type fakeEnqueuer struct {
	mu       sync.Mutex
	requests []RunRequest
	err      error
}

func (f *fakeEnqueuer) EnqueueRun(_ context.Context, req RunRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, req)
	return nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:automation_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := internaldb.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return conn
}

func mustCreate(t *testing.T, conn *gorm.DB, value any) {
	t.Helper()
	if errCreate := conn.Create(value).Error; errCreate != nil {
		t.Fatalf("create %T: %v", value, errCreate)
	}
}

// seedPlant creates a boiler device publishing temp_c on "telemetry" and accepting commands on "control".
func seedPlant(t *testing.T, conn *gorm.DB) plant {
	t.Helper()
	deviceType := &models.DeviceType{Key: "boiler", Name: "Boiler", ProtocolConfig: datatypes.JSON(`{"base_topic":"plant"}`)}
	mustCreate(t, conn, deviceType)
	deviceSchema := &models.DeviceSchema{DeviceTypeID: deviceType.ID, Name: "Boiler v1"}
	mustCreate(t, conn, deviceSchema)
	version := &models.DeviceSchemaVersion{DeviceSchemaID: deviceSchema.ID, Version: 1, Status: models.SchemaVersionStatusActive}
	mustCreate(t, conn, version)
	telemetry := &models.SchemaVersionTopic{DeviceSchemaVersionID: version.ID, Key: "telemetry", Label: "Telemetry", Direction: models.TopicDirectionPublish, Suffix: "telemetry", QoS: 1}
	mustCreate(t, conn, telemetry)
	control := &models.SchemaVersionTopic{DeviceSchemaVersionID: version.ID, Key: "control", Label: "Control", Direction: models.TopicDirectionSubscribe, Suffix: "control", QoS: 1}
	mustCreate(t, conn, control)
	temperature := &models.ParameterDefinition{DeviceSchemaVersionID: version.ID, SchemaVersionTopicID: telemetry.ID, Key: "temp_c", JSONPath: "$.temp_c", Type: models.ParameterTypeDecimal, IsActive: true}
	mustCreate(t, conn, temperature)
	mustCreate(t, conn, &models.ParameterDefinition{DeviceSchemaVersionID: version.ID, SchemaVersionTopicID: control.ID, Key: "fan", JSONPath: "$.fan", Type: models.ParameterTypeBoolean, IsActive: true})

	externalID := "boiler-1"
	versionID := version.ID
	device := &models.Device{
		OrganizationID:        testOrgID,
		DeviceTypeID:          deviceType.ID,
		DeviceSchemaVersionID: &versionID,
		UUID:                  "0b8f3c1e-7a52-4c1f-9d0e-2f3a4b5c6d7e",
		Name:                  "Boiler",
		ExternalID:            &externalID,
		IsActive:              true,
	}
	mustCreate(t, conn, device)
	return plant{device: device, telemetry: telemetry, control: control, temperature: temperature}
}

type graphOptions struct {
	conditionLogic string
	commandConfig  string
	filter         string
}

func thresholdGraph(p plant, opts graphOptions) string {
	logic := opts.conditionLogic
	if logic == "" {
		logic = `{">":[{"var":"trigger.value"},100]}`
	}
	command := opts.commandConfig
	if command == "" {
		command = fmt.Sprintf(`{"target":{"device_id":%d,"topic_id":"%d"},"payload":{"fan":true}}`, p.device.ID, p.control.ID)
	}
	filter := ""
	if opts.filter != "" {
		filter = `,"filter":` + opts.filter
	}
	return fmt.Sprintf(`{
		"version": 1,
		"nodes": [
			{"id":"trigger-1","type":"telemetry-trigger","data":{"config":{"mode":"event","source":{"device_id":%d,"topic_id":%d,"parameter_definition_id":%d}%s}}},
			{"id":"cond-1","type":"condition","data":{"config":{"json_logic":%s}}},
			{"id":"cmd-1","type":"command","data":{"config":%s}}
		],
		"edges": [
			{"source":"trigger-1","target":"cond-1"},
			{"source":"cond-1","target":"cmd-1"}
		]
	}`, p.device.ID, p.telemetry.ID, p.temperature.ID, filter, logic, command)
}

// seedWorkflow creates a draft workflow with one unpublished version.
func seedWorkflow(t *testing.T, conn *gorm.DB, slug, graph string) *models.AutomationWorkflowVersion {
	t.Helper()
	workflow := &models.AutomationWorkflow{OrganizationID: testOrgID, Name: slug, Slug: slug, Status: models.WorkflowStatusDraft}
	mustCreate(t, conn, workflow)
	version := &models.AutomationWorkflowVersion{AutomationWorkflowID: workflow.ID, Version: 1, GraphJSON: datatypes.JSON(graph)}
	mustCreate(t, conn, version)
	return version
}

func publish(t *testing.T, conn *gorm.DB, versionID uint64) {
	t.Helper()
	if _, errPublish := NewPublisher(conn).PublishVersion(context.Background(), versionID); errPublish != nil {
		t.Fatalf("publish version %d: %v", versionID, errPublish)
	}
}

func seedTelemetryLog(t *testing.T, conn *gorm.DB, p plant, id string, tempC float64) *models.DeviceTelemetryLog {
	t.Helper()
	values, _ := json.Marshal(map[string]any{"temp_c": tempC})
	topicID := p.telemetry.ID
	telemetryLog := &models.DeviceTelemetryLog{
		ID:                    id,
		DeviceID:              p.device.ID,
		DeviceSchemaVersionID: p.device.DeviceSchemaVersionID,
		SchemaVersionTopicID:  &topicID,
		ValidationStatus:      models.ValidationStatusValid,
		ProcessingState:       models.ProcessingStateProcessed,
		RawPayload:            datatypes.JSON(values),
		MutatedValues:         datatypes.JSON(values),
		TransformedValues:     datatypes.JSON(values),
		RecordedAt:            time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	mustCreate(t, conn, telemetryLog)
	return telemetryLog
}

func newTestRunner(conn *gorm.DB, mqtt *fakeMQTT, flags FlagSource) *Runner {
	dispatcher := devicecontrol.NewDispatcher(conn, mqtt, nil)
	return NewRunner(conn, NewExecutor(conn, dispatcher, flags), nil)
}

func loadSteps(t *testing.T, conn *gorm.DB, runID uint64) []models.AutomationRunStep {
	t.Helper()
	var steps []models.AutomationRunStep
	if errFind := conn.Where("automation_run_id = ?", runID).Order("id ASC").Find(&steps).Error; errFind != nil {
		t.Fatalf("load steps: %v", errFind)
	}
	return steps
}

func loadRun(t *testing.T, conn *gorm.DB, runID uint64) models.AutomationRun {
	t.Helper()
	var run models.AutomationRun
	if errFind := conn.First(&run, runID).Error; errFind != nil {
		t.Fatalf("load run: %v", errFind)
	}
	return run
}

func errorReason(raw datatypes.JSON) string {
	var summary map[string]any
	if errUnmarshal := json.Unmarshal(raw, &summary); errUnmarshal != nil {
		return ""
	}
	reason, _ := summary["reason"].(string)
	return reason
}

var errBrokerDown = errors.New("not authorized")
