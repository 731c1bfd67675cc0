package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/router-for-me/TelemetryHub/internal/config"
	internaldb "github.com/router-for-me/TelemetryHub/internal/db"
	"github.com/router-for-me/TelemetryHub/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type fakeHotState struct {
	mu     sync.Mutex
	calls  int
	values map[string]any
	err    error
}

func (f *fakeHotState) Store(_ context.Context, _ *models.Device, _ *models.SchemaVersionTopic, values map[string]any, _ *models.IngestionMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.values = values
	return nil
}

type fakeAnalytics struct {
	mu        sync.Mutex
	telemetry int
	invalid   int
	err       error
}

func (f *fakeAnalytics) PublishTelemetry(context.Context, *models.Device, *models.SchemaVersionTopic, map[string]any, *models.IngestionMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.telemetry++
	return f.err
}

func (f *fakeAnalytics) PublishInvalid(context.Context, *models.Device, *models.SchemaVersionTopic, map[string]any, *models.IngestionMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalid++
	return nil
}

type fakeListener struct {
	mu   sync.Mutex
	logs []*models.DeviceTelemetryLog
}

func (f *fakeListener) TelemetryReceived(_ context.Context, telemetryLog *models.DeviceTelemetryLog) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, telemetryLog)
}

type fixture struct {
	db        *gorm.DB
	device    models.Device
	version   models.DeviceSchemaVersion
	topic     models.SchemaVersionTopic
	hotState  *fakeHotState
	analytics *fakeAnalytics
	listener  *fakeListener
}

func testFlags() config.PipelineConfig {
	flags := config.Default().Ingestion
	flags.Enabled = true
	flags.Driver = config.IngestionDriverNative
	flags.PublishAnalytics = true
	flags.PublishInvalidEvents = true
	flags.CaptureStageSnapshots = true
	return flags
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:ingestion_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := internaldb.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}

	deviceType := models.DeviceType{Key: "thermo", Name: "Thermometer", DefaultProtocol: "mqtt", ProtocolConfig: datatypes.JSON(`{"base_topic":"/sensors/"}`)}
	mustCreate(t, conn, &deviceType)
	deviceSchema := models.DeviceSchema{DeviceTypeID: deviceType.ID, Name: "Thermometer v1"}
	mustCreate(t, conn, &deviceSchema)
	version := models.DeviceSchemaVersion{DeviceSchemaID: deviceSchema.ID, Version: 1, Status: models.SchemaVersionStatusActive}
	mustCreate(t, conn, &version)
	topic := models.SchemaVersionTopic{DeviceSchemaVersionID: version.ID, Key: "telemetry", Label: "Telemetry", Direction: models.TopicDirectionPublish, Suffix: "telemetry"}
	mustCreate(t, conn, &topic)
	mustCreate(t, conn, &models.SchemaVersionTopic{DeviceSchemaVersionID: version.ID, Key: "control", Label: "Control", Direction: models.TopicDirectionSubscribe, Suffix: "control"})

	mustCreate(t, conn, &models.ParameterDefinition{
		DeviceSchemaVersionID: version.ID,
		SchemaVersionTopicID:  topic.ID,
		Key:                   "temp_c",
		JSONPath:              "$.temp",
		Type:                  models.ParameterTypeDecimal,
		Required:              true,
		IsCritical:            true,
		ValidationRules:       datatypes.JSON(`{"min":-40,"max":85}`),
		MutationExpression:    datatypes.JSON(`{"+":[{"var":"val"},2]}`),
		Sequence:              1,
		IsActive:              true,
	})
	mustCreate(t, conn, &models.ParameterDefinition{
		DeviceSchemaVersionID: version.ID,
		SchemaVersionTopicID:  topic.ID,
		Key:                   "status",
		JSONPath:              "meta.status",
		Type:                  models.ParameterTypeString,
		Sequence:              2,
		IsActive:              true,
	})
	mustCreate(t, conn, &models.DerivedParameterDefinition{
		DeviceSchemaVersionID: version.ID,
		Key:                   "temp_f",
		DataType:              models.ParameterTypeDecimal,
		Expression:            datatypes.JSON(`{"+":[{"*":[{"var":"temp_c"},1.8]},32]}`),
	})

	externalID := "dev-1"
	versionID := version.ID
	device := models.Device{
		OrganizationID:        42,
		DeviceTypeID:          deviceType.ID,
		DeviceSchemaVersionID: &versionID,
		UUID:                  "0b7c1f9e-6a55-4cf2-9f0e-2a8d3c1b7e10",
		Name:                  "Greenhouse sensor",
		ExternalID:            &externalID,
		IsActive:              true,
	}
	mustCreate(t, conn, &device)

	return &fixture{
		db:        conn,
		device:    device,
		version:   version,
		topic:     topic,
		hotState:  &fakeHotState{},
		analytics: &fakeAnalytics{},
		listener:  &fakeListener{},
	}
}

func mustCreate(t *testing.T, conn *gorm.DB, value any) {
	t.Helper()
	if errCreate := conn.Create(value).Error; errCreate != nil {
		t.Fatalf("create %T: %v", value, errCreate)
	}
}

func (f *fixture) pipeline(flags config.PipelineConfig) *Pipeline {
	return NewPipeline(f.db, NewResolver(f.db, time.Minute), StaticFlags(flags),
		WithHotState(f.hotState),
		WithAnalytics(f.analytics),
		WithListener(f.listener),
	)
}

func envelope(messageID string, payload map[string]any) Envelope {
	return Envelope{
		SourceSubject: "sensors.dev-1.telemetry",
		MQTTTopic:     "sensors/dev-1/telemetry",
		Payload:       payload,
		MessageID:     messageID,
		ReceivedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) telemetryLogs(t *testing.T) []models.DeviceTelemetryLog {
	t.Helper()
	var rows []models.DeviceTelemetryLog
	if errFind := f.db.Order("created_at ASC").Find(&rows).Error; errFind != nil {
		t.Fatalf("load telemetry logs: %v", errFind)
	}
	return rows
}

func (f *fixture) stageLogs(t *testing.T, messageID string) []models.IngestionStageLog {
	t.Helper()
	var rows []models.IngestionStageLog
	if errFind := f.db.Where("ingestion_message_id = ?", messageID).Order("id ASC").Find(&rows).Error; errFind != nil {
		t.Fatalf("load stage logs: %v", errFind)
	}
	return rows
}

func (f *fixture) storedMessage(t *testing.T, id string) models.IngestionMessage {
	t.Helper()
	var row models.IngestionMessage
	if errFind := f.db.First(&row, "id = ?", id).Error; errFind != nil {
		t.Fatalf("load message: %v", errFind)
	}
	return row
}

var errHotStateDown = errors.New("kv bucket unavailable")
