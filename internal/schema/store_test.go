package schema

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/router-for-me/TelemetryHub/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func setupSchemaDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:schema_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.AutoMigrate(
		&models.DeviceSchemaVersion{},
		&models.SchemaVersionTopic{},
		&models.ParameterDefinition{},
		&models.DerivedParameterDefinition{},
	); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return db
}

func seedVersion(t *testing.T, db *gorm.DB, schemaID uint64, version uint, status models.SchemaVersionStatus) models.DeviceSchemaVersion {
	t.Helper()
	row := models.DeviceSchemaVersion{DeviceSchemaID: schemaID, Version: version, Status: status}
	if errCreate := db.Create(&row).Error; errCreate != nil {
		t.Fatalf("create version: %v", errCreate)
	}
	return row
}

func TestActivateVersionRefusesCycles(t *testing.T) {
	db := setupSchemaDB(t)
	version := seedVersion(t, db, 1, 1, models.SchemaVersionStatusDraft)
	for _, row := range []models.DerivedParameterDefinition{
		{DeviceSchemaVersionID: version.ID, Key: "A", DataType: models.ParameterTypeDecimal, Expression: datatypes.JSON(`{"var":"B"}`)},
		{DeviceSchemaVersionID: version.ID, Key: "B", DataType: models.ParameterTypeDecimal, Expression: datatypes.JSON(`{"var":"A"}`)},
	} {
		row := row
		if errCreate := db.Create(&row).Error; errCreate != nil {
			t.Fatalf("create derived: %v", errCreate)
		}
	}

	_, errActivate := ActivateVersion(context.Background(), db, version.ID)
	if !errors.Is(errActivate, ErrCircularDependency) {
		t.Fatalf("expected ErrCircularDependency, got %v", errActivate)
	}
	var activationErr *ActivationError
	if !errors.As(errActivate, &activationErr) || len(activationErr.Cycle) != 2 {
		t.Fatalf("expected cycle members in error, got %v", errActivate)
	}

	var reloaded models.DeviceSchemaVersion
	if errFind := db.First(&reloaded, version.ID).Error; errFind != nil {
		t.Fatalf("reload version: %v", errFind)
	}
	if reloaded.Status != models.SchemaVersionStatusDraft {
		t.Fatalf("expected version to stay draft, got %s", reloaded.Status)
	}
}

func TestActivateVersionRefusesMissingDependencies(t *testing.T) {
	db := setupSchemaDB(t)
	version := seedVersion(t, db, 1, 1, models.SchemaVersionStatusDraft)
	row := models.DerivedParameterDefinition{DeviceSchemaVersionID: version.ID, Key: "temp_f", DataType: models.ParameterTypeDecimal, Expression: datatypes.JSON(`{"var":"temp_c"}`)}
	if errCreate := db.Create(&row).Error; errCreate != nil {
		t.Fatalf("create derived: %v", errCreate)
	}

	_, errActivate := ActivateVersion(context.Background(), db, version.ID)
	if !errors.Is(errActivate, ErrMissingDependencies) {
		t.Fatalf("expected ErrMissingDependencies, got %v", errActivate)
	}
}

func TestActivateVersionArchivesPreviousActive(t *testing.T) {
	db := setupSchemaDB(t)
	previous := seedVersion(t, db, 7, 1, models.SchemaVersionStatusActive)
	next := seedVersion(t, db, 7, 2, models.SchemaVersionStatusDraft)

	topic := models.SchemaVersionTopic{DeviceSchemaVersionID: next.ID, Key: "telemetry", Label: "Telemetry", Direction: models.TopicDirectionPublish, Suffix: "telemetry"}
	if errCreate := db.Create(&topic).Error; errCreate != nil {
		t.Fatalf("create topic: %v", errCreate)
	}
	param := models.ParameterDefinition{DeviceSchemaVersionID: next.ID, SchemaVersionTopicID: topic.ID, Key: "temp_c", JSONPath: "temp", Type: models.ParameterTypeDecimal, IsActive: true}
	if errCreate := db.Create(&param).Error; errCreate != nil {
		t.Fatalf("create parameter: %v", errCreate)
	}
	derived := models.DerivedParameterDefinition{DeviceSchemaVersionID: next.ID, Key: "temp_f", DataType: models.ParameterTypeDecimal, Expression: datatypes.JSON(`{"+":[{"*":[{"var":"temp_c"},1.8]},32]}`)}
	if errCreate := db.Create(&derived).Error; errCreate != nil {
		t.Fatalf("create derived: %v", errCreate)
	}

	activated, errActivate := ActivateVersion(context.Background(), db, next.ID)
	if errActivate != nil {
		t.Fatalf("activate: %v", errActivate)
	}
	if activated.Status != models.SchemaVersionStatusActive || activated.ActivatedAt == nil {
		t.Fatalf("expected active version with timestamp, got %+v", activated)
	}

	var reloaded models.DeviceSchemaVersion
	if errFind := db.First(&reloaded, previous.ID).Error; errFind != nil {
		t.Fatalf("reload previous: %v", errFind)
	}
	if reloaded.Status != models.SchemaVersionStatusArchived {
		t.Fatalf("expected previous version archived, got %s", reloaded.Status)
	}

	params, errLoad := LoadTopicParameters(context.Background(), db, topic.ID)
	if errLoad != nil || len(params) != 1 || params[0].Key() != "temp_c" {
		t.Fatalf("expected one compiled parameter, got %v %v", params, errLoad)
	}
}

func TestActivateVersionNotFound(t *testing.T) {
	db := setupSchemaDB(t)
	if _, errActivate := ActivateVersion(context.Background(), db, 999); !errors.Is(errActivate, ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", errActivate)
	}
}
