package db

import (
	"fmt"

	"github.com/router-for-me/TelemetryHub/internal/models"
	"gorm.io/gorm"
)

// Models lists every table owned by the service in dependency order.
func Models() []any {
	return []any{
		&models.Setting{},
		&models.DeviceType{},
		&models.DeviceSchema{},
		&models.DeviceSchemaVersion{},
		&models.SchemaVersionTopic{},
		&models.Device{},
		&models.ParameterDefinition{},
		&models.DerivedParameterDefinition{},
		&models.IngestionMessage{},
		&models.IngestionStageLog{},
		&models.DeviceTelemetryLog{},
		&models.DeviceCommandLog{},
		&models.AutomationWorkflow{},
		&models.AutomationWorkflowVersion{},
		&models.AutomationTelemetryTrigger{},
		&models.AutomationScheduleTrigger{},
		&models.AutomationRun{},
		&models.AutomationRunStep{},
		&models.AutomationAlert{},
	}
}

// Migrate creates or updates all tables.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: migrate: nil connection")
	}
	if errMigrate := conn.AutoMigrate(Models()...); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}
	return nil
}
