package models

import (
	"time"

	"gorm.io/datatypes"
)

// IngestionMessage is one inbound telemetry envelope.
type IngestionMessage struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // UUID primary key.

	OrganizationID        *uint64 `gorm:"index"` // Resolved organization.
	DeviceID              *uint64 `gorm:"index"` // Resolved device.
	DeviceSchemaVersionID *uint64 `gorm:"index"` // Resolved schema version.
	SchemaVersionTopicID  *uint64 `gorm:"index"` // Resolved topic.

	SourceSubject          string  `gorm:"type:varchar(255);not null"`               // Transport subject or topic.
	SourceProtocol         string  `gorm:"type:varchar(50);not null;default:'mqtt'"` // Transport protocol.
	SourceMessageID        *string `gorm:"type:varchar(255);index"`                  // Caller-supplied message id.
	SourceDeduplicationKey string  `gorm:"type:varchar(64);not null;uniqueIndex"`    // Idempotency key.

	RawPayload   datatypes.JSON  `gorm:"type:jsonb"`                                       // Payload as received.
	ErrorSummary datatypes.JSON  `gorm:"type:jsonb"`                                       // Structured failure details.
	Status       IngestionStatus `gorm:"type:varchar(50);not null;default:'queued';index"` // Pipeline status.

	ReceivedAt  time.Time  `gorm:"not null;index"` // Intake timestamp.
	ProcessedAt *time.Time // Completion timestamp.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// IngestionStageLog is the append-only audit row written for each pipeline stage.
type IngestionStageLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	IngestionMessageID string         `gorm:"type:varchar(36);not null;index"` // Parent message.
	Stage              IngestionStage `gorm:"type:varchar(50);not null;index"` // Stage name.
	Status             StageStatus    `gorm:"type:varchar(50);not null"`       // Stage outcome.
	DurationMS         *int64         `gorm:"column:duration_ms"`              // Stage duration in milliseconds.

	InputSnapshot  datatypes.JSON `gorm:"type:jsonb"` // Stage input.
	OutputSnapshot datatypes.JSON `gorm:"type:jsonb"` // Stage output.
	ChangeSet      datatypes.JSON `gorm:"type:jsonb"` // Before/after values.
	Errors         datatypes.JSON `gorm:"type:jsonb"` // Stage errors.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}

// DeviceTelemetryLog is the persisted outcome of one ingestion.
type DeviceTelemetryLog struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // UUID primary key.

	DeviceID              uint64  `gorm:"not null;index:idx_telemetry_device_recorded"` // Device.
	Device                *Device `gorm:"foreignKey:DeviceID"`                          // Device relation.
	DeviceSchemaVersionID *uint64 `gorm:"index"`                                        // Schema version.
	SchemaVersionTopicID  *uint64 `gorm:"index"`                                        // Topic.
	IngestionMessageID    *string `gorm:"type:varchar(36);index"`                       // Source message.

	ValidationStatus string `gorm:"type:varchar(50);not null"`       // valid, warning, invalid or skipped.
	ProcessingState  string `gorm:"type:varchar(50);not null;index"` // Pipeline outcome.

	RawPayload        datatypes.JSON `gorm:"type:jsonb"` // Payload as received.
	ValidationErrors  datatypes.JSON `gorm:"type:jsonb"` // Per-parameter validation errors.
	MutatedValues     datatypes.JSON `gorm:"type:jsonb"` // Values after mutation.
	TransformedValues datatypes.JSON `gorm:"type:jsonb"` // Mutated plus derived values.

	RecordedAt time.Time  `gorm:"not null;index:idx_telemetry_device_recorded"` // Device-side timestamp.
	ReceivedAt *time.Time // Intake timestamp.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
