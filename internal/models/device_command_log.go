package models

import (
	"time"

	"gorm.io/datatypes"
)

// DeviceCommandLog records one command sent to a device.
type DeviceCommandLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	DeviceID             uint64  `gorm:"not null;index"` // Target device.
	SchemaVersionTopicID uint64  `gorm:"not null;index"` // Target subscribe topic.
	UserID               *uint64 `gorm:"index"`          // Operator who issued the command, nil for automation.

	CommandPayload  datatypes.JSON `gorm:"type:jsonb;not null"`                               // Payload as published.
	CorrelationID   string         `gorm:"type:varchar(36);not null;uniqueIndex"`             // Command correlation id.
	Status          CommandStatus  `gorm:"type:varchar(50);not null;default:'pending';index"` // Delivery status.
	ResponsePayload datatypes.JSON `gorm:"type:jsonb"`                                        // Device acknowledgement.
	ErrorMessage    string         `gorm:"type:text"`                                         // Last delivery error.

	SentAt         *time.Time // Publish timestamp.
	AcknowledgedAt *time.Time // Acknowledgement timestamp.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
