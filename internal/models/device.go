package models

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// DefaultBaseTopic is used when a device type does not configure one.
const DefaultBaseTopic = "device"

// DeviceType groups devices that share a protocol configuration.
type DeviceType struct {
	ID             uint64  `gorm:"primaryKey;autoIncrement"`                   // Primary key.
	OrganizationID *uint64 `gorm:"index;uniqueIndex:idx_device_types_org_key"` // Owning organization, nil for shared types.

	Key  string `gorm:"type:varchar(100);not null;uniqueIndex:idx_device_types_org_key"` // Stable type key.
	Name string `gorm:"type:text;not null"`                                              // Display name.

	DefaultProtocol string         `gorm:"type:varchar(50);not null;default:'mqtt'"` // Transport protocol.
	ProtocolConfig  datatypes.JSON `gorm:"type:jsonb"`                               // Protocol settings such as base_topic.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// BaseTopic returns the configured MQTT base topic without surrounding slashes.
func (t *DeviceType) BaseTopic() string {
	if t == nil || len(t.ProtocolConfig) == 0 {
		return DefaultBaseTopic
	}
	var cfg struct {
		BaseTopic string `json:"base_topic"`
	}
	if errUnmarshal := json.Unmarshal(t.ProtocolConfig, &cfg); errUnmarshal != nil {
		return DefaultBaseTopic
	}
	base := strings.Trim(strings.TrimSpace(cfg.BaseTopic), "/")
	if base == "" {
		return DefaultBaseTopic
	}
	return base
}

// Device is one physical or virtual device bound to a schema version.
type Device struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.
	OrganizationID uint64 `gorm:"not null;index"`           // Owning organization.

	DeviceTypeID uint64      `gorm:"not null;index"`          // Device type.
	DeviceType   *DeviceType `gorm:"foreignKey:DeviceTypeID"` // Device type relation.

	DeviceSchemaVersionID *uint64              `gorm:"index"`                            // Bound schema version.
	DeviceSchemaVersion   *DeviceSchemaVersion `gorm:"foreignKey:DeviceSchemaVersionID"` // Schema version relation.

	UUID       string  `gorm:"type:varchar(36);not null;uniqueIndex"` // Public device identifier.
	Name       string  `gorm:"type:text;not null"`                    // Display name.
	ExternalID *string `gorm:"type:varchar(255);index"`               // Identifier used by the device on the wire.

	Metadata datatypes.JSON `gorm:"type:jsonb"`                         // Free-form metadata.
	IsActive bool           `gorm:"type:boolean;not null;default:true"` // Inactive devices are audited but not processed.

	ConnectionState string     `gorm:"type:varchar(50);index"` // online or offline.
	LastSeenAt      *time.Time `gorm:"index"`                  // Last telemetry timestamp.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TopicIdentifier returns the identifier used in MQTT topics for this device.
func (d *Device) TopicIdentifier() string {
	if d == nil {
		return ""
	}
	if d.ExternalID != nil && strings.TrimSpace(*d.ExternalID) != "" {
		return strings.TrimSpace(*d.ExternalID)
	}
	return d.UUID
}
