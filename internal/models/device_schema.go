package models

import "time"

// DeviceSchema is the versioned contract describing a device type's topics.
type DeviceSchema struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.
	DeviceTypeID uint64 `gorm:"not null;index"`           // Device type the schema describes.
	Name         string `gorm:"type:text;not null"`       // Display name.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// DeviceSchemaVersion is one immutable revision of a device schema.
type DeviceSchemaVersion struct {
	ID             uint64              `gorm:"primaryKey;autoIncrement"`                                // Primary key.
	DeviceSchemaID uint64              `gorm:"not null;uniqueIndex:idx_schema_versions_schema_version"` // Parent schema.
	Version        uint                `gorm:"not null;uniqueIndex:idx_schema_versions_schema_version"` // Monotonic version number.
	Status         SchemaVersionStatus `gorm:"type:varchar(50);not null;default:'draft';index"`         // Lifecycle status.
	Notes          string              `gorm:"type:text"`                                               // Operator notes.
	ActivatedAt    *time.Time          // Activation timestamp.

	Topics []SchemaVersionTopic `gorm:"foreignKey:DeviceSchemaVersionID"` // Topics declared by this version.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// SchemaVersionTopic is one MQTT topic declared by a schema version.
type SchemaVersionTopic struct {
	ID                    uint64 `gorm:"primaryKey;autoIncrement"`                                                          // Primary key.
	DeviceSchemaVersionID uint64 `gorm:"not null;uniqueIndex:idx_topics_version_key;uniqueIndex:idx_topics_version_suffix"` // Owning schema version.

	Key       string         `gorm:"type:varchar(100);not null;uniqueIndex:idx_topics_version_key"`    // Stable topic key.
	Label     string         `gorm:"type:varchar(255);not null"`                                       // Display label.
	Direction TopicDirection `gorm:"type:varchar(50);not null;index"`                                  // Publish or subscribe, from the device's view.
	Suffix    string         `gorm:"type:varchar(255);not null;uniqueIndex:idx_topics_version_suffix"` // Topic suffix after the device segment.

	QoS      uint8 `gorm:"column:qos;not null;default:1"`       // MQTT QoS level.
	Retain   bool  `gorm:"type:boolean;not null;default:false"` // MQTT retain flag.
	Sequence uint  `gorm:"not null;default:0"`                  // Display order.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
