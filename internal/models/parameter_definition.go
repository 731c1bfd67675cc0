package models

import (
	"time"

	"gorm.io/datatypes"
)

// ParameterDefinition describes one value carried in a topic payload.
type ParameterDefinition struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	DeviceSchemaVersionID uint64 `gorm:"not null;index"`                                           // Owning schema version.
	SchemaVersionTopicID  uint64 `gorm:"not null;uniqueIndex:idx_parameter_definitions_topic_key"` // Topic carrying the value.

	Key      string        `gorm:"type:varchar(100);not null;uniqueIndex:idx_parameter_definitions_topic_key"` // Parameter key.
	Label    string        `gorm:"type:varchar(255)"`                                                          // Display label.
	JSONPath string        `gorm:"column:json_path;type:varchar(255);not null"`                                // Path inside the payload.
	Type     ParameterType `gorm:"type:varchar(50);not null"`                                                  // Declared data type.
	Unit     string        `gorm:"type:varchar(50)"`                                                           // Display unit.

	Required   bool `gorm:"type:boolean;not null;default:false"` // Missing values fail validation.
	IsCritical bool `gorm:"type:boolean;not null;default:false"` // Failures are reported as critical.

	ValidationRules     datatypes.JSON `gorm:"type:jsonb"`        // min/max/regex/enum rules.
	ValidationErrorCode string         `gorm:"type:varchar(100)"` // Custom error code reported on failure.
	MutationExpression  datatypes.JSON `gorm:"type:jsonb"`        // Expression applied to the raw value.
	DefaultValue        datatypes.JSON `gorm:"type:jsonb"`        // Default used for command payloads.

	Sequence uint `gorm:"not null;default:0"`                 // Evaluation order.
	IsActive bool `gorm:"type:boolean;not null;default:true"` // Inactive parameters are ignored.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// DerivedParameterDefinition computes a value from other parameters of the same schema version.
type DerivedParameterDefinition struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	DeviceSchemaVersionID uint64 `gorm:"not null;uniqueIndex:idx_derived_parameters_version_key"` // Owning schema version.

	Key      string        `gorm:"type:varchar(100);not null;uniqueIndex:idx_derived_parameters_version_key"` // Derived key.
	Label    string        `gorm:"type:varchar(255)"`                                                         // Display label.
	DataType ParameterType `gorm:"type:varchar(50);not null"`                                                 // Result data type.
	Unit     string        `gorm:"type:varchar(50)"`                                                          // Display unit.
	JSONPath string        `gorm:"column:json_path;type:varchar(255)"`                                        // Optional placement path.

	Expression   datatypes.JSON `gorm:"type:jsonb;not null"` // Expression over other parameter keys.
	Dependencies datatypes.JSON `gorm:"type:jsonb"`          // Explicit dependency keys.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
