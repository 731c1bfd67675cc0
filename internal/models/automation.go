package models

import (
	"time"

	"gorm.io/datatypes"
)

// AutomationWorkflow is a named automation with versioned graphs.
type AutomationWorkflow struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`                               // Primary key.
	OrganizationID uint64 `gorm:"not null;uniqueIndex:idx_automation_workflows_org_slug"` // Owning organization.

	Name   string         `gorm:"type:varchar(255);not null"`                                               // Display name.
	Slug   string         `gorm:"type:varchar(255);not null;uniqueIndex:idx_automation_workflows_org_slug"` // URL-safe name.
	Status WorkflowStatus `gorm:"type:varchar(50);not null;default:'draft';index"`                          // Lifecycle status.

	ActiveVersionID *uint64 `gorm:"index"` // Version currently bound to triggers.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// AutomationWorkflowVersion is one graph revision of a workflow.
type AutomationWorkflowVersion struct {
	ID                   uint64 `gorm:"primaryKey;autoIncrement"`                                      // Primary key.
	AutomationWorkflowID uint64 `gorm:"not null;uniqueIndex:idx_automation_versions_workflow_version"` // Parent workflow.
	Version              uint   `gorm:"not null;uniqueIndex:idx_automation_versions_workflow_version"` // Version number.

	GraphJSON     datatypes.JSON `gorm:"column:graph_json;type:jsonb;not null"` // Nodes and edges.
	GraphChecksum string         `gorm:"type:varchar(64)"`                      // SHA-256 of the published graph.
	PublishedAt   *time.Time     // Publication timestamp; the graph is immutable afterwards.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// AutomationTelemetryTrigger binds a workflow version to a telemetry scope.
type AutomationTelemetryTrigger struct {
	ID                uint64 `gorm:"primaryKey;autoIncrement"`                                                                     // Primary key.
	OrganizationID    uint64 `gorm:"not null;index:idx_telemetry_triggers_org_device_topic;index:idx_telemetry_triggers_org_type"` // Owning organization.
	WorkflowVersionID uint64 `gorm:"not null;index"`                                                                               // Bound workflow version.

	DeviceID             *uint64 `gorm:"index:idx_telemetry_triggers_org_device_topic"` // Device scope.
	DeviceTypeID         *uint64 `gorm:"index:idx_telemetry_triggers_org_type"`         // Device type scope.
	SchemaVersionTopicID *uint64 `gorm:"index:idx_telemetry_triggers_org_device_topic"` // Topic scope.

	FilterExpression datatypes.JSON `gorm:"type:jsonb"` // Optional expression over transformed values.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// AutomationScheduleTrigger fires a workflow version on a cron schedule.
type AutomationScheduleTrigger struct {
	ID                uint64 `gorm:"primaryKey;autoIncrement"`   // Primary key.
	OrganizationID    uint64 `gorm:"not null;index"`             // Owning organization.
	WorkflowVersionID uint64 `gorm:"not null;index"`             // Bound workflow version.
	NodeID            string `gorm:"type:varchar(255);not null"` // Schedule trigger node in the graph.

	CronExpression string     `gorm:"type:varchar(255);not null"`                                         // Standard five-field cron expression.
	Timezone       string     `gorm:"type:varchar(64);not null;default:'UTC'"`                            // IANA timezone.
	NextRunAt      *time.Time `gorm:"index:idx_schedule_triggers_due"`                                    // Next fire time.
	Active         bool       `gorm:"type:boolean;not null;default:true;index:idx_schedule_triggers_due"` // Disabled triggers never fire.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// AutomationRun is one execution of a workflow version.
type AutomationRun struct {
	ID                uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.
	OrganizationID    uint64 `gorm:"not null;index"`           // Owning organization.
	WorkflowID        uint64 `gorm:"not null;index"`           // Workflow.
	WorkflowVersionID uint64 `gorm:"not null;index"`           // Executed version.

	TriggerType    string         `gorm:"type:varchar(50);not null"` // telemetry or schedule.
	TriggerPayload datatypes.JSON `gorm:"type:jsonb"`                // Trigger context and correlation ids.

	Status       RunStatus      `gorm:"type:varchar(50);not null;default:'queued';index"` // Run status.
	StartedAt    *time.Time     // Execution start.
	FinishedAt   *time.Time     // Execution end.
	ErrorSummary datatypes.JSON `gorm:"type:jsonb"` // Escaped error details.

	Steps []AutomationRunStep `gorm:"foreignKey:AutomationRunID"` // Visited nodes.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// AutomationRunStep records one visited graph node.
type AutomationRunStep struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.
	AutomationRunID uint64 `gorm:"not null;index"`           // Parent run.

	NodeID   string     `gorm:"type:varchar(255);not null"` // Graph node id.
	NodeType string     `gorm:"type:varchar(100);not null"` // Graph node type.
	Status   StepStatus `gorm:"type:varchar(50);not null"`  // Step outcome.

	InputSnapshot  datatypes.JSON `gorm:"type:jsonb"` // Node input.
	OutputSnapshot datatypes.JSON `gorm:"type:jsonb"` // Node output.
	Error          datatypes.JSON `gorm:"type:jsonb"` // Node error.

	StartedAt  *time.Time // Step start.
	FinishedAt *time.Time // Step end.
	DurationMS *int64     `gorm:"column:duration_ms"` // Step duration in milliseconds.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// AutomationAlert records an alert raised by a workflow alert node. The cooldown key
// scopes repeat suppression to one version, node, device and topic.
type AutomationAlert struct {
	ID                uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.
	OrganizationID    uint64 `gorm:"not null;index"`           // Owning organization.
	AutomationRunID   uint64 `gorm:"not null;index"`           // Run that raised the alert.
	WorkflowVersionID uint64 `gorm:"not null"`                 // Executed version.

	NodeID      string `gorm:"type:varchar(255);not null"`                           // Alert node id.
	CooldownKey string `gorm:"type:varchar(255);not null;index:idx_alerts_cooldown"` // Suppression scope.

	Channel    string         `gorm:"type:varchar(50);not null"` // Delivery channel.
	Recipients datatypes.JSON `gorm:"type:jsonb"`                // Normalized recipient list.
	Subject    string         `gorm:"type:text;not null"`        // Rendered subject.
	Body       string         `gorm:"type:text;not null"`        // Rendered body.
	Context    datatypes.JSON `gorm:"type:jsonb"`                // Template context.

	CooldownUntil time.Time `gorm:"not null;index:idx_alerts_cooldown"` // Repeats are skipped until this time.
	CreatedAt     time.Time `gorm:"not null;autoCreateTime"`            // Creation timestamp.
}
