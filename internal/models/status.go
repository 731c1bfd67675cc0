package models

// IngestionStatus tracks an ingestion message through the pipeline.
type IngestionStatus string

const (
	IngestionStatusQueued           IngestionStatus = "queued"
	IngestionStatusProcessing       IngestionStatus = "processing"
	IngestionStatusCompleted        IngestionStatus = "completed"
	IngestionStatusFailedValidation IngestionStatus = "failed_validation"
	IngestionStatusFailedTerminal   IngestionStatus = "failed_terminal"
	IngestionStatusDuplicate        IngestionStatus = "duplicate"
	IngestionStatusInactiveSkipped  IngestionStatus = "inactive_skipped"
)

// IsTerminal reports whether the message can no longer change.
func (s IngestionStatus) IsTerminal() bool {
	switch s {
	case IngestionStatusCompleted,
		IngestionStatusFailedValidation,
		IngestionStatusFailedTerminal,
		IngestionStatusDuplicate,
		IngestionStatusInactiveSkipped:
		return true
	}
	return false
}

// IngestionStage names one pipeline stage.
type IngestionStage string

const (
	IngestionStageLookup   IngestionStage = "lookup"
	IngestionStageDedupe   IngestionStage = "dedupe"
	IngestionStageValidate IngestionStage = "validate"
	IngestionStageMutate   IngestionStage = "mutate"
	IngestionStagePersist  IngestionStage = "persist"
	IngestionStagePublish  IngestionStage = "publish"
)

// StageStatus is the outcome recorded on a stage log row.
type StageStatus string

const (
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
)

// Telemetry log processing states.
const (
	ProcessingStateInvalid         = "invalid"
	ProcessingStateInactiveSkipped = "inactive_skipped"
	ProcessingStateProcessed       = "processed"
	ProcessingStatePublishFailed   = "publish_failed"
)

// Telemetry log validation states.
const (
	ValidationStatusValid   = "valid"
	ValidationStatusWarning = "warning"
	ValidationStatusInvalid = "invalid"
	ValidationStatusSkipped = "skipped"
)

// TopicDirection tells whether a device publishes to or subscribes from a topic.
type TopicDirection string

const (
	TopicDirectionPublish   TopicDirection = "publish"
	TopicDirectionSubscribe TopicDirection = "subscribe"
)

// SchemaVersionStatus is the lifecycle of a device schema version.
type SchemaVersionStatus string

const (
	SchemaVersionStatusDraft    SchemaVersionStatus = "draft"
	SchemaVersionStatusActive   SchemaVersionStatus = "active"
	SchemaVersionStatusArchived SchemaVersionStatus = "archived"
)

// ParameterType is the declared data type of a parameter.
type ParameterType string

const (
	ParameterTypeInteger ParameterType = "integer"
	ParameterTypeDecimal ParameterType = "decimal"
	ParameterTypeBoolean ParameterType = "boolean"
	ParameterTypeString  ParameterType = "string"
	ParameterTypeJSON    ParameterType = "json"
)

// WorkflowStatus is the lifecycle of an automation workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusPaused   WorkflowStatus = "paused"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// RunStatus is the lifecycle of an automation run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Device connection states.
const (
	ConnectionStateOnline  = "online"
	ConnectionStateOffline = "offline"
)

// Automation run trigger types.
const (
	TriggerTypeTelemetry = "telemetry"
	TriggerTypeSchedule  = "schedule"
)

// StepStatus is the outcome of one visited workflow node.
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// CommandStatus is the delivery state of a device command.
type CommandStatus string

const (
	CommandStatusPending      CommandStatus = "pending"
	CommandStatusSent         CommandStatus = "sent"
	CommandStatusAcknowledged CommandStatus = "acknowledged"
	CommandStatusFailed       CommandStatus = "failed"
)
