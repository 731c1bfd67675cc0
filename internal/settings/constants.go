package settings

// DB config keys and defaults for runtime overrides.
const (
	// IngestionEnabledKey toggles the ingestion pipeline.
	IngestionEnabledKey = "INGESTION_ENABLED"
	// IngestionPublishAnalyticsKey toggles analytics fan-out of processed telemetry.
	IngestionPublishAnalyticsKey = "INGESTION_PUBLISH_ANALYTICS"
	// IngestionPublishInvalidEventsKey toggles publishing of validation failures.
	IngestionPublishInvalidEventsKey = "INGESTION_PUBLISH_INVALID_EVENTS"
	// IngestionCaptureStageSnapshotsKey toggles input/output snapshots on stage logs.
	IngestionCaptureStageSnapshotsKey = "INGESTION_CAPTURE_STAGE_SNAPSHOTS"
	// AutomationEnabledKey toggles workflow matching and scheduling.
	AutomationEnabledKey = "AUTOMATION_ENABLED"
	// AutomationFailRunOnCommandErrorKey marks runs failed when a command dispatch fails.
	AutomationFailRunOnCommandErrorKey = "AUTOMATION_FAIL_RUN_ON_COMMAND_ERROR"
	// StageLogRetentionDaysKey controls how long ingestion stage logs are kept.
	StageLogRetentionDaysKey = "STAGE_LOG_RETENTION_DAYS"
	// DefaultStageLogRetentionDays is the fallback stage log retention.
	DefaultStageLogRetentionDays = 30
)
