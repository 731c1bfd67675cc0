package settings

import "github.com/router-for-me/TelemetryHub/internal/config"

// Flags layers DB overrides on top of the file configuration.
// It satisfies ingestion.FlagSource and automation.FlagSource.
type Flags struct {
	ingestion  config.PipelineConfig
	automation config.AutomationConfig
	retention  config.RetentionConfig
}

// NewFlags returns Flags seeded from cfg.
func NewFlags(cfg config.Config) *Flags {
	return &Flags{ingestion: cfg.Ingestion, automation: cfg.Automation, retention: cfg.Retention}
}

// PipelineFlags returns the pipeline config with the current overrides applied.
func (f *Flags) PipelineFlags() config.PipelineConfig {
	out := f.ingestion
	out.Enabled = DBConfigBool(IngestionEnabledKey, out.Enabled)
	out.PublishAnalytics = DBConfigBool(IngestionPublishAnalyticsKey, out.PublishAnalytics)
	out.PublishInvalidEvents = DBConfigBool(IngestionPublishInvalidEventsKey, out.PublishInvalidEvents)
	out.CaptureStageSnapshots = DBConfigBool(IngestionCaptureStageSnapshotsKey, out.CaptureStageSnapshots)
	return out
}

// AutomationFlags returns the automation config with the current overrides applied.
func (f *Flags) AutomationFlags() config.AutomationConfig {
	out := f.automation
	out.Enabled = DBConfigBool(AutomationEnabledKey, out.Enabled)
	out.FailRunOnCommandError = DBConfigBool(AutomationFailRunOnCommandErrorKey, out.FailRunOnCommandError)
	return out
}

// StageLogRetentionDays returns the retention window for ingestion stage logs.
func (f *Flags) StageLogRetentionDays() int {
	fallback := f.retention.StageLogDays
	if fallback <= 0 {
		fallback = DefaultStageLogRetentionDays
	}
	return DBConfigInt(StageLogRetentionDaysKey, fallback)
}
