package ingestion

import (
	"context"
	"time"

	"github.com/router-for-me/TelemetryHub/internal/config"
	"github.com/router-for-me/TelemetryHub/internal/models"
)

// HotStateStore keeps the latest values per device and topic.
type HotStateStore interface {
	Store(ctx context.Context, device *models.Device, topic *models.SchemaVersionTopic, values map[string]any, message *models.IngestionMessage) error
}

// AnalyticsPublisher fans telemetry and invalid events out to downstream consumers.
type AnalyticsPublisher interface {
	PublishTelemetry(ctx context.Context, device *models.Device, topic *models.SchemaVersionTopic, values map[string]any, message *models.IngestionMessage) error
	PublishInvalid(ctx context.Context, device *models.Device, topic *models.SchemaVersionTopic, validationErrors map[string]any, message *models.IngestionMessage) error
}

// TelemetryListener is notified after a telemetry log has been persisted as processed.
type TelemetryListener interface {
	TelemetryReceived(ctx context.Context, telemetryLog *models.DeviceTelemetryLog)
}

// PresenceTracker records that a device has been heard from.
type PresenceTracker interface {
	MarkOnline(ctx context.Context, deviceID uint64, seenAt time.Time) (bool, error)
}

// FlagSource returns the pipeline flags in effect for one Ingest call.
type FlagSource interface {
	PipelineFlags() config.PipelineConfig
}

// StaticFlags serves a fixed PipelineConfig.
type StaticFlags config.PipelineConfig

// PipelineFlags returns f as a PipelineConfig.
func (f StaticFlags) PipelineFlags() config.PipelineConfig { return config.PipelineConfig(f) }
