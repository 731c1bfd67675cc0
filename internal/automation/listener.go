package automation

import (
	"context"

	"github.com/google/uuid"
	"github.com/router-for-me/TelemetryHub/internal/models"
	log "github.com/sirupsen/logrus"
)

// Listener queues one run per workflow version matched by a processed telemetry log.
type Listener struct {
	matcher  *Matcher
	enqueuer Enqueuer
	flags    FlagSource
	newID    func() string
}

// NewListener returns a Listener that enqueues a run for every matched version.
func NewListener(matcher *Matcher, enqueuer Enqueuer, flags FlagSource) *Listener {
	if flags == nil {
		flags = StaticFlags{Enabled: true}
	}
	return &Listener{
		matcher:  matcher,
		enqueuer: enqueuer,
		flags:    flags,
		newID:    func() string { return uuid.NewString() },
	}
}

// TelemetryReceived implements ingestion.TelemetryListener.
func (l *Listener) TelemetryReceived(ctx context.Context, telemetryLog *models.DeviceTelemetryLog) {
	if telemetryLog == nil || !l.flags.AutomationFlags().Enabled {
		return
	}
	eventCorrelationID := l.newID()
	fields := log.Fields{
		"event_correlation_id": eventCorrelationID,
		"telemetry_log_id":     telemetryLog.ID,
		"device_id":            telemetryLog.DeviceID,
	}
	versionIDs, errMatch := l.matcher.Match(ctx, telemetryLog)
	if errMatch != nil {
		log.WithFields(fields).WithError(errMatch).Error("automation: trigger matching failed")
		return
	}
	if len(versionIDs) == 0 {
		log.WithFields(fields).Debug("automation: no workflows matched")
		return
	}
	for _, versionID := range versionIDs {
		req := RunRequest{
			WorkflowVersionID:  versionID,
			TelemetryLogID:     telemetryLog.ID,
			EventCorrelationID: eventCorrelationID,
		}
		if errEnqueue := l.enqueuer.EnqueueRun(ctx, req); errEnqueue != nil {
			log.WithFields(fields).WithError(errEnqueue).WithField("workflow_version_id", versionID).Error("automation: enqueue run failed")
		}
	}
	log.WithFields(fields).WithField("matched_workflow_versions", len(versionIDs)).Info("automation: runs dispatched")
}
