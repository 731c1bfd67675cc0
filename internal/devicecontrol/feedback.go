package devicecontrol

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/router-for-me/TelemetryHub/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// FeedbackReconciler acknowledges commands echoed back by devices in _meta.command_id.
// A device that acknowledges a command is marked online.
type FeedbackReconciler struct {
	db       *gorm.DB
	presence *Presence
}

// NewFeedbackReconciler returns a FeedbackReconciler over db. presence may be nil.
func NewFeedbackReconciler(db *gorm.DB, presence *Presence) *FeedbackReconciler {
	return &FeedbackReconciler{db: db, presence: presence}
}

// TelemetryReceived implements ingestion.TelemetryListener.
func (r *FeedbackReconciler) TelemetryReceived(ctx context.Context, telemetryLog *models.DeviceTelemetryLog) {
	if telemetryLog == nil || len(telemetryLog.RawPayload) == 0 {
		return
	}
	commandID := commandIDFrom(telemetryLog.RawPayload)
	if commandID == "" {
		return
	}
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&models.DeviceCommandLog{}).
		Where("device_id = ? AND correlation_id = ?", telemetryLog.DeviceID, commandID).
		Where("status IN ?", []models.CommandStatus{models.CommandStatusPending, models.CommandStatusSent}).
		Updates(map[string]any{
			"status":           models.CommandStatusAcknowledged,
			"response_payload": telemetryLog.RawPayload,
			"acknowledged_at":  now,
		})
	if result.Error != nil {
		log.WithError(result.Error).WithField("correlation_id", commandID).Warn("devicecontrol: acknowledge command failed")
		return
	}
	if result.RowsAffected == 0 {
		return
	}
	log.WithFields(log.Fields{"correlation_id": commandID, "device_id": telemetryLog.DeviceID}).Info("devicecontrol: command acknowledged")
	if _, errOnline := r.presence.MarkOnline(ctx, telemetryLog.DeviceID, now); errOnline != nil {
		log.WithError(errOnline).WithField("device_id", telemetryLog.DeviceID).Warn("devicecontrol: mark online failed")
	}
}

func commandIDFrom(raw []byte) string {
	var envelope struct {
		Meta struct {
			CommandID any `json:"command_id"`
		} `json:"_meta"`
	}
	if errUnmarshal := json.Unmarshal(raw, &envelope); errUnmarshal != nil {
		return ""
	}
	id, _ := envelope.Meta.CommandID.(string)
	return strings.TrimSpace(id)
}
