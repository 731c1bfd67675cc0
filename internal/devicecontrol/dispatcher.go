// Package devicecontrol publishes commands to devices and tracks their delivery.
package devicecontrol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/TelemetryHub/internal/ingestion"
	"github.com/router-for-me/TelemetryHub/internal/metrics"
	"github.com/router-for-me/TelemetryHub/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultAttempts   = 2
	defaultRetryDelay = 250 * time.Millisecond
	metaKey           = "_meta"
	commandIDKey      = "command_id"
)

var transientMarkers = []string{
	"socket read failed",
	"connection closed",
	"timed out",
	"broken pipe",
	"reset by peer",
}

// Publisher delivers a command payload to an MQTT topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

// Dispatcher records and publishes device commands.
type Dispatcher struct {
	db         *gorm.DB
	publisher  Publisher
	metrics    *metrics.Recorder
	attempts   int
	retryDelay time.Duration
	injectMeta bool
	newID      func() string
}

// NewDispatcher constructs a dispatcher that injects _meta.command_id into every payload.
func NewDispatcher(db *gorm.DB, publisher Publisher, recorder *metrics.Recorder) *Dispatcher {
	return &Dispatcher{
		db:         db,
		publisher:  publisher,
		metrics:    recorder,
		attempts:   defaultAttempts,
		retryDelay: defaultRetryDelay,
		injectMeta: true,
		newID:      func() string { return uuid.NewString() },
	}
}

// Dispatch creates a pending command log, publishes the payload and records the outcome.
// Publish failures are stored on the returned log; only persistence failures return an error.
func (d *Dispatcher) Dispatch(ctx context.Context, device *models.Device, topic *models.SchemaVersionTopic, payload map[string]any, userID *uint64) (*models.DeviceCommandLog, error) {
	if device == nil || topic == nil {
		return nil, fmt.Errorf("devicecontrol: device and topic are required")
	}
	if device.DeviceType == nil {
		var deviceType models.DeviceType
		if errFind := d.db.WithContext(ctx).First(&deviceType, device.DeviceTypeID).Error; errFind == nil {
			device.DeviceType = &deviceType
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}
	correlationID := d.newID()
	mqttTopic := ingestion.ResolvedTopic(device, topic)

	stored, errEncode := json.Marshal(payload)
	if errEncode != nil {
		return nil, fmt.Errorf("devicecontrol: encode payload: %w", errEncode)
	}
	commandLog := &models.DeviceCommandLog{
		DeviceID:             device.ID,
		SchemaVersionTopicID: topic.ID,
		UserID:               userID,
		CommandPayload:       datatypes.JSON(stored),
		CorrelationID:        correlationID,
		Status:               models.CommandStatusPending,
	}
	if errCreate := d.db.WithContext(ctx).Create(commandLog).Error; errCreate != nil {
		return nil, fmt.Errorf("devicecontrol: create command log: %w", errCreate)
	}

	fields := log.Fields{
		"command_log_id": commandLog.ID,
		"correlation_id": correlationID,
		"device_uuid":    device.UUID,
		"mqtt_topic":     mqttTopic,
	}
	body := payload
	if d.injectMeta {
		body = withCommandID(payload, correlationID)
	}
	encoded, errEncode := json.Marshal(body)
	if errEncode != nil {
		encoded = []byte("{}")
	}

	errPublish := d.publishWithRetry(ctx, mqttTopic, encoded, topic)
	updates := map[string]any{}
	if errPublish != nil {
		log.WithFields(fields).WithError(errPublish).Error("devicecontrol: command publish failed")
		commandLog.Status = models.CommandStatusFailed
		commandLog.ErrorMessage = errPublish.Error()
		updates["status"] = commandLog.Status
		updates["error_message"] = commandLog.ErrorMessage
	} else {
		now := time.Now().UTC()
		log.WithFields(fields).Info("devicecontrol: command sent")
		commandLog.Status = models.CommandStatusSent
		commandLog.SentAt = &now
		updates["status"] = commandLog.Status
		updates["sent_at"] = now
	}
	if errUpdate := d.db.WithContext(ctx).Model(&models.DeviceCommandLog{}).Where("id = ?", commandLog.ID).Updates(updates).Error; errUpdate != nil {
		return commandLog, fmt.Errorf("devicecontrol: update command log: %w", errUpdate)
	}
	d.metrics.DeviceCommand(string(commandLog.Status))
	return commandLog, nil
}

func (d *Dispatcher) publishWithRetry(ctx context.Context, mqttTopic string, payload []byte, topic *models.SchemaVersionTopic) error {
	if d.publisher == nil {
		return errors.New("devicecontrol: no command publisher configured")
	}
	attempts := d.attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = d.publisher.Publish(ctx, mqttTopic, payload, topic.QoS, topic.Retain)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts || !IsTransient(lastErr) {
			break
		}
		log.WithError(lastErr).WithFields(log.Fields{"mqtt_topic": mqttTopic, "attempt": attempt}).Warn("devicecontrol: retrying command publish")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.retryDelay):
		}
	}
	return lastErr
}

// IsTransient reports whether err looks like a dropped broker connection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}

func withCommandID(payload map[string]any, correlationID string) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	meta := map[string]any{}
	if existing, ok := payload[metaKey].(map[string]any); ok {
		for k, v := range existing {
			meta[k] = v
		}
	}
	meta[commandIDKey] = correlationID
	out[metaKey] = meta
	return out
}
