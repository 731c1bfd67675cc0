package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/TelemetryHub/internal/devicecontrol"
	"github.com/router-for-me/TelemetryHub/internal/hotstate"
	"github.com/router-for-me/TelemetryHub/internal/models"
	"github.com/router-for-me/TelemetryHub/internal/schema"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	commandModeJSON       = "json"
	commandModeSchemaForm = "schema_form"
)

// DeviceHandler serves per-device state, history and manual commands.
type DeviceHandler struct {
	db         *gorm.DB
	state      hotstate.Reader
	dispatcher *devicecontrol.Dispatcher
}

// NewDeviceHandler returns the device handler.
func NewDeviceHandler(db *gorm.DB, state hotstate.Reader, dispatcher *devicecontrol.Dispatcher) *DeviceHandler {
	return &DeviceHandler{db: db, state: state, dispatcher: dispatcher}
}

func (h *DeviceHandler) loadDevice(ctx context.Context, c *gin.Context) (*models.Device, bool) {
	var device models.Device
	errFind := h.db.WithContext(ctx).Preload("DeviceType").Where("uuid = ?", strings.TrimSpace(c.Param("uuid"))).First(&device).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return nil, false
	}
	return &device, true
}

// State returns the last hot-state snapshot of a device.
func (h *DeviceHandler) State(c *gin.Context) {
	if h.state == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "hot state is disabled"})
		return
	}
	deviceUUID := strings.TrimSpace(c.Param("uuid"))
	state, errState := h.state.LastState(c.Request.Context(), deviceUUID)
	if errState != nil {
		log.WithError(errState).WithField("device_uuid", deviceUUID).Warn("http: read hot state")
		c.JSON(http.StatusBadGateway, gin.H{"error": "hot state unavailable"})
		return
	}
	if state == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no state recorded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"device_uuid": deviceUUID, "topic": state.Topic, "payload": state.Payload, "stored_at": state.StoredAt})
}

// TelemetryLogs lists a device's telemetry logs, newest first.
func (h *DeviceHandler) TelemetryLogs(c *gin.Context) {
	var q pageQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	ctx := c.Request.Context()
	device, ok := h.loadDevice(ctx, c)
	if !ok {
		return
	}
	limit, offset := q.normalized()
	var rows []models.DeviceTelemetryLog
	if errFind := h.db.WithContext(ctx).
		Where("device_id = ?", device.ID).
		Order("recorded_at DESC").
		Limit(limit).Offset(offset).
		Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	items := make([]gin.H, 0, len(rows))
	for i := range rows {
		items = append(items, telemetryLogView(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "limit": limit, "offset": offset})
}

// Commands lists a device's command logs, newest first.
func (h *DeviceHandler) Commands(c *gin.Context) {
	var q pageQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	ctx := c.Request.Context()
	device, ok := h.loadDevice(ctx, c)
	if !ok {
		return
	}
	limit, offset := q.normalized()
	var rows []models.DeviceCommandLog
	if errFind := h.db.WithContext(ctx).
		Where("device_id = ?", device.ID).
		Order("id DESC").
		Limit(limit).Offset(offset).
		Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	items := make([]gin.H, 0, len(rows))
	for i := range rows {
		items = append(items, commandLogView(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "limit": limit, "offset": offset})
}

type sendCommandRequest struct {
	TopicID     uint64          `json:"topic_id" binding:"required"` // Subscribe topic.
	PayloadMode string          `json:"payload_mode"`                // json or schema_form.
	Payload     json.RawMessage `json:"payload"`                     // Command body or form values.
	UserID      *uint64         `json:"user_id"`                     // Operator recorded on the log.
}

// SendCommand validates and publishes a manual command to a device subscribe topic.
func (h *DeviceHandler) SendCommand(c *gin.Context) {
	if h.dispatcher == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "command dispatch is disabled"})
		return
	}
	var req sendCommandRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	mode := strings.TrimSpace(req.PayloadMode)
	if mode == "" {
		mode = commandModeJSON
	}
	if mode != commandModeJSON && mode != commandModeSchemaForm {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported payload_mode"})
		return
	}
	payload, errPayload := devicecontrol.ParseRawPayload(string(req.Payload))
	if errPayload != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errPayload.Error()})
		return
	}

	ctx := c.Request.Context()
	device, ok := h.loadDevice(ctx, c)
	if !ok {
		return
	}
	if device.DeviceSchemaVersionID == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "device has no schema version"})
		return
	}
	var topic models.SchemaVersionTopic
	if errFind := h.db.WithContext(ctx).
		Where("id = ? AND device_schema_version_id = ? AND direction = ?", req.TopicID, *device.DeviceSchemaVersionID, models.TopicDirectionSubscribe).
		First(&topic).Error; errFind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic is not a subscribe topic of this device"})
		return
	}
	parameters, errParams := schema.LoadTopicParameters(ctx, h.db, topic.ID)
	if errParams != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errParams.Error()})
		return
	}
	if mode == commandModeSchemaForm {
		payload = devicecontrol.BuildSchemaPayload(parameters, payload)
	}
	if failures := devicecontrol.ValidatePayload(parameters, payload); len(failures) > 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "payload failed validation", "errors": failures})
		return
	}

	commandLog, errDispatch := h.dispatcher.Dispatch(ctx, device, &topic, payload, req.UserID)
	if errDispatch != nil {
		log.WithError(errDispatch).WithField("device_uuid", device.UUID).Error("http: dispatch command")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dispatch failed"})
		return
	}
	status := http.StatusAccepted
	if commandLog.Status == models.CommandStatusFailed {
		status = http.StatusBadGateway
	}
	c.JSON(status, commandLogView(commandLog))
}
