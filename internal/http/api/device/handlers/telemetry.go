package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/TelemetryHub/internal/ingestion"
	"github.com/router-for-me/TelemetryHub/internal/logging"
	log "github.com/sirupsen/logrus"
)

// DeviceUUIDKey is the gin context key holding the authenticated device uuid.
const DeviceUUIDKey = "deviceUUID"

// TelemetryHandler accepts telemetry posted over HTTP.
type TelemetryHandler struct {
	sink ingestion.Sink
}

// NewTelemetryHandler returns a handler that feeds accepted telemetry to sink.
func NewTelemetryHandler(sink ingestion.Sink) *TelemetryHandler {
	return &TelemetryHandler{sink: sink}
}

type telemetryRequest struct {
	Topic     string          `json:"topic" binding:"required"`   // Publish topic suffix.
	MessageID string          `json:"message_id"`                 // Optional idempotency id.
	Payload   json.RawMessage `json:"payload" binding:"required"` // Telemetry body.
}

// Ingest queues one telemetry message for the authenticated device and answers 202.
func (h *TelemetryHandler) Ingest(c *gin.Context) {
	var req telemetryRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	suffix := strings.Trim(strings.TrimSpace(req.Topic), "/")
	if suffix == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic is required"})
		return
	}
	var payload map[string]any
	if errUnmarshal := json.Unmarshal(req.Payload, &payload); errUnmarshal != nil || payload == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload must be a JSON object"})
		return
	}

	deviceUUID := c.GetString(DeviceUUIDKey)
	env := ingestion.Envelope{
		SourceSubject: "http." + deviceUUID + "." + ingestion.TopicToSubject(suffix),
		MQTTTopic:     suffix,
		Payload:       payload,
		DeviceUUID:    deviceUUID,
		MessageID:     strings.TrimSpace(req.MessageID),
		ReceivedAt:    time.Now().UTC(),
	}
	if errSink := h.sink(c.Request.Context(), env); errSink != nil {
		log.WithError(errSink).WithFields(log.Fields{
			"device_uuid": deviceUUID,
			"request_id":  logging.RequestID(c),
		}).Error("http: queue telemetry failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "telemetry queue unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"accepted":          true,
		"deduplication_key": env.DeduplicationKey(),
	})
}
