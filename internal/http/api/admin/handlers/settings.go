package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/TelemetryHub/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// editableSettings lists the keys operators may override at runtime.
var editableSettings = []string{
	settings.IngestionEnabledKey,
	settings.IngestionPublishAnalyticsKey,
	settings.IngestionPublishInvalidEventsKey,
	settings.IngestionCaptureStageSnapshotsKey,
	settings.AutomationEnabledKey,
	settings.AutomationFailRunOnCommandErrorKey,
	settings.StageLogRetentionDaysKey,
}

// SettingsHandler exposes the runtime flag overrides.
type SettingsHandler struct {
	db *gorm.DB
}

// NewSettingsHandler returns the runtime settings handler.
func NewSettingsHandler(db *gorm.DB) *SettingsHandler {
	return &SettingsHandler{db: db}
}

// List returns the current override of every editable key; unset keys are null.
func (h *SettingsHandler) List(c *gin.Context) {
	out := make(gin.H, len(editableSettings))
	for _, key := range editableSettings {
		if raw, ok := settings.DBConfigValue(key); ok && len(raw) > 0 {
			out[key] = raw
			continue
		}
		out[key] = nil
	}
	c.JSON(http.StatusOK, gin.H{"settings": out, "updated_at": settings.DBConfigUpdatedAt()})
}

// Update stores the JSON request body as the value of one key.
func (h *SettingsHandler) Update(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	allowed := false
	for _, candidate := range editableSettings {
		if candidate == key {
			allowed = true
			break
		}
	}
	if !allowed {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown setting"})
		return
	}
	body, errRead := io.ReadAll(io.LimitReader(c.Request.Body, 64<<10))
	if errRead != nil || !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value must be valid JSON"})
		return
	}
	if errSave := settings.SaveDBConfig(c.Request.Context(), h.db, key, json.RawMessage(body)); errSave != nil {
		log.WithError(errSave).WithField("key", key).Error("http: save setting")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": json.RawMessage(body)})
}
