package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	internaldb "github.com/router-for-me/TelemetryHub/internal/db"
	"github.com/router-for-me/TelemetryHub/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// IngestionHandler serves the ingestion audit trail.
type IngestionHandler struct {
	db *gorm.DB
}

// NewIngestionHandler returns the ingestion message handler.
func NewIngestionHandler(db *gorm.DB) *IngestionHandler {
	return &IngestionHandler{db: db}
}

type messageListQuery struct {
	pageQuery
	Status   string `form:"status"`    // Status filter.
	DeviceID uint64 `form:"device_id"` // Device filter.
	Reason   string `form:"reason"`    // error_summary.reason filter.
}

// ListMessages returns ingestion messages, newest first.
func (h *IngestionHandler) ListMessages(c *gin.Context) {
	var q messageListQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	limit, offset := q.normalized()
	query := h.db.WithContext(c.Request.Context()).Model(&models.IngestionMessage{})
	if status := strings.TrimSpace(q.Status); status != "" {
		query = query.Where("status = ?", status)
	}
	if q.DeviceID > 0 {
		query = query.Where("device_id = ?", q.DeviceID)
	}
	if reason := strings.TrimSpace(q.Reason); reason != "" {
		query = query.Where(internaldb.JSONExtractTextExpr(h.db, "error_summary", "reason")+" = ?", reason)
	}
	var rows []models.IngestionMessage
	if errFind := query.Order("received_at DESC").Limit(limit).Offset(offset).Find(&rows).Error; errFind != nil {
		log.WithError(errFind).Error("http: list ingestion messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	items := make([]gin.H, 0, len(rows))
	for i := range rows {
		items = append(items, messageView(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "limit": limit, "offset": offset})
}

// GetMessage returns one message with its stage logs in creation order.
func (h *IngestionHandler) GetMessage(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	ctx := c.Request.Context()
	var msg models.IngestionMessage
	if errFind := h.db.WithContext(ctx).First(&msg, "id = ?", id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	var stages []models.IngestionStageLog
	if errFind := h.db.WithContext(ctx).Where("ingestion_message_id = ?", msg.ID).Order("id ASC").Find(&stages).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	view := messageView(&msg)
	stageViews := make([]gin.H, 0, len(stages))
	for i := range stages {
		stageViews = append(stageViews, stageLogView(&stages[i]))
	}
	view["stages"] = stageViews
	c.JSON(http.StatusOK, view)
}

// GetTelemetryLog returns one telemetry log.
func (h *IngestionHandler) GetTelemetryLog(c *gin.Context) {
	var row models.DeviceTelemetryLog
	if errFind := h.db.WithContext(c.Request.Context()).First(&row, "id = ?", strings.TrimSpace(c.Param("id"))).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "telemetry log not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, telemetryLogView(&row))
}
