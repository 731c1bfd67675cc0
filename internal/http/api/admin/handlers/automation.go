package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/TelemetryHub/internal/automation"
	"github.com/router-for-me/TelemetryHub/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AutomationHandler serves workflow runs and version publishing.
type AutomationHandler struct {
	db        *gorm.DB
	publisher *automation.Publisher
}

// NewAutomationHandler returns the workflow handler.
func NewAutomationHandler(db *gorm.DB, publisher *automation.Publisher) *AutomationHandler {
	return &AutomationHandler{db: db, publisher: publisher}
}

// GetRun returns one run with its steps in execution order.
func (h *AutomationHandler) GetRun(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var run models.AutomationRun
	errFind := h.db.WithContext(c.Request.Context()).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		First(&run, id).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	view := runView(&run)
	steps := make([]gin.H, 0, len(run.Steps))
	for i := range run.Steps {
		steps = append(steps, stepView(&run.Steps[i]))
	}
	view["steps"] = steps
	c.JSON(http.StatusOK, view)
}

type runListQuery struct {
	pageQuery
	Status string `form:"status"` // Status filter.
}

// ListRuns lists the runs of a workflow, newest first.
func (h *AutomationHandler) ListRuns(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var q runListQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	limit, offset := q.normalized()
	query := h.db.WithContext(c.Request.Context()).Where("workflow_id = ?", id)
	if status := strings.TrimSpace(q.Status); status != "" {
		query = query.Where("status = ?", status)
	}
	var rows []models.AutomationRun
	if errFind := query.Order("id DESC").Limit(limit).Offset(offset).Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	items := make([]gin.H, 0, len(rows))
	for i := range rows {
		items = append(items, runView(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "limit": limit, "offset": offset})
}

// Publish freezes a workflow version and compiles its triggers.
func (h *AutomationHandler) Publish(c *gin.Context) {
	if h.publisher == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "automation is disabled"})
		return
	}
	id, ok := parseID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	version, errPublish := h.publisher.PublishVersion(c.Request.Context(), id)
	switch {
	case errPublish == nil:
	case errors.Is(errPublish, automation.ErrVersionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "workflow version not found"})
		return
	case errors.Is(errPublish, automation.ErrVersionPublished):
		c.JSON(http.StatusConflict, gin.H{"error": "workflow version already published"})
		return
	case errors.Is(errPublish, automation.ErrInvalidGraph):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": errPublish.Error()})
		return
	default:
		log.WithError(errPublish).WithField("workflow_version_id", id).Error("http: publish workflow version")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "publish failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":             version.ID,
		"workflow_id":    version.AutomationWorkflowID,
		"version":        version.Version,
		"graph_checksum": version.GraphChecksum,
		"published_at":   version.PublishedAt,
	})
}
