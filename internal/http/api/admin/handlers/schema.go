package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/TelemetryHub/internal/ingestion"
	"github.com/router-for-me/TelemetryHub/internal/schema"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SchemaHandler activates device schema versions.
type SchemaHandler struct {
	db       *gorm.DB
	resolver *ingestion.Resolver
}

// NewSchemaHandler returns the schema handler. resolver is invalidated after activation.
func NewSchemaHandler(db *gorm.DB, resolver *ingestion.Resolver) *SchemaHandler {
	return &SchemaHandler{db: db, resolver: resolver}
}

// Activate validates the version's derived parameters and marks it active.
func (h *SchemaHandler) Activate(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	version, errActivate := schema.ActivateVersion(c.Request.Context(), h.db, id)
	if errActivate != nil {
		var activationErr *schema.ActivationError
		switch {
		case errors.Is(errActivate, schema.ErrVersionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "schema version not found"})
		case errors.As(errActivate, &activationErr):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   activationErr.Err.Error(),
				"cycle":   activationErr.Cycle,
				"missing": activationErr.Missing,
			})
		case errors.Is(errActivate, schema.ErrInvalidExpression):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": errActivate.Error()})
		default:
			log.WithError(errActivate).WithField("schema_version_id", id).Error("http: activate schema version")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "activation failed"})
		}
		return
	}
	if h.resolver != nil {
		h.resolver.Invalidate()
	}
	c.JSON(http.StatusOK, gin.H{
		"id":           version.ID,
		"status":       version.Status,
		"activated_at": version.ActivatedAt,
	})
}
