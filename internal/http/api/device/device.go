package device

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/TelemetryHub/internal/config"
	"github.com/router-for-me/TelemetryHub/internal/http/api/device/handlers"
	"github.com/router-for-me/TelemetryHub/internal/ingestion"
	"github.com/router-for-me/TelemetryHub/internal/models"
	"github.com/router-for-me/TelemetryHub/internal/security"
	"gorm.io/gorm"
)

// RegisterDeviceRoutes registers the routes devices call with their bearer token.
func RegisterDeviceRoutes(r *gin.Engine, db *gorm.DB, jwtCfg config.JWTConfig, sink ingestion.Sink) {
	if r == nil || db == nil || sink == nil {
		return
	}
	group := r.Group("/v1")
	group.Use(deviceAuthMiddleware(db, jwtCfg))

	telemetryHandler := handlers.NewTelemetryHandler(sink)
	group.POST("/telemetry", telemetryHandler.Ingest)
}

// deviceAuthMiddleware validates device JWTs and stores the device identity in context.
func deviceAuthMiddleware(db *gorm.DB, jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseDeviceToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		var dev models.Device
		if errFind := db.WithContext(c.Request.Context()).
			Select("id", "uuid", "organization_id").
			Where("uuid = ?", claims.DeviceUUID).
			First(&dev).Error; errFind != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "device not found"})
			return
		}
		if dev.OrganizationID != claims.OrganizationID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "device organization mismatch"})
			return
		}

		c.Set(handlers.DeviceUUIDKey, dev.UUID)
		c.Next()
	}
}
