package admin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/TelemetryHub/internal/automation"
	"github.com/router-for-me/TelemetryHub/internal/config"
	"github.com/router-for-me/TelemetryHub/internal/devicecontrol"
	"github.com/router-for-me/TelemetryHub/internal/hotstate"
	"github.com/router-for-me/TelemetryHub/internal/http/api/admin/handlers"
	"github.com/router-for-me/TelemetryHub/internal/ingestion"
	"github.com/router-for-me/TelemetryHub/internal/security"
	"gorm.io/gorm"
)

// Services holds the dependencies of the operator routes.
type Services struct {
	DB         *gorm.DB
	JWT        config.JWTConfig
	HotState   hotstate.Reader
	Publisher  *automation.Publisher
	Dispatcher *devicecontrol.Dispatcher
	Resolver   *ingestion.Resolver
}

// RegisterAdminRoutes registers inspection and administration routes behind the admin token.
func RegisterAdminRoutes(r *gin.Engine, svc Services) {
	if r == nil || svc.DB == nil {
		return
	}
	group := r.Group("/v1")
	group.Use(adminAuthMiddleware(svc.JWT))

	ingestionHandler := handlers.NewIngestionHandler(svc.DB)
	group.GET("/ingestion-messages", ingestionHandler.ListMessages)
	group.GET("/ingestion-messages/:id", ingestionHandler.GetMessage)
	group.GET("/telemetry-logs/:id", ingestionHandler.GetTelemetryLog)

	deviceHandler := handlers.NewDeviceHandler(svc.DB, svc.HotState, svc.Dispatcher)
	group.GET("/devices/:uuid/state", deviceHandler.State)
	group.GET("/devices/:uuid/telemetry-logs", deviceHandler.TelemetryLogs)
	group.GET("/devices/:uuid/commands", deviceHandler.Commands)
	group.POST("/devices/:uuid/commands", deviceHandler.SendCommand)

	automationHandler := handlers.NewAutomationHandler(svc.DB, svc.Publisher)
	group.GET("/automation/runs/:id", automationHandler.GetRun)
	group.GET("/automation/workflows/:id/runs", automationHandler.ListRuns)
	group.POST("/admin/workflow-versions/:id/publish", automationHandler.Publish)

	schemaHandler := handlers.NewSchemaHandler(svc.DB, svc.Resolver)
	group.POST("/admin/schema-versions/:id/activate", schemaHandler.Activate)

	settingsHandler := handlers.NewSettingsHandler(svc.DB)
	group.GET("/admin/settings", settingsHandler.List)
	group.PUT("/admin/settings/:key", settingsHandler.Update)
}

// adminAuthMiddleware validates admin JWTs.
func adminAuthMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
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
		claims, errJWT := security.ParseAdminToken(jwtCfg.Secret, strings.TrimSpace(token))
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("adminUsername", claims.Username)
		c.Next()
	}
}
