// Package http assembles the gin engine serving ingestion, inspection and admin routes.
package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/TelemetryHub/internal/automation"
	"github.com/router-for-me/TelemetryHub/internal/config"
	"github.com/router-for-me/TelemetryHub/internal/devicecontrol"
	"github.com/router-for-me/TelemetryHub/internal/hotstate"
	"github.com/router-for-me/TelemetryHub/internal/http/api/admin"
	"github.com/router-for-me/TelemetryHub/internal/http/api/device"
	"github.com/router-for-me/TelemetryHub/internal/ingestion"
	"github.com/router-for-me/TelemetryHub/internal/logging"
	"github.com/router-for-me/TelemetryHub/internal/metrics"
	"gorm.io/gorm"
)

// Deps carries the services the routes need. Nil optional services disable their routes.
type Deps struct {
	DB         *gorm.DB
	JWT        config.JWTConfig
	Metrics    config.MetricsConfig
	Recorder   *metrics.Recorder
	Sink       ingestion.Sink
	HotState   hotstate.Reader
	Publisher  *automation.Publisher
	Dispatcher *devicecontrol.Dispatcher
	Resolver   *ingestion.Resolver
}

// NewRouter builds the gin engine.
func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logging.GinRequestLogger())

	r.GET("/healthz", healthz(deps.DB))
	if deps.Metrics.Enabled && deps.Recorder != nil {
		path := strings.TrimSpace(deps.Metrics.Path)
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(deps.Recorder.Handler()))
	}

	device.RegisterDeviceRoutes(r, deps.DB, deps.JWT, deps.Sink)
	admin.RegisterAdminRoutes(r, admin.Services{
		DB:         deps.DB,
		JWT:        deps.JWT,
		HotState:   deps.HotState,
		Publisher:  deps.Publisher,
		Dispatcher: deps.Dispatcher,
		Resolver:   deps.Resolver,
	})

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}

// healthz checks database connectivity.
func healthz(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
			return
		}
		sqlDB, errDB := db.DB()
		if errDB != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
			return
		}
		if errPing := sqlDB.PingContext(c.Request.Context()); errPing != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
