package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/router-for-me/TelemetryHub/internal/automation"
	"github.com/router-for-me/TelemetryHub/internal/config"
	"github.com/router-for-me/TelemetryHub/internal/models"
	"github.com/router-for-me/TelemetryHub/internal/schema"
	"github.com/router-for-me/TelemetryHub/internal/security"
	"gorm.io/gorm"
)

// ErrDeviceNotFound is returned when a token is requested for an unknown device.
var ErrDeviceNotFound = errors.New("app: device not found")

// ActivateSchemaVersion validates and activates a device schema version.
func ActivateSchemaVersion(ctx context.Context, cfg config.AppConfig, versionID uint64) (*models.DeviceSchemaVersion, error) {
	_, conn, closer, errLoad := Load(cfg)
	if errLoad != nil {
		return nil, errLoad
	}
	defer func() { _ = closer.Close() }()
	return schema.ActivateVersion(ctx, conn, versionID)
}

// PublishWorkflowVersion freezes a workflow version and compiles its triggers.
func PublishWorkflowVersion(ctx context.Context, cfg config.AppConfig, versionID uint64) (*models.AutomationWorkflowVersion, error) {
	_, conn, closer, errLoad := Load(cfg)
	if errLoad != nil {
		return nil, errLoad
	}
	defer func() { _ = closer.Close() }()
	return automation.NewPublisher(conn).PublishVersion(ctx, versionID)
}

// IssueDeviceToken signs an ingest token for the device with the given uuid.
func IssueDeviceToken(ctx context.Context, cfg config.AppConfig, deviceUUID string) (string, error) {
	conf, conn, closer, errLoad := Load(cfg)
	if errLoad != nil {
		return "", errLoad
	}
	defer func() { _ = closer.Close() }()

	var device models.Device
	if errFind := conn.WithContext(ctx).Where("uuid = ?", strings.TrimSpace(deviceUUID)).First(&device).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return "", ErrDeviceNotFound
		}
		return "", fmt.Errorf("app: load device: %w", errFind)
	}
	return security.GenerateDeviceToken(conf.JWT.Secret, device.UUID, device.OrganizationID, conf.JWT.DeviceTokenExpiry)
}

// IssueAdminToken signs an operator token.
func IssueAdminToken(cfg config.AppConfig, username string) (string, error) {
	jwtCfg, errLoad := config.LoadJWTConfig(config.ResolveConfigPath(cfg.ConfigPath))
	if errLoad != nil {
		return "", errLoad
	}
	return security.GenerateAdminToken(jwtCfg.Secret, strings.TrimSpace(username), jwtCfg.AdminTokenExpiry)
}
