package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/router-for-me/TelemetryHub/internal/jsonlogic"
	"github.com/router-for-me/TelemetryHub/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Matcher finds the active workflow versions triggered by a telemetry log.
type Matcher struct {
	db *gorm.DB
}

// NewMatcher returns a Matcher that reads published versions from db.
func NewMatcher(db *gorm.DB) *Matcher {
	return &Matcher{db: db}
}

// Match returns the distinct workflow version ids whose telemetry triggers cover the log's
// organization, device, device type and topic, and whose filter accepts the transformed values.
func (m *Matcher) Match(ctx context.Context, telemetryLog *models.DeviceTelemetryLog) ([]uint64, error) {
	if telemetryLog == nil {
		return nil, nil
	}
	device := telemetryLog.Device
	if device == nil {
		var loaded models.Device
		if errFind := m.db.WithContext(ctx).First(&loaded, telemetryLog.DeviceID).Error; errFind != nil {
			return nil, fmt.Errorf("automation: load device: %w", errFind)
		}
		device = &loaded
	}
	var topicID uint64
	if telemetryLog.SchemaVersionTopicID != nil {
		topicID = *telemetryLog.SchemaVersionTopicID
	}

	var triggers []models.AutomationTelemetryTrigger
	errFind := m.db.WithContext(ctx).
		Model(&models.AutomationTelemetryTrigger{}).
		Select("automation_telemetry_triggers.*").
		Joins("JOIN automation_workflow_versions ON automation_workflow_versions.id = automation_telemetry_triggers.workflow_version_id").
		Joins("JOIN automation_workflows ON automation_workflows.id = automation_workflow_versions.automation_workflow_id").
		Where("automation_workflows.status = ?", models.WorkflowStatusActive).
		Where("automation_workflows.active_version_id = automation_workflow_versions.id").
		Where("automation_telemetry_triggers.organization_id = ?", device.OrganizationID).
		Where("(automation_telemetry_triggers.device_id IS NULL OR automation_telemetry_triggers.device_id = ?)", device.ID).
		Where("(automation_telemetry_triggers.device_type_id IS NULL OR automation_telemetry_triggers.device_type_id = ?)", device.DeviceTypeID).
		Where("(automation_telemetry_triggers.schema_version_topic_id IS NULL OR automation_telemetry_triggers.schema_version_topic_id = ?)", topicID).
		Order("automation_telemetry_triggers.id ASC").
		Find(&triggers).Error
	if errFind != nil {
		return nil, fmt.Errorf("automation: match triggers: %w", errFind)
	}
	if len(triggers) == 0 {
		return nil, nil
	}

	values := map[string]any{}
	if len(telemetryLog.TransformedValues) > 0 {
		_ = json.Unmarshal(telemetryLog.TransformedValues, &values)
	}

	seen := map[uint64]struct{}{}
	var out []uint64
	for _, trigger := range triggers {
		if _, dup := seen[trigger.WorkflowVersionID]; dup {
			continue
		}
		if !filterAccepts(trigger, values) {
			continue
		}
		seen[trigger.WorkflowVersionID] = struct{}{}
		out = append(out, trigger.WorkflowVersionID)
	}
	return out, nil
}

func filterAccepts(trigger models.AutomationTelemetryTrigger, values map[string]any) bool {
	raw := strings.TrimSpace(string(trigger.FilterExpression))
	if raw == "" || raw == "null" {
		return true
	}
	result, errEval := jsonlogic.EvaluateJSON([]byte(raw), values)
	if errEval != nil {
		log.WithError(errEval).WithField("trigger_id", trigger.ID).Warn("automation: trigger filter is invalid")
		return false
	}
	return jsonlogic.Truthy(result)
}
