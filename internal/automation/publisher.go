package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/router-for-me/TelemetryHub/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrVersionNotFound  = errors.New("automation: workflow version not found")
	ErrVersionPublished = errors.New("automation: workflow version already published")
)

// Publisher freezes a workflow version and compiles its triggers.
type Publisher struct {
	db  *gorm.DB
	now func() time.Time
}

// NewPublisher returns a Publisher over db.
func NewPublisher(db *gorm.DB) *Publisher {
	return &Publisher{db: db, now: time.Now}
}

// PublishVersion validates the graph, stores its checksum, compiles telemetry and schedule
// triggers and makes the version the workflow's active version.
func (p *Publisher) PublishVersion(ctx context.Context, versionID uint64) (*models.AutomationWorkflowVersion, error) {
	var version models.AutomationWorkflowVersion
	errTx := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errFind := tx.First(&version, versionID).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return ErrVersionNotFound
			}
			return fmt.Errorf("automation: load version: %w", errFind)
		}
		if version.PublishedAt != nil {
			return ErrVersionPublished
		}
		var workflow models.AutomationWorkflow
		if errFind := tx.First(&workflow, version.AutomationWorkflowID).Error; errFind != nil {
			return fmt.Errorf("automation: load workflow: %w", errFind)
		}

		graph, errParse := ParseGraph(version.GraphJSON)
		if errParse != nil {
			return errParse
		}
		if errValidate := graph.Validate(); errValidate != nil {
			return errValidate
		}
		checksum, errChecksum := graph.Checksum()
		if errChecksum != nil {
			return fmt.Errorf("automation: checksum: %w", errChecksum)
		}

		telemetryTriggers, errCompile := p.compileTelemetryTriggers(ctx, tx, workflow, version.ID, graph)
		if errCompile != nil {
			return errCompile
		}
		scheduleTriggers, errSchedule := p.compileScheduleTriggers(workflow, version.ID, graph)
		if errSchedule != nil {
			return errSchedule
		}

		if errDelete := tx.Where("workflow_version_id = ?", version.ID).Delete(&models.AutomationTelemetryTrigger{}).Error; errDelete != nil {
			return fmt.Errorf("automation: clear telemetry triggers: %w", errDelete)
		}
		if errDelete := tx.Where("workflow_version_id = ?", version.ID).Delete(&models.AutomationScheduleTrigger{}).Error; errDelete != nil {
			return fmt.Errorf("automation: clear schedule triggers: %w", errDelete)
		}
		if len(telemetryTriggers) > 0 {
			if errCreate := tx.Create(&telemetryTriggers).Error; errCreate != nil {
				return fmt.Errorf("automation: create telemetry triggers: %w", errCreate)
			}
		}
		if len(scheduleTriggers) > 0 {
			if errCreate := tx.Create(&scheduleTriggers).Error; errCreate != nil {
				return fmt.Errorf("automation: create schedule triggers: %w", errCreate)
			}
		}

		now := p.now().UTC()
		version.GraphChecksum = checksum
		version.PublishedAt = &now
		if errUpdate := tx.Model(&models.AutomationWorkflowVersion{}).Where("id = ?", version.ID).Updates(map[string]any{
			"graph_checksum": checksum,
			"published_at":   now,
		}).Error; errUpdate != nil {
			return fmt.Errorf("automation: update version: %w", errUpdate)
		}
		if errUpdate := tx.Model(&models.AutomationWorkflow{}).Where("id = ?", workflow.ID).Updates(map[string]any{
			"active_version_id": version.ID,
			"status":            models.WorkflowStatusActive,
		}).Error; errUpdate != nil {
			return fmt.Errorf("automation: activate workflow: %w", errUpdate)
		}

		log.WithFields(log.Fields{
			"workflow_id":         workflow.ID,
			"workflow_version_id": version.ID,
			"telemetry_triggers":  len(telemetryTriggers),
			"schedule_triggers":   len(scheduleTriggers),
		}).Info("automation: workflow version published")
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return &version, nil
}

// compileTelemetryTriggers turns event-mode telemetry-trigger nodes into trigger rows.
// Nodes whose source does not resolve to a device, publish topic and active parameter are skipped.
func (p *Publisher) compileTelemetryTriggers(ctx context.Context, tx *gorm.DB, workflow models.AutomationWorkflow, versionID uint64, graph *Graph) ([]models.AutomationTelemetryTrigger, error) {
	var out []models.AutomationTelemetryTrigger
	seen := map[string]struct{}{}
	for _, node := range graph.Nodes {
		if node.Type != NodeTelemetryTrigger {
			continue
		}
		cfg, ok := decodeConfig[TriggerConfig](node)
		if !ok || cfg.Mode != "event" {
			continue
		}
		if cfg.Source.DeviceID == 0 || cfg.Source.TopicID == 0 || cfg.Source.ParameterDefinitionID == 0 {
			continue
		}

		var device models.Device
		if errFind := tx.WithContext(ctx).Where("organization_id = ?", workflow.OrganizationID).First(&device, uint64(cfg.Source.DeviceID)).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				log.WithField("node_id", node.ID).Warn("automation: trigger source device not found")
				continue
			}
			return nil, fmt.Errorf("automation: load trigger device: %w", errFind)
		}
		if device.DeviceSchemaVersionID == nil {
			continue
		}
		var topic models.SchemaVersionTopic
		errTopic := tx.WithContext(ctx).
			Where("id = ? AND device_schema_version_id = ? AND direction = ?", uint64(cfg.Source.TopicID), *device.DeviceSchemaVersionID, models.TopicDirectionPublish).
			First(&topic).Error
		if errTopic != nil {
			if errors.Is(errTopic, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, fmt.Errorf("automation: load trigger topic: %w", errTopic)
		}
		var parameterCount int64
		if errCount := tx.WithContext(ctx).Model(&models.ParameterDefinition{}).
			Where("id = ? AND schema_version_topic_id = ? AND is_active = ?", uint64(cfg.Source.ParameterDefinitionID), topic.ID, true).
			Count(&parameterCount).Error; errCount != nil {
			return nil, fmt.Errorf("automation: load trigger parameter: %w", errCount)
		}
		if parameterCount == 0 {
			continue
		}

		key := fmt.Sprintf("%d:%d", device.ID, topic.ID)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		deviceID := device.ID
		deviceTypeID := device.DeviceTypeID
		topicID := topic.ID
		trigger := models.AutomationTelemetryTrigger{
			OrganizationID:       workflow.OrganizationID,
			WorkflowVersionID:    versionID,
			DeviceID:             &deviceID,
			DeviceTypeID:         &deviceTypeID,
			SchemaVersionTopicID: &topicID,
		}
		if filter := strings.TrimSpace(string(cfg.Filter)); filter != "" && filter != "null" {
			trigger.FilterExpression = datatypes.JSON(cfg.Filter)
		}
		out = append(out, trigger)
	}
	return out, nil
}

func (p *Publisher) compileScheduleTriggers(workflow models.AutomationWorkflow, versionID uint64, graph *Graph) ([]models.AutomationScheduleTrigger, error) {
	var out []models.AutomationScheduleTrigger
	for _, node := range graph.Nodes {
		if node.Type != NodeScheduleTrigger {
			continue
		}
		cfg, _ := decodeConfig[TriggerConfig](node)
		expression := strings.TrimSpace(cfg.Cron)
		if expression == "" {
			return nil, fmt.Errorf("%w: schedule node %s has no cron expression", ErrInvalidGraph, node.ID)
		}
		timezone := strings.TrimSpace(cfg.Timezone)
		if timezone == "" {
			timezone = "UTC"
		}
		next, errNext := NextRun(expression, timezone, p.now())
		if errNext != nil {
			return nil, fmt.Errorf("%w: schedule node %s: %v", ErrInvalidGraph, node.ID, errNext)
		}
		out = append(out, models.AutomationScheduleTrigger{
			OrganizationID:    workflow.OrganizationID,
			WorkflowVersionID: versionID,
			NodeID:            node.ID,
			CronExpression:    expression,
			Timezone:          timezone,
			NextRunAt:         &next,
			Active:            true,
		})
	}
	return out, nil
}

// NextRun returns the first fire time of a five-field cron expression after from, in UTC.
func NextRun(expression, timezone string, from time.Time) (time.Time, error) {
	schedule, errParse := cron.ParseStandard(expression)
	if errParse != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expression, errParse)
	}
	location, errLocation := time.LoadLocation(timezone)
	if errLocation != nil {
		return time.Time{}, fmt.Errorf("load timezone %q: %w", timezone, errLocation)
	}
	return schedule.Next(from.In(location)).UTC(), nil
}
