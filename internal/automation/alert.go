package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/router-for-me/TelemetryHub/internal/models"
	"github.com/router-for-me/TelemetryHub/internal/schema"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// Alert channels. Both store the alert; email alerts are delivered from the stored row.
const (
	AlertChannelRecord = "record"
	AlertChannelEmail  = "email"
)

// Alert node step reasons.
const (
	ReasonAlertConfigMissing    = "alert_config_missing"
	ReasonAlertConfigIncomplete = "alert_config_incomplete"
	ReasonAlertChannelInvalid   = "alert_channel_unsupported"
	ReasonAlertRecipientInvalid = "alert_recipients_invalid"
	ReasonAlertRecipientMissing = "alert_recipients_missing"
	ReasonAlertContentEmpty     = "alert_rendered_content_empty"
	ReasonAlertCooldownActive   = "alert_cooldown_active"
	ReasonAlertDispatchFailed   = "alert_dispatch_failed"
)

const defaultAlertCooldown = 30 * time.Minute

var templatePlaceholder = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// runAlert renders and stores the alert unless an earlier alert for the same version, node,
// device and topic is still cooling down. It returns the step status, output and error.
func (e *Executor) runAlert(ctx context.Context, exec *execution, node Node, execCtx map[string]any) (models.StepStatus, map[string]any, map[string]any) {
	cfg, ok := decodeConfig[AlertConfig](node)
	if !ok || (cfg.Channel == "" && cfg.Subject == "" && cfg.Body == "" && len(cfg.Recipients) == 0 && cfg.Cooldown == nil) {
		return models.StepStatusSkipped, map[string]any{"reason": ReasonAlertConfigMissing}, nil
	}
	channel := strings.ToLower(strings.TrimSpace(cfg.Channel))
	if channel == "" {
		channel = AlertChannelRecord
	}
	if channel != AlertChannelRecord && channel != AlertChannelEmail {
		return models.StepStatusFailed, map[string]any{}, map[string]any{"reason": ReasonAlertChannelInvalid, "channel": cfg.Channel}
	}
	if strings.TrimSpace(cfg.Subject) == "" || strings.TrimSpace(cfg.Body) == "" {
		return models.StepStatusFailed, map[string]any{}, map[string]any{"reason": ReasonAlertConfigIncomplete}
	}
	recipients, errRecipients := normalizeRecipients(cfg.Recipients)
	if errRecipients != nil {
		return models.StepStatusFailed, map[string]any{}, map[string]any{"reason": ReasonAlertRecipientInvalid, "message": errRecipients.Error()}
	}
	if channel == AlertChannelEmail && len(recipients) == 0 {
		return models.StepStatusFailed, map[string]any{}, map[string]any{"reason": ReasonAlertRecipientMissing}
	}

	cooldown := defaultAlertCooldown
	cooldownOut := map[string]any{"value": 30, "unit": "minute"}
	if cfg.Cooldown != nil {
		if span, okSpan := windowDuration(cfg.Cooldown.Value, cfg.Cooldown.Unit); okSpan {
			cooldown = span
			cooldownOut = map[string]any{"value": cfg.Cooldown.Value, "unit": strings.ToLower(strings.TrimSpace(cfg.Cooldown.Unit))}
		}
	}

	templateCtx := alertTemplateContext(exec.run, execCtx, node.ID, cooldownOut)
	subject := strings.TrimSpace(renderTemplate(cfg.Subject, templateCtx))
	body := strings.TrimSpace(renderTemplate(cfg.Body, templateCtx))
	if subject == "" || body == "" {
		return models.StepStatusFailed, map[string]any{}, map[string]any{"reason": ReasonAlertContentEmpty}
	}

	now := e.now().UTC()
	key := alertCooldownKey(exec.run.WorkflowVersionID, node.ID, execCtx)
	var active int64
	errActive := e.db.WithContext(ctx).Model(&models.AutomationAlert{}).
		Where("cooldown_key = ? AND cooldown_until > ?", key, now).
		Count(&active).Error
	if errActive != nil {
		return models.StepStatusFailed, map[string]any{}, map[string]any{"reason": ReasonAlertDispatchFailed, "message": errActive.Error()}
	}
	if active > 0 {
		return models.StepStatusSkipped, map[string]any{"reason": ReasonAlertCooldownActive, "cooldown_key": key, "cooldown": cooldownOut}, nil
	}

	recipientsJSON, _ := json.Marshal(recipients)
	alert := &models.AutomationAlert{
		OrganizationID:    exec.run.OrganizationID,
		AutomationRunID:   exec.run.ID,
		WorkflowVersionID: exec.run.WorkflowVersionID,
		NodeID:            node.ID,
		CooldownKey:       key,
		Channel:           channel,
		Recipients:        datatypes.JSON(recipientsJSON),
		Subject:           subject,
		Body:              body,
		Context:           snapshot(templateCtx),
		CooldownUntil:     now.Add(cooldown),
	}
	if errCreate := e.db.WithContext(ctx).Create(alert).Error; errCreate != nil {
		return models.StepStatusFailed, map[string]any{}, map[string]any{"reason": ReasonAlertDispatchFailed, "message": errCreate.Error()}
	}

	log.WithFields(log.Fields{
		"run_correlation_id": exec.runCorrelationID,
		"node_id":            node.ID,
		"alert_id":           alert.ID,
		"channel":            channel,
		"recipient_count":    len(recipients),
	}).Info("automation: alert raised")
	return models.StepStatusCompleted, map[string]any{
		"alert_id":     alert.ID,
		"channel":      channel,
		"subject":      subject,
		"body":         body,
		"recipients":   recipients,
		"cooldown":     cooldownOut,
		"cooldown_key": key,
	}, nil
}

func normalizeRecipients(raw []string) ([]string, error) {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(raw))
	for _, recipient := range raw {
		email := strings.ToLower(strings.TrimSpace(recipient))
		if email == "" {
			continue
		}
		address, errParse := mail.ParseAddress(email)
		if errParse != nil || address.Address != email {
			return nil, fmt.Errorf("invalid recipient %q", recipient)
		}
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}
	return out, nil
}

func alertTemplateContext(run *models.AutomationRun, execCtx map[string]any, nodeID string, cooldown map[string]any) map[string]any {
	templateCtx := map[string]any{
		"run": map[string]any{
			"id":                  run.ID,
			"organization_id":     run.OrganizationID,
			"workflow_id":         run.WorkflowID,
			"workflow_version_id": run.WorkflowVersionID,
			"trigger_type":        run.TriggerType,
		},
		"trigger": execCtx["trigger"],
		"payload": execCtx["payload"],
		"query":   execCtx["query"],
		"queries": execCtx["queries"],
		"alert":   map[string]any{"node_id": nodeID, "cooldown": cooldown},
	}
	templateCtx["run_id"] = run.ID
	templateCtx["workflow_id"] = run.WorkflowID
	templateCtx["workflow_version_id"] = run.WorkflowVersionID
	templateCtx["trigger_value"] = schema.Extract(templateCtx, "trigger.value")
	templateCtx["query_value"] = schema.Extract(templateCtx, "query.value")
	templateCtx["window_start"] = schema.Extract(templateCtx, "query.window.start")
	templateCtx["window_end"] = schema.Extract(templateCtx, "query.window.end")
	return templateCtx
}

// renderTemplate replaces {{ path }} placeholders. Maps and slices render as JSON, missing values as "".
func renderTemplate(template string, templateCtx map[string]any) string {
	return templatePlaceholder.ReplaceAllStringFunc(template, func(match string) string {
		path := templatePlaceholder.FindStringSubmatch(match)[1]
		switch value := schema.Extract(templateCtx, path).(type) {
		case nil:
			return ""
		case string:
			return value
		case map[string]any, []any:
			encoded, errMarshal := json.Marshal(value)
			if errMarshal != nil {
				return ""
			}
			return string(encoded)
		default:
			return fmt.Sprint(value)
		}
	})
}

func alertCooldownKey(versionID uint64, nodeID string, execCtx map[string]any) string {
	deviceID, topicID := "none", "none"
	if trigger, ok := execCtx["trigger"].(map[string]any); ok {
		if value, ok := trigger["device_id"]; ok && value != nil {
			deviceID = fmt.Sprint(value)
		}
		if value, ok := trigger["schema_version_topic_id"]; ok && value != nil {
			topicID = fmt.Sprint(value)
		}
	}
	node := nodeIDSanitizer.ReplaceAllString(nodeID, "_")
	return fmt.Sprintf("automation:alert-cooldown:%d:%s:%s:%s", versionID, node, deviceID, topicID)
}
