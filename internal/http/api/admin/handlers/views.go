package handlers

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/TelemetryHub/internal/models"
	"gorm.io/datatypes"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// pageQuery defines limit/offset paging shared by list endpoints.
type pageQuery struct {
	Limit  int `form:"limit,default=50"` // Page size.
	Offset int `form:"offset"`           // Rows to skip.
}

func (q pageQuery) normalized() (int, int) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func parseID(c *gin.Context) (uint64, bool) {
	id, errID := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errID != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// rawJSON renders a stored JSON column as-is, or nil when empty.
func rawJSON(value datatypes.JSON) any {
	if len(value) == 0 {
		return nil
	}
	return json.RawMessage(value)
}

func messageView(msg *models.IngestionMessage) gin.H {
	return gin.H{
		"id":                       msg.ID,
		"organization_id":          msg.OrganizationID,
		"device_id":                msg.DeviceID,
		"device_schema_version_id": msg.DeviceSchemaVersionID,
		"schema_version_topic_id":  msg.SchemaVersionTopicID,
		"source_subject":           msg.SourceSubject,
		"source_protocol":          msg.SourceProtocol,
		"source_message_id":        msg.SourceMessageID,
		"source_deduplication_key": msg.SourceDeduplicationKey,
		"raw_payload":              rawJSON(msg.RawPayload),
		"error_summary":            rawJSON(msg.ErrorSummary),
		"status":                   msg.Status,
		"received_at":              msg.ReceivedAt,
		"processed_at":             msg.ProcessedAt,
	}
}

func stageLogView(row *models.IngestionStageLog) gin.H {
	return gin.H{
		"stage":           row.Stage,
		"status":          row.Status,
		"duration_ms":     row.DurationMS,
		"input_snapshot":  rawJSON(row.InputSnapshot),
		"output_snapshot": rawJSON(row.OutputSnapshot),
		"change_set":      rawJSON(row.ChangeSet),
		"errors":          rawJSON(row.Errors),
		"created_at":      row.CreatedAt,
	}
}

func telemetryLogView(row *models.DeviceTelemetryLog) gin.H {
	return gin.H{
		"id":                       row.ID,
		"device_id":                row.DeviceID,
		"device_schema_version_id": row.DeviceSchemaVersionID,
		"schema_version_topic_id":  row.SchemaVersionTopicID,
		"ingestion_message_id":     row.IngestionMessageID,
		"validation_status":        row.ValidationStatus,
		"processing_state":         row.ProcessingState,
		"raw_payload":              rawJSON(row.RawPayload),
		"validation_errors":        rawJSON(row.ValidationErrors),
		"mutated_values":           rawJSON(row.MutatedValues),
		"transformed_values":       rawJSON(row.TransformedValues),
		"recorded_at":              row.RecordedAt,
		"received_at":              row.ReceivedAt,
	}
}

func commandLogView(row *models.DeviceCommandLog) gin.H {
	return gin.H{
		"id":                      row.ID,
		"device_id":               row.DeviceID,
		"schema_version_topic_id": row.SchemaVersionTopicID,
		"user_id":                 row.UserID,
		"command_payload":         rawJSON(row.CommandPayload),
		"correlation_id":          row.CorrelationID,
		"status":                  row.Status,
		"response_payload":        rawJSON(row.ResponsePayload),
		"error_message":           row.ErrorMessage,
		"sent_at":                 row.SentAt,
		"acknowledged_at":         row.AcknowledgedAt,
		"created_at":              row.CreatedAt,
	}
}

func runView(run *models.AutomationRun) gin.H {
	return gin.H{
		"id":                  run.ID,
		"organization_id":     run.OrganizationID,
		"workflow_id":         run.WorkflowID,
		"workflow_version_id": run.WorkflowVersionID,
		"trigger_type":        run.TriggerType,
		"trigger_payload":     rawJSON(run.TriggerPayload),
		"status":              run.Status,
		"started_at":          run.StartedAt,
		"finished_at":         run.FinishedAt,
		"error_summary":       rawJSON(run.ErrorSummary),
		"created_at":          run.CreatedAt,
	}
}

func stepView(step *models.AutomationRunStep) gin.H {
	return gin.H{
		"node_id":         step.NodeID,
		"node_type":       step.NodeType,
		"status":          step.Status,
		"input_snapshot":  rawJSON(step.InputSnapshot),
		"output_snapshot": rawJSON(step.OutputSnapshot),
		"error":           rawJSON(step.Error),
		"started_at":      step.StartedAt,
		"finished_at":     step.FinishedAt,
		"duration_ms":     step.DurationMS,
	}
}
