package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/router-for-me/TelemetryHub/internal/devicecontrol"
	"github.com/router-for-me/TelemetryHub/internal/jsonlogic"
	"github.com/router-for-me/TelemetryHub/internal/models"
	"github.com/router-for-me/TelemetryHub/internal/schema"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Step error reasons.
const (
	ReasonNoMatchingTriggerNodes  = "no_matching_trigger_nodes"
	ReasonConditionMissingLogic   = "condition_config_missing_json_logic"
	ReasonConditionInvalidLogic   = "condition_config_invalid_json_logic"
	ReasonCommandConfigIncomplete = "command_config_incomplete"
	ReasonCommandDeviceInvalid    = "command_target_device_invalid"
	ReasonCommandTopicInvalid     = "command_target_topic_invalid"
	ReasonCommandPayloadInvalid   = "command_payload_invalid"
	ReasonCommandDispatchFailed   = "command_dispatch_failed"
	ReasonNodeTypeNotImplemented  = "node_type_not_implemented"
	ReasonNodeExecutionFailed     = "node_execution_failed"
	ReasonExecutionException      = "workflow_execution_exception"
)

var (
	errConditionConfig = errors.New("automation: condition node configuration is invalid")
	errTriggerNode     = errors.New("automation: schedule trigger node not found in graph")

	nodeIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
)

// CommandDispatcher records and publishes a device command.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, device *models.Device, topic *models.SchemaVersionTopic, payload map[string]any, userID *uint64) (*models.DeviceCommandLog, error)
}

// StepSummary is the in-memory trace entry of one recorded step.
type StepSummary struct {
	NodeID        string            `json:"node_id"`
	NodeType      string            `json:"node_type"`
	Status        models.StepStatus `json:"status"`
	CorrelationID string            `json:"step_correlation_id"`
}

// Result is the outcome of executing one run's graph.
type Result struct {
	Status models.RunStatus
	Steps  []StepSummary
	Error  map[string]any
}

// Executor walks a workflow graph and records a step per visited node.
type Executor struct {
	db         *gorm.DB
	dispatcher CommandDispatcher
	flags      FlagSource
	now        func() time.Time
}

// NewExecutor returns an Executor that sends command nodes through dispatcher.
func NewExecutor(db *gorm.DB, dispatcher CommandDispatcher, flags FlagSource) *Executor {
	if flags == nil {
		flags = StaticFlags{Enabled: true}
	}
	return &Executor{db: db, dispatcher: dispatcher, flags: flags, now: time.Now}
}

type triggerContext struct {
	node    Node
	trigger map[string]any
	payload map[string]any
}

// execution carries the mutable state of one graph walk.
type execution struct {
	run              *models.AutomationRun
	nodes            map[string]Node
	edges            map[string][]string
	runCorrelationID string
	sequence         int
	steps            []StepSummary
	commandFailed    bool
	nodeFailed       bool
}

// ExecuteTelemetryRun runs every telemetry-trigger node whose source matches the log.
// A returned error means graph execution itself broke; node-level failures are in the steps.
func (e *Executor) ExecuteTelemetryRun(ctx context.Context, run *models.AutomationRun, graph *Graph, telemetryLog *models.DeviceTelemetryLog, runCorrelationID string) (*Result, error) {
	nodes, edges := graph.index()
	exec := &execution{run: run, nodes: nodes, edges: edges, runCorrelationID: runCorrelationID}
	fields := log.Fields{
		"run_correlation_id":  runCorrelationID,
		"automation_run_id":   run.ID,
		"workflow_version_id": run.WorkflowVersionID,
		"telemetry_log_id":    telemetryLog.ID,
	}

	contexts, errContexts := e.telemetryTriggerContexts(ctx, graph, telemetryLog)
	if errContexts != nil {
		return nil, errContexts
	}
	if len(contexts) == 0 {
		log.WithFields(fields).Warn("automation: no matching trigger nodes")
		return &Result{Status: models.RunStatusCompleted, Error: map[string]any{"reason": ReasonNoMatchingTriggerNodes}}, nil
	}
	log.WithFields(fields).WithField("trigger_node_matches", len(contexts)).Info("automation: execution started")

	for _, trigger := range contexts {
		started := e.now()
		input := map[string]any{
			"telemetry_log_id":        telemetryLog.ID,
			"device_id":               telemetryLog.DeviceID,
			"schema_version_topic_id": telemetryLog.SchemaVersionTopicID,
		}
		if errRecord := e.recordStep(ctx, exec, trigger.node, models.StepStatusCompleted, input, trigger.trigger, nil, started); errRecord != nil {
			return nil, errRecord
		}
		execCtx := map[string]any{"trigger": trigger.trigger, "payload": trigger.payload}
		for _, next := range edges[trigger.node.ID] {
			if errExec := e.executeFrom(ctx, exec, next, execCtx); errExec != nil {
				return nil, errExec
			}
		}
	}
	return e.finish(exec, fields), nil
}

// ExecuteScheduleRun walks the graph from the schedule trigger node that fired.
func (e *Executor) ExecuteScheduleRun(ctx context.Context, run *models.AutomationRun, graph *Graph, trigger *models.AutomationScheduleTrigger, scheduledFor time.Time, runCorrelationID string) (*Result, error) {
	nodes, edges := graph.index()
	exec := &execution{run: run, nodes: nodes, edges: edges, runCorrelationID: runCorrelationID}
	fields := log.Fields{
		"run_correlation_id":  runCorrelationID,
		"automation_run_id":   run.ID,
		"workflow_version_id": run.WorkflowVersionID,
		"schedule_trigger_id": trigger.ID,
	}
	node, ok := nodes[trigger.NodeID]
	if !ok || node.Type != NodeScheduleTrigger {
		return nil, fmt.Errorf("%w: %s", errTriggerNode, trigger.NodeID)
	}

	triggerValues := map[string]any{
		"schedule_trigger_id": trigger.ID,
		"cron":                trigger.CronExpression,
		"timezone":            trigger.Timezone,
		"scheduled_for":       scheduledFor.UTC().Format(time.RFC3339),
	}
	input := map[string]any{"schedule_trigger_id": trigger.ID, "scheduled_for": triggerValues["scheduled_for"]}
	if errRecord := e.recordStep(ctx, exec, node, models.StepStatusCompleted, input, triggerValues, nil, e.now()); errRecord != nil {
		return nil, errRecord
	}
	execCtx := map[string]any{"trigger": triggerValues, "payload": map[string]any{}}
	for _, next := range edges[node.ID] {
		if errExec := e.executeFrom(ctx, exec, next, execCtx); errExec != nil {
			return nil, errExec
		}
	}
	return e.finish(exec, fields), nil
}

func (e *Executor) finish(exec *execution, fields log.Fields) *Result {
	result := &Result{Status: models.RunStatusCompleted, Steps: exec.steps}
	switch {
	case exec.commandFailed && e.flags.AutomationFlags().FailRunOnCommandError:
		result.Status = models.RunStatusFailed
		result.Error = map[string]any{"reason": ReasonCommandDispatchFailed}
	case exec.nodeFailed:
		result.Status = models.RunStatusFailed
		result.Error = map[string]any{"reason": ReasonNodeExecutionFailed}
	}
	log.WithFields(fields).WithFields(log.Fields{
		"status":     result.Status,
		"step_count": len(exec.steps),
	}).Info("automation: execution finished")
	return result
}

func (e *Executor) executeFrom(ctx context.Context, exec *execution, nodeID string, execCtx map[string]any) error {
	if errCtx := ctx.Err(); errCtx != nil {
		return errCtx
	}
	node, ok := exec.nodes[nodeID]
	if !ok || node.Type == "" {
		return nil
	}
	started := e.now()
	input := map[string]any{"context": execCtx}

	switch node.Type {
	case NodeCondition:
		passed, output, stepErr, errEval := e.runCondition(node, execCtx)
		if errEval != nil {
			if errRecord := e.recordStep(ctx, exec, node, models.StepStatusFailed, input, output, stepErr, started); errRecord != nil {
				return errRecord
			}
			return errEval
		}
		if errRecord := e.recordStep(ctx, exec, node, models.StepStatusCompleted, input, output, nil, started); errRecord != nil {
			return errRecord
		}
		if !passed {
			return nil
		}
	case NodeCommand:
		output, stepErr := e.runCommand(ctx, exec, node)
		if stepErr != nil {
			if reason, _ := stepErr["reason"].(string); reason == ReasonCommandDispatchFailed {
				exec.commandFailed = true
			}
			return e.recordStep(ctx, exec, node, models.StepStatusFailed, input, output, stepErr, started)
		}
		if errRecord := e.recordStep(ctx, exec, node, models.StepStatusCompleted, input, output, nil, started); errRecord != nil {
			return errRecord
		}
	case NodeQuery:
		nextCtx, output, stepErr := e.runQuery(ctx, exec, node, execCtx)
		if stepErr != nil {
			exec.nodeFailed = true
			return e.recordStep(ctx, exec, node, models.StepStatusFailed, input, output, stepErr, started)
		}
		if errRecord := e.recordStep(ctx, exec, node, models.StepStatusCompleted, input, output, nil, started); errRecord != nil {
			return errRecord
		}
		execCtx = nextCtx
	case NodeAlert:
		status, output, stepErr := e.runAlert(ctx, exec, node, execCtx)
		if errRecord := e.recordStep(ctx, exec, node, status, input, output, stepErr, started); errRecord != nil {
			return errRecord
		}
		if status == models.StepStatusFailed {
			exec.nodeFailed = true
			return nil
		}
	default:
		output := map[string]any{"reason": ReasonNodeTypeNotImplemented}
		if errRecord := e.recordStep(ctx, exec, node, models.StepStatusSkipped, input, output, nil, started); errRecord != nil {
			return errRecord
		}
	}

	for _, next := range exec.edges[nodeID] {
		if errExec := e.executeFrom(ctx, exec, next, execCtx); errExec != nil {
			return errExec
		}
	}
	return nil
}

// runCondition evaluates json_logic against the payload merged with trigger and payload keys,
// plus query and queries once a query node has run.
// A missing or malformed expression is a configuration error and stops the run.
func (e *Executor) runCondition(node Node, execCtx map[string]any) (bool, map[string]any, map[string]any, error) {
	cfg, _ := decodeConfig[ConditionConfig](node)
	raw := strings.TrimSpace(string(cfg.JSONLogic))
	if raw == "" || raw == "null" || raw == "{}" || raw == "[]" {
		return false, map[string]any{}, map[string]any{"reason": ReasonConditionMissingLogic}, fmt.Errorf("%w: node %s has no json_logic", errConditionConfig, node.ID)
	}
	tree, errParse := jsonlogic.ParseJSON([]byte(raw))
	if errParse != nil {
		return false, map[string]any{}, map[string]any{"reason": ReasonConditionInvalidLogic, "message": errParse.Error()}, fmt.Errorf("%w: node %s: %v", errConditionConfig, node.ID, errParse)
	}

	data := map[string]any{}
	if payload, ok := execCtx["payload"].(map[string]any); ok {
		for key, value := range payload {
			data[key] = value
		}
	}
	data["trigger"] = execCtx["trigger"]
	data["payload"] = execCtx["payload"]
	if query, ok := execCtx["query"]; ok {
		data["query"] = query
		data["queries"] = execCtx["queries"]
	}

	result := jsonlogic.Evaluate(tree, data)
	passed := jsonlogic.Truthy(result)
	log.WithFields(log.Fields{"node_id": node.ID, "passed": passed}).Debug("automation: condition evaluated")
	return passed, map[string]any{"passed": passed, "evaluation_result": result}, nil, nil
}

// runCommand resolves the target, builds and validates the payload, and dispatches it.
// It returns the step output and, for a failed step, the step error.
func (e *Executor) runCommand(ctx context.Context, exec *execution, node Node) (map[string]any, map[string]any) {
	cfg, ok := decodeConfig[CommandConfig](node)
	if !ok || cfg.Target.DeviceID == 0 || cfg.Target.TopicID == 0 {
		return map[string]any{}, map[string]any{"reason": ReasonCommandConfigIncomplete}
	}
	mode := strings.TrimSpace(cfg.PayloadMode)
	if mode == "" {
		mode = PayloadModeJSON
	}
	payload := cfg.Payload
	if mode == PayloadModeJSON && payload == nil && strings.TrimSpace(cfg.RawPayload) != "" {
		parsed, errParse := devicecontrol.ParseRawPayload(cfg.RawPayload)
		if errParse != nil {
			return map[string]any{}, map[string]any{"reason": ReasonCommandPayloadInvalid, "message": errParse.Error()}
		}
		payload = parsed
	}
	if payload == nil {
		return map[string]any{}, map[string]any{"reason": ReasonCommandConfigIncomplete}
	}

	var device models.Device
	errDevice := e.db.WithContext(ctx).
		Preload("DeviceType").
		Where("organization_id = ?", exec.run.OrganizationID).
		First(&device, uint64(cfg.Target.DeviceID)).Error
	if errDevice != nil || device.DeviceSchemaVersionID == nil {
		return map[string]any{}, map[string]any{"reason": ReasonCommandDeviceInvalid}
	}
	var topic models.SchemaVersionTopic
	errTopic := e.db.WithContext(ctx).
		Where("id = ? AND device_schema_version_id = ? AND direction = ?", uint64(cfg.Target.TopicID), *device.DeviceSchemaVersionID, models.TopicDirectionSubscribe).
		First(&topic).Error
	if errTopic != nil {
		return map[string]any{}, map[string]any{"reason": ReasonCommandTopicInvalid}
	}

	parameters, errParams := schema.LoadTopicParameters(ctx, e.db, topic.ID)
	if errParams != nil {
		return map[string]any{}, map[string]any{"reason": ReasonCommandPayloadInvalid, "message": errParams.Error()}
	}
	if mode == PayloadModeSchemaForm {
		payload = devicecontrol.BuildSchemaPayload(parameters, payload)
	}
	if failures := devicecontrol.ValidatePayload(parameters, payload); len(failures) > 0 {
		return map[string]any{"payload": payload}, map[string]any{"reason": ReasonCommandPayloadInvalid, "errors": failures}
	}

	if e.dispatcher == nil {
		return map[string]any{"payload": payload}, map[string]any{"reason": ReasonCommandDispatchFailed, "message": "command transport is not configured"}
	}
	commandLog, errDispatch := e.dispatcher.Dispatch(ctx, &device, &topic, payload, nil)
	if errDispatch != nil {
		return map[string]any{}, map[string]any{"reason": ReasonCommandDispatchFailed, "message": errDispatch.Error()}
	}
	if commandLog.Status == models.CommandStatusFailed {
		output := map[string]any{"command_log_id": commandLog.ID, "command_status": commandLog.Status}
		return output, map[string]any{"reason": ReasonCommandDispatchFailed, "message": commandLog.ErrorMessage}
	}
	return map[string]any{
		"command_log_id":   commandLog.ID,
		"command_status":   commandLog.Status,
		"target_device_id": device.ID,
		"target_topic_id":  topic.ID,
		"payload":          payload,
	}, nil
}

// telemetryTriggerContexts selects telemetry-trigger nodes sourced from the log's device and topic
// and resolves the watched parameter value from the transformed values.
func (e *Executor) telemetryTriggerContexts(ctx context.Context, graph *Graph, telemetryLog *models.DeviceTelemetryLog) ([]triggerContext, error) {
	var topicID uint64
	if telemetryLog.SchemaVersionTopicID != nil {
		topicID = *telemetryLog.SchemaVersionTopicID
	}
	type candidate struct {
		node        Node
		parameterID uint64
	}
	var candidates []candidate
	var parameterIDs []uint64
	for _, node := range graph.Nodes {
		if node.Type != NodeTelemetryTrigger {
			continue
		}
		cfg, ok := decodeConfig[TriggerConfig](node)
		if !ok || cfg.Source.DeviceID == 0 || cfg.Source.TopicID == 0 || cfg.Source.ParameterDefinitionID == 0 {
			continue
		}
		if uint64(cfg.Source.DeviceID) != telemetryLog.DeviceID || uint64(cfg.Source.TopicID) != topicID {
			continue
		}
		candidates = append(candidates, candidate{node: node, parameterID: uint64(cfg.Source.ParameterDefinitionID)})
		parameterIDs = append(parameterIDs, uint64(cfg.Source.ParameterDefinitionID))
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var rows []models.ParameterDefinition
	if errFind := e.db.WithContext(ctx).Where("id IN ?", parameterIDs).Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("automation: load trigger parameters: %w", errFind)
	}
	byID := make(map[uint64]models.ParameterDefinition, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}

	payload := map[string]any{}
	if len(telemetryLog.TransformedValues) > 0 {
		_ = json.Unmarshal(telemetryLog.TransformedValues, &payload)
	}

	var out []triggerContext
	for _, c := range candidates {
		definition, ok := byID[c.parameterID]
		if !ok || definition.SchemaVersionTopicID != topicID {
			continue
		}
		out = append(out, triggerContext{
			node: c.node,
			trigger: map[string]any{
				"value":                   triggerValue(payload, definition),
				"parameter_definition_id": definition.ID,
				"parameter_key":           definition.Key,
				"device_id":               telemetryLog.DeviceID,
				"schema_version_topic_id": topicID,
				"recorded_at":             telemetryLog.RecordedAt.UTC().Format(time.RFC3339),
			},
			payload: payload,
		})
	}
	return out, nil
}

func triggerValue(payload map[string]any, definition models.ParameterDefinition) any {
	if value := schema.Extract(payload, definition.JSONPath); value != nil {
		return value
	}
	return payload[definition.Key]
}

func (e *Executor) recordStep(ctx context.Context, exec *execution, node Node, status models.StepStatus, input, output, stepErr map[string]any, started time.Time) error {
	exec.sequence++
	finished := e.now()
	duration := finished.Sub(started).Milliseconds()
	if duration < 1 {
		duration = 1
	}
	startedAt := finished.Add(-time.Duration(duration) * time.Millisecond).UTC()
	finishedAt := finished.UTC()

	step := models.AutomationRunStep{
		AutomationRunID: exec.run.ID,
		NodeID:          node.ID,
		NodeType:        node.Type,
		Status:          status,
		InputSnapshot:   snapshot(input),
		OutputSnapshot:  snapshot(output),
		Error:           snapshot(stepErr),
		StartedAt:       &startedAt,
		FinishedAt:      &finishedAt,
		DurationMS:      &duration,
	}
	if errCreate := e.db.WithContext(ctx).Create(&step).Error; errCreate != nil {
		return fmt.Errorf("automation: record step %s: %w", node.ID, errCreate)
	}

	correlationID := stepCorrelationID(exec.runCorrelationID, exec.sequence, node.ID)
	exec.steps = append(exec.steps, StepSummary{NodeID: node.ID, NodeType: node.Type, Status: status, CorrelationID: correlationID})
	entry := log.WithFields(log.Fields{
		"run_correlation_id":  exec.runCorrelationID,
		"step_correlation_id": correlationID,
		"automation_run_id":   exec.run.ID,
		"node_id":             node.ID,
		"node_type":           node.Type,
		"status":              status,
		"duration_ms":         duration,
	})
	if reason, ok := stepErr["reason"]; ok {
		entry = entry.WithField("error_reason", reason)
	}
	entry.Debug("automation: step recorded")
	return nil
}

func stepCorrelationID(runCorrelationID string, sequence int, nodeID string) string {
	normalized := nodeIDSanitizer.ReplaceAllString(nodeID, "_")
	if normalized == "" {
		normalized = "node"
	}
	return fmt.Sprintf("%s:%d:%s", runCorrelationID, sequence, normalized)
}

func snapshot(v map[string]any) datatypes.JSON {
	if v == nil {
		return nil
	}
	data, errMarshal := json.Marshal(v)
	if errMarshal != nil {
		data, _ = json.Marshal(map[string]any{"unserializable": errMarshal.Error()})
	}
	return datatypes.JSON(data)
}
