package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/TelemetryHub/internal/config"
	"github.com/router-for-me/TelemetryHub/internal/metrics"
	"github.com/router-for-me/TelemetryHub/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// FlagSource returns the automation flags in effect for one operation.
type FlagSource interface {
	AutomationFlags() config.AutomationConfig
}

// StaticFlags serves a fixed AutomationConfig.
type StaticFlags config.AutomationConfig

// AutomationFlags returns f as an AutomationConfig.
func (f StaticFlags) AutomationFlags() config.AutomationConfig { return config.AutomationConfig(f) }

// RunRequest is the payload of an automation run job.
// Telemetry runs carry the version and telemetry log; schedule runs carry the queued run id.
type RunRequest struct {
	WorkflowVersionID  uint64 `json:"workflow_version_id,omitempty"`
	TelemetryLogID     string `json:"telemetry_log_id,omitempty"`
	EventCorrelationID string `json:"event_correlation_id,omitempty"`
	RunID              uint64 `json:"run_id,omitempty"`
}

// Enqueuer hands run requests to the job queue.
type Enqueuer interface {
	EnqueueRun(ctx context.Context, req RunRequest) error
}

// Runner creates run records and drives the executor for queued run jobs.
type Runner struct {
	db       *gorm.DB
	executor *Executor
	metrics  *metrics.Recorder
	now      func() time.Time
	newID    func() string
}

// NewRunner returns a Runner that executes runs with executor.
func NewRunner(db *gorm.DB, executor *Executor, recorder *metrics.Recorder) *Runner {
	return &Runner{
		db:       db,
		executor: executor,
		metrics:  recorder,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
}

// Handle executes one run job.
func (r *Runner) Handle(ctx context.Context, req RunRequest) error {
	if req.RunID != 0 {
		_, errRun := r.RunScheduled(ctx, req.RunID)
		return errRun
	}
	_, errRun := r.StartTelemetryRun(ctx, req.WorkflowVersionID, req.TelemetryLogID, req.EventCorrelationID)
	return errRun
}

// StartTelemetryRun records a running run for the version and executes it against the telemetry log.
// A missing version, workflow or log aborts without creating a run. Execution errors mark the run failed
// and are not returned.
func (r *Runner) StartTelemetryRun(ctx context.Context, versionID uint64, telemetryLogID, eventCorrelationID string) (*models.AutomationRun, error) {
	eventCorrelationID = strings.TrimSpace(eventCorrelationID)
	if eventCorrelationID == "" {
		eventCorrelationID = r.newID()
	}
	runCorrelationID := r.newID()
	fields := log.Fields{
		"event_correlation_id": eventCorrelationID,
		"run_correlation_id":   runCorrelationID,
		"workflow_version_id":  versionID,
		"telemetry_log_id":     telemetryLogID,
	}

	version, workflow, errVersion := r.loadVersion(ctx, versionID)
	if errVersion != nil {
		return nil, errVersion
	}
	var telemetryLog models.DeviceTelemetryLog
	errLog := r.db.WithContext(ctx).Preload("Device").First(&telemetryLog, "id = ?", telemetryLogID).Error
	if errLog != nil && !errors.Is(errLog, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("automation: load telemetry log: %w", errLog)
	}
	if version == nil || workflow == nil || errLog != nil {
		log.WithFields(fields).WithFields(log.Fields{
			"workflow_version_found": version != nil,
			"workflow_found":         workflow != nil,
			"telemetry_log_found":    errLog == nil,
		}).Warn("automation: run aborted, missing workflow version or telemetry log")
		return nil, nil
	}

	startedAt := r.now().UTC()
	run := &models.AutomationRun{
		OrganizationID:    workflow.OrganizationID,
		WorkflowID:        workflow.ID,
		WorkflowVersionID: version.ID,
		TriggerType:       models.TriggerTypeTelemetry,
		TriggerPayload: marshalJSON(map[string]any{
			"telemetry_log_id":        telemetryLog.ID,
			"device_id":               telemetryLog.DeviceID,
			"schema_version_topic_id": telemetryLog.SchemaVersionTopicID,
			"event_correlation_id":    eventCorrelationID,
			"run_correlation_id":      runCorrelationID,
		}),
		Status:    models.RunStatusRunning,
		StartedAt: &startedAt,
	}
	if errCreate := r.db.WithContext(ctx).Create(run).Error; errCreate != nil {
		return nil, fmt.Errorf("automation: create run: %w", errCreate)
	}
	log.WithFields(fields).WithField("automation_run_id", run.ID).Info("automation: run created")

	graph, errGraph := ParseGraph(version.GraphJSON)
	var result *Result
	errExec := errGraph
	if errExec == nil {
		result, errExec = r.executor.ExecuteTelemetryRun(ctx, run, graph, &telemetryLog, runCorrelationID)
	}
	return run, r.finishRun(ctx, run, result, errExec, eventCorrelationID, runCorrelationID)
}

// RunScheduled executes a queued schedule run created by the Scheduler.
func (r *Runner) RunScheduled(ctx context.Context, runID uint64) (*models.AutomationRun, error) {
	var run models.AutomationRun
	if errFind := r.db.WithContext(ctx).First(&run, runID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			log.WithField("automation_run_id", runID).Warn("automation: scheduled run not found")
			return nil, nil
		}
		return nil, fmt.Errorf("automation: load run: %w", errFind)
	}
	if run.Status != models.RunStatusQueued {
		log.WithFields(log.Fields{"automation_run_id": run.ID, "status": run.Status}).Info("automation: scheduled run already handled")
		return &run, nil
	}

	var payload struct {
		ScheduleTriggerID  uint64    `json:"schedule_trigger_id"`
		ScheduledFor       time.Time `json:"scheduled_for"`
		EventCorrelationID string    `json:"event_correlation_id"`
		RunCorrelationID   string    `json:"run_correlation_id"`
	}
	errDecode := json.Unmarshal(run.TriggerPayload, &payload)

	startedAt := r.now().UTC()
	claim := r.db.WithContext(ctx).Model(&models.AutomationRun{}).
		Where("id = ? AND status = ?", run.ID, models.RunStatusQueued).
		Updates(map[string]any{"status": models.RunStatusRunning, "started_at": startedAt})
	if claim.Error != nil {
		return nil, fmt.Errorf("automation: start run: %w", claim.Error)
	}
	if claim.RowsAffected == 0 {
		return &run, nil
	}
	run.Status = models.RunStatusRunning
	run.StartedAt = &startedAt

	var errExec error
	var result *Result
	version, _, errVersion := r.loadVersion(ctx, run.WorkflowVersionID)
	var trigger models.AutomationScheduleTrigger
	switch {
	case errDecode != nil:
		errExec = fmt.Errorf("automation: decode trigger payload: %w", errDecode)
	case errVersion != nil:
		errExec = errVersion
	case version == nil:
		errExec = ErrVersionNotFound
	default:
		errExec = r.db.WithContext(ctx).First(&trigger, payload.ScheduleTriggerID).Error
	}
	if errExec == nil {
		var graph *Graph
		graph, errExec = ParseGraph(version.GraphJSON)
		if errExec == nil {
			result, errExec = r.executor.ExecuteScheduleRun(ctx, &run, graph, &trigger, payload.ScheduledFor, payload.RunCorrelationID)
		}
	}
	return &run, r.finishRun(ctx, &run, result, errExec, payload.EventCorrelationID, payload.RunCorrelationID)
}

func (r *Runner) loadVersion(ctx context.Context, versionID uint64) (*models.AutomationWorkflowVersion, *models.AutomationWorkflow, error) {
	var version models.AutomationWorkflowVersion
	if errFind := r.db.WithContext(ctx).First(&version, versionID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("automation: load version: %w", errFind)
	}
	var workflow models.AutomationWorkflow
	if errFind := r.db.WithContext(ctx).First(&workflow, version.AutomationWorkflowID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return &version, nil, nil
		}
		return nil, nil, fmt.Errorf("automation: load workflow: %w", errFind)
	}
	return &version, &workflow, nil
}

// finishRun stores the terminal status. An execution error becomes a failed run with an
// error summary carrying both correlation ids; only a failure to save the run is returned.
func (r *Runner) finishRun(ctx context.Context, run *models.AutomationRun, result *Result, errExec error, eventCorrelationID, runCorrelationID string) error {
	finishedAt := r.now().UTC()
	fields := log.Fields{
		"event_correlation_id": eventCorrelationID,
		"run_correlation_id":   runCorrelationID,
		"automation_run_id":    run.ID,
	}
	var summary map[string]any
	if errExec != nil {
		run.Status = models.RunStatusFailed
		summary = map[string]any{
			"reason":               ReasonExecutionException,
			"message":              errExec.Error(),
			"event_correlation_id": eventCorrelationID,
			"run_correlation_id":   runCorrelationID,
		}
		log.WithFields(fields).WithError(errExec).Error("automation: run failed with exception")
	} else {
		run.Status = result.Status
		summary = result.Error
		log.WithFields(fields).WithFields(log.Fields{
			"status":     result.Status,
			"step_count": len(result.Steps),
		}).Info("automation: run finished")
	}
	run.FinishedAt = &finishedAt
	run.ErrorSummary = nil
	if summary != nil {
		run.ErrorSummary = marshalJSON(summary)
	}
	r.metrics.AutomationRun(string(run.Status))

	errSave := r.db.WithContext(ctx).Model(&models.AutomationRun{}).Where("id = ?", run.ID).Updates(map[string]any{
		"status":        run.Status,
		"finished_at":   finishedAt,
		"error_summary": run.ErrorSummary,
	}).Error
	if errSave != nil {
		return fmt.Errorf("automation: finish run: %w", errSave)
	}
	return nil
}

func marshalJSON(v any) datatypes.JSON {
	data, errMarshal := json.Marshal(v)
	if errMarshal != nil {
		return nil
	}
	return datatypes.JSON(data)
}
