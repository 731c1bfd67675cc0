package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/TelemetryHub/internal/config"
	"github.com/router-for-me/TelemetryHub/internal/metrics"
	"github.com/router-for-me/TelemetryHub/internal/models"
	"github.com/router-for-me/TelemetryHub/internal/schema"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Side effect names used as keys in error_summary.errors.
const (
	SideEffectHotState         = "hot_state"
	SideEffectAnalyticsPublish = "analytics_publish"
)

// Pipeline runs inbound envelopes through lookup, dedupe, validate, mutate, persist and publish.
type Pipeline struct {
	db        *gorm.DB
	resolver  *Resolver
	flags     FlagSource
	hotState  HotStateStore
	analytics AnalyticsPublisher
	listeners []TelemetryListener
	presence  PresenceTracker
	metrics   *metrics.Recorder
}

// Option configures optional pipeline collaborators.
type Option func(*Pipeline)

// WithHotState sets the hot state store.
func WithHotState(store HotStateStore) Option {
	return func(p *Pipeline) { p.hotState = store }
}

// WithAnalytics sets the analytics publisher.
func WithAnalytics(publisher AnalyticsPublisher) Option {
	return func(p *Pipeline) { p.analytics = publisher }
}

// WithListener sets the automation listener notified after persistence.
func WithListener(listener TelemetryListener) Option {
	return func(p *Pipeline) {
		if listener != nil {
			p.listeners = append(p.listeners, listener)
		}
	}
}

// WithPresence sets the tracker that marks devices online on persisted telemetry.
func WithPresence(tracker PresenceTracker) Option {
	return func(p *Pipeline) { p.presence = tracker }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(p *Pipeline) { p.metrics = recorder }
}

// NewPipeline constructs an ingestion pipeline.
func NewPipeline(db *gorm.DB, resolver *Resolver, flags FlagSource, opts ...Option) *Pipeline {
	if resolver == nil {
		resolver = NewResolver(db, 0)
	}
	p := &Pipeline{db: db, resolver: resolver, flags: flags}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddListener registers a listener after construction.
func (p *Pipeline) AddListener(listener TelemetryListener) {
	if p == nil || listener == nil {
		return
	}
	p.listeners = append(p.listeners, listener)
}

// run carries the per-envelope state of one Ingest call.
type run struct {
	p       *Pipeline
	flags   config.PipelineConfig
	env     Envelope
	message *models.IngestionMessage
}

// Ingest processes one envelope. It returns nil when ingestion is disabled, the stored
// message otherwise. A replayed envelope returns the stored message with status duplicate
// and causes no side effects. Business failures are recorded on the message and are not
// returned as errors.
func (p *Pipeline) Ingest(ctx context.Context, env Envelope) (*models.IngestionMessage, error) {
	flags := config.Default().Ingestion
	if p.flags != nil {
		flags = p.flags.PipelineFlags()
	}
	if !flags.Enabled || !strings.EqualFold(strings.TrimSpace(flags.Driver), config.IngestionDriverNative) {
		return nil, nil
	}
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}

	r := &run{p: p, flags: flags, env: env}
	duplicate, errDedupe := r.dedupe(ctx)
	if errDedupe != nil {
		return nil, errDedupe
	}
	if duplicate {
		return r.message, nil
	}

	resolution, ok := r.lookup(ctx)
	if !ok {
		return r.message, nil
	}
	if !resolution.Device.IsActive {
		r.skipInactive(ctx, resolution)
		return r.message, nil
	}

	extracted, validationErrors, validationStatus := r.validate(ctx, resolution)
	if len(validationErrors) > 0 {
		r.rejectInvalid(ctx, resolution, extracted, validationErrors, validationStatus)
		return r.message, nil
	}

	mutated, derivation := r.mutate(ctx, resolution, extracted)

	telemetryLog, errPersist := r.persist(ctx, resolution, mutated, derivation.Final)
	if errPersist != nil {
		r.finish(ctx, models.IngestionStatusFailedTerminal, map[string]any{
			"reason":  "persist_failed",
			"message": errPersist.Error(),
		})
		return r.message, errPersist
	}
	for _, listener := range p.listeners {
		listener.TelemetryReceived(ctx, telemetryLog)
	}

	r.publish(ctx, resolution, telemetryLog, derivation.Final)
	return r.message, nil
}

func (r *run) dedupe(ctx context.Context) (bool, error) {
	started := time.Now()
	key := r.env.DeduplicationKey()
	message := &models.IngestionMessage{
		ID:                     uuid.NewString(),
		SourceSubject:          r.env.SourceSubject,
		SourceProtocol:         SourceProtocolMQTT,
		SourceDeduplicationKey: key,
		RawPayload:             jsonValue(r.env.Payload),
		Status:                 models.IngestionStatusQueued,
		ReceivedAt:             r.env.ResolveReceivedAt(),
	}
	if id := strings.TrimSpace(r.env.MessageID); id != "" {
		message.SourceMessageID = &id
	}

	result := r.p.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "source_deduplication_key"}}, DoNothing: true}).
		Create(message)
	if result.Error != nil {
		return false, fmt.Errorf("ingestion: create message: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var existing models.IngestionMessage
		if errFind := r.p.db.WithContext(ctx).Where("source_deduplication_key = ?", key).First(&existing).Error; errFind != nil {
			return false, fmt.Errorf("ingestion: load existing message: %w", errFind)
		}
		log.WithFields(log.Fields{
			"ingestion_message_id": existing.ID,
			"stored_status":        existing.Status,
			"source_subject":       r.env.SourceSubject,
		}).Debug("ingestion: duplicate envelope skipped")
		existing.Status = models.IngestionStatusDuplicate
		r.message = &existing
		r.p.metrics.IngestionMessage(string(models.IngestionStatusDuplicate))
		return true, nil
	}

	r.message = message
	r.logStage(ctx, models.IngestionStageDedupe, models.StageStatusCompleted, started, stageData{
		input: map[string]any{
			"source_subject": r.env.SourceSubject,
			"message_id":     r.env.MessageID,
		},
		output: map[string]any{
			"deduplication_key": key,
			"duplicate":         false,
		},
	})
	return false, nil
}

func (r *run) lookup(ctx context.Context) (*Resolution, bool) {
	started := time.Now()
	mqttTopic := r.env.Topic()
	resolution, errResolve := r.p.resolver.Resolve(ctx, r.env)
	if errResolve != nil {
		reason := failureReason(errResolve)
		entry := log.WithError(errResolve).WithFields(log.Fields{
			"ingestion_message_id": r.message.ID,
			"mqtt_topic":           mqttTopic,
			"reason":               reason,
		})
		if reason == ReasonSchemaExpressionInvalid {
			entry.Error("ingestion: schema configuration is invalid")
		} else {
			entry.Warn("ingestion: lookup failed")
		}
		r.logStage(ctx, models.IngestionStageLookup, models.StageStatusFailed, started, stageData{
			input:  map[string]any{"mqtt_topic": mqttTopic, "payload": r.env.Payload},
			errors: map[string]any{"reason": reason, "message": errResolve.Error()},
		})
		r.finish(ctx, models.IngestionStatusFailedTerminal, map[string]any{
			"reason":     reason,
			"mqtt_topic": mqttTopic,
			"message":    errResolve.Error(),
		})
		return nil, false
	}

	device := resolution.Device
	updates := map[string]any{
		"organization_id":          device.OrganizationID,
		"device_id":                device.ID,
		"device_schema_version_id": resolution.Version.ID,
		"schema_version_topic_id":  resolution.Topic.ID,
		"status":                   models.IngestionStatusProcessing,
	}
	if errUpdate := r.p.db.WithContext(ctx).Model(r.message).Updates(updates).Error; errUpdate != nil {
		log.WithError(errUpdate).WithField("ingestion_message_id", r.message.ID).Warn("ingestion: failed to record lookup result")
	}
	r.message.OrganizationID = &device.OrganizationID
	r.message.DeviceID = &device.ID
	r.message.DeviceSchemaVersionID = &resolution.Version.ID
	r.message.SchemaVersionTopicID = &resolution.Topic.ID
	r.message.Status = models.IngestionStatusProcessing

	r.logStage(ctx, models.IngestionStageLookup, models.StageStatusCompleted, started, stageData{
		input: map[string]any{
			"source_subject": r.env.SourceSubject,
			"mqtt_topic":     mqttTopic,
		},
		output: map[string]any{
			"device_id":               device.ID,
			"device_uuid":             device.UUID,
			"device_active":           device.IsActive,
			"schema_version_id":       resolution.Version.ID,
			"schema_version_topic_id": resolution.Topic.ID,
			"parameters":              len(resolution.Parameters),
			"derived_parameters":      len(resolution.Derived),
		},
	})
	return resolution, true
}

func (r *run) skipInactive(ctx context.Context, resolution *Resolution) {
	started := time.Now()
	extracted := make(map[string]any, len(resolution.Parameters))
	for _, param := range resolution.Parameters {
		extracted[param.Key()] = param.ExtractValue(r.env.Payload)
	}
	telemetryLog := r.newTelemetryLog(resolution, models.ProcessingStateInactiveSkipped, models.ValidationStatusSkipped)
	telemetryLog.TransformedValues = jsonValue(extracted)
	if errCreate := r.p.db.WithContext(ctx).Create(telemetryLog).Error; errCreate != nil {
		log.WithError(errCreate).WithField("ingestion_message_id", r.message.ID).Error("ingestion: failed to persist inactive telemetry")
		r.logStage(ctx, models.IngestionStagePersist, models.StageStatusFailed, started, stageData{
			errors: map[string]any{"persist": errCreate.Error()},
		})
		r.finish(ctx, models.IngestionStatusFailedTerminal, map[string]any{"reason": "persist_failed", "message": errCreate.Error()})
		return
	}
	r.logStage(ctx, models.IngestionStagePersist, models.StageStatusCompleted, started, stageData{
		output: map[string]any{
			"device_telemetry_log_id": telemetryLog.ID,
			"processing_state":        telemetryLog.ProcessingState,
		},
	})
	log.WithFields(log.Fields{
		"ingestion_message_id": r.message.ID,
		"device_id":            resolution.Device.ID,
	}).Info("ingestion: device inactive, telemetry recorded without processing")
	r.finish(ctx, models.IngestionStatusInactiveSkipped, nil)
}

func (r *run) validate(ctx context.Context, resolution *Resolution) (map[string]any, map[string]any, string) {
	started := time.Now()
	extracted := make(map[string]any, len(resolution.Parameters))
	validationErrors := map[string]any{}
	critical := false
	for _, param := range resolution.Parameters {
		value := param.ExtractValue(r.env.Payload)
		extracted[param.Key()] = value
		result := param.ValidateValue(value)
		if result.Valid {
			continue
		}
		validationErrors[param.Key()] = result
		if result.IsCritical {
			critical = true
		}
	}

	status := models.ValidationStatusValid
	stageStatus := models.StageStatusCompleted
	if len(validationErrors) > 0 {
		status = models.ValidationStatusWarning
		if critical {
			status = models.ValidationStatusInvalid
		}
		stageStatus = models.StageStatusFailed
	}
	r.logStage(ctx, models.IngestionStageValidate, stageStatus, started, stageData{
		input:  map[string]any{"payload": r.env.Payload},
		output: map[string]any{"extracted_values": extracted, "validation_status": status},
		errors: validationErrors,
	})
	return extracted, validationErrors, status
}

func (r *run) rejectInvalid(ctx context.Context, resolution *Resolution, extracted, validationErrors map[string]any, validationStatus string) {
	telemetryLog := r.newTelemetryLog(resolution, models.ProcessingStateInvalid, validationStatus)
	telemetryLog.TransformedValues = jsonValue(extracted)
	telemetryLog.ValidationErrors = jsonValue(validationErrors)
	if errCreate := r.p.db.WithContext(ctx).Create(telemetryLog).Error; errCreate != nil {
		log.WithError(errCreate).WithField("ingestion_message_id", r.message.ID).Error("ingestion: failed to persist invalid telemetry")
	}

	if r.flags.PublishInvalidEvents && r.p.analytics != nil {
		if errPublish := r.p.analytics.PublishInvalid(ctx, resolution.Device, resolution.Topic, validationErrors, r.message); errPublish != nil {
			log.WithError(errPublish).WithField("ingestion_message_id", r.message.ID).Warn("ingestion: invalid event publish failed")
		}
	}

	log.WithFields(log.Fields{
		"ingestion_message_id": r.message.ID,
		"device_id":            resolution.Device.ID,
		"errors":               len(validationErrors),
	}).Info("ingestion: telemetry failed validation")
	r.finish(ctx, models.IngestionStatusFailedValidation, map[string]any{"validation_errors": validationErrors})
}

func (r *run) mutate(ctx context.Context, resolution *Resolution, extracted map[string]any) (map[string]any, schema.Derivation) {
	started := time.Now()
	mutated := make(map[string]any, len(resolution.Parameters))
	changeSet := map[string]any{}
	for _, param := range resolution.Parameters {
		before := extracted[param.Key()]
		after := param.MutateValue(before)
		mutated[param.Key()] = after
		if !reflect.DeepEqual(before, after) {
			changeSet[param.Key()] = map[string]any{"before": before, "after": after}
		}
	}

	derivation := schema.Derive(mutated, resolution.Derived)
	if len(derivation.Skipped) > 0 {
		log.WithFields(log.Fields{
			"ingestion_message_id": r.message.ID,
			"skipped":              derivation.Skipped,
		}).Warn("ingestion: derived parameters skipped")
	}

	output := map[string]any{
		"mutated_values": mutated,
		"derived_values": derivation.Derived,
		"final_values":   derivation.Final,
	}
	if len(derivation.Skipped) > 0 {
		output["skipped_derived"] = derivation.Skipped
	}
	r.logStage(ctx, models.IngestionStageMutate, models.StageStatusCompleted, started, stageData{
		input:     map[string]any{"extracted_values": extracted},
		output:    output,
		changeSet: changeSet,
	})
	return mutated, derivation
}

func (r *run) persist(ctx context.Context, resolution *Resolution, mutated, final map[string]any) (*models.DeviceTelemetryLog, error) {
	started := time.Now()
	telemetryLog := r.newTelemetryLog(resolution, models.ProcessingStateProcessed, models.ValidationStatusValid)
	telemetryLog.MutatedValues = jsonValue(mutated)
	telemetryLog.TransformedValues = jsonValue(final)
	if errCreate := r.p.db.WithContext(ctx).Create(telemetryLog).Error; errCreate != nil {
		r.logStage(ctx, models.IngestionStagePersist, models.StageStatusFailed, started, stageData{
			errors: map[string]any{"persist": errCreate.Error()},
		})
		return nil, fmt.Errorf("ingestion: persist telemetry: %w", errCreate)
	}
	r.markOnline(ctx, resolution.Device, telemetryLog.RecordedAt)
	telemetryLog.Device = resolution.Device
	r.logStage(ctx, models.IngestionStagePersist, models.StageStatusCompleted, started, stageData{
		output: map[string]any{"device_telemetry_log_id": telemetryLog.ID},
	})
	return telemetryLog, nil
}

func (r *run) markOnline(ctx context.Context, device *models.Device, seenAt time.Time) {
	var errSeen error
	if r.p.presence != nil {
		_, errSeen = r.p.presence.MarkOnline(ctx, device.ID, seenAt)
	} else {
		errSeen = r.p.db.WithContext(ctx).Model(&models.Device{}).
			Where("id = ?", device.ID).
			Updates(map[string]any{"last_seen_at": seenAt, "connection_state": models.ConnectionStateOnline}).Error
	}
	if errSeen != nil {
		log.WithError(errSeen).WithField("device_id", device.ID).Warn("ingestion: failed to mark device online")
	}
}

func (r *run) publish(ctx context.Context, resolution *Resolution, telemetryLog *models.DeviceTelemetryLog, final map[string]any) {
	started := time.Now()
	sideEffectErrors := map[string]any{}
	hotStateWritten := false
	analyticsPublished := false

	if r.p.hotState != nil {
		if errStore := r.p.hotState.Store(ctx, resolution.Device, resolution.Topic, final, r.message); errStore != nil {
			sideEffectErrors[SideEffectHotState] = errStore.Error()
		} else {
			hotStateWritten = true
		}
	}
	if r.flags.PublishAnalytics && r.p.analytics != nil {
		if errPublish := r.p.analytics.PublishTelemetry(ctx, resolution.Device, resolution.Topic, final, r.message); errPublish != nil {
			sideEffectErrors[SideEffectAnalyticsPublish] = errPublish.Error()
		} else {
			analyticsPublished = true
		}
	}

	stageStatus := models.StageStatusCompleted
	if len(sideEffectErrors) > 0 {
		stageStatus = models.StageStatusFailed
	}
	r.logStage(ctx, models.IngestionStagePublish, stageStatus, started, stageData{
		input: map[string]any{"final_values": final},
		output: map[string]any{
			"hot_state_written":   hotStateWritten,
			"analytics_published": analyticsPublished,
		},
		errors: sideEffectErrors,
	})

	if len(sideEffectErrors) == 0 {
		r.finish(ctx, models.IngestionStatusCompleted, nil)
		return
	}

	if errUpdate := r.p.db.WithContext(ctx).Model(&models.DeviceTelemetryLog{}).
		Where("id = ?", telemetryLog.ID).
		Update("processing_state", models.ProcessingStatePublishFailed).Error; errUpdate != nil {
		log.WithError(errUpdate).WithField("device_telemetry_log_id", telemetryLog.ID).Error("ingestion: failed to mark telemetry publish_failed")
	}
	telemetryLog.ProcessingState = models.ProcessingStatePublishFailed
	log.WithFields(log.Fields{
		"ingestion_message_id": r.message.ID,
		"errors":               sideEffectErrors,
	}).Error("ingestion: side effects failed")
	r.finish(ctx, models.IngestionStatusFailedTerminal, map[string]any{
		"reason": ReasonPublishFailed,
		"errors": sideEffectErrors,
	})
}

func (r *run) newTelemetryLog(resolution *Resolution, processingState, validationStatus string) *models.DeviceTelemetryLog {
	receivedAt := r.message.ReceivedAt
	versionID := resolution.Version.ID
	topicID := resolution.Topic.ID
	messageID := r.message.ID
	return &models.DeviceTelemetryLog{
		ID:                    uuid.NewString(),
		DeviceID:              resolution.Device.ID,
		DeviceSchemaVersionID: &versionID,
		SchemaVersionTopicID:  &topicID,
		IngestionMessageID:    &messageID,
		ValidationStatus:      validationStatus,
		ProcessingState:       processingState,
		RawPayload:            jsonValue(r.env.Payload),
		RecordedAt:            receivedAt,
		ReceivedAt:            &receivedAt,
	}
}

// finish moves the message to a terminal status.
func (r *run) finish(ctx context.Context, status models.IngestionStatus, summary map[string]any) {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":       status,
		"processed_at": now,
	}
	if len(summary) > 0 {
		updates["error_summary"] = jsonValue(summary)
	}
	if errUpdate := r.p.db.WithContext(ctx).Model(r.message).Updates(updates).Error; errUpdate != nil {
		log.WithError(errUpdate).WithFields(log.Fields{
			"ingestion_message_id": r.message.ID,
			"status":               status,
		}).Error("ingestion: failed to finalize message")
	}
	r.message.Status = status
	r.message.ProcessedAt = &now
	if len(summary) > 0 {
		r.message.ErrorSummary = jsonValue(summary)
	}
	r.p.metrics.IngestionMessage(string(status))
}

type stageData struct {
	input     map[string]any
	output    map[string]any
	changeSet map[string]any
	errors    map[string]any
}

// logStage appends one audit row. Snapshots are only kept when capture_stage_snapshots is on.
func (r *run) logStage(ctx context.Context, stage models.IngestionStage, status models.StageStatus, started time.Time, data stageData) {
	elapsed := time.Since(started)
	durationMS := elapsed.Round(time.Millisecond).Milliseconds()
	row := models.IngestionStageLog{
		IngestionMessageID: r.message.ID,
		Stage:              stage,
		Status:             status,
		DurationMS:         &durationMS,
		ChangeSet:          jsonValue(data.changeSet),
		Errors:             jsonValue(data.errors),
	}
	if r.flags.CaptureStageSnapshots {
		row.InputSnapshot = jsonValue(data.input)
		row.OutputSnapshot = jsonValue(data.output)
	}
	if errCreate := r.p.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		log.WithError(errCreate).WithFields(log.Fields{
			"ingestion_message_id": r.message.ID,
			"stage":                stage,
		}).Warn("ingestion: failed to write stage log")
	}
	r.p.metrics.Stage(string(stage), string(status), elapsed)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrSchemaVersionMissing):
		return ReasonSchemaVersionMissing
	case errors.Is(err, ErrDeviceNotFound):
		return ReasonDeviceNotFound
	case errors.Is(err, schema.ErrInvalidExpression):
		return ReasonSchemaExpressionInvalid
	case errors.Is(err, ErrTopicNotRegistered):
		return ReasonTopicNotRegistered
	}
	return "lookup_failed"
}

// jsonValue encodes v for a JSON column. Nil and empty maps are stored as NULL.
func jsonValue(v any) datatypes.JSON {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]any); ok && len(m) == 0 {
		return nil
	}
	encoded, errMarshal := json.Marshal(v)
	if errMarshal != nil {
		return nil
	}
	return datatypes.JSON(encoded)
}
