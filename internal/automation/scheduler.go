package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/TelemetryHub/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultScheduleInterval = 30 * time.Second

// Scheduler fires due schedule triggers of active workflow versions.
type Scheduler struct {
	db       *gorm.DB
	enqueuer Enqueuer
	flags    FlagSource
	interval time.Duration
	now      func() time.Time
	newID    func() string
}

// NewScheduler constructs a scheduler polling at the configured interval.
func NewScheduler(db *gorm.DB, enqueuer Enqueuer, flags FlagSource) *Scheduler {
	if db == nil || enqueuer == nil {
		return nil
	}
	if flags == nil {
		flags = StaticFlags{Enabled: true}
	}
	interval := flags.AutomationFlags().SchedulePollInterval
	if interval <= 0 {
		interval = defaultScheduleInterval
	}
	return &Scheduler{
		db:       db,
		enqueuer: enqueuer,
		flags:    flags,
		interval: interval,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
}

// Start launches the polling loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go s.run(ctx)
	log.Infof("automation scheduler started (interval=%s)", s.interval)
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if _, errTick := s.Tick(ctx, s.now()); errTick != nil {
			log.WithError(errTick).Warn("automation: schedule tick failed")
		}
		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// Tick queues a run for every trigger due at now and advances its next fire time.
// A trigger is claimed with a conditional update so concurrent schedulers fire it once.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	if !s.flags.AutomationFlags().Enabled {
		return 0, nil
	}
	now = now.UTC()
	var due []models.AutomationScheduleTrigger
	errFind := s.db.WithContext(ctx).
		Model(&models.AutomationScheduleTrigger{}).
		Select("automation_schedule_triggers.*").
		Joins("JOIN automation_workflow_versions ON automation_workflow_versions.id = automation_schedule_triggers.workflow_version_id").
		Joins("JOIN automation_workflows ON automation_workflows.id = automation_workflow_versions.automation_workflow_id").
		Where("automation_workflows.status = ?", models.WorkflowStatusActive).
		Where("automation_workflows.active_version_id = automation_workflow_versions.id").
		Where("automation_schedule_triggers.active = ?", true).
		Where("automation_schedule_triggers.next_run_at IS NOT NULL AND automation_schedule_triggers.next_run_at <= ?", now).
		Order("automation_schedule_triggers.next_run_at ASC").
		Find(&due).Error
	if errFind != nil {
		return 0, fmt.Errorf("automation: load due schedules: %w", errFind)
	}

	fired := 0
	for i := range due {
		ok, errFire := s.fire(ctx, &due[i], now)
		if errFire != nil {
			log.WithError(errFire).WithField("schedule_trigger_id", due[i].ID).Warn("automation: schedule fire failed")
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, nil
}

func (s *Scheduler) fire(ctx context.Context, trigger *models.AutomationScheduleTrigger, now time.Time) (bool, error) {
	scheduledFor := trigger.NextRunAt.UTC()
	next, errNext := NextRun(trigger.CronExpression, trigger.Timezone, now)
	if errNext != nil {
		log.WithError(errNext).WithField("schedule_trigger_id", trigger.ID).Warn("automation: disabling schedule with invalid cron")
		return false, s.db.WithContext(ctx).Model(&models.AutomationScheduleTrigger{}).
			Where("id = ?", trigger.ID).
			Update("active", false).Error
	}

	var run *models.AutomationRun
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claim := tx.Model(&models.AutomationScheduleTrigger{}).
			Where("id = ? AND next_run_at <= ?", trigger.ID, now).
			Update("next_run_at", next)
		if claim.Error != nil {
			return fmt.Errorf("automation: claim schedule: %w", claim.Error)
		}
		if claim.RowsAffected == 0 {
			return nil
		}
		var version models.AutomationWorkflowVersion
		if errFind := tx.First(&version, trigger.WorkflowVersionID).Error; errFind != nil {
			return fmt.Errorf("automation: load version: %w", errFind)
		}
		run = &models.AutomationRun{
			OrganizationID:    trigger.OrganizationID,
			WorkflowID:        version.AutomationWorkflowID,
			WorkflowVersionID: version.ID,
			TriggerType:       models.TriggerTypeSchedule,
			TriggerPayload: marshalJSON(map[string]any{
				"schedule_trigger_id":  trigger.ID,
				"node_id":              trigger.NodeID,
				"scheduled_for":        scheduledFor,
				"event_correlation_id": s.newID(),
				"run_correlation_id":   s.newID(),
			}),
			Status: models.RunStatusQueued,
		}
		if errCreate := tx.Create(run).Error; errCreate != nil {
			return fmt.Errorf("automation: create scheduled run: %w", errCreate)
		}
		return nil
	})
	if errTx != nil || run == nil {
		return false, errTx
	}
	trigger.NextRunAt = &next

	if errEnqueue := s.enqueuer.EnqueueRun(ctx, RunRequest{RunID: run.ID}); errEnqueue != nil {
		return false, fmt.Errorf("automation: enqueue scheduled run %d: %w", run.ID, errEnqueue)
	}
	log.WithFields(log.Fields{
		"schedule_trigger_id": trigger.ID,
		"automation_run_id":   run.ID,
		"scheduled_for":       scheduledFor,
		"next_run_at":         next,
	}).Info("automation: schedule fired")
	return true, nil
}
