// Package retention prunes ingestion audit rows that have aged out.
package retention

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultInterval        = 6 * time.Hour
	defaultDeleteBatchSize = 5000
	maxDeleteBatchesPerRun = 2000
)

// DaysSource reports the current retention window. Zero or less disables cleanup.
type DaysSource interface {
	StageLogRetentionDays() int
}

// StageLogCleaner periodically deletes old rows from ingestion_stage_logs.
type StageLogCleaner struct {
	db        *gorm.DB
	days      DaysSource
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewStageLogCleaner returns a cleaner that runs every interval. It returns nil when db is nil.
func NewStageLogCleaner(db *gorm.DB, days DaysSource, interval time.Duration) *StageLogCleaner {
	if db == nil || days == nil {
		return nil
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &StageLogCleaner{
		db:        db,
		days:      days,
		interval:  interval,
		batchSize: defaultDeleteBatchSize,
		now:       time.Now,
	}
}

// Start launches the cleanup loop in a background goroutine.
func (c *StageLogCleaner) Start(ctx context.Context) {
	if c == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go c.run(ctx)
	log.Infof("retention: stage log cleaner started (interval=%s)", c.interval)
}

func (c *StageLogCleaner) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.CleanupOnce(ctx)
		timer := time.NewTimer(c.interval)
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

// CleanupOnce deletes expired stage logs in batches and returns the number of rows removed.
func (c *StageLogCleaner) CleanupOnce(ctx context.Context) int64 {
	if c == nil || c.db == nil {
		return 0
	}
	retentionDays := c.days.StageLogRetentionDays()
	if retentionDays <= 0 {
		return 0
	}
	cutoff := c.now().UTC().AddDate(0, 0, -retentionDays)

	deletedTotal := int64(0)
	for i := 0; i < maxDeleteBatchesPerRun; i++ {
		if ctx.Err() != nil {
			break
		}
		n, errDelete := c.deleteBatch(ctx, cutoff)
		if errDelete != nil {
			log.WithError(errDelete).Warn("retention: delete batch failed")
			break
		}
		if n <= 0 {
			break
		}
		deletedTotal += n
	}
	if deletedTotal > 0 {
		log.Infof("retention: deleted %d stage logs (cutoff=%s retention_days=%d)", deletedTotal, cutoff.Format(time.RFC3339), retentionDays)
	}
	return deletedTotal
}

func (c *StageLogCleaner) deleteBatch(ctx context.Context, cutoff time.Time) (int64, error) {
	limit := c.batchSize
	if limit <= 0 {
		limit = defaultDeleteBatchSize
	}
	// Limited subquery keeps each delete short.
	res := c.db.WithContext(ctx).Exec(`
		DELETE FROM ingestion_stage_logs
		WHERE id IN (
			SELECT id FROM ingestion_stage_logs
			WHERE created_at < ?
			ORDER BY created_at ASC
			LIMIT ?
		)
	`, cutoff, limit)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
