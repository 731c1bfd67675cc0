package retention

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	internaldb "github.com/router-for-me/TelemetryHub/internal/db"
	"github.com/router-for-me/TelemetryHub/internal/models"
	"gorm.io/gorm"
)

type fixedDays int

func (d fixedDays) StageLogRetentionDays() int { return int(d) }

func openRetentionDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:retention_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := internaldb.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func TestStageLogCleanerDeletesOnlyExpiredRows(t *testing.T) {
	conn := openRetentionDB(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rows := []models.IngestionStageLog{
		{IngestionMessageID: "m-1", Stage: models.IngestionStageValidate, Status: models.StageStatusCompleted, CreatedAt: now.AddDate(0, 0, -40)},
		{IngestionMessageID: "m-1", Stage: models.IngestionStagePersist, Status: models.StageStatusCompleted, CreatedAt: now.AddDate(0, 0, -31)},
		{IngestionMessageID: "m-2", Stage: models.IngestionStageValidate, Status: models.StageStatusCompleted, CreatedAt: now.AddDate(0, 0, -2)},
	}
	if errCreate := conn.Create(&rows).Error; errCreate != nil {
		t.Fatalf("seed stage logs: %v", errCreate)
	}

	cleaner := NewStageLogCleaner(conn, fixedDays(30), 0)
	cleaner.now = func() time.Time { return now }
	cleaner.batchSize = 1

	if deleted := cleaner.CleanupOnce(context.Background()); deleted != 2 {
		t.Fatalf("expected 2 deleted rows, got %d", deleted)
	}
	var remaining []models.IngestionStageLog
	if errFind := conn.Find(&remaining).Error; errFind != nil {
		t.Fatalf("load remaining: %v", errFind)
	}
	if len(remaining) != 1 || remaining[0].IngestionMessageID != "m-2" {
		t.Fatalf("unexpected remaining rows %+v", remaining)
	}
}

func TestStageLogCleanerDisabledWithZeroDays(t *testing.T) {
	conn := openRetentionDB(t)
	old := models.IngestionStageLog{IngestionMessageID: "m-1", Stage: models.IngestionStageValidate, Status: models.StageStatusCompleted, CreatedAt: time.Now().UTC().AddDate(-1, 0, 0)}
	if errCreate := conn.Create(&old).Error; errCreate != nil {
		t.Fatalf("seed: %v", errCreate)
	}
	if deleted := NewStageLogCleaner(conn, fixedDays(0), time.Hour).CleanupOnce(context.Background()); deleted != 0 {
		t.Fatalf("expected cleanup to be disabled, deleted %d", deleted)
	}
	if NewStageLogCleaner(nil, fixedDays(1), 0) != nil {
		t.Fatalf("expected nil cleaner without db")
	}
}
