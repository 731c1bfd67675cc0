package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/TelemetryHub/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultRefreshInterval = 30 * time.Second

var errNilDB = errors.New("settings: nil db")

// RefreshDBConfigSnapshot reloads all settings from the database and updates the in-memory snapshot.
//
// Call it at process startup; DBConfigValue returns nothing until the first refresh.
func RefreshDBConfigSnapshot(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errNilDB
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var rows []models.Setting
	if errFind := db.WithContext(ctx).
		Select("key", "value", "updated_at").
		Order("key ASC").
		Find(&rows).Error; errFind != nil {
		return fmt.Errorf("settings: load: %w", errFind)
	}

	values := make(map[string]json.RawMessage, len(rows))
	latest := time.Time{}
	for _, row := range rows {
		key := strings.TrimSpace(row.Key)
		if key == "" {
			continue
		}
		values[key] = row.Value
		if row.UpdatedAt.UTC().After(latest) {
			latest = row.UpdatedAt.UTC()
		}
	}
	StoreDBConfig(latest, values)
	return nil
}

// SaveDBConfig upserts one setting and refreshes the snapshot.
func SaveDBConfig(ctx context.Context, db *gorm.DB, key string, value json.RawMessage) error {
	if db == nil {
		return errNilDB
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("settings: empty key")
	}
	if !json.Valid(value) {
		return errors.New("settings: value must be valid JSON")
	}
	row := models.Setting{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	if errSave := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error; errSave != nil {
		return fmt.Errorf("settings: save %s: %w", key, errSave)
	}
	return RefreshDBConfigSnapshot(ctx, db)
}

// Refresher reloads the snapshot periodically so overrides written by other replicas take effect.
type Refresher struct {
	db       *gorm.DB
	interval time.Duration
}

// NewRefresher returns a Refresher polling db every interval.
func NewRefresher(db *gorm.DB, interval time.Duration) *Refresher {
	if db == nil {
		return nil
	}
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	return &Refresher{db: db, interval: interval}
}

// Start launches the refresh loop in a background goroutine.
func (r *Refresher) Start(ctx context.Context) {
	if r == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if errRefresh := RefreshDBConfigSnapshot(ctx, r.db); errRefresh != nil {
					log.WithError(errRefresh).Warn("settings: refresh failed")
				}
			}
		}
	}()
}
