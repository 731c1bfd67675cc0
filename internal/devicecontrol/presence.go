package devicecontrol

import (
	"context"
	"fmt"
	"time"

	"github.com/router-for-me/TelemetryHub/internal/config"
	"github.com/router-for-me/TelemetryHub/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultSweepInterval = time.Minute
	sweepBatchSize       = 100
)

// Presence tracks device connection state. Devices go online when they are heard from and
// offline when the sweep finds no telemetry within the heartbeat timeout.
type Presence struct {
	db       *gorm.DB
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewPresence returns a Presence over db. It returns nil when db is nil.
func NewPresence(db *gorm.DB, cfg config.PresenceConfig) *Presence {
	if db == nil {
		return nil
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Presence{db: db, timeout: cfg.HeartbeatTimeout, interval: interval, now: time.Now}
}

// MarkOnline records seenAt as the device's last contact and sets it online.
// It reports whether the device was not online before.
func (p *Presence) MarkOnline(ctx context.Context, deviceID uint64, seenAt time.Time) (bool, error) {
	if p == nil {
		return false, nil
	}
	if seenAt.IsZero() {
		seenAt = p.now()
	}
	seenAt = seenAt.UTC()
	fields := map[string]any{"connection_state": models.ConnectionStateOnline, "last_seen_at": seenAt}
	changed := p.db.WithContext(ctx).Model(&models.Device{}).
		Where("id = ? AND (connection_state IS NULL OR connection_state <> ?)", deviceID, models.ConnectionStateOnline).
		Updates(fields)
	if changed.Error != nil {
		return false, fmt.Errorf("devicecontrol: mark online: %w", changed.Error)
	}
	if changed.RowsAffected > 0 {
		log.WithField("device_id", deviceID).Info("devicecontrol: device came online")
		return true, nil
	}
	errSeen := p.db.WithContext(ctx).Model(&models.Device{}).
		Where("id = ? AND (last_seen_at IS NULL OR last_seen_at < ?)", deviceID, seenAt).
		Update("last_seen_at", seenAt).Error
	if errSeen != nil {
		return false, fmt.Errorf("devicecontrol: touch last_seen_at: %w", errSeen)
	}
	return false, nil
}

// Start launches the offline sweep in a background goroutine.
func (p *Presence) Start(ctx context.Context) {
	if p == nil || p.timeout <= 0 {
		return
	}
	go p.run(ctx)
	log.Infof("devicecontrol: presence sweep started (timeout=%s interval=%s)", p.timeout, p.interval)
}

func (p *Presence) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, errSweep := p.SweepOnce(ctx); errSweep != nil {
				log.WithError(errSweep).Warn("devicecontrol: presence sweep failed")
			}
		}
	}
}

// SweepOnce marks online devices offline when their last contact is older than the
// heartbeat timeout, or unknown. It returns the number of devices marked offline.
func (p *Presence) SweepOnce(ctx context.Context) (int, error) {
	if p == nil || p.timeout <= 0 {
		return 0, nil
	}
	cutoff := p.now().UTC().Add(-p.timeout)
	marked := 0
	for {
		var ids []uint64
		errPluck := p.db.WithContext(ctx).Model(&models.Device{}).
			Where("connection_state = ? AND (last_seen_at IS NULL OR last_seen_at <= ?)", models.ConnectionStateOnline, cutoff).
			Order("id ASC").Limit(sweepBatchSize).
			Pluck("id", &ids).Error
		if errPluck != nil {
			return marked, fmt.Errorf("devicecontrol: list stale devices: %w", errPluck)
		}
		if len(ids) == 0 {
			break
		}
		result := p.db.WithContext(ctx).Model(&models.Device{}).
			Where("id IN ? AND connection_state = ? AND (last_seen_at IS NULL OR last_seen_at <= ?)", ids, models.ConnectionStateOnline, cutoff).
			Update("connection_state", models.ConnectionStateOffline)
		if result.Error != nil {
			return marked, fmt.Errorf("devicecontrol: mark offline: %w", result.Error)
		}
		for _, id := range ids {
			log.WithField("device_id", id).Info("devicecontrol: device went offline")
		}
		marked += int(result.RowsAffected)
		if result.RowsAffected == 0 || len(ids) < sweepBatchSize {
			break
		}
	}
	if marked > 0 {
		log.Infof("devicecontrol: marked %d device(s) offline (cutoff=%s)", marked, cutoff.Format(time.RFC3339))
	}
	return marked, nil
}
