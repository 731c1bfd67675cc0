package devicecontrol

import (
	"context"
	"testing"
	"time"

	"github.com/router-for-me/TelemetryHub/internal/config"
	"github.com/router-for-me/TelemetryHub/internal/models"
)

func reloadDevice(t *testing.T, presence *Presence, id uint64) models.Device {
	t.Helper()
	var device models.Device
	if errFind := presence.db.First(&device, id).Error; errFind != nil {
		t.Fatalf("reload device %d: %v", id, errFind)
	}
	return device
}

func TestPresenceSweepMarksStaleDevicesOffline(t *testing.T) {
	conn := openTestDB(t)
	stale, _ := seedDevice(t, conn)
	fresh := &models.Device{OrganizationID: 3, DeviceTypeID: stale.DeviceTypeID, UUID: "5e0a5f55-1b0c-4b8e-8f3e-7f40f1a7c002", Name: "Pump", IsActive: true}
	silent := &models.Device{OrganizationID: 3, DeviceTypeID: stale.DeviceTypeID, UUID: "5e0a5f55-1b0c-4b8e-8f3e-7f40f1a7c003", Name: "Silent", IsActive: true, ConnectionState: models.ConnectionStateOnline}
	for _, device := range []*models.Device{fresh, silent} {
		if errCreate := conn.Create(device).Error; errCreate != nil {
			t.Fatalf("create device: %v", errCreate)
		}
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	presence := NewPresence(conn, config.PresenceConfig{HeartbeatTimeout: 5 * time.Minute})
	presence.now = func() time.Time { return now }
	ctx := context.Background()

	cameOnline, errOnline := presence.MarkOnline(ctx, stale.ID, now.Add(-10*time.Minute))
	if errOnline != nil || !cameOnline {
		t.Fatalf("expected first contact to bring device online, got %v %v", cameOnline, errOnline)
	}
	if _, errOnline = presence.MarkOnline(ctx, fresh.ID, now.Add(-time.Minute)); errOnline != nil {
		t.Fatalf("mark fresh online: %v", errOnline)
	}

	marked, errSweep := presence.SweepOnce(ctx)
	if errSweep != nil {
		t.Fatalf("sweep: %v", errSweep)
	}
	if marked != 2 {
		t.Fatalf("expected two devices marked offline, got %d", marked)
	}
	if got := reloadDevice(t, presence, stale.ID); got.ConnectionState != models.ConnectionStateOffline || got.LastSeenAt == nil {
		t.Fatalf("expected stale device offline with last_seen_at kept, got %q %v", got.ConnectionState, got.LastSeenAt)
	}
	if got := reloadDevice(t, presence, silent.ID); got.ConnectionState != models.ConnectionStateOffline {
		t.Fatalf("expected device without contact offline, got %q", got.ConnectionState)
	}
	if got := reloadDevice(t, presence, fresh.ID); got.ConnectionState != models.ConnectionStateOnline {
		t.Fatalf("expected fresh device to stay online, got %q", got.ConnectionState)
	}

	if marked, _ = presence.SweepOnce(ctx); marked != 0 {
		t.Fatalf("expected second sweep to be a no-op, got %d", marked)
	}
	cameOnline, errOnline = presence.MarkOnline(ctx, stale.ID, now)
	if errOnline != nil || !cameOnline {
		t.Fatalf("expected offline device to come back online, got %v %v", cameOnline, errOnline)
	}
	cameOnline, _ = presence.MarkOnline(ctx, stale.ID, now.Add(time.Second))
	if cameOnline {
		t.Fatalf("expected repeated contact not to count as a transition")
	}
	if got := reloadDevice(t, presence, stale.ID); got.LastSeenAt == nil || !got.LastSeenAt.Equal(now.Add(time.Second)) {
		t.Fatalf("expected last_seen_at to advance, got %v", got.LastSeenAt)
	}
}

func TestPresenceDisabledWithoutTimeout(t *testing.T) {
	conn := openTestDB(t)
	device, _ := seedDevice(t, conn)
	presence := NewPresence(conn, config.PresenceConfig{})
	if _, errOnline := presence.MarkOnline(context.Background(), device.ID, time.Now().Add(-24*time.Hour)); errOnline != nil {
		t.Fatalf("mark online: %v", errOnline)
	}
	if marked, errSweep := presence.SweepOnce(context.Background()); marked != 0 || errSweep != nil {
		t.Fatalf("expected sweep to be disabled, got %d %v", marked, errSweep)
	}
	if NewPresence(nil, config.PresenceConfig{HeartbeatTimeout: time.Minute}) != nil {
		t.Fatalf("expected nil presence without a database")
	}
}
