// Package hotstate keeps the latest telemetry snapshot per device outside the telemetry log.
package hotstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/router-for-me/TelemetryHub/internal/ingestion"
	"github.com/router-for-me/TelemetryHub/internal/models"
)

// ErrInvalidDevice is returned when a snapshot is written without a device uuid.
var ErrInvalidDevice = errors.New("hotstate: device uuid is required")

// State is the last snapshot stored for a device.
type State struct {
	Topic    string         `json:"topic"`
	Payload  map[string]any `json:"payload"`
	StoredAt time.Time      `json:"stored_at"`
}

// Reader returns the last stored snapshot, or nil when the device has none.
type Reader interface {
	LastState(ctx context.Context, deviceUUID string) (*State, error)
}

// Store is a hot state backend usable by the ingestion pipeline and the API.
type Store interface {
	ingestion.HotStateStore
	Reader
}

func buildState(device *models.Device, topic *models.SchemaVersionTopic, values map[string]any, message *models.IngestionMessage) (State, error) {
	if device == nil || strings.TrimSpace(device.UUID) == "" {
		return State{}, ErrInvalidDevice
	}
	now := time.Now().UTC()
	payload := map[string]any{
		"values":      values,
		"recorded_at": now.Format(time.RFC3339),
	}
	if message != nil {
		payload["ingestion_message_id"] = message.ID
		payload["status"] = message.Status
	}
	state := State{Payload: payload, StoredAt: now}
	if topic != nil {
		state.Topic = ingestion.ResolvedTopic(device, topic)
	}
	return state, nil
}

func encodeState(state State) ([]byte, error) {
	data, errMarshal := json.Marshal(state)
	if errMarshal != nil {
		return nil, fmt.Errorf("hotstate: encode: %w", errMarshal)
	}
	return data, nil
}

func decodeState(data []byte) (*State, error) {
	var state State
	if errUnmarshal := json.Unmarshal(data, &state); errUnmarshal != nil {
		return nil, fmt.Errorf("hotstate: decode: %w", errUnmarshal)
	}
	return &state, nil
}

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewMemoryStore returns an empty in-process Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (m *MemoryStore) Store(_ context.Context, device *models.Device, topic *models.SchemaVersionTopic, values map[string]any, message *models.IngestionMessage) error {
	state, errBuild := buildState(device, topic, values, message)
	if errBuild != nil {
		return errBuild
	}
	m.mu.Lock()
	m.states[device.UUID] = state
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LastState(_ context.Context, deviceUUID string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[deviceUUID]
	if !ok {
		return nil, nil
	}
	return &state, nil
}
