package hotstate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/TelemetryHub/internal/models"
	"gorm.io/datatypes"
)

func testDevice() *models.Device {
	return &models.Device{
		UUID:       "7d9f0c55-2b1e-4f7a-9a43-5c2e1d0b8f11",
		DeviceType: &models.DeviceType{ProtocolConfig: datatypes.JSON(`{"base_topic":"greenhouse"}`)},
	}
}

func testTopic() *models.SchemaVersionTopic {
	return &models.SchemaVersionTopic{Suffix: "telemetry"}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if state, errGet := store.LastState(ctx, testDevice().UUID); errGet != nil || state != nil {
		t.Fatalf("expected no state, got %+v %v", state, errGet)
	}

	message := &models.IngestionMessage{ID: "msg-1", Status: models.IngestionStatusProcessing}
	if errStore := store.Store(ctx, testDevice(), testTopic(), map[string]any{"temp_c": 12.0}, message); errStore != nil {
		t.Fatalf("store: %v", errStore)
	}
	state, errGet := store.LastState(ctx, testDevice().UUID)
	if errGet != nil || state == nil {
		t.Fatalf("expected state, got %v", errGet)
	}
	if state.Topic != "greenhouse/"+testDevice().UUID+"/telemetry" {
		t.Fatalf("unexpected topic %s", state.Topic)
	}
	values, _ := state.Payload["values"].(map[string]any)
	if values["temp_c"] != 12.0 || state.Payload["ingestion_message_id"] != "msg-1" {
		t.Fatalf("unexpected payload %v", state.Payload)
	}

	if errStore := store.Store(ctx, &models.Device{}, testTopic(), nil, nil); !errors.Is(errStore, ErrInvalidDevice) {
		t.Fatalf("expected ErrInvalidDevice, got %v", errStore)
	}
}

type fakeEntry struct {
	jetstream.KeyValueEntry
	value []byte
}

func (e fakeEntry) Value() []byte { return e.value }

type fakeKV struct {
	jetstream.KeyValue
	data   map[string][]byte
	putErr error
}

func (f *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	if f.putErr != nil {
		return 0, f.putErr
	}
	f.data[key] = value
	return uint64(len(f.data)), nil
}

func (f *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	value, ok := f.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return fakeEntry{value: value}, nil
}

func TestNatsKVStore(t *testing.T) {
	kv := &fakeKV{data: map[string][]byte{}}
	store := NewNatsKVStore(kv)
	ctx := context.Background()

	if state, errGet := store.LastState(ctx, "missing"); errGet != nil || state != nil {
		t.Fatalf("expected missing key to be nil, got %+v %v", state, errGet)
	}
	if errStore := store.Store(ctx, testDevice(), testTopic(), map[string]any{"on": true}, nil); errStore != nil {
		t.Fatalf("store: %v", errStore)
	}
	if _, ok := kv.data[testDevice().UUID]; !ok {
		t.Fatalf("expected key by device uuid")
	}
	state, errGet := store.LastState(ctx, testDevice().UUID)
	if errGet != nil || state == nil || state.StoredAt.IsZero() {
		t.Fatalf("expected stored state, got %+v %v", state, errGet)
	}

	kv.putErr = errors.New("no responders")
	if errStore := store.Store(ctx, testDevice(), testTopic(), nil, nil); errStore == nil {
		t.Fatalf("expected put failure to surface")
	}
}

type fakeRedis struct {
	data map[string]string
	ttl  time.Duration
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	f.data[key] = string(value.([]byte))
	f.ttl = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	value, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(value, nil)
}

func TestRedisStore(t *testing.T) {
	client := &fakeRedis{data: map[string]string{}}
	store := newRedisStore(client, ":state:", time.Hour)
	ctx := context.Background()

	if errStore := store.Store(ctx, testDevice(), testTopic(), map[string]any{"temp_c": 20.5}, nil); errStore != nil {
		t.Fatalf("store: %v", errStore)
	}
	if _, ok := client.data["state:"+testDevice().UUID]; !ok {
		t.Fatalf("expected prefixed key, got %v", client.data)
	}
	if client.ttl != time.Hour {
		t.Fatalf("expected ttl to be applied")
	}
	state, errGet := store.LastState(ctx, testDevice().UUID)
	if errGet != nil || state == nil {
		t.Fatalf("expected state, got %v", errGet)
	}
	if state, errGet := store.LastState(ctx, "other"); errGet != nil || state != nil {
		t.Fatalf("expected nil for missing key, got %+v %v", state, errGet)
	}
}
