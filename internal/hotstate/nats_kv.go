package hotstate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/router-for-me/TelemetryHub/internal/models"
	log "github.com/sirupsen/logrus"
)

// NatsKVStore writes snapshots into a JetStream key/value bucket keyed by device uuid.
type NatsKVStore struct {
	kv jetstream.KeyValue
}

// OpenNatsKVStore returns a store on bucket, creating the bucket when it does not exist.
func OpenNatsKVStore(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (*NatsKVStore, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, fmt.Errorf("hotstate: bucket name is required")
	}
	kv, errKV := js.KeyValue(ctx, bucket)
	if errKV == nil {
		return NewNatsKVStore(kv), nil
	}
	if !errors.Is(errKV, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("hotstate: open bucket %s: %w", bucket, errKV)
	}
	kv, errCreate := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "latest device telemetry",
		TTL:         ttl,
		History:     1,
	})
	if errCreate != nil {
		if errors.Is(errCreate, jetstream.ErrBucketExists) {
			kv, errKV = js.KeyValue(ctx, bucket)
			if errKV != nil {
				return nil, fmt.Errorf("hotstate: open bucket %s: %w", bucket, errKV)
			}
			return NewNatsKVStore(kv), nil
		}
		return nil, fmt.Errorf("hotstate: create bucket %s: %w", bucket, errCreate)
	}
	log.WithField("bucket", bucket).Info("hotstate: created kv bucket")
	return NewNatsKVStore(kv), nil
}

// NewNatsKVStore returns a Store backed by a JetStream key-value bucket.
func NewNatsKVStore(kv jetstream.KeyValue) *NatsKVStore {
	return &NatsKVStore{kv: kv}
}

func (s *NatsKVStore) Store(ctx context.Context, device *models.Device, topic *models.SchemaVersionTopic, values map[string]any, message *models.IngestionMessage) error {
	state, errBuild := buildState(device, topic, values, message)
	if errBuild != nil {
		return errBuild
	}
	data, errEncode := encodeState(state)
	if errEncode != nil {
		return errEncode
	}
	if _, errPut := s.kv.Put(ctx, device.UUID, data); errPut != nil {
		return fmt.Errorf("hotstate: kv put: %w", errPut)
	}
	return nil
}

func (s *NatsKVStore) LastState(ctx context.Context, deviceUUID string) (*State, error) {
	entry, errGet := s.kv.Get(ctx, deviceUUID)
	if errGet != nil {
		if errors.Is(errGet, jetstream.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("hotstate: kv get: %w", errGet)
	}
	return decodeState(entry.Value())
}
