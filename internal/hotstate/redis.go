package hotstate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/TelemetryHub/internal/models"
)

type redisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisStore writes snapshots as JSON strings under <prefix>:<device uuid>.
type RedisStore struct {
	client redisClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore returns a Store that keeps each device state under prefix with the given ttl.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	return newRedisStore(client, prefix, ttl)
}

func newRedisStore(client redisClient, prefix string, ttl time.Duration) *RedisStore {
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "hotstate"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(deviceUUID string) string {
	return s.prefix + ":" + deviceUUID
}

func (s *RedisStore) Store(ctx context.Context, device *models.Device, topic *models.SchemaVersionTopic, values map[string]any, message *models.IngestionMessage) error {
	state, errBuild := buildState(device, topic, values, message)
	if errBuild != nil {
		return errBuild
	}
	data, errEncode := encodeState(state)
	if errEncode != nil {
		return errEncode
	}
	if errSet := s.client.Set(ctx, s.key(device.UUID), data, s.ttl).Err(); errSet != nil {
		return fmt.Errorf("hotstate: redis set: %w", errSet)
	}
	return nil
}

func (s *RedisStore) LastState(ctx context.Context, deviceUUID string) (*State, error) {
	data, errGet := s.client.Get(ctx, s.key(deviceUUID)).Bytes()
	if errGet != nil {
		if errors.Is(errGet, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("hotstate: redis get: %w", errGet)
	}
	return decodeState(data)
}
