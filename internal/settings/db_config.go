package settings

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// dbConfigSnapshot holds the in-memory DB config values.
type dbConfigSnapshot struct {
	updatedAt time.Time
	values    map[string]json.RawMessage
}

var globalDBConfig atomic.Value // stores dbConfigSnapshot

func init() {
	globalDBConfig.Store(dbConfigSnapshot{values: map[string]json.RawMessage{}})
}

// StoreDBConfig replaces the in-memory snapshot of DB-backed settings.
func StoreDBConfig(updatedAt time.Time, values map[string]json.RawMessage) {
	next := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		if v == nil {
			next[key] = nil
			continue
		}
		next[key] = append(json.RawMessage(nil), v...)
	}
	globalDBConfig.Store(dbConfigSnapshot{updatedAt: updatedAt.UTC(), values: next})
}

// DBConfigUpdatedAt returns the newest update timestamp in the snapshot.
func DBConfigUpdatedAt() time.Time {
	return loadDBConfig().updatedAt
}

// DBConfigValue returns a copy of the raw config value for a key.
func DBConfigValue(key string) (json.RawMessage, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false
	}
	val, ok := loadDBConfig().values[key]
	if !ok {
		return nil, false
	}
	if val == nil {
		return nil, true
	}
	return append(json.RawMessage(nil), val...), true
}

// DBConfigBool reads a boolean override. Accepts JSON booleans, 0/1 and "true"/"false" strings.
func DBConfigBool(key string, fallback bool) bool {
	raw, ok := DBConfigValue(key)
	if !ok || len(raw) == 0 {
		return fallback
	}
	var decoded any
	if errUnmarshal := json.Unmarshal(raw, &decoded); errUnmarshal != nil {
		return fallback
	}
	switch v := decoded.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		parsed, errParse := strconv.ParseBool(strings.TrimSpace(v))
		if errParse != nil {
			return fallback
		}
		return parsed
	}
	return fallback
}

// DBConfigInt reads a positive integer override.
func DBConfigInt(key string, fallback int) int {
	raw, ok := DBConfigValue(key)
	if !ok || len(raw) == 0 {
		return fallback
	}
	var decoded any
	if errUnmarshal := json.Unmarshal(raw, &decoded); errUnmarshal != nil {
		return fallback
	}
	switch v := decoded.(type) {
	case float64:
		if v > 0 && v == float64(int(v)) {
			return int(v)
		}
	case string:
		if parsed, errParse := strconv.Atoi(strings.TrimSpace(v)); errParse == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func loadDBConfig() dbConfigSnapshot {
	cfg, ok := globalDBConfig.Load().(dbConfigSnapshot)
	if !ok {
		return dbConfigSnapshot{values: map[string]json.RawMessage{}}
	}
	if cfg.values == nil {
		return dbConfigSnapshot{updatedAt: cfg.updatedAt, values: map[string]json.RawMessage{}}
	}
	return cfg
}
