package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/router-for-me/TelemetryHub/internal/models"
	"github.com/router-for-me/TelemetryHub/internal/schema"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultRegistryTTL = 30 * time.Second

var (
	ErrTopicNotRegistered   = errors.New("ingestion: topic not registered")
	ErrDeviceNotFound       = errors.New("ingestion: device not found")
	ErrSchemaVersionMissing = errors.New("ingestion: schema version missing")
)

// Failure reasons written to error_summary.reason.
const (
	ReasonTopicNotRegistered      = "topic_not_registered"
	ReasonDeviceNotFound          = "device_not_found"
	ReasonSchemaVersionMissing    = "schema_version_missing"
	ReasonSchemaExpressionInvalid = "schema_expression_invalid"
	ReasonPublishFailed           = "publish_failed"
)

// Resolution is everything the pipeline needs to process one envelope.
type Resolution struct {
	Device     *models.Device
	Version    *models.DeviceSchemaVersion
	Topic      *models.SchemaVersionTopic
	MQTTTopic  string
	Parameters []*schema.Parameter
	Derived    []*schema.Derived
}

type registryEntry struct {
	deviceID uint64
	topicID  uint64
}

// Resolver maps MQTT topics to a device and one of its publish topics.
type Resolver struct {
	db  *gorm.DB
	ttl time.Duration

	mu          sync.RWMutex
	registry    map[string]registryEntry
	refreshedAt time.Time
}

// NewResolver constructs a resolver. A non-positive ttl uses the default.
func NewResolver(db *gorm.DB, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = defaultRegistryTTL
	}
	return &Resolver{db: db, ttl: ttl}
}

// ResolvedTopic builds the MQTT topic a device publishes to for a schema topic.
func ResolvedTopic(device *models.Device, topic *models.SchemaVersionTopic) string {
	return device.DeviceType.BaseTopic() + "/" + device.TopicIdentifier() + "/" + strings.Trim(topic.Suffix, "/")
}

// Invalidate forces the next lookup to rebuild the registry.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.refreshedAt = time.Time{}
	r.mu.Unlock()
}

// Known reports whether mqttTopic is a registered publish topic.
func (r *Resolver) Known(ctx context.Context, mqttTopic string) bool {
	_, found, errRegistry := r.lookupRegistry(ctx, strings.Trim(strings.TrimSpace(mqttTopic), "/"))
	if errRegistry != nil {
		log.WithError(errRegistry).Warn("ingestion: registry lookup failed")
		return false
	}
	return found
}

// Resolve finds the device, schema version and topic for an envelope and compiles
// the topic's parameters and the version's derived parameters.
func (r *Resolver) Resolve(ctx context.Context, env Envelope) (*Resolution, error) {
	mqttTopic := strings.Trim(env.Topic(), "/")

	entry, found, errRegistry := r.lookupRegistry(ctx, mqttTopic)
	if errRegistry != nil {
		return nil, errRegistry
	}

	var device *models.Device
	var topic *models.SchemaVersionTopic
	if found {
		loaded, errDevice := r.loadDevice(ctx, "id = ?", entry.deviceID)
		if errDevice != nil {
			return nil, errDevice
		}
		device = loaded
		var row models.SchemaVersionTopic
		if errFind := r.db.WithContext(ctx).First(&row, "id = ?", entry.topicID).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return nil, ErrTopicNotRegistered
			}
			return nil, fmt.Errorf("ingestion: load topic: %w", errFind)
		}
		topic = &row
	} else {
		loaded, errFallback := r.fallbackDevice(ctx, env)
		if errFallback != nil {
			return nil, errFallback
		}
		device = loaded
	}

	if device.DeviceSchemaVersionID == nil {
		return nil, ErrSchemaVersionMissing
	}
	var version models.DeviceSchemaVersion
	if errFind := r.db.WithContext(ctx).First(&version, "id = ?", *device.DeviceSchemaVersionID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrSchemaVersionMissing
		}
		return nil, fmt.Errorf("ingestion: load schema version: %w", errFind)
	}

	if topic == nil {
		matched, errTopic := r.matchTopicSuffix(ctx, version.ID, mqttTopic)
		if errTopic != nil {
			return nil, errTopic
		}
		topic = matched
	}

	parameters, errParams := schema.LoadTopicParameters(ctx, r.db, topic.ID)
	if errParams != nil {
		return nil, errParams
	}
	derived, errDerived := schema.LoadDerived(ctx, r.db, version.ID)
	if errDerived != nil {
		return nil, errDerived
	}

	return &Resolution{
		Device:     device,
		Version:    &version,
		Topic:      topic,
		MQTTTopic:  mqttTopic,
		Parameters: parameters,
		Derived:    derived,
	}, nil
}

func (r *Resolver) lookupRegistry(ctx context.Context, mqttTopic string) (registryEntry, bool, error) {
	r.mu.RLock()
	stale := r.registry == nil || time.Since(r.refreshedAt) > r.ttl
	entry, found := r.registry[mqttTopic]
	r.mu.RUnlock()
	if !stale {
		return entry, found, nil
	}

	registry, errBuild := r.buildRegistry(ctx)
	if errBuild != nil {
		return registryEntry{}, false, errBuild
	}
	r.mu.Lock()
	r.registry = registry
	r.refreshedAt = time.Now()
	r.mu.Unlock()
	entry, found = registry[mqttTopic]
	return entry, found, nil
}

func (r *Resolver) buildRegistry(ctx context.Context) (map[string]registryEntry, error) {
	var devices []models.Device
	if errFind := r.db.WithContext(ctx).
		Preload("DeviceType").
		Where("device_schema_version_id IS NOT NULL").
		Find(&devices).Error; errFind != nil {
		return nil, fmt.Errorf("ingestion: load registry devices: %w", errFind)
	}
	if len(devices) == 0 {
		return map[string]registryEntry{}, nil
	}

	versionIDs := make([]uint64, 0, len(devices))
	seen := make(map[uint64]struct{}, len(devices))
	for i := range devices {
		id := *devices[i].DeviceSchemaVersionID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		versionIDs = append(versionIDs, id)
	}

	var topics []models.SchemaVersionTopic
	if errFind := r.db.WithContext(ctx).
		Where("device_schema_version_id IN ? AND direction = ?", versionIDs, models.TopicDirectionPublish).
		Find(&topics).Error; errFind != nil {
		return nil, fmt.Errorf("ingestion: load registry topics: %w", errFind)
	}
	topicsByVersion := make(map[uint64][]models.SchemaVersionTopic, len(versionIDs))
	for _, topic := range topics {
		topicsByVersion[topic.DeviceSchemaVersionID] = append(topicsByVersion[topic.DeviceSchemaVersionID], topic)
	}

	registry := make(map[string]registryEntry, len(topics))
	for i := range devices {
		device := &devices[i]
		for j := range topicsByVersion[*device.DeviceSchemaVersionID] {
			topic := &topicsByVersion[*device.DeviceSchemaVersionID][j]
			registry[ResolvedTopic(device, topic)] = registryEntry{deviceID: device.ID, topicID: topic.ID}
		}
	}
	log.WithField("topics", len(registry)).Debug("ingestion: topic registry refreshed")
	return registry, nil
}

func (r *Resolver) loadDevice(ctx context.Context, query string, args ...any) (*models.Device, error) {
	var device models.Device
	if errFind := r.db.WithContext(ctx).Preload("DeviceType").Where(query, args...).First(&device).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("ingestion: load device: %w", errFind)
	}
	return &device, nil
}

func (r *Resolver) fallbackDevice(ctx context.Context, env Envelope) (*models.Device, error) {
	if id := strings.TrimSpace(env.DeviceUUID); id != "" {
		return r.loadDevice(ctx, "uuid = ?", id)
	}
	if id := strings.TrimSpace(env.DeviceExternalID); id != "" {
		return r.loadDevice(ctx, "external_id = ?", id)
	}
	return nil, ErrTopicNotRegistered
}

// matchTopicSuffix picks the publish topic whose suffix ends the MQTT topic, longest suffix first.
func (r *Resolver) matchTopicSuffix(ctx context.Context, versionID uint64, mqttTopic string) (*models.SchemaVersionTopic, error) {
	var topics []models.SchemaVersionTopic
	if errFind := r.db.WithContext(ctx).
		Where("device_schema_version_id = ? AND direction = ?", versionID, models.TopicDirectionPublish).
		Find(&topics).Error; errFind != nil {
		return nil, fmt.Errorf("ingestion: load topics: %w", errFind)
	}
	var best *models.SchemaVersionTopic
	for i := range topics {
		suffix := strings.Trim(topics[i].Suffix, "/")
		if suffix == "" {
			continue
		}
		if mqttTopic != suffix && !strings.HasSuffix(mqttTopic, "/"+suffix) {
			continue
		}
		if best == nil || len(suffix) > len(strings.Trim(best.Suffix, "/")) {
			best = &topics[i]
		}
	}
	if best == nil {
		return nil, ErrTopicNotRegistered
	}
	return best, nil
}
