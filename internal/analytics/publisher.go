// Package analytics publishes processed and invalid telemetry events for downstream consumers.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/router-for-me/TelemetryHub/internal/config"
	"github.com/router-for-me/TelemetryHub/internal/models"
)

const (
	defaultAnalyticsPrefix = "iot.v1.analytics"
	defaultInvalidPrefix   = "iot.v1.invalid"
	defaultEnvironment     = "production"

	ReasonValidation         = "validation"
	ReasonCriticalValidation = "critical_validation"
)

var unsafeToken = regexp.MustCompile(`[^a-z0-9_-]+`)

// Publisher sends raw bytes to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Event is the JSON body of analytics and invalid events.
type Event struct {
	IngestionMessageID string         `json:"ingestion_message_id"`
	OrganizationID     uint64         `json:"organization_id"`
	DeviceUUID         string         `json:"device_uuid"`
	DeviceExternalID   *string        `json:"device_external_id"`
	TopicKey           string         `json:"topic_key"`
	TopicSuffix        string         `json:"topic_suffix"`
	RecordedAt         string         `json:"recorded_at"`
	Values             map[string]any `json:"values,omitempty"`
	Errors             map[string]any `json:"errors,omitempty"`
}

// NatsPublisher builds subjects from the configured prefixes and publishes events.
type NatsPublisher struct {
	publisher Publisher
	subjects  config.SubjectConfig
	now       func() time.Time
}

// NewNatsPublisher returns an analytics publisher writing to the configured subjects.
func NewNatsPublisher(publisher Publisher, subjects config.SubjectConfig) *NatsPublisher {
	return &NatsPublisher{publisher: publisher, subjects: subjects, now: time.Now}
}

func (p *NatsPublisher) PublishTelemetry(ctx context.Context, device *models.Device, topic *models.SchemaVersionTopic, values map[string]any, message *models.IngestionMessage) error {
	event := p.event(device, topic, message)
	event.Values = values
	return p.publish(ctx, p.TelemetrySubject(device, topic), event)
}

func (p *NatsPublisher) PublishInvalid(ctx context.Context, device *models.Device, topic *models.SchemaVersionTopic, validationErrors map[string]any, message *models.IngestionMessage) error {
	event := p.event(device, topic, message)
	event.Errors = validationErrors
	return p.publish(ctx, p.InvalidSubject(device, InvalidReason(validationErrors)), event)
}

// TelemetrySubject is <prefix>.<env>.<org>.<device uuid>.<topic key>.
func (p *NatsPublisher) TelemetrySubject(device *models.Device, topic *models.SchemaVersionTopic) string {
	return strings.Join([]string{
		prefixOr(p.subjects.AnalyticsPrefix, defaultAnalyticsPrefix),
		SanitizeToken(p.environment()),
		SanitizeToken(strconv.FormatUint(device.OrganizationID, 10)),
		SanitizeToken(device.UUID),
		SanitizeToken(topic.Key),
	}, ".")
}

// InvalidSubject is <prefix>.<env>.<org>.<reason>.
func (p *NatsPublisher) InvalidSubject(device *models.Device, reason string) string {
	return strings.Join([]string{
		prefixOr(p.subjects.InvalidPrefix, defaultInvalidPrefix),
		SanitizeToken(p.environment()),
		SanitizeToken(strconv.FormatUint(device.OrganizationID, 10)),
		SanitizeToken(reason),
	}, ".")
}

func (p *NatsPublisher) environment() string {
	if env := strings.TrimSpace(p.subjects.Environment); env != "" {
		return env
	}
	return defaultEnvironment
}

func (p *NatsPublisher) event(device *models.Device, topic *models.SchemaVersionTopic, message *models.IngestionMessage) Event {
	event := Event{
		OrganizationID:   device.OrganizationID,
		DeviceUUID:       device.UUID,
		DeviceExternalID: device.ExternalID,
		TopicKey:         topic.Key,
		TopicSuffix:      topic.Suffix,
		RecordedAt:       p.now().UTC().Format(time.RFC3339),
	}
	if message != nil {
		event.IngestionMessageID = message.ID
	}
	return event
}

func (p *NatsPublisher) publish(ctx context.Context, subject string, event Event) error {
	data, errMarshal := json.Marshal(event)
	if errMarshal != nil {
		return fmt.Errorf("analytics: encode event: %w", errMarshal)
	}
	if errPublish := p.publisher.Publish(ctx, subject, data); errPublish != nil {
		return fmt.Errorf("analytics: publish %s: %w", subject, errPublish)
	}
	return nil
}

// InvalidReason is critical_validation when any error is critical, validation otherwise.
func InvalidReason(validationErrors map[string]any) string {
	for _, raw := range validationErrors {
		if critical, ok := criticalFlag(raw); ok && critical {
			return ReasonCriticalValidation
		}
	}
	return ReasonValidation
}

func criticalFlag(raw any) (bool, bool) {
	if v, isMap := raw.(map[string]any); isMap {
		flag, ok := v["is_critical"].(bool)
		return flag, ok
	}
	data, errMarshal := json.Marshal(raw)
	if errMarshal != nil {
		return false, false
	}
	var decoded struct {
		IsCritical bool `json:"is_critical"`
	}
	if errUnmarshal := json.Unmarshal(data, &decoded); errUnmarshal != nil {
		return false, false
	}
	return decoded.IsCritical, true
}

// SanitizeToken lowercases value and replaces characters that are not safe in a subject token.
func SanitizeToken(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.Trim(unsafeToken.ReplaceAllString(normalized, "-"), "-")
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

func prefixOr(prefix, fallback string) string {
	if prefix = strings.Trim(strings.TrimSpace(prefix), "."); prefix != "" {
		return prefix
	}
	return fallback
}
