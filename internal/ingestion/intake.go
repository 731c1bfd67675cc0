package ingestion

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/router-for-me/TelemetryHub/internal/config"
	"github.com/router-for-me/TelemetryHub/internal/schema"
	log "github.com/sirupsen/logrus"
)

// MessageIDHeader carries the publisher's message id on NATS messages.
const MessageIDHeader = "Nats-Msg-Id"

var internalSubjectPrefixes = []string{"$JS.", "$KV.", "_INBOX.", "_REQS."}

// Sink receives envelopes accepted by an Intake, normally by enqueueing a processing job.
type Sink func(ctx context.Context, env Envelope) error

// Intake turns raw transport messages into envelopes, dropping traffic that is not telemetry.
type Intake struct {
	resolver *Resolver
	subjects config.SubjectConfig
	sink     Sink
}

// NewIntake constructs an intake. A nil resolver accepts every non-internal subject.
func NewIntake(resolver *Resolver, subjects config.SubjectConfig, sink Sink) *Intake {
	return &Intake{resolver: resolver, subjects: subjects, sink: sink}
}

// HandleNATS accepts a message received on a NATS subject.
func (i *Intake) HandleNATS(ctx context.Context, subject string, body []byte, messageID string) bool {
	if i.ShouldIgnoreSubject(subject) {
		return false
	}
	env := BuildEnvelope(subject, SubjectToTopic(subject), body, messageID, time.Now().UTC())
	return i.accept(ctx, env)
}

// HandleMQTT accepts a message received on an MQTT topic.
func (i *Intake) HandleMQTT(ctx context.Context, topic string, body []byte) bool {
	subject := TopicToSubject(topic)
	if i.ShouldIgnoreSubject(subject) {
		return false
	}
	env := BuildEnvelope(subject, strings.Trim(topic, "/"), body, "", time.Now().UTC())
	return i.accept(ctx, env)
}

func (i *Intake) accept(ctx context.Context, env Envelope) bool {
	if i.resolver != nil && env.DeviceUUID == "" && env.DeviceExternalID == "" && !i.resolver.Known(ctx, env.MQTTTopic) {
		log.WithField("mqtt_topic", env.MQTTTopic).Debug("ingestion: ignoring unregistered topic")
		return false
	}
	if i.sink == nil {
		return false
	}
	if errSink := i.sink(ctx, env); errSink != nil {
		log.WithError(errSink).WithField("source_subject", env.SourceSubject).Error("ingestion: failed to queue telemetry")
		return false
	}
	return true
}

// ShouldIgnoreSubject filters out empty, broker-internal and self-published subjects.
func (i *Intake) ShouldIgnoreSubject(subject string) bool {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return true
	}
	for _, prefix := range internalSubjectPrefixes {
		if strings.HasPrefix(subject, prefix) {
			return true
		}
	}
	for _, prefix := range []string{i.subjects.AnalyticsPrefix, i.subjects.InvalidPrefix} {
		if prefix = strings.Trim(prefix, "."); prefix != "" && strings.HasPrefix(subject, prefix) {
			return true
		}
	}
	return false
}

// BuildEnvelope decodes a JSON body into an envelope. A body that is not a JSON object
// becomes an empty payload. Device identifiers are read from the payload's _meta block
// and kept only when the identifier is also a segment of mqttTopic, so a publisher
// cannot attribute telemetry to a device whose topic it does not own.
func BuildEnvelope(subject, mqttTopic string, body []byte, messageID string, receivedAt time.Time) Envelope {
	payload := map[string]any{}
	var decoded any
	if errUnmarshal := json.Unmarshal(body, &decoded); errUnmarshal == nil {
		if object, ok := decoded.(map[string]any); ok {
			payload = object
		}
	}
	env := Envelope{
		SourceSubject: subject,
		MQTTTopic:     mqttTopic,
		Payload:       payload,
		MessageID:     strings.TrimSpace(messageID),
		ReceivedAt:    receivedAt,
	}
	if value, ok := schema.Extract(payload, "_meta.device_uuid").(string); ok && topicNames(mqttTopic, value) {
		env.DeviceUUID = value
	}
	if value, ok := schema.Extract(payload, "_meta.device_external_id").(string); ok && topicNames(mqttTopic, value) {
		env.DeviceExternalID = value
	}
	return env
}

func topicNames(mqttTopic, id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	for _, segment := range strings.Split(strings.Trim(mqttTopic, "/"), "/") {
		if segment == id {
			return true
		}
	}
	return false
}
