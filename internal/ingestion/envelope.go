package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// SourceProtocolMQTT is recorded on messages that arrived through the MQTT bridge.
const SourceProtocolMQTT = "mqtt"

// Envelope is one inbound telemetry message with its routing metadata.
type Envelope struct {
	SourceSubject    string         `json:"source_subject"`
	MQTTTopic        string         `json:"mqtt_topic"`
	Payload          map[string]any `json:"payload"`
	DeviceUUID       string         `json:"device_uuid,omitempty"`
	DeviceExternalID string         `json:"device_external_id,omitempty"`
	MessageID        string         `json:"message_id,omitempty"`
	ReceivedAt       time.Time      `json:"received_at"`
}

// DeduplicationKey identifies the envelope for idempotent processing. A caller supplied
// message id wins; otherwise the payload itself is fingerprinted.
func (e Envelope) DeduplicationKey() string {
	var material string
	if id := strings.TrimSpace(e.MessageID); id != "" {
		material = e.SourceSubject + "|" + id
	} else {
		encoded, errMarshal := json.Marshal(e.Payload)
		if errMarshal != nil {
			encoded = []byte("{}")
		}
		material = e.SourceSubject + "|" + string(encoded)
	}
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// ResolveReceivedAt returns the intake time, defaulting to now.
func (e Envelope) ResolveReceivedAt() time.Time {
	if e.ReceivedAt.IsZero() {
		return time.Now().UTC()
	}
	return e.ReceivedAt.UTC()
}

// Topic returns the MQTT topic, deriving it from a dotted NATS subject when the bridge did not set it.
func (e Envelope) Topic() string {
	if topic := strings.TrimSpace(e.MQTTTopic); topic != "" {
		return topic
	}
	return SubjectToTopic(e.SourceSubject)
}

// SubjectToTopic converts a NATS subject into the equivalent MQTT topic.
func SubjectToTopic(subject string) string {
	return strings.ReplaceAll(strings.TrimSpace(subject), ".", "/")
}

// TopicToSubject converts an MQTT topic into the equivalent NATS subject.
func TopicToSubject(topic string) string {
	return strings.ReplaceAll(strings.Trim(strings.TrimSpace(topic), "/"), "/", ".")
}

// Marshal encodes the envelope for queueing.
func (e Envelope) Marshal() ([]byte, error) {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes a queued envelope.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if errUnmarshal := json.Unmarshal(data, &env); errUnmarshal != nil {
		return Envelope{}, errUnmarshal
	}
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	return env, nil
}
