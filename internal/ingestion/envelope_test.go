package ingestion

import (
	"testing"
	"time"
)

func TestDeduplicationKey(t *testing.T) {
	withID := Envelope{SourceSubject: "device.a.telemetry", MessageID: " 42 ", Payload: map[string]any{"t": 1.0}}
	sameID := Envelope{SourceSubject: "device.a.telemetry", MessageID: "42", Payload: map[string]any{"t": 2.0}}
	if withID.DeduplicationKey() != sameID.DeduplicationKey() {
		t.Fatalf("expected message id to define the key")
	}
	otherSubject := Envelope{SourceSubject: "device.b.telemetry", MessageID: "42"}
	if otherSubject.DeduplicationKey() == withID.DeduplicationKey() {
		t.Fatalf("expected subject to scope the key")
	}

	a := Envelope{SourceSubject: "device.a.telemetry", Payload: map[string]any{"x": 1.0, "y": 2.0}}
	b := Envelope{SourceSubject: "device.a.telemetry", Payload: map[string]any{"y": 2.0, "x": 1.0}}
	if a.DeduplicationKey() != b.DeduplicationKey() {
		t.Fatalf("expected payload fingerprint to ignore key order")
	}
	if len(a.DeduplicationKey()) != 64 {
		t.Fatalf("expected hex sha256 key")
	}
}

func TestEnvelopeTopicAndMarshal(t *testing.T) {
	env := Envelope{SourceSubject: "device.dev-1.telemetry", Payload: map[string]any{"t": 1.5}}
	if env.Topic() != "device/dev-1/telemetry" {
		t.Fatalf("expected topic derived from subject, got %s", env.Topic())
	}
	if TopicToSubject("/device/dev-1/telemetry/") != "device.dev-1.telemetry" {
		t.Fatalf("unexpected subject conversion")
	}

	data, errMarshal := env.Marshal()
	if errMarshal != nil {
		t.Fatalf("marshal: %v", errMarshal)
	}
	decoded, errUnmarshal := UnmarshalEnvelope(data)
	if errUnmarshal != nil {
		t.Fatalf("unmarshal: %v", errUnmarshal)
	}
	if decoded.Payload["t"] != 1.5 || decoded.ReceivedAt.IsZero() {
		t.Fatalf("unexpected decoded envelope %+v", decoded)
	}
	if decoded.DeduplicationKey() != env.DeduplicationKey() {
		t.Fatalf("expected key to survive queueing")
	}

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if (Envelope{ReceivedAt: fixed}).ResolveReceivedAt() != fixed {
		t.Fatalf("expected explicit received_at to be kept")
	}
}
