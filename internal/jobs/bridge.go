package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/router-for-me/TelemetryHub/internal/automation"
	"github.com/router-for-me/TelemetryHub/internal/ingestion"
	"github.com/router-for-me/TelemetryHub/internal/models"
	log "github.com/sirupsen/logrus"
)

// Ingester processes one telemetry envelope.
type Ingester interface {
	Ingest(ctx context.Context, env ingestion.Envelope) (*models.IngestionMessage, error)
}

// RunHandler executes one automation run request.
type RunHandler interface {
	Handle(ctx context.Context, req automation.RunRequest) error
}

// Bridge adapts the queue to the ingestion sink and the automation enqueuer.
type Bridge struct {
	queue Queue
	names QueueNames
}

// NewBridge returns a Bridge that enqueues pipeline and automation jobs on queue.
func NewBridge(queue Queue, names QueueNames) *Bridge {
	return &Bridge{queue: queue, names: names.normalized()}
}

// EnqueueIngestion matches ingestion.Sink.
func (b *Bridge) EnqueueIngestion(ctx context.Context, env ingestion.Envelope) error {
	payload, errMarshal := env.Marshal()
	if errMarshal != nil {
		return fmt.Errorf("jobs: encode envelope: %w", errMarshal)
	}
	return b.queue.Enqueue(ctx, TypeIngestionProcess, payload, b.names.Ingestion)
}

// EnqueueRun implements automation.Enqueuer.
func (b *Bridge) EnqueueRun(ctx context.Context, req automation.RunRequest) error {
	payload, errMarshal := json.Marshal(req)
	if errMarshal != nil {
		return fmt.Errorf("jobs: encode run request: %w", errMarshal)
	}
	return b.queue.Enqueue(ctx, TypeAutomationRun, payload, b.names.Automation)
}

// RegisterHandlers binds the ingestion and automation job types. Either side may be nil.
func RegisterHandlers(queue Queue, ingester Ingester, runner RunHandler) {
	if ingester != nil {
		queue.Register(TypeIngestionProcess, func(ctx context.Context, payload []byte) error {
			env, errDecode := ingestion.UnmarshalEnvelope(payload)
			if errDecode != nil {
				log.WithError(errDecode).Error("jobs: dropping undecodable ingestion job")
				return nil
			}
			_, errIngest := ingester.Ingest(ctx, env)
			return errIngest
		})
	}
	if runner != nil {
		queue.Register(TypeAutomationRun, func(ctx context.Context, payload []byte) error {
			var req automation.RunRequest
			if errDecode := json.Unmarshal(payload, &req); errDecode != nil {
				log.WithError(errDecode).Error("jobs: dropping undecodable automation job")
				return nil
			}
			return runner.Handle(ctx, req)
		})
	}
}
