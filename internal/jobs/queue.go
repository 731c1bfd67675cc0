// Package jobs runs ingestion and automation work on a local worker pool or on asynq.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/router-for-me/TelemetryHub/internal/config"
	"github.com/router-for-me/TelemetryHub/internal/metrics"
)

// Job types.
const (
	TypeIngestionProcess = "ingestion:process"
	TypeAutomationRun    = "automation:run"
)

// Queue names.
const (
	QueueIngestion  = "ingestion"
	QueueAutomation = "automation"
)

var (
	ErrUnknownJobType = errors.New("jobs: no handler registered for job type")
	ErrQueueClosed    = errors.New("jobs: queue is closed")
)

// QueueNames selects the queues ingestion and automation jobs are written to.
type QueueNames struct {
	Ingestion  string
	Automation string
}

func (n QueueNames) normalized() QueueNames {
	if strings.TrimSpace(n.Ingestion) == "" {
		n.Ingestion = QueueIngestion
	}
	if strings.TrimSpace(n.Automation) == "" {
		n.Automation = QueueAutomation
	}
	return n
}

// Handler processes one job payload. A returned error schedules a retry.
type Handler func(ctx context.Context, payload []byte) error

// Queue delivers typed jobs to registered handlers.
type Queue interface {
	Register(jobType string, handler Handler)
	Enqueue(ctx context.Context, jobType string, payload []byte, queue string) error
	Start(ctx context.Context) error
	Shutdown()
}

// New builds the queue selected by cfg.Driver.
func New(cfg config.QueueConfig, redis config.RedisConfig, names QueueNames, recorder *metrics.Recorder) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", config.QueueDriverLocal:
		return NewLocalQueue(cfg, recorder), nil
	case config.QueueDriverAsynq:
		return NewAsynqQueue(cfg, redis, names, recorder), nil
	default:
		return nil, fmt.Errorf("jobs: unsupported queue driver %q", cfg.Driver)
	}
}
