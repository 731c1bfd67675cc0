package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/router-for-me/TelemetryHub/internal/config"
	"github.com/router-for-me/TelemetryHub/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// AsynqQueue stores jobs in Redis through asynq.
type AsynqQueue struct {
	redis   asynq.RedisClientOpt
	client  *asynq.Client
	server  *asynq.Server
	mux     *asynq.ServeMux
	cfg     config.QueueConfig
	queues  map[string]int
	metrics *metrics.Recorder
}

// NewAsynqQueue returns a Redis-backed Queue. Workers run after Start.
func NewAsynqQueue(cfg config.QueueConfig, redis config.RedisConfig, names QueueNames, recorder *metrics.Recorder) *AsynqQueue {
	opt := asynq.RedisClientOpt{Addr: redis.Addr, Password: redis.Password, DB: redis.DB}
	names = names.normalized()
	// Ingestion is latency sensitive; automation runs tolerate queueing.
	queues := map[string]int{names.Ingestion: 6, names.Automation: 3}
	return &AsynqQueue{
		redis:   opt,
		client:  asynq.NewClient(opt),
		mux:     asynq.NewServeMux(),
		cfg:     cfg,
		queues:  queues,
		metrics: recorder,
	}
}

// Register binds handler to jobType.
func (q *AsynqQueue) Register(jobType string, handler Handler) {
	q.mux.HandleFunc(jobType, func(ctx context.Context, task *asynq.Task) error {
		if errHandle := handler(ctx, task.Payload()); errHandle != nil {
			q.metrics.Job(jobType, "failed")
			return errHandle
		}
		q.metrics.Job(jobType, "succeeded")
		return nil
	})
}

// Enqueue submits payload as a jobType task on queue.
func (q *AsynqQueue) Enqueue(ctx context.Context, jobType string, payload []byte, queue string) error {
	if strings.TrimSpace(queue) == "" {
		queue = QueueIngestion
	}
	options := []asynq.Option{asynq.Queue(queue)}
	if q.cfg.MaxRetries >= 0 {
		options = append(options, asynq.MaxRetry(q.cfg.MaxRetries))
	}
	info, errEnqueue := q.client.EnqueueContext(ctx, asynq.NewTask(jobType, payload), options...)
	if errEnqueue != nil {
		return fmt.Errorf("jobs: enqueue %s: %w", jobType, errEnqueue)
	}
	log.WithFields(log.Fields{"job_type": jobType, "task_id": info.ID, "queue": info.Queue}).Debug("jobs: task enqueued")
	return nil
}

// Start runs the asynq server in the background.
func (q *AsynqQueue) Start(_ context.Context) error {
	concurrency := q.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	retryDelay := q.cfg.RetryDelay
	q.server = asynq.NewServer(q.redis, asynq.Config{
		Concurrency: concurrency,
		Queues:      q.queues,
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			if retryDelay <= 0 {
				return asynq.DefaultRetryDelayFunc(n, err, task)
			}
			return retryDelay * time.Duration(n+1)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			log.WithError(err).WithField("job_type", task.Type()).Warn("jobs: task failed")
		}),
	})
	if errStart := q.server.Start(q.mux); errStart != nil {
		return fmt.Errorf("jobs: start asynq server: %w", errStart)
	}
	log.Infof("jobs: asynq queue started (redis=%s concurrency=%d)", q.redis.Addr, concurrency)
	return nil
}

// Shutdown stops the worker server and closes the client.
func (q *AsynqQueue) Shutdown() {
	if q.server != nil {
		q.server.Shutdown()
	}
	if errClose := q.client.Close(); errClose != nil {
		log.WithError(errClose).Warn("jobs: close asynq client")
	}
}
