package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/router-for-me/TelemetryHub/internal/config"
	"github.com/router-for-me/TelemetryHub/internal/metrics"
	log "github.com/sirupsen/logrus"
)

const (
	defaultConcurrency = 4
	defaultBuffer      = 1024
)

type localJob struct {
	jobType string
	payload []byte
	attempt int
}

// LocalQueue is an in-process worker pool with bounded retries.
type LocalQueue struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	jobs     chan localJob
	closed   bool

	concurrency int
	maxRetries  int
	retryDelay  time.Duration
	metrics     *metrics.Recorder

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewLocalQueue returns an in-process Queue running cfg.Concurrency workers.
func NewLocalQueue(cfg config.QueueConfig, recorder *metrics.Recorder) *LocalQueue {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &LocalQueue{
		handlers:    map[string]Handler{},
		jobs:        make(chan localJob, defaultBuffer),
		concurrency: concurrency,
		maxRetries:  retries,
		retryDelay:  cfg.RetryDelay,
		metrics:     recorder,
	}
}

// Register binds handler to jobType.
func (q *LocalQueue) Register(jobType string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = handler
}

// Enqueue buffers the job, blocking while the buffer is full. The queue name is ignored.
func (q *LocalQueue) Enqueue(ctx context.Context, jobType string, payload []byte, _ string) error {
	return q.push(ctx, localJob{jobType: jobType, payload: payload})
}

func (q *LocalQueue) push(ctx context.Context, job localJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	if _, ok := q.handlers[job.jobType]; !ok {
		return ErrUnknownJobType
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the workers. They stop when ctx is cancelled or Shutdown is called.
func (q *LocalQueue) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go q.work(workerCtx)
	}
	log.Infof("jobs: local queue started (workers=%d)", q.concurrency)
	return nil
}

// Shutdown stops accepting jobs, drains the buffer and waits for the workers.
func (q *LocalQueue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()
	q.wg.Wait()
	if q.cancel != nil {
		q.cancel()
	}
}

func (q *LocalQueue) work(ctx context.Context) {
	defer q.wg.Done()
	for job := range q.jobs {
		q.process(ctx, job)
	}
}

func (q *LocalQueue) process(ctx context.Context, job localJob) {
	q.mu.RLock()
	handler := q.handlers[job.jobType]
	q.mu.RUnlock()

	errHandle := handler(ctx, job.payload)
	if errHandle == nil {
		q.metrics.Job(job.jobType, "succeeded")
		return
	}
	entry := log.WithError(errHandle).WithFields(log.Fields{"job_type": job.jobType, "attempt": job.attempt + 1})
	if job.attempt >= q.maxRetries || ctx.Err() != nil {
		q.metrics.Job(job.jobType, "failed")
		entry.Error("jobs: job failed permanently")
		return
	}
	q.metrics.Job(job.jobType, "retried")
	entry.Warn("jobs: job failed, retrying")

	job.attempt++
	delay := q.retryDelay * time.Duration(job.attempt)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		q.mu.RLock()
		closed := q.closed
		q.mu.RUnlock()
		if closed {
			q.process(ctx, job)
			return
		}
		if errPush := q.push(ctx, job); errPush != nil {
			q.process(ctx, job)
		}
	}()
}
