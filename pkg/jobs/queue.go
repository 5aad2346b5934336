package jobs

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job represents a queued background task.
type Job struct {
	ID string
	// Key partitions jobs across workers. Jobs sharing a key are handled by the same worker in
	// enqueue order. An empty key falls back to ID.
	Key      string
	Type     string
	Payload  interface{}
	Attempt  int
	Enqueued time.Time
}

// Handler processes a job.
type Handler func(context.Context, Job) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The queue drops the job instead of redelivering it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ErrStopped is returned by Enqueue once the queue no longer accepts jobs.
var ErrStopped = errors.New("queue stopped")

// QueueConfig configures worker pool behaviour.
type QueueConfig struct {
	Workers int
	// BufferSize is the capacity of each worker's partition.
	BufferSize int
	MaxRetries int
	// RetryDelay is the first redelivery delay. It doubles per attempt up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// DeadLetter receives jobs that are dropped, either rejected as permanent or out of retries.
	DeadLetter func(Job, error)
	Logger     *zap.Logger
}

// Queue is an in-memory job dispatcher backed by a fixed set of partitioned workers.
type Queue struct {
	name    string
	handler Handler
	cfg     QueueConfig
	logger  *zap.Logger

	partitions []chan Job
	ctx        context.Context
	cancel     context.CancelFunc
	quit       chan struct{}
	workers    sync.WaitGroup
	retries    sync.WaitGroup
	mu         sync.RWMutex
	started    bool
	stopped    bool
}

// NewQueue builds a new queue with the provided handler.
func NewQueue(name string, handler Handler, cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 16
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = 30 * cfg.RetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	partitions := make([]chan Job, cfg.Workers)
	for i := range partitions {
		partitions[i] = make(chan Job, cfg.BufferSize)
	}
	return &Queue{
		name:       name,
		handler:    handler,
		cfg:        cfg,
		logger:     cfg.Logger,
		partitions: partitions,
		quit:       make(chan struct{}),
	}
}

// Start begins worker consumption. Safe to call once.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	for i, partition := range q.partitions {
		q.workers.Add(1)
		go q.worker(i+1, partition)
	}
	q.started = true
	q.logger.Sugar().Infow("queue started", "queue", q.name, "workers", len(q.partitions))
}

// Stop stops intake, lets the workers finish what is already buffered and waits for them.
// Pending retries are abandoned.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.quit)
	q.mu.Unlock()

	q.workers.Wait()
	q.cancel()
	q.retries.Wait()
	q.logger.Sugar().Infow("queue stopped", "queue", q.name)
}

// Enqueue pushes a job onto its partition, blocking while the partition is full.
func (q *Queue) Enqueue(job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if !q.started {
		return fmt.Errorf("queue %s not started", q.name)
	}
	if q.stopped {
		return fmt.Errorf("queue %s: %w", q.name, ErrStopped)
	}
	if job.Enqueued.IsZero() {
		job.Enqueued = time.Now().UTC()
	}

	select {
	case <-q.ctx.Done():
		return fmt.Errorf("queue %s stopped: %w", q.name, q.ctx.Err())
	case q.partitions[q.partition(job)] <- job:
		return nil
	}
}

func (q *Queue) partition(job Job) int {
	key := job.Key
	if key == "" {
		key = job.ID
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(q.partitions)))
}

func (q *Queue) worker(workerID int, partition <-chan Job) {
	defer q.workers.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-partition:
			q.process(job)
		case <-q.quit:
			for {
				select {
				case job := <-partition:
					q.process(job)
				default:
					q.logger.Sugar().Debugw("queue worker drained", "queue", q.name, "worker", workerID)
					return
				}
			}
		}
	}
}

func (q *Queue) process(job Job) {
	if err := q.handler(q.ctx, job); err != nil {
		q.handleFailure(job, err)
	}
}

func (q *Queue) backoff(attempt int) time.Duration {
	delay := q.cfg.RetryDelay
	for i := 1; i < attempt && delay < q.cfg.MaxRetryDelay; i++ {
		delay *= 2
	}
	if delay > q.cfg.MaxRetryDelay {
		delay = q.cfg.MaxRetryDelay
	}
	return delay
}

func (q *Queue) deadLetter(job Job, err error) {
	if q.cfg.DeadLetter != nil {
		q.cfg.DeadLetter(job, err)
	}
}

func (q *Queue) handleFailure(job Job, err error) {
	if IsPermanent(err) {
		q.logger.Sugar().Warnw("job rejected", "queue", q.name, "job_id", job.ID, "type", job.Type, "error", err)
		q.deadLetter(job, err)
		return
	}
	job.Attempt++
	if job.Attempt > q.cfg.MaxRetries {
		q.logger.Sugar().Errorw("job exceeded retries", "queue", q.name, "job_id", job.ID, "type", job.Type, "error", err)
		q.deadLetter(job, err)
		return
	}
	delay := q.backoff(job.Attempt)
	q.logger.Sugar().Warnw("job failed, retrying", "queue", q.name, "job_id", job.ID, "type", job.Type,
		"attempt", job.Attempt, "delay", delay, "error", err)

	q.retries.Add(1)
	go func(j Job) {
		defer q.retries.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-q.ctx.Done():
			return
		case <-timer.C:
			if err := q.Enqueue(j); err != nil {
				q.logger.Sugar().Errorw("failed to requeue job", "queue", q.name, "job_id", j.ID, "error", err)
				q.deadLetter(j, err)
			}
		}
	}(job)
}
