package trigger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/lms-api/internal/models"
	"github.com/noah-isme/lms-api/pkg/jobs"
)

// QueuePublisher delivers events in-process through a jobs.Queue worker pool. Events are
// partitioned by course, so the events of one course are applied in publish order.
type QueuePublisher struct {
	queue *jobs.Queue
}

// NewQueuePublisher builds a publisher whose workers feed dispatcher.
func NewQueuePublisher(dispatcher *Dispatcher, cfg jobs.QueueConfig) *QueuePublisher {
	handler := func(ctx context.Context, job jobs.Job) error {
		evt, ok := job.Payload.(models.EnrollmentEvent)
		if !ok {
			return jobs.Permanent(fmt.Errorf("unexpected payload %T", job.Payload))
		}
		if err := dispatcher.Dispatch(ctx, TransportMemory, evt); err != nil {
			if !Retryable(err) {
				return jobs.Permanent(err)
			}
			return err
		}
		return nil
	}

	next := cfg.DeadLetter
	cfg.DeadLetter = func(job jobs.Job, err error) {
		if jobs.IsPermanent(err) {
			// Already counted as rejected by the dispatcher.
			return
		}
		dispatcher.record(TransportMemory, ResultDeadLettered)
		dispatcher.logger.Error("enrollment event dropped after retries",
			zap.String("type", job.Type),
			zap.String("enrollment_id", job.ID),
			zap.String("course_id", job.Key),
			zap.Int("attempts", job.Attempt),
			zap.Error(err),
		)
		if next != nil {
			next(job, err)
		}
	}
	return &QueuePublisher{queue: jobs.NewQueue("enrollment-events", handler, cfg)}
}

// Start launches the workers.
func (p *QueuePublisher) Start(ctx context.Context) {
	p.queue.Start(ctx)
}

// Stop stops intake and waits until buffered events are applied.
func (p *QueuePublisher) Stop() {
	p.queue.Stop()
}

// Publish enqueues evt for asynchronous delivery.
func (p *QueuePublisher) Publish(ctx context.Context, evt models.EnrollmentEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.queue.Enqueue(jobs.Job{
		ID:      evt.EnrollmentID,
		Key:     evt.CourseID,
		Type:    string(evt.Type),
		Payload: evt,
	})
}
