// Package trigger delivers enrollment lifecycle events to the roster handlers.
//
// Events reach the Dispatcher through one of three transports: the in-process job queue, a
// Redis stream consumed with a consumer group, or the HTTP webhook used by an external event
// platform. Each transport redelivers an event only when the handler reports a retryable failure.
package trigger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/lms-api/internal/models"
	appErrors "github.com/noah-isme/lms-api/pkg/errors"
	"github.com/noah-isme/lms-api/pkg/logger"
)

// Transport names used in logs and metrics.
const (
	TransportMemory  = "memory"
	TransportRedis   = "redis"
	TransportWebhook = "webhook"
)

// Dispatch results recorded per event.
const (
	ResultHandled  = "handled"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
	// ResultDeadLettered marks a retryable event a transport gave up on.
	ResultDeadLettered = "dead_lettered"
)

// Handler applies one enrollment event.
type Handler interface {
	Handle(ctx context.Context, evt models.EnrollmentEvent) error
}

// Publisher emits enrollment events to a transport.
type Publisher interface {
	Publish(ctx context.Context, evt models.EnrollmentEvent) error
}

type eventRecorder interface {
	RecordTriggerEvent(transport, result string)
}

// Dispatcher hands events to the roster handler and reports the outcome.
type Dispatcher struct {
	handler Handler
	metrics eventRecorder
	logger  *zap.Logger
	timeout time.Duration
}

// NewDispatcher constructs a Dispatcher. timeout bounds a single invocation; zero disables it.
func NewDispatcher(handler Handler, metrics eventRecorder, logr *zap.Logger, timeout time.Duration) *Dispatcher {
	if logr == nil {
		logr = zap.NewNop()
	}
	return &Dispatcher{handler: handler, metrics: metrics, logger: logr, timeout: timeout}
}

// Dispatch runs the handler for evt. The returned error is the handler's, unchanged.
func (d *Dispatcher) Dispatch(ctx context.Context, transport string, evt models.EnrollmentEvent) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	err := d.handler.Handle(ctx, evt)
	log := logger.WithContext(ctx, d.logger)
	result := ResultHandled
	switch {
	case err == nil:
	case !Retryable(err):
		result = ResultRejected
		log.Warn("enrollment event rejected",
			zap.String("transport", transport),
			zap.String("type", string(evt.Type)),
			zap.String("enrollment_id", evt.EnrollmentID),
			zap.Error(err),
		)
	default:
		result = ResultFailed
		log.Error("enrollment event failed",
			zap.String("transport", transport),
			zap.String("type", string(evt.Type)),
			zap.String("course_id", evt.CourseID),
			zap.String("student_id", evt.StudentID),
			zap.Error(err),
		)
	}
	d.record(transport, result)
	return err
}

func (d *Dispatcher) record(transport, result string) {
	if d.metrics != nil {
		d.metrics.RecordTriggerEvent(transport, result)
	}
}

// Retryable reports whether redelivering the event could succeed. Malformed events never will.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !appErrors.HasCode(err, appErrors.ErrValidation.Code)
}
