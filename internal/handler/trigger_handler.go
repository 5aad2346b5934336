package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lms-api/internal/models"
	"github.com/noah-isme/lms-api/internal/trigger"
	appErrors "github.com/noah-isme/lms-api/pkg/errors"
	"github.com/noah-isme/lms-api/pkg/response"
)

type eventDispatcher interface {
	Dispatch(ctx context.Context, transport string, evt models.EnrollmentEvent) error
}

// TriggerHandler receives enrollment lifecycle events pushed by an external event platform.
// A 5xx answer asks the platform to redeliver; 204 covers both applied and skipped events.
type TriggerHandler struct {
	dispatcher eventDispatcher
}

// NewTriggerHandler constructs TriggerHandler.
func NewTriggerHandler(dispatcher eventDispatcher) *TriggerHandler {
	return &TriggerHandler{dispatcher: dispatcher}
}

// EnrollmentCreated godoc
// @Summary Enrollment created trigger
// @Tags Triggers
// @Accept json
// @Param X-Trigger-Secret header string true "Shared trigger secret"
// @Param payload body models.EnrollmentEvent true "Enrollment record"
// @Success 204
// @Failure 503 {object} response.Envelope
// @Router /internal/triggers/enrollments/created [post]
func (h *TriggerHandler) EnrollmentCreated(c *gin.Context) {
	h.dispatch(c, models.EnrollmentCreated)
}

// EnrollmentDeleted godoc
// @Summary Enrollment deleted trigger
// @Tags Triggers
// @Accept json
// @Param X-Trigger-Secret header string true "Shared trigger secret"
// @Param payload body models.EnrollmentEvent true "Enrollment record"
// @Success 204
// @Failure 503 {object} response.Envelope
// @Router /internal/triggers/enrollments/deleted [post]
func (h *TriggerHandler) EnrollmentDeleted(c *gin.Context) {
	h.dispatch(c, models.EnrollmentDeleted)
}

func (h *TriggerHandler) dispatch(c *gin.Context, eventType models.EnrollmentEventType) {
	var evt models.EnrollmentEvent
	if err := c.ShouldBindJSON(&evt); err != nil {
		response.Error(c, appErrors.WrapAs(err, appErrors.ErrValidation, "invalid payload"))
		return
	}
	evt.Type = eventType
	if err := h.dispatcher.Dispatch(c.Request.Context(), trigger.TransportWebhook, evt); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
