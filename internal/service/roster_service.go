package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-api/internal/models"
	"github.com/noah-isme/lms-api/pkg/docstore"
	appErrors "github.com/noah-isme/lms-api/pkg/errors"
)

type rosterCache interface {
	Invalidate(ctx context.Context, keys ...string) error
}

// RosterService keeps the denormalized student counter and roster set of a course in step with
// enrollment lifecycle events.
//
// The counter moves by exactly one per event and is never written below zero. Roster membership
// uses set semantics, so the counter and the set are maintained independently: a duplicate create
// event bumps the counter but leaves the set unchanged. Reconcile reports and repairs that drift.
type RosterService struct {
	store     docstore.Store
	cache     rosterCache
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewRosterService constructs RosterService.
func NewRosterService(store docstore.Store, cache rosterCache, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *RosterService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RosterService{store: store, cache: cache, metrics: metrics, validator: validate, logger: logger}
}

// OnEnrollmentCreated increments the course counter and adds the student to the roster.
// A missing course is skipped without error.
func (s *RosterService) OnEnrollmentCreated(ctx context.Context, evt models.EnrollmentEvent) error {
	return s.applyRosterChange(ctx, models.EnrollmentCreated, evt)
}

// OnEnrollmentDeleted decrements the course counter, floored at zero, and removes the student
// from the roster. A missing course is skipped without error.
func (s *RosterService) OnEnrollmentDeleted(ctx context.Context, evt models.EnrollmentEvent) error {
	return s.applyRosterChange(ctx, models.EnrollmentDeleted, evt)
}

// Handle routes an event to the handler matching its type.
func (s *RosterService) Handle(ctx context.Context, evt models.EnrollmentEvent) error {
	switch evt.Type {
	case models.EnrollmentCreated:
		return s.OnEnrollmentCreated(ctx, evt)
	case models.EnrollmentDeleted:
		return s.OnEnrollmentDeleted(ctx, evt)
	default:
		return appErrors.Clone(appErrors.ErrValidation, "unknown enrollment event type")
	}
}

func (s *RosterService) applyRosterChange(ctx context.Context, eventType models.EnrollmentEventType, evt models.EnrollmentEvent) error {
	start := time.Now()
	event := string(eventType)

	if err := s.validator.Struct(evt); err != nil {
		s.metrics.ObserveRosterUpdate(event, RosterOutcomeInvalid, time.Since(start))
		return appErrors.WrapAs(err, appErrors.ErrValidation, "invalid enrollment event payload")
	}

	delta := int64(1)
	membership := docstore.ArrayUnion(evt.StudentID)
	if eventType == models.EnrollmentDeleted {
		delta = -1
		membership = docstore.ArrayRemove(evt.StudentID)
	}

	ref := models.CourseRef(evt.CourseID)
	var skipped bool
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		skipped = false
		snap, err := tx.Get(ctx, ref)
		if err != nil {
			return err
		}
		if !snap.Exists {
			skipped = true
			return nil
		}
		current, _ := snap.Int(models.CourseFieldStudents)
		next := current + delta
		if next < 0 {
			next = 0
		}
		return tx.Update(ref, map[string]interface{}{
			models.CourseFieldStudents:         next,
			models.CourseFieldEnrolledStudents: membership,
			models.CourseFieldUpdatedAt:        docstore.ServerTimestamp(),
		})
	})
	if err != nil {
		if errors.Is(err, docstore.ErrInvalidRef) {
			s.metrics.ObserveRosterUpdate(event, RosterOutcomeInvalid, time.Since(start))
			return appErrors.WrapAs(err, appErrors.ErrValidation, "invalid enrollment event payload")
		}
		s.metrics.ObserveRosterUpdate(event, RosterOutcomeFailed, time.Since(start))
		return appErrors.WrapAs(err, appErrors.ErrTransactionFailure, "failed to update course roster")
	}

	if skipped {
		s.metrics.ObserveRosterUpdate(event, RosterOutcomeSkipped, time.Since(start))
		s.logger.Debug("course not found, roster update skipped",
			zap.String("event", event),
			zap.String("course_id", evt.CourseID),
			zap.String("student_id", evt.StudentID),
		)
		return nil
	}

	s.metrics.ObserveRosterUpdate(event, RosterOutcomeApplied, time.Since(start))
	if s.cache != nil {
		_ = s.cache.Invalidate(ctx, courseCacheKey(evt.CourseID))
	}
	return nil
}

// Reconcile compares the student counter with the roster size. When apply is set and the two
// disagree, the counter is reset to the roster size.
func (s *RosterService) Reconcile(ctx context.Context, courseID string, apply bool) (*models.RosterDrift, error) {
	if strings.TrimSpace(courseID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "course id is required")
	}
	ref := models.CourseRef(courseID)
	var report models.RosterDrift
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		snap, err := tx.Get(ctx, ref)
		if err != nil {
			return err
		}
		if !snap.Exists {
			return docstore.ErrNotFound
		}
		students, _ := snap.Int(models.CourseFieldStudents)
		size := int64(len(snap.Strings(models.CourseFieldEnrolledStudents)))
		report = models.RosterDrift{CourseID: courseID, Students: students, RosterSize: size, Drift: students - size}
		if !apply || report.Drift == 0 {
			return nil
		}
		report.Repaired = true
		return tx.Update(ref, map[string]interface{}{
			models.CourseFieldStudents:  size,
			models.CourseFieldUpdatedAt: docstore.ServerTimestamp(),
		})
	})
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.WrapAs(err, appErrors.ErrTransactionFailure, "failed to reconcile course roster")
	}

	if report.Repaired {
		s.logger.Info("course roster counter repaired",
			zap.String("course_id", courseID),
			zap.Int64("drift", report.Drift),
			zap.Int64("students", report.RosterSize),
		)
		if s.cache != nil {
			_ = s.cache.Invalidate(ctx, courseCacheKey(courseID))
		}
	}
	return &report, nil
}
