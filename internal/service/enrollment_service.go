package service

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-api/internal/models"
	"github.com/noah-isme/lms-api/internal/repository"
	"github.com/noah-isme/lms-api/pkg/docstore"
	appErrors "github.com/noah-isme/lms-api/pkg/errors"
)

type enrollmentRepository interface {
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, error)
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	Create(ctx context.Context, enrollment *models.Enrollment) error
	Delete(ctx context.Context, id string) (*models.Enrollment, error)
}

type courseReader interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
}

type enrollmentPublisher interface {
	Publish(ctx context.Context, evt models.EnrollmentEvent) error
}

// EnrollStudentRequest describes enrollment creation request.
type EnrollStudentRequest struct {
	StudentID string `json:"student_id" validate:"required,notblank"`
	CourseID  string `json:"course_id" validate:"required,notblank"`
}

// EnrollmentService orchestrates enrollment workflows. Roster counters are not touched here;
// every committed change is published as an event for the roster triggers.
type EnrollmentService struct {
	repo      enrollmentRepository
	courses   courseReader
	publisher enrollmentPublisher
	validator *validator.Validate
	logger    *zap.Logger
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(repo enrollmentRepository, courses courseReader, publisher enrollmentPublisher, validate *validator.Validate, logger *zap.Logger) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentService{repo: repo, courses: courses, publisher: publisher, validator: validate, logger: logger}
}

// List returns enrollments for a course or a student with pagination metadata.
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter, page, size int) ([]models.Enrollment, *models.Pagination, error) {
	if filter.CourseID == "" && filter.StudentID == "" {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "course_id or student_id is required")
	}
	enrollments, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to list enrollments")
	}
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	total := len(enrollments)
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return enrollments[start:end], pagination, nil
}

// Enroll registers a student in a course.
func (s *EnrollmentService) Enroll(ctx context.Context, req EnrollStudentRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrValidation, "invalid enrollment payload")
	}
	if _, err := s.courses.FindByID(ctx, req.CourseID); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to load course")
	}

	enrollment := &models.Enrollment{StudentID: req.StudentID, CourseID: req.CourseID}
	if err := s.repo.Create(ctx, enrollment); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "student already enrolled in course")
		}
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to create enrollment")
	}
	s.publish(ctx, models.NewEnrollmentEvent(models.EnrollmentCreated, *enrollment))
	return enrollment, nil
}

// Unenroll removes an enrollment.
func (s *EnrollmentService) Unenroll(ctx context.Context, id string) (*models.Enrollment, error) {
	deleted, err := s.repo.Delete(ctx, id)
	if err != nil {
		if errors.Is(err, docstore.ErrInvalidRef) {
			return nil, appErrors.WrapAs(err, appErrors.ErrValidation, "invalid enrollment id")
		}
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to delete enrollment")
	}
	s.publish(ctx, models.NewEnrollmentEvent(models.EnrollmentDeleted, *deleted))
	return deleted, nil
}

// publish never fails the request: the enrollment is already committed and a lost event
// only leaves counter drift behind, which the reconcile tool repairs.
func (s *EnrollmentService) publish(ctx context.Context, evt models.EnrollmentEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Error("failed to publish enrollment event",
			zap.String("type", string(evt.Type)),
			zap.String("enrollment_id", evt.EnrollmentID),
			zap.String("course_id", evt.CourseID),
			zap.Error(err),
		)
	}
}
