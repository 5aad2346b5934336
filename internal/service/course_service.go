package service

import (
	"context"
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-api/internal/models"
	"github.com/noah-isme/lms-api/internal/repository"
	"github.com/noah-isme/lms-api/pkg/docstore"
	appErrors "github.com/noah-isme/lms-api/pkg/errors"
	"github.com/noah-isme/lms-api/pkg/export"
)

type courseRepository interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
	Create(ctx context.Context, course *models.Course) error
}

// CreateCourseRequest describes course creation payload.
type CreateCourseRequest struct {
	Title     string `json:"title" validate:"required,notblank,max=200"`
	Code      string `json:"code" validate:"required,notblank,max=32"`
	FacultyID string `json:"faculty_id"`
	Schedule  string `json:"schedule" validate:"max=200"`
}

// CourseService exposes course reads, creation and roster exports.
type CourseService struct {
	repo      courseRepository
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewCourseService constructs CourseService.
func NewCourseService(repo courseRepository, cache *CacheService, validate *validator.Validate, logger *zap.Logger) *CourseService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CourseService{repo: repo, cache: cache, validator: validate, logger: logger}
}

// Create stores a new course with an empty roster. The faculty id defaults to the caller.
func (s *CourseService) Create(ctx context.Context, req CreateCourseRequest, callerID string) (*models.Course, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrValidation, "invalid course payload")
	}
	if req.FacultyID == "" {
		req.FacultyID = callerID
	}
	course := &models.Course{Title: req.Title, Code: req.Code, FacultyID: req.FacultyID, Schedule: req.Schedule}
	if err := s.repo.Create(ctx, course); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "course already exists")
		}
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to create course")
	}
	return course, nil
}

// Get returns a course, served from cache when possible. The boolean reports a cache hit.
func (s *CourseService) Get(ctx context.Context, id string) (*models.Course, bool, error) {
	course, hit, err := readThrough(ctx, s.cache, courseCacheKey(id), 0, func(ctx context.Context) (*models.Course, error) {
		return s.repo.FindByID(ctx, id)
	})
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, false, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, false, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to load course")
	}
	return course, hit, nil
}

// ExportRoster renders the course roster in the requested format.
func (s *CourseService) ExportRoster(ctx context.Context, id, format string) (*export.File, error) {
	f, err := export.ParseFormat(format)
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrValidation, "unsupported export format")
	}
	course, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to load course")
	}

	dataset := export.Dataset{
		Title:   course.Code + " " + course.Title,
		Headers: []string{"no", "student_id"},
		Rows:    make([]map[string]string, 0, len(course.EnrolledStudents)),
		Summary: strconv.FormatInt(course.Students, 10) + " students enrolled",
	}
	for i, studentID := range course.EnrolledStudents {
		dataset.Rows = append(dataset.Rows, map[string]string{"no": strconv.Itoa(i + 1), "student_id": studentID})
	}
	file, err := export.Render(f, "roster-"+course.ID, dataset)
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to render roster")
	}
	return file, nil
}
