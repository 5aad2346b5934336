package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/noah-isme/lms-api/internal/models"
	"github.com/noah-isme/lms-api/pkg/docstore"
)

// ErrAlreadyExists is returned when creating a document whose id is taken.
var ErrAlreadyExists = errors.New("document already exists")

// CourseRepository persists course documents.
type CourseRepository struct {
	store docstore.Store
}

// NewCourseRepository constructs the repository.
func NewCourseRepository(store docstore.Store) *CourseRepository {
	return &CourseRepository{store: store}
}

// FindByID loads a course. Missing courses yield docstore.ErrNotFound.
func (r *CourseRepository) FindByID(ctx context.Context, id string) (*models.Course, error) {
	snap, err := r.store.Get(ctx, models.CourseRef(id))
	if err != nil {
		return nil, fmt.Errorf("get course %s: %w", id, err)
	}
	if !snap.Exists {
		return nil, fmt.Errorf("get course %s: %w", id, docstore.ErrNotFound)
	}
	course := models.CourseFromSnapshot(snap)
	return &course, nil
}

// Create inserts a course with an empty roster.
func (r *CourseRepository) Create(ctx context.Context, course *models.Course) error {
	if course.ID == "" {
		course.ID = uuid.NewString()
	}
	ref := models.CourseRef(course.ID)
	err := r.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		snap, err := tx.Get(ctx, ref)
		if err != nil {
			return err
		}
		if snap.Exists {
			return ErrAlreadyExists
		}
		return tx.Set(ref, map[string]interface{}{
			models.CourseFieldTitle:            course.Title,
			models.CourseFieldCode:             course.Code,
			models.CourseFieldFacultyID:        course.FacultyID,
			models.CourseFieldSchedule:         course.Schedule,
			models.CourseFieldStudents:         0,
			models.CourseFieldEnrolledStudents: []interface{}{},
			models.CourseFieldCreatedAt:        docstore.ServerTimestamp(),
			models.CourseFieldUpdatedAt:        docstore.ServerTimestamp(),
		})
	})
	if err != nil {
		return fmt.Errorf("create course %s: %w", course.ID, err)
	}
	created, err := r.FindByID(ctx, course.ID)
	if err != nil {
		return err
	}
	*course = *created
	return nil
}
