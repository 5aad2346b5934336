package repository

import (
	"context"
	"fmt"

	"github.com/noah-isme/lms-api/internal/models"
	"github.com/noah-isme/lms-api/pkg/docstore"
)

// EnrollmentRepository handles persistence of enrollments.
type EnrollmentRepository struct {
	store docstore.Store
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(store docstore.Store) *EnrollmentRepository {
	return &EnrollmentRepository{store: store}
}

// List returns enrollments for a course or a student ordered by id. When both filters are set
// the course filter drives the query and the student filter narrows the result.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, error) {
	field, value := models.EnrollmentFieldCourseID, filter.CourseID
	if value == "" {
		field, value = models.EnrollmentFieldStudentID, filter.StudentID
	}
	if value == "" {
		return nil, fmt.Errorf("list enrollments: course or student filter required")
	}
	snaps, err := r.store.Query(ctx, models.CollectionEnrollments, field, value)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	enrollments := make([]models.Enrollment, 0, len(snaps))
	for i := range snaps {
		enrollment := models.EnrollmentFromSnapshot(&snaps[i])
		if filter.StudentID != "" && enrollment.StudentID != filter.StudentID {
			continue
		}
		enrollments = append(enrollments, enrollment)
	}
	return enrollments, nil
}

// FindByID loads an enrollment. Missing enrollments yield docstore.ErrNotFound.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	snap, err := r.store.Get(ctx, models.EnrollmentRef(id))
	if err != nil {
		return nil, fmt.Errorf("get enrollment %s: %w", id, err)
	}
	if !snap.Exists {
		return nil, fmt.Errorf("get enrollment %s: %w", id, docstore.ErrNotFound)
	}
	enrollment := models.EnrollmentFromSnapshot(snap)
	return &enrollment, nil
}

// Create inserts an enrollment under the id derived from its course and student, so a second
// enrollment of the same student in the same course fails with ErrAlreadyExists. The referenced
// course must exist at commit time.
func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *models.Enrollment) error {
	enrollment.ID = models.EnrollmentID(enrollment.CourseID, enrollment.StudentID)
	ref := models.EnrollmentRef(enrollment.ID)
	err := r.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		course, err := tx.Get(ctx, models.CourseRef(enrollment.CourseID))
		if err != nil {
			return err
		}
		if !course.Exists {
			return docstore.ErrNotFound
		}
		snap, err := tx.Get(ctx, ref)
		if err != nil {
			return err
		}
		if snap.Exists {
			return ErrAlreadyExists
		}
		return tx.Set(ref, map[string]interface{}{
			models.EnrollmentFieldStudentID: enrollment.StudentID,
			models.EnrollmentFieldCourseID:  enrollment.CourseID,
			models.EnrollmentFieldCreatedAt: docstore.ServerTimestamp(),
		})
	})
	if err != nil {
		return fmt.Errorf("create enrollment %s: %w", enrollment.ID, err)
	}
	created, err := r.FindByID(ctx, enrollment.ID)
	if err != nil {
		return err
	}
	*enrollment = *created
	return nil
}

// Delete removes an enrollment and returns the record as it was before removal.
func (r *EnrollmentRepository) Delete(ctx context.Context, id string) (*models.Enrollment, error) {
	ref := models.EnrollmentRef(id)
	var deleted models.Enrollment
	err := r.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		snap, err := tx.Get(ctx, ref)
		if err != nil {
			return err
		}
		if !snap.Exists {
			return docstore.ErrNotFound
		}
		deleted = models.EnrollmentFromSnapshot(snap)
		return tx.Delete(ref)
	})
	if err != nil {
		return nil, fmt.Errorf("delete enrollment %s: %w", id, err)
	}
	return &deleted, nil
}
