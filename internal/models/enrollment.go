package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/lms-api/pkg/docstore"
)

// CollectionEnrollments holds one document per student/course enrollment.
const CollectionEnrollments = "enrollments"

// Enrollment document field names.
const (
	EnrollmentFieldStudentID = "studentId"
	EnrollmentFieldCourseID  = "courseId"
	EnrollmentFieldCreatedAt = "createdAt"
)

// Enrollment links one student to one course. It is immutable while it exists.
type Enrollment struct {
	ID        string    `json:"id"`
	StudentID string    `json:"student_id"`
	CourseID  string    `json:"course_id"`
	CreatedAt time.Time `json:"created_at"`
}

var enrollmentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:lms-api:enrollments"))

// EnrollmentID derives the document id of a student's enrollment in a course. A student holds at
// most one enrollment per course because both map to the same document.
func EnrollmentID(courseID, studentID string) string {
	return uuid.NewSHA1(enrollmentNamespace, []byte(courseID+"\x00"+studentID)).String()
}

// EnrollmentRef addresses an enrollment document.
func EnrollmentRef(id string) docstore.Ref {
	return docstore.Ref{Collection: CollectionEnrollments, ID: id}
}

// EnrollmentFromSnapshot decodes an enrollment document.
func EnrollmentFromSnapshot(snap *docstore.Snapshot) Enrollment {
	return Enrollment{
		ID:        snap.Ref.ID,
		StudentID: snap.String(EnrollmentFieldStudentID),
		CourseID:  snap.String(EnrollmentFieldCourseID),
		CreatedAt: snap.Time(EnrollmentFieldCreatedAt),
	}
}

// EnrollmentFilter narrows enrollment listings. At least one field must be set.
type EnrollmentFilter struct {
	StudentID string
	CourseID  string
}

// EnrollmentEventType names the document lifecycle change that fired a trigger.
type EnrollmentEventType string

// Enrollment lifecycle events.
const (
	EnrollmentCreated EnrollmentEventType = "created"
	EnrollmentDeleted EnrollmentEventType = "deleted"
)

// EnrollmentEvent is the payload delivered to the roster triggers.
type EnrollmentEvent struct {
	Type         EnrollmentEventType `json:"type,omitempty"`
	EnrollmentID string              `json:"enrollmentId,omitempty"`
	StudentID    string              `json:"studentId" validate:"required,notblank"`
	CourseID     string              `json:"courseId" validate:"required,notblank"`
	OccurredAt   time.Time           `json:"occurredAt,omitempty"`
}

// NewEnrollmentEvent builds the event emitted for a created or deleted enrollment.
func NewEnrollmentEvent(eventType EnrollmentEventType, enrollment Enrollment) EnrollmentEvent {
	return EnrollmentEvent{
		Type:         eventType,
		EnrollmentID: enrollment.ID,
		StudentID:    enrollment.StudentID,
		CourseID:     enrollment.CourseID,
		OccurredAt:   time.Now().UTC(),
	}
}
