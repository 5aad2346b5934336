package models

import (
	"time"

	"github.com/noah-isme/lms-api/pkg/docstore"
)

// CollectionCourses holds one document per course.
const CollectionCourses = "courses"

// Course document field names. The roster fields are maintained by the enrollment triggers.
const (
	CourseFieldTitle            = "title"
	CourseFieldCode             = "code"
	CourseFieldFacultyID        = "facultyId"
	CourseFieldSchedule         = "schedule"
	CourseFieldStudents         = "students"
	CourseFieldEnrolledStudents = "enrolledStudents"
	CourseFieldCreatedAt        = "createdAt"
	CourseFieldUpdatedAt        = "updatedAt"
)

// Course is the denormalized course aggregate including its roster.
type Course struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Code             string    `json:"code"`
	FacultyID        string    `json:"faculty_id"`
	Schedule         string    `json:"schedule,omitempty"`
	Students         int64     `json:"students"`
	EnrolledStudents []string  `json:"enrolled_students"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CourseRef addresses a course document.
func CourseRef(id string) docstore.Ref {
	return docstore.Ref{Collection: CollectionCourses, ID: id}
}

// CourseFromSnapshot decodes a course document. An absent students field reads as zero.
func CourseFromSnapshot(snap *docstore.Snapshot) Course {
	students, _ := snap.Int(CourseFieldStudents)
	roster := snap.Strings(CourseFieldEnrolledStudents)
	if roster == nil {
		roster = []string{}
	}
	return Course{
		ID:               snap.Ref.ID,
		Title:            snap.String(CourseFieldTitle),
		Code:             snap.String(CourseFieldCode),
		FacultyID:        snap.String(CourseFieldFacultyID),
		Schedule:         snap.String(CourseFieldSchedule),
		Students:         students,
		EnrolledStudents: roster,
		CreatedAt:        snap.Time(CourseFieldCreatedAt),
		UpdatedAt:        snap.Time(CourseFieldUpdatedAt),
	}
}

// RosterDrift compares the student counter against the roster set.
type RosterDrift struct {
	CourseID   string `json:"course_id"`
	Students   int64  `json:"students"`
	RosterSize int64  `json:"roster_size"`
	Drift      int64  `json:"drift"`
	Repaired   bool   `json:"repaired"`
}
