package models

import "time"

// Student represents a program participant eligible for allocation.
type Student struct {
	ID           string    `db:"id" json:"id"`
	Name         string    `db:"full_name" json:"name"`
	ProgramID    string    `db:"program_id" json:"program_id"`
	AcademicYear int       `db:"academic_year" json:"academic_year"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// CompletedCourse records that a student has already passed a course,
// satisfying it as a prerequisite.
type CompletedCourse struct {
	StudentID string `db:"student_id" json:"student_id"`
	CourseID  string `db:"course_id" json:"course_id"`
}

// Program groups students and defines their curriculum shape.
type Program struct {
	ID                 string   `db:"id" json:"id"`
	Name               string   `db:"name" json:"name"`
	RequiredElectives  int      `db:"required_electives" json:"required_electives"`
	MandatoryCourseIDs []string `db:"-" json:"mandatory_course_ids"`
}
