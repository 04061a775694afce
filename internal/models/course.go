package models

import "time"

// Course is a term offering students can be enrolled in. Mandatory status is
// program relative: a course is mandatory for the programs that list it in
// their mandatory set and elective for every other permitted program.
type Course struct {
	ID            string       `db:"id" json:"id"`
	Name          string       `db:"name" json:"name"`
	Credits       int          `db:"credits" json:"credits"`
	Capacity      int          `db:"capacity" json:"capacity"`
	HasLab        bool         `db:"has_lab" json:"has_lab"`
	Theory        *RawTimeSlot `db:"-" json:"theory,omitempty"`
	ProgramIDs    []string     `db:"-" json:"program_ids"`
	Prerequisites []string     `db:"-" json:"prerequisites,omitempty"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at" json:"updated_at"`
}

// Section is a scheduled meeting instance (lab) of a course with its own
// capacity and time slot.
type Section struct {
	ID       string      `db:"id" json:"id"`
	CourseID string      `db:"course_id" json:"course_id"`
	Capacity int         `db:"capacity" json:"capacity"`
	Slot     RawTimeSlot `db:"-" json:"slot"`
}

// CoursePreference ranks a course for a student. Rank 1 is most preferred.
type CoursePreference struct {
	StudentID string `db:"student_id" json:"student_id"`
	CourseID  string `db:"course_id" json:"course_id"`
	Rank      int    `db:"preference_rank" json:"rank"`
}

// SectionPreference ranks a concrete section of a course for a student.
type SectionPreference struct {
	StudentID string `db:"student_id" json:"student_id"`
	CourseID  string `db:"course_id" json:"course_id"`
	SectionID string `db:"section_id" json:"section_id"`
	Rank      int    `db:"preference_rank" json:"rank"`
}
