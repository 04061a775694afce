package dto

import "github.com/acadplan/allocation-api/internal/models"

// StartRunRequest asks for a new allocation run over a term.
type StartRunRequest struct {
	TermID   string `json:"term_id" validate:"required"`
	Strategy string `json:"strategy" validate:"omitempty,oneof=optimizing deferred-acceptance"`
}

// RunResponse is the run envelope returned by run endpoints.
type RunResponse struct {
	Run *models.AllocationRun `json:"run"`
}

// RunResultsResponse is the full result payload of a completed run.
type RunResultsResponse struct {
	Run         *models.AllocationRun          `json:"run"`
	Enrollments []models.Enrollment            `json:"enrollments"`
	Assignments []models.SectionAssignment     `json:"section_assignments"`
	Unresolved  []models.UnresolvedIssue       `json:"unresolved_issues"`
	Suggestions []models.AlternativeSuggestion `json:"alternative_suggestions"`
	Stats       *models.RunStats               `json:"stats,omitempty"`
}

// StudentScheduleEntry is one row of a student's personal timetable.
type StudentScheduleEntry struct {
	CourseID   string `json:"course_id"`
	CourseName string `json:"course_name"`
	SectionID  string `json:"section_id,omitempty"`
	Mandatory  bool   `json:"mandatory"`
}

// StudentScheduleResponse lists everything a student was given in a run.
type StudentScheduleResponse struct {
	RunID     string                 `json:"run_id"`
	StudentID string                 `json:"student_id"`
	Entries   []StudentScheduleEntry `json:"entries"`
}
