package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// ReasonCode classifies why a requirement could not be satisfied.
type ReasonCode string

const (
	ReasonMissingPrerequisite ReasonCode = "missing_prerequisite"
	ReasonCapacityExceeded    ReasonCode = "capacity_exceeded"
	ReasonCreditLimitExceeded ReasonCode = "credit_limit_exceeded"
	ReasonNoFeasibleSection   ReasonCode = "no_feasible_section"
	ReasonSolverInfeasible    ReasonCode = "solver_infeasible"
	ReasonSolverTimeout       ReasonCode = "solver_timeout"
	ReasonMalformedTimeSlot   ReasonCode = "malformed_time_slot"
)

// Enrollment is the stage-1 output: a student holds a seat in a course.
type Enrollment struct {
	StudentID string `db:"student_id" json:"student_id"`
	CourseID  string `db:"course_id" json:"course_id"`
	Mandatory bool   `db:"mandatory" json:"mandatory"`
	Utility   int    `db:"utility" json:"utility"`
}

// SectionAssignment is the stage-2 output. SectionID is empty when the course
// does not require a section; LabRequired distinguishes that pass-through from
// a real lab placement.
type SectionAssignment struct {
	StudentID   string `db:"student_id" json:"student_id"`
	CourseID    string `db:"course_id" json:"course_id"`
	SectionID   string `db:"section_id" json:"section_id,omitempty"`
	LabRequired bool   `db:"lab_required" json:"lab_required"`
	Utility     int    `db:"utility" json:"utility"`
}

// UnresolvedIssue records a requirement the engine could not satisfy. The run
// continues; issues are surfaced to the operator instead of silently dropped.
type UnresolvedIssue struct {
	StudentID string     `db:"student_id" json:"student_id,omitempty"`
	CourseID  string     `db:"course_id" json:"course_id,omitempty"`
	SectionID string     `db:"section_id" json:"section_id,omitempty"`
	Reason    ReasonCode `db:"reason" json:"reason"`
	Detail    string     `db:"detail" json:"detail,omitempty"`
}

// AlternativeSuggestion proposes a substitute course for an elective that
// could not be assigned.
type AlternativeSuggestion struct {
	StudentID         string `db:"student_id" json:"student_id"`
	RequestedCourseID string `db:"requested_course_id" json:"requested_course_id"`
	SuggestedCourseID string `db:"suggested_course_id" json:"suggested_course_id"`
}

// StageStats aggregates solve metrics for one allocation stage.
type StageStats struct {
	Strategy       string  `json:"strategy"`
	ObjectiveValue int     `json:"objective_value"`
	TotalUtility   int     `json:"total_utility"`
	AverageUtility float64 `json:"average_utility"`
	SolveTimeMs    int64   `json:"solve_time_ms"`
	Iterations     int     `json:"iterations"`
	Unresolved     int     `json:"unresolved_count"`
}

// RunStatus tracks the lifecycle of an allocation run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// AllocationRun is the persisted envelope of one engine invocation.
type AllocationRun struct {
	ID         string         `db:"id" json:"id"`
	TermID     string         `db:"term_id" json:"term_id"`
	Strategy   string         `db:"strategy" json:"strategy"`
	Status     RunStatus      `db:"status" json:"status"`
	Stats      types.JSONText `db:"stats" json:"stats,omitempty"`
	Error      string         `db:"error" json:"error,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
	FinishedAt *time.Time     `db:"finished_at" json:"finished_at,omitempty"`
}

// RunStats combines both stage summaries for persistence and caching.
type RunStats struct {
	Course           StageStats `json:"course_stage"`
	Section          StageStats `json:"section_stage"`
	TotalSolveTimeMs int64      `json:"total_solve_time_ms"`
}
