package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"github.com/acadplan/allocation-api/internal/models"
)

// AllocationRepository persists allocation runs and their results.
type AllocationRepository struct {
	db *sqlx.DB
}

// NewAllocationRepository constructs an AllocationRepository.
func NewAllocationRepository(db *sqlx.DB) *AllocationRepository {
	return &AllocationRepository{db: db}
}

// CreateRun inserts a run envelope in PENDING state.
func (r *AllocationRepository) CreateRun(ctx context.Context, run *models.AllocationRun) error {
	query := `INSERT INTO allocation_runs (id, term_id, strategy, status, created_at)
        VALUES ($1, $2, $3, $4, $5)`
	if _, err := r.db.ExecContext(ctx, query, run.ID, run.TermID, run.Strategy, run.Status, run.CreatedAt); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// MarkRunning flips a run into RUNNING state.
func (r *AllocationRepository) MarkRunning(ctx context.Context, runID string) error {
	query := `UPDATE allocation_runs SET status = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, runID, models.RunStatusRunning); err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	return nil
}

// FailRun records a run failure with its error message.
func (r *AllocationRepository) FailRun(ctx context.Context, runID, message string) error {
	query := `UPDATE allocation_runs SET status = $2, error = $3, finished_at = $4 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, runID, models.RunStatusFailed, message, time.Now().UTC()); err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	return nil
}

// GetRun fetches a run envelope by id.
func (r *AllocationRepository) GetRun(ctx context.Context, runID string) (*models.AllocationRun, error) {
	query := `SELECT id, term_id, strategy, status, COALESCE(stats, '{}') AS stats, COALESCE(error, '') AS error, created_at, finished_at
        FROM allocation_runs WHERE id = $1`
	var run models.AllocationRun
	if err := r.db.GetContext(ctx, &run, query, runID); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns the runs for a term, newest first.
func (r *AllocationRepository) ListRuns(ctx context.Context, termID string) ([]models.AllocationRun, error) {
	query := `SELECT id, term_id, strategy, status, COALESCE(stats, '{}') AS stats, COALESCE(error, '') AS error, created_at, finished_at
        FROM allocation_runs WHERE term_id = $1 ORDER BY created_at DESC`
	var runs []models.AllocationRun
	if err := r.db.SelectContext(ctx, &runs, query, termID); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// ActiveRunExists reports whether a PENDING or RUNNING run already exists for
// the term.
func (r *AllocationRepository) ActiveRunExists(ctx context.Context, termID string) (bool, error) {
	query := `SELECT 1 FROM allocation_runs WHERE term_id = $1 AND status IN ($2, $3) LIMIT 1`
	var exists int
	err := r.db.GetContext(ctx, &exists, query, termID, models.RunStatusPending, models.RunStatusRunning)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check active run: %w", err)
	}
	return true, nil
}

// SaveResults writes every result row and completes the run in a single
// transaction, so a run is never COMPLETED with partial output.
func (r *AllocationRepository) SaveResults(
	ctx context.Context,
	runID string,
	stats types.JSONText,
	enrollments []models.Enrollment,
	assignments []models.SectionAssignment,
	issues []models.UnresolvedIssue,
	suggestions []models.AlternativeSuggestion,
) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save results: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range enrollments {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO enrollments (run_id, student_id, course_id, mandatory, utility) VALUES ($1, $2, $3, $4, $5)`,
			runID, e.StudentID, e.CourseID, e.Mandatory, e.Utility); err != nil {
			return fmt.Errorf("insert enrollment: %w", err)
		}
	}
	for _, a := range assignments {
		sectionID := sql.NullString{String: a.SectionID, Valid: a.SectionID != ""}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO section_assignments (run_id, student_id, course_id, section_id, lab_required, utility) VALUES ($1, $2, $3, $4, $5, $6)`,
			runID, a.StudentID, a.CourseID, sectionID, a.LabRequired, a.Utility); err != nil {
			return fmt.Errorf("insert section assignment: %w", err)
		}
	}
	for _, issue := range issues {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO unresolved_issues (run_id, student_id, course_id, section_id, reason, detail) VALUES ($1, $2, $3, $4, $5, $6)`,
			runID, issue.StudentID, issue.CourseID, issue.SectionID, issue.Reason, issue.Detail); err != nil {
			return fmt.Errorf("insert unresolved issue: %w", err)
		}
	}
	for _, s := range suggestions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO alternative_suggestions (run_id, student_id, requested_course_id, suggested_course_id) VALUES ($1, $2, $3, $4)`,
			runID, s.StudentID, s.RequestedCourseID, s.SuggestedCourseID); err != nil {
			return fmt.Errorf("insert suggestion: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE allocation_runs SET status = $2, stats = $3, finished_at = $4 WHERE id = $1`,
		runID, models.RunStatusCompleted, stats, time.Now().UTC()); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save results: %w", err)
	}
	return nil
}

type assignmentRow struct {
	StudentID   string         `db:"student_id"`
	CourseID    string         `db:"course_id"`
	SectionID   sql.NullString `db:"section_id"`
	LabRequired bool           `db:"lab_required"`
	Utility     int            `db:"utility"`
}

// GetEnrollments returns the stage-1 rows of a run.
func (r *AllocationRepository) GetEnrollments(ctx context.Context, runID string) ([]models.Enrollment, error) {
	query := `SELECT student_id, course_id, mandatory, utility FROM enrollments
        WHERE run_id = $1 ORDER BY student_id, course_id`
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, runID); err != nil {
		return nil, fmt.Errorf("get enrollments: %w", err)
	}
	return enrollments, nil
}

// GetAssignments returns the stage-2 rows of a run.
func (r *AllocationRepository) GetAssignments(ctx context.Context, runID string) ([]models.SectionAssignment, error) {
	query := `SELECT student_id, course_id, section_id, lab_required, utility FROM section_assignments
        WHERE run_id = $1 ORDER BY student_id, course_id`
	var rows []assignmentRow
	if err := r.db.SelectContext(ctx, &rows, query, runID); err != nil {
		return nil, fmt.Errorf("get assignments: %w", err)
	}
	assignments := make([]models.SectionAssignment, 0, len(rows))
	for _, row := range rows {
		assignments = append(assignments, models.SectionAssignment{
			StudentID:   row.StudentID,
			CourseID:    row.CourseID,
			SectionID:   row.SectionID.String,
			LabRequired: row.LabRequired,
			Utility:     row.Utility,
		})
	}
	return assignments, nil
}

// GetIssues returns the unresolved issues of a run.
func (r *AllocationRepository) GetIssues(ctx context.Context, runID string) ([]models.UnresolvedIssue, error) {
	query := `SELECT student_id, course_id, section_id, reason, detail FROM unresolved_issues
        WHERE run_id = $1 ORDER BY student_id, course_id, section_id`
	var issues []models.UnresolvedIssue
	if err := r.db.SelectContext(ctx, &issues, query, runID); err != nil {
		return nil, fmt.Errorf("get issues: %w", err)
	}
	return issues, nil
}

// GetSuggestions returns the alternative suggestions of a run.
func (r *AllocationRepository) GetSuggestions(ctx context.Context, runID string) ([]models.AlternativeSuggestion, error) {
	query := `SELECT student_id, requested_course_id, suggested_course_id FROM alternative_suggestions
        WHERE run_id = $1 ORDER BY student_id, requested_course_id`
	var suggestions []models.AlternativeSuggestion
	if err := r.db.SelectContext(ctx, &suggestions, query, runID); err != nil {
		return nil, fmt.Errorf("get suggestions: %w", err)
	}
	return suggestions, nil
}
