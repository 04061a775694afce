package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acadplan/allocation-api/internal/models"
)

// StudentRepository manages persistence for student records.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs a StudentRepository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// List returns every student ordered by id.
func (r *StudentRepository) List(ctx context.Context) ([]models.Student, error) {
	query := `SELECT id, full_name, program_id, academic_year, created_at, updated_at
        FROM students ORDER BY id`
	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query); err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	return students, nil
}

// ListCompletions returns every (student, course) completion pair. The
// engine uses them to satisfy prerequisites.
func (r *StudentRepository) ListCompletions(ctx context.Context) ([]models.CompletedCourse, error) {
	query := `SELECT student_id, course_id FROM completed_courses ORDER BY student_id, course_id`
	var completions []models.CompletedCourse
	if err := r.db.SelectContext(ctx, &completions, query); err != nil {
		return nil, fmt.Errorf("list completions: %w", err)
	}
	return completions, nil
}
