package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acadplan/allocation-api/internal/models"
)

// ProgramRepository manages persistence for study programs.
type ProgramRepository struct {
	db *sqlx.DB
}

// NewProgramRepository constructs a ProgramRepository.
func NewProgramRepository(db *sqlx.DB) *ProgramRepository {
	return &ProgramRepository{db: db}
}

// List returns every program with its mandatory course ids attached.
func (r *ProgramRepository) List(ctx context.Context) ([]models.Program, error) {
	query := `SELECT id, name, required_electives FROM programs ORDER BY id`
	var programs []models.Program
	if err := r.db.SelectContext(ctx, &programs, query); err != nil {
		return nil, fmt.Errorf("list programs: %w", err)
	}

	type mandatoryRow struct {
		ProgramID string `db:"program_id"`
		CourseID  string `db:"course_id"`
	}
	var rows []mandatoryRow
	mandQuery := `SELECT program_id, course_id FROM program_mandatory_courses ORDER BY program_id, course_id`
	if err := r.db.SelectContext(ctx, &rows, mandQuery); err != nil {
		return nil, fmt.Errorf("list mandatory courses: %w", err)
	}

	byProgram := make(map[string][]string)
	for _, row := range rows {
		byProgram[row.ProgramID] = append(byProgram[row.ProgramID], row.CourseID)
	}
	for i := range programs {
		programs[i].MandatoryCourseIDs = byProgram[programs[i].ID]
	}
	return programs, nil
}
