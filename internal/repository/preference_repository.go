package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acadplan/allocation-api/internal/models"
)

// PreferenceRepository manages student preference rankings for courses and
// sections.
type PreferenceRepository struct {
	db *sqlx.DB
}

// NewPreferenceRepository constructs a PreferenceRepository.
func NewPreferenceRepository(db *sqlx.DB) *PreferenceRepository {
	return &PreferenceRepository{db: db}
}

// ListCoursePreferences returns the course rankings for a term's offerings.
func (r *PreferenceRepository) ListCoursePreferences(ctx context.Context, termID string) ([]models.CoursePreference, error) {
	query := `SELECT p.student_id, p.course_id, p.preference_rank
        FROM course_preferences p JOIN courses c ON c.id = p.course_id
        WHERE c.term_id = $1 ORDER BY p.student_id, p.course_id`
	var prefs []models.CoursePreference
	if err := r.db.SelectContext(ctx, &prefs, query, termID); err != nil {
		return nil, fmt.Errorf("list course preferences: %w", err)
	}
	return prefs, nil
}

// ListSectionPreferences returns the section rankings for a term's offerings.
func (r *PreferenceRepository) ListSectionPreferences(ctx context.Context, termID string) ([]models.SectionPreference, error) {
	query := `SELECT p.student_id, p.course_id, p.section_id, p.preference_rank
        FROM section_preferences p
        JOIN sections s ON s.id = p.section_id
        JOIN courses c ON c.id = s.course_id
        WHERE c.term_id = $1 ORDER BY p.student_id, p.section_id`
	var prefs []models.SectionPreference
	if err := r.db.SelectContext(ctx, &prefs, query, termID); err != nil {
		return nil, fmt.Errorf("list section preferences: %w", err)
	}
	return prefs, nil
}
