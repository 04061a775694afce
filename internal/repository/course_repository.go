package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acadplan/allocation-api/internal/models"
)

// CourseRepository manages persistence for term course offerings and their
// lab sections.
type CourseRepository struct {
	db *sqlx.DB
}

// NewCourseRepository constructs a CourseRepository.
func NewCourseRepository(db *sqlx.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

type courseRow struct {
	ID          string         `db:"id"`
	Name        string         `db:"name"`
	Credits     int            `db:"credits"`
	Capacity    int            `db:"capacity"`
	HasLab      bool           `db:"has_lab"`
	TheoryDay   sql.NullString `db:"theory_day"`
	TheoryStart sql.NullString `db:"theory_start"`
	TheoryEnd   sql.NullString `db:"theory_end"`
}

// ListByTerm returns the courses offered in a term, with permitted programs
// and prerequisites attached. Theory columns are nullable; a course without
// a theory meeting carries no slot at all.
func (r *CourseRepository) ListByTerm(ctx context.Context, termID string) ([]models.Course, error) {
	query := `SELECT id, name, credits, capacity, has_lab, theory_day, theory_start, theory_end
        FROM courses WHERE term_id = $1 ORDER BY id`
	var rows []courseRow
	if err := r.db.SelectContext(ctx, &rows, query, termID); err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}

	courses := make([]models.Course, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		course := models.Course{
			ID:       row.ID,
			Name:     row.Name,
			Credits:  row.Credits,
			Capacity: row.Capacity,
			HasLab:   row.HasLab,
		}
		if row.TheoryDay.Valid {
			course.Theory = &models.RawTimeSlot{
				Day:   row.TheoryDay.String,
				Start: row.TheoryStart.String,
				End:   row.TheoryEnd.String,
			}
		}
		courses = append(courses, course)
		ids = append(ids, row.ID)
	}
	if len(courses) == 0 {
		return courses, nil
	}

	type link struct {
		CourseID string `db:"course_id"`
		Value    string `db:"value"`
	}

	var programs []link
	programQuery, args, err := sqlx.In(
		`SELECT course_id, program_id AS value FROM course_programs WHERE course_id IN (?) ORDER BY course_id, program_id`, ids)
	if err != nil {
		return nil, fmt.Errorf("build program query: %w", err)
	}
	if err := r.db.SelectContext(ctx, &programs, r.db.Rebind(programQuery), args...); err != nil {
		return nil, fmt.Errorf("list course programs: %w", err)
	}

	var prereqs []link
	prereqQuery, args, err := sqlx.In(
		`SELECT course_id, prerequisite_id AS value FROM course_prerequisites WHERE course_id IN (?) ORDER BY course_id, prerequisite_id`, ids)
	if err != nil {
		return nil, fmt.Errorf("build prerequisite query: %w", err)
	}
	if err := r.db.SelectContext(ctx, &prereqs, r.db.Rebind(prereqQuery), args...); err != nil {
		return nil, fmt.Errorf("list prerequisites: %w", err)
	}

	programsByCourse := make(map[string][]string)
	for _, l := range programs {
		programsByCourse[l.CourseID] = append(programsByCourse[l.CourseID], l.Value)
	}
	prereqsByCourse := make(map[string][]string)
	for _, l := range prereqs {
		prereqsByCourse[l.CourseID] = append(prereqsByCourse[l.CourseID], l.Value)
	}
	for i := range courses {
		courses[i].ProgramIDs = programsByCourse[courses[i].ID]
		courses[i].Prerequisites = prereqsByCourse[courses[i].ID]
	}
	return courses, nil
}

type sectionRow struct {
	ID       string `db:"id"`
	CourseID string `db:"course_id"`
	Capacity int    `db:"capacity"`
	Day      string `db:"day_of_week"`
	Start    string `db:"start_time"`
	End      string `db:"end_time"`
}

// ListSectionsByTerm returns every lab section of the term's courses.
func (r *CourseRepository) ListSectionsByTerm(ctx context.Context, termID string) ([]models.Section, error) {
	query := `SELECT s.id, s.course_id, s.capacity, s.day_of_week, s.start_time, s.end_time
        FROM sections s JOIN courses c ON c.id = s.course_id
        WHERE c.term_id = $1 ORDER BY s.id`
	var rows []sectionRow
	if err := r.db.SelectContext(ctx, &rows, query, termID); err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	sections := make([]models.Section, 0, len(rows))
	for _, row := range rows {
		sections = append(sections, models.Section{
			ID:       row.ID,
			CourseID: row.CourseID,
			Capacity: row.Capacity,
			Slot:     models.RawTimeSlot{Day: row.Day, Start: row.Start, End: row.End},
		})
	}
	return sections, nil
}
