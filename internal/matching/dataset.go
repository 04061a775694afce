package matching

import (
	"fmt"
	"sort"
	"time"

	"github.com/acadplan/allocation-api/internal/models"

	appErrors "github.com/acadplan/allocation-api/pkg/errors"
)

// Strategy selects the solving approach shared by both stages.
type Strategy string

const (
	// StrategyOptimizing formulates each stage as a binary assignment problem
	// and solves it exactly within a time budget.
	StrategyOptimizing Strategy = "optimizing"
	// StrategyDeferredAcceptance runs the iterative proposal process with
	// priority-based bumping. It guarantees stability, not optimality.
	StrategyDeferredAcceptance Strategy = "deferred-acceptance"
)

// Config governs one engine run. Zero values fall back to safe defaults.
type Config struct {
	Strategy              Strategy
	UtilityRankCap        int
	MaxBumpIterations     int
	MaxCreditsPerSemester int
	SolverBudget          time.Duration
	ScoreWorkers          int
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = StrategyOptimizing
	}
	if c.UtilityRankCap <= 1 {
		c.UtilityRankCap = DefaultRankCap
	}
	if c.SolverBudget <= 0 {
		c.SolverBudget = 30 * time.Second
	}
	if c.ScoreWorkers <= 0 {
		c.ScoreWorkers = 4
	}
	return c
}

// PrefKey addresses a course preference record.
type PrefKey struct {
	StudentID string
	CourseID  string
}

// SectionPrefKey addresses a section preference record.
type SectionPrefKey struct {
	StudentID string
	SectionID string
}

// Dataset is the single owned repository of one run: every entity the engine
// reads, loaded once and passed explicitly to each stage. No state survives
// between runs.
type Dataset struct {
	TermID       string
	Students     []models.Student
	Programs     map[string]models.Program
	Courses      map[string]models.Course
	Sections     []models.Section
	CoursePrefs  map[PrefKey]int
	SectionPrefs map[SectionPrefKey]int
	Completed    map[string]map[string]bool
}

// Validate checks referential integrity. Violations are global failures: the
// run aborts instead of producing partial output over broken data.
func (d *Dataset) Validate() error {
	if d == nil {
		return appErrors.Clone(appErrors.ErrPreconditionFailed, "allocation dataset is empty")
	}
	for _, student := range d.Students {
		if _, ok := d.Programs[student.ProgramID]; !ok {
			return integrityError(fmt.Sprintf("student %s references unknown program %s", student.ID, student.ProgramID))
		}
	}
	for id, course := range d.Courses {
		if id != course.ID {
			return integrityError(fmt.Sprintf("course map key %s does not match course id %s", id, course.ID))
		}
		for _, programID := range course.ProgramIDs {
			if _, ok := d.Programs[programID]; !ok {
				return integrityError(fmt.Sprintf("course %s references unknown program %s", course.ID, programID))
			}
		}
		for _, prereq := range course.Prerequisites {
			if _, ok := d.Courses[prereq]; !ok {
				return integrityError(fmt.Sprintf("course %s requires unknown prerequisite %s", course.ID, prereq))
			}
		}
	}
	for _, program := range d.Programs {
		for _, courseID := range program.MandatoryCourseIDs {
			course, ok := d.Courses[courseID]
			if !ok {
				return integrityError(fmt.Sprintf("program %s lists unknown mandatory course %s", program.ID, courseID))
			}
			if !containsString(course.ProgramIDs, program.ID) {
				return integrityError(fmt.Sprintf("mandatory course %s does not permit program %s", courseID, program.ID))
			}
		}
	}
	for _, section := range d.Sections {
		if _, ok := d.Courses[section.CourseID]; !ok {
			return integrityError(fmt.Sprintf("section %s references unknown course %s", section.ID, section.CourseID))
		}
	}
	return nil
}

func integrityError(detail string) error {
	return appErrors.Clone(appErrors.ErrPreconditionFailed, "data integrity violation: "+detail)
}

// sortedStudents returns students ordered by id; the engine never iterates
// students in map or load order.
func (d *Dataset) sortedStudents() []models.Student {
	students := make([]models.Student, len(d.Students))
	copy(students, d.Students)
	sort.Slice(students, func(i, j int) bool { return students[i].ID < students[j].ID })
	return students
}

// sortedCourseIDs returns every course id in ascending order.
func (d *Dataset) sortedCourseIDs() []string {
	ids := make([]string, 0, len(d.Courses))
	for id := range d.Courses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// courseRank resolves the preference rank for a (student, course) pair,
// falling back to DefaultRank when no record exists.
func (d *Dataset) courseRank(studentID, courseID string) int {
	if rank, ok := d.CoursePrefs[PrefKey{StudentID: studentID, CourseID: courseID}]; ok {
		return rank
	}
	return DefaultRank
}

// sectionRank resolves the preference rank for a (student, section) pair.
func (d *Dataset) sectionRank(studentID, sectionID string) int {
	if rank, ok := d.SectionPrefs[SectionPrefKey{StudentID: studentID, SectionID: sectionID}]; ok {
		return rank
	}
	return DefaultRank
}

// completedAll reports whether the student has completed every prerequisite
// of the course.
func (d *Dataset) completedAll(studentID string, course models.Course) bool {
	if len(course.Prerequisites) == 0 {
		return true
	}
	done := d.Completed[studentID]
	for _, prereq := range course.Prerequisites {
		if !done[prereq] {
			return false
		}
	}
	return true
}

// mandatoryFor reports whether the course is mandatory for the program.
func (d *Dataset) mandatoryFor(programID, courseID string) bool {
	program, ok := d.Programs[programID]
	if !ok {
		return false
	}
	return containsString(program.MandatoryCourseIDs, courseID)
}

func containsString(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
