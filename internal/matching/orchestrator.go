package matching

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/acadplan/allocation-api/internal/models"
)

// Result is the combined output of both allocation stages.
type Result struct {
	Enrollments  []models.Enrollment
	Assignments  []models.SectionAssignment
	Unresolved   []models.UnresolvedIssue
	Suggestions  []models.AlternativeSuggestion
	CourseStats  models.StageStats
	SectionStats models.StageStats
}

// Engine runs the course stage and the section stage back to back over a
// validated dataset.
type Engine struct {
	cfg Config
	log *zap.Logger
}

func NewEngine(cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{cfg: cfg.withDefaults(), log: log}
}

// Run allocates courses, then sections, then derives alternative suggestions
// for students who missed an elective on capacity. Dataset integrity failures
// abort the run before any allocation work.
func (e *Engine) Run(ctx context.Context, data *Dataset) (*Result, error) {
	if err := data.Validate(); err != nil {
		return nil, err
	}

	courseRes, err := AllocateCourses(ctx, data, e.cfg)
	if err != nil {
		return nil, err
	}
	e.log.Info("course stage completed",
		zap.String("term_id", data.TermID),
		zap.String("strategy", courseRes.Stats.Strategy),
		zap.Int("enrollments", len(courseRes.Enrollments)),
		zap.Int("unresolved", len(courseRes.Unresolved)),
		zap.Int64("solve_time_ms", courseRes.Stats.SolveTimeMs))

	sectionRes, err := AllocateSections(ctx, data, courseRes.Enrollments, e.cfg)
	if err != nil {
		return nil, err
	}
	e.log.Info("section stage completed",
		zap.String("term_id", data.TermID),
		zap.String("strategy", sectionRes.Stats.Strategy),
		zap.Int("assignments", len(sectionRes.Assignments)),
		zap.Int("unresolved", len(sectionRes.Unresolved)),
		zap.Int64("solve_time_ms", sectionRes.Stats.SolveTimeMs))

	result := &Result{
		Enrollments:  courseRes.Enrollments,
		Assignments:  sectionRes.Assignments,
		CourseStats:  courseRes.Stats,
		SectionStats: sectionRes.Stats,
	}
	result.Unresolved = append(result.Unresolved, courseRes.Unresolved...)
	result.Unresolved = append(result.Unresolved, sectionRes.Unresolved...)
	result.Suggestions = suggestAlternatives(data, courseRes)
	return result, nil
}

// suggestAlternatives proposes a substitute elective for every student who
// lost a course to capacity: same program, prerequisites met, seats left
// after allocation, no overlap with the student's enrolled theory times.
// Candidates are tried in ascending course id order so reruns are stable.
func suggestAlternatives(data *Dataset, courseRes *CourseResult) []models.AlternativeSuggestion {
	filled := make(map[string]int)
	held := make(map[string]map[string]bool)
	for _, e := range courseRes.Enrollments {
		filled[e.CourseID]++
		if held[e.StudentID] == nil {
			held[e.StudentID] = make(map[string]bool)
		}
		held[e.StudentID][e.CourseID] = true
	}

	var out []models.AlternativeSuggestion
	for _, issue := range courseRes.Unresolved {
		if issue.Reason != models.ReasonCapacityExceeded || issue.StudentID == "" || issue.CourseID == "" {
			continue
		}
		student, ok := studentByID(data, issue.StudentID)
		if !ok {
			continue
		}
		if alt, ok := firstOpenElective(data, student, issue.CourseID, filled, held[issue.StudentID]); ok {
			out = append(out, models.AlternativeSuggestion{
				StudentID:         issue.StudentID,
				RequestedCourseID: issue.CourseID,
				SuggestedCourseID: alt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StudentID != out[j].StudentID {
			return out[i].StudentID < out[j].StudentID
		}
		return out[i].RequestedCourseID < out[j].RequestedCourseID
	})
	return out
}

func studentByID(data *Dataset, id string) (models.Student, bool) {
	for _, s := range data.Students {
		if s.ID == id {
			return s, true
		}
	}
	return models.Student{}, false
}

func firstOpenElective(data *Dataset, student models.Student, requested string, filled map[string]int, held map[string]bool) (string, bool) {
	var enrolledSlots []models.TimeSlot
	for courseID := range held {
		course := data.Courses[courseID]
		if course.Theory == nil {
			continue
		}
		if slot, err := ParseTimeSlot(*course.Theory); err == nil {
			enrolledSlots = append(enrolledSlots, slot)
		}
	}

	for _, courseID := range data.sortedCourseIDs() {
		if courseID == requested || held[courseID] || data.mandatoryFor(student.ProgramID, courseID) {
			continue
		}
		course := data.Courses[courseID]
		if !containsString(course.ProgramIDs, student.ProgramID) {
			continue
		}
		if !data.completedAll(student.ID, course) {
			continue
		}
		if filled[courseID] >= course.Capacity {
			continue
		}
		if course.Theory != nil {
			slot, err := ParseTimeSlot(*course.Theory)
			if err != nil {
				continue
			}
			conflict := false
			for _, other := range enrolledSlots {
				if overlap, err := Overlaps(slot, other); err == nil && overlap {
					conflict = true
					break
				}
			}
			if conflict {
				continue
			}
		}
		return courseID, true
	}
	return "", false
}
