package matching

import (
	"fmt"

	"github.com/acadplan/allocation-api/internal/models"
)

// Verify re-checks a finished result against the dataset it was computed
// from and returns one message per violated invariant. An empty slice means
// the result is safe to persist.
func Verify(data *Dataset, result *Result, cfg Config) []string {
	cfg = cfg.withDefaults()
	var violations []string

	flagged := make(map[PrefKey]bool)
	shortfalls := make(map[string]int)
	for _, issue := range result.Unresolved {
		if issue.StudentID != "" && issue.CourseID != "" {
			flagged[PrefKey{StudentID: issue.StudentID, CourseID: issue.CourseID}] = true
		}
		// Elective shortfall issues name no course; they account one missing
		// elective each.
		if issue.StudentID != "" && issue.CourseID == "" {
			shortfalls[issue.StudentID]++
		}
	}

	held := make(map[string]map[string]bool)
	courseLoad := make(map[string]int)
	credits := make(map[string]int)
	for _, e := range result.Enrollments {
		if held[e.StudentID] == nil {
			held[e.StudentID] = make(map[string]bool)
		}
		if held[e.StudentID][e.CourseID] {
			violations = append(violations, fmt.Sprintf("student %s enrolled twice in course %s", e.StudentID, e.CourseID))
		}
		held[e.StudentID][e.CourseID] = true
		courseLoad[e.CourseID]++
		credits[e.StudentID] += data.Courses[e.CourseID].Credits
	}

	for courseID, load := range courseLoad {
		if course, ok := data.Courses[courseID]; ok && load > course.Capacity {
			violations = append(violations, fmt.Sprintf("course %s holds %d students over capacity %d", courseID, load, course.Capacity))
		}
	}

	for _, student := range data.sortedStudents() {
		program, ok := data.Programs[student.ProgramID]
		if !ok {
			continue
		}
		electives := 0
		for courseID := range held[student.ID] {
			course := data.Courses[courseID]
			if !data.completedAll(student.ID, course) {
				violations = append(violations, fmt.Sprintf("student %s enrolled in %s without its prerequisites", student.ID, courseID))
			}
			if !data.mandatoryFor(student.ProgramID, courseID) {
				electives++
			}
		}
		for _, courseID := range program.MandatoryCourseIDs {
			course, exists := data.Courses[courseID]
			if !exists || !data.completedAll(student.ID, course) {
				continue
			}
			if !held[student.ID][courseID] && !flagged[PrefKey{StudentID: student.ID, CourseID: courseID}] {
				violations = append(violations, fmt.Sprintf("student %s missing mandatory course %s with no recorded issue", student.ID, courseID))
			}
		}
		if electives > program.RequiredElectives {
			violations = append(violations, fmt.Sprintf("student %s holds %d electives, program allows %d", student.ID, electives, program.RequiredElectives))
		}
		if electives+shortfalls[student.ID] < program.RequiredElectives {
			violations = append(violations, fmt.Sprintf("student %s holds %d electives with %d recorded shortfalls, program requires %d", student.ID, electives, shortfalls[student.ID], program.RequiredElectives))
		}
		if cfg.MaxCreditsPerSemester > 0 && credits[student.ID] > cfg.MaxCreditsPerSemester {
			violations = append(violations, fmt.Sprintf("student %s carries %d credits over the %d cap", student.ID, credits[student.ID], cfg.MaxCreditsPerSemester))
		}
	}

	violations = append(violations, verifySections(data, result, held, flagged)...)
	return violations
}

func verifySections(data *Dataset, result *Result, held map[string]map[string]bool, flagged map[PrefKey]bool) []string {
	var violations []string

	sections := make(map[string]models.Section)
	slots := make(map[string]models.TimeSlot)
	for _, section := range data.Sections {
		sections[section.ID] = section
		if slot, err := ParseTimeSlot(section.Slot); err == nil {
			slots[section.ID] = slot
		}
	}

	assigned := make(map[PrefKey]string)
	sectionLoad := make(map[string]int)
	for _, a := range result.Assignments {
		key := PrefKey{StudentID: a.StudentID, CourseID: a.CourseID}
		if !held[a.StudentID][a.CourseID] {
			violations = append(violations, fmt.Sprintf("section assignment for %s/%s has no matching enrollment", a.StudentID, a.CourseID))
		}
		if !a.LabRequired {
			continue
		}
		if _, dup := assigned[key]; dup {
			violations = append(violations, fmt.Sprintf("student %s assigned two sections for course %s", a.StudentID, a.CourseID))
		}
		assigned[key] = a.SectionID
		if section, ok := sections[a.SectionID]; !ok || section.CourseID != a.CourseID {
			violations = append(violations, fmt.Sprintf("assignment %s/%s references section %s of another course", a.StudentID, a.CourseID, a.SectionID))
		}
		sectionLoad[a.SectionID]++
	}

	for sectionID, load := range sectionLoad {
		if section, ok := sections[sectionID]; ok && load > section.Capacity {
			violations = append(violations, fmt.Sprintf("section %s holds %d students over capacity %d", sectionID, load, section.Capacity))
		}
	}

	// Every lab-bearing enrollment must end in a section or a recorded issue.
	for _, e := range result.Enrollments {
		if !data.Courses[e.CourseID].HasLab {
			continue
		}
		key := PrefKey{StudentID: e.StudentID, CourseID: e.CourseID}
		if _, ok := assigned[key]; !ok && !flagged[key] {
			violations = append(violations, fmt.Sprintf("lab enrollment %s/%s has neither a section nor a recorded issue", e.StudentID, e.CourseID))
		}
	}

	// Per-student timetable: assigned labs may not overlap each other or any
	// theory time of an enrolled course.
	byStudent := make(map[string][]string)
	for key, sectionID := range assigned {
		byStudent[key.StudentID] = append(byStudent[key.StudentID], sectionID)
	}
	for studentID, sectionIDs := range byStudent {
		for i := 0; i < len(sectionIDs); i++ {
			a, okA := slots[sectionIDs[i]]
			if !okA {
				continue
			}
			for j := i + 1; j < len(sectionIDs); j++ {
				b, okB := slots[sectionIDs[j]]
				if !okB {
					continue
				}
				if overlap, err := Overlaps(a, b); err == nil && overlap {
					violations = append(violations, fmt.Sprintf("student %s has overlapping sections %s and %s", studentID, sectionIDs[i], sectionIDs[j]))
				}
			}
			for courseID := range held[studentID] {
				course := data.Courses[courseID]
				if course.Theory == nil {
					continue
				}
				theory, err := ParseTimeSlot(*course.Theory)
				if err != nil {
					continue
				}
				if overlap, err := Overlaps(a, theory); err == nil && overlap {
					violations = append(violations, fmt.Sprintf("student %s section %s overlaps theory of course %s", studentID, sectionIDs[i], courseID))
				}
			}
		}
	}
	return violations
}
