package matching

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acadplan/allocation-api/internal/models"
)

func electiveScenario(requiredElectives int) *Dataset {
	return &Dataset{
		TermID: "2026-fall",
		Students: []models.Student{
			{ID: "s1", Name: "Ada", ProgramID: "p1"},
			{ID: "s2", Name: "Grace", ProgramID: "p1"},
		},
		Programs: map[string]models.Program{
			"p1": {ID: "p1", RequiredElectives: requiredElectives, MandatoryCourseIDs: []string{"m1"}},
		},
		Courses: map[string]models.Course{
			"m1": {ID: "m1", Credits: 3, Capacity: 10, ProgramIDs: []string{"p1"}},
			"e1": {ID: "e1", Credits: 3, Capacity: 1, ProgramIDs: []string{"p1"}},
			"e2": {ID: "e2", Credits: 3, Capacity: 5, ProgramIDs: []string{"p1"}},
		},
		CoursePrefs:  map[PrefKey]int{},
		SectionPrefs: map[SectionPrefKey]int{},
		Completed:    map[string]map[string]bool{},
	}
}

func enrolledIn(result *CourseResult, studentID, courseID string) bool {
	for _, e := range result.Enrollments {
		if e.StudentID == studentID && e.CourseID == courseID {
			return true
		}
	}
	return false
}

func TestAllocateCoursesMandatory(t *testing.T) {
	data := electiveScenario(0)
	for _, strategy := range []Strategy{StrategyOptimizing, StrategyDeferredAcceptance} {
		t.Run(string(strategy), func(t *testing.T) {
			result, err := AllocateCourses(context.Background(), data, Config{Strategy: strategy})
			require.NoError(t, err)
			require.Len(t, result.Enrollments, 2)
			for _, e := range result.Enrollments {
				assert.Equal(t, "m1", e.CourseID)
				assert.True(t, e.Mandatory)
			}
			assert.Empty(t, result.Unresolved)
		})
	}
}

func TestAllocateCoursesMandatoryPrerequisite(t *testing.T) {
	data := electiveScenario(0)
	data.Courses["p0"] = models.Course{ID: "p0", Credits: 3, Capacity: 10}
	m1 := data.Courses["m1"]
	m1.Prerequisites = []string{"p0"}
	data.Courses["m1"] = m1
	data.Completed["s1"] = map[string]bool{"p0": true}

	result, err := AllocateCourses(context.Background(), data, Config{Strategy: StrategyOptimizing})
	require.NoError(t, err)

	assert.True(t, enrolledIn(result, "s1", "m1"))
	assert.False(t, enrolledIn(result, "s2", "m1"))
	require.Len(t, result.Unresolved, 1)
	assert.Equal(t, "s2", result.Unresolved[0].StudentID)
	assert.Equal(t, models.ReasonMissingPrerequisite, result.Unresolved[0].Reason)
}

func TestAllocateCoursesOptimizingPrefersTopChoice(t *testing.T) {
	data := electiveScenario(1)
	data.CoursePrefs[PrefKey{StudentID: "s1", CourseID: "e1"}] = 1
	data.CoursePrefs[PrefKey{StudentID: "s2", CourseID: "e1"}] = 2

	result, err := AllocateCourses(context.Background(), data, Config{Strategy: StrategyOptimizing})
	require.NoError(t, err)

	// Total utility is higher when s1 keeps its first choice and s2 falls
	// back to the open course.
	assert.True(t, enrolledIn(result, "s1", "e1"))
	assert.True(t, enrolledIn(result, "s2", "e2"))
	assert.Empty(t, result.Unresolved)
	// Two mandatory seats at the default rank plus a first choice and a
	// default-ranked fallback.
	assert.Equal(t, 30, result.Stats.TotalUtility)
}

func TestAllocateCoursesDeferredBumping(t *testing.T) {
	data := electiveScenario(1)
	data.Students = append(data.Students, models.Student{ID: "s3", Name: "Edsger", ProgramID: "p1"})
	// s1 proposes first and takes the single seat; s3 holds a stronger
	// preference and bumps it out later.
	data.CoursePrefs[PrefKey{StudentID: "s1", CourseID: "e1"}] = 2
	data.CoursePrefs[PrefKey{StudentID: "s3", CourseID: "e1"}] = 1

	result, err := AllocateCourses(context.Background(), data, Config{Strategy: StrategyDeferredAcceptance})
	require.NoError(t, err)

	assert.True(t, enrolledIn(result, "s3", "e1"))
	assert.False(t, enrolledIn(result, "s1", "e1"))
	assert.True(t, enrolledIn(result, "s1", "e2"))
	assert.True(t, enrolledIn(result, "s2", "e2"))
	assert.Empty(t, result.Unresolved)
}

func TestAllocateCoursesCreditCap(t *testing.T) {
	data := electiveScenario(1)
	data.Students = data.Students[:1]

	result, err := AllocateCourses(context.Background(), data, Config{
		Strategy:              StrategyDeferredAcceptance,
		MaxCreditsPerSemester: 3,
	})
	require.NoError(t, err)

	// The mandatory course consumes the whole credit budget.
	assert.True(t, enrolledIn(result, "s1", "m1"))
	require.Len(t, result.Enrollments, 1)
	require.Len(t, result.Unresolved, 1)
	assert.Equal(t, models.ReasonCreditLimitExceeded, result.Unresolved[0].Reason)
}

func TestAllocateCoursesInsufficientElectives(t *testing.T) {
	data := electiveScenario(2)
	data.Students = data.Students[:1]
	delete(data.Courses, "e2")

	for _, strategy := range []Strategy{StrategyOptimizing, StrategyDeferredAcceptance} {
		t.Run(string(strategy), func(t *testing.T) {
			result, err := AllocateCourses(context.Background(), data, Config{Strategy: strategy})
			require.NoError(t, err)
			assert.True(t, enrolledIn(result, "s1", "e1"))
			require.Len(t, result.Unresolved, 1)
			assert.Equal(t, "s1", result.Unresolved[0].StudentID)
			assert.Equal(t, models.ReasonCapacityExceeded, result.Unresolved[0].Reason)
		})
	}
}

func TestAllocateCoursesCapacityNeverExceeded(t *testing.T) {
	data := BuildFixture(FixtureParams{Seed: 11, Students: 8, Electives: 4})
	for _, strategy := range []Strategy{StrategyOptimizing, StrategyDeferredAcceptance} {
		t.Run(string(strategy), func(t *testing.T) {
			result, err := AllocateCourses(context.Background(), data, Config{Strategy: strategy})
			require.NoError(t, err)
			load := make(map[string]int)
			for _, e := range result.Enrollments {
				load[e.CourseID]++
			}
			for courseID, count := range load {
				assert.LessOrEqual(t, count, data.Courses[courseID].Capacity, "course %s", courseID)
			}
		})
	}
}

func TestAllocateCoursesDeterministic(t *testing.T) {
	for _, strategy := range []Strategy{StrategyOptimizing, StrategyDeferredAcceptance} {
		t.Run(string(strategy), func(t *testing.T) {
			data := BuildFixture(FixtureParams{Seed: 7, Students: 6, Electives: 4})
			first, err := AllocateCourses(context.Background(), data, Config{Strategy: strategy})
			require.NoError(t, err)
			second, err := AllocateCourses(context.Background(), data, Config{Strategy: strategy})
			require.NoError(t, err)
			assert.Equal(t, first.Enrollments, second.Enrollments)
			assert.Equal(t, first.Unresolved, second.Unresolved)
		})
	}
}

func TestAllocateCoursesDeferredNoBlockingPair(t *testing.T) {
	data := BuildFixture(FixtureParams{Seed: 13, Students: 16, Electives: 5})
	result, err := AllocateCourses(context.Background(), data, Config{Strategy: StrategyDeferredAcceptance})
	require.NoError(t, err)

	held := make(map[string]map[string]bool)
	electives := make(map[string]int)
	worst := make(map[string]proposer)
	mandatorySeats := make(map[string]int)
	holders := make(map[string][]proposer)
	for _, e := range result.Enrollments {
		if held[e.StudentID] == nil {
			held[e.StudentID] = make(map[string]bool)
		}
		held[e.StudentID][e.CourseID] = true
		if e.Mandatory {
			mandatorySeats[e.CourseID]++
			continue
		}
		electives[e.StudentID]++
		current := proposer{studentID: e.StudentID, priority: e.Utility}
		holders[e.CourseID] = append(holders[e.CourseID], current)
		if w, ok := worst[e.StudentID]; !ok || w.outranks(current) {
			worst[e.StudentID] = current
		}
	}

	// A blocking pair is a student and an eligible elective the student
	// strictly prefers over one of their held electives (or is short of the
	// required count), where the course would still admit the student.
	for _, student := range data.sortedStudents() {
		program := data.Programs[student.ProgramID]
		if program.RequiredElectives == 0 {
			continue
		}
		short := electives[student.ID] < program.RequiredElectives
		for _, courseID := range data.sortedCourseIDs() {
			course := data.Courses[courseID]
			if held[student.ID][courseID] || data.mandatoryFor(student.ProgramID, courseID) {
				continue
			}
			if !containsString(course.ProgramIDs, student.ProgramID) || !data.completedAll(student.ID, course) {
				continue
			}
			contender := proposer{studentID: student.ID, priority: Utility(data.courseRank(student.ID, courseID), DefaultRankCap)}
			if !short && contender.priority <= worst[student.ID].priority {
				continue
			}
			seats := course.Capacity - mandatorySeats[courseID]
			if len(holders[courseID]) < seats {
				t.Fatalf("student %s prefers course %s which has an open seat", student.ID, courseID)
			}
			if len(holders[courseID]) == 0 {
				continue
			}
			weakest, _ := weakestHolder(holders[courseID])
			if contender.outranks(weakest) {
				t.Fatalf("student %s would displace %s from course %s", student.ID, weakest.studentID, courseID)
			}
		}
	}
}

func TestAllocateCoursesUnknownStrategy(t *testing.T) {
	data := electiveScenario(0)
	_, err := AllocateCourses(context.Background(), data, Config{Strategy: "simulated-annealing"})
	assert.Error(t, err)
}
