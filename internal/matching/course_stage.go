package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/acadplan/allocation-api/internal/models"

	appErrors "github.com/acadplan/allocation-api/pkg/errors"
)

// CourseResult is the stage-1 output fed into section allocation.
type CourseResult struct {
	Enrollments []models.Enrollment
	Unresolved  []models.UnresolvedIssue
	Stats       models.StageStats
}

type courseState struct {
	data *Dataset
	cfg  Config

	load     map[string]int             // courseID -> seats taken
	credits  map[string]int             // studentID -> credits committed
	enrolled map[string]map[string]bool // studentID -> courseID set

	enrollments []models.Enrollment
	unresolved  []models.UnresolvedIssue
	iterations  int
}

// AllocateCourses assigns every student their program's mandatory courses and
// the required number of electives, respecting per-course capacity. Mandatory
// courses are pre-assigned outside the strategies; only electives compete.
func AllocateCourses(ctx context.Context, data *Dataset, cfg Config) (*CourseResult, error) {
	cfg = cfg.withDefaults()
	state := &courseState{
		data:     data,
		cfg:      cfg,
		load:     make(map[string]int),
		credits:  make(map[string]int),
		enrolled: make(map[string]map[string]bool),
	}

	started := time.Now()
	state.assignMandatory()

	var err error
	switch cfg.Strategy {
	case StrategyDeferredAcceptance:
		err = state.electivesDeferred()
	case StrategyOptimizing:
		err = state.electivesOptimizing(ctx)
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown allocation strategy %q", cfg.Strategy))
	}
	if err != nil {
		return nil, err
	}

	stats := summarize(string(cfg.Strategy), state.enrollments, len(data.Students), time.Since(started))
	stats.Iterations = state.iterations
	stats.Unresolved = len(state.unresolved)
	return &CourseResult{
		Enrollments: state.enrollments,
		Unresolved:  state.unresolved,
		Stats:       stats,
	}, nil
}

func (s *courseState) assignMandatory() {
	for _, student := range s.data.sortedStudents() {
		program := s.data.Programs[student.ProgramID]
		for _, courseID := range program.MandatoryCourseIDs {
			course := s.data.Courses[courseID]
			if !s.data.completedAll(student.ID, course) {
				s.issue(student.ID, courseID, models.ReasonMissingPrerequisite, "mandatory course prerequisites unmet")
				continue
			}
			if s.load[courseID] >= course.Capacity {
				s.issue(student.ID, courseID, models.ReasonCapacityExceeded, "mandatory course is full")
				continue
			}
			if s.overCreditCap(student.ID, course.Credits) {
				s.issue(student.ID, courseID, models.ReasonCreditLimitExceeded, "mandatory course exceeds term credit cap")
				continue
			}
			s.enroll(student.ID, courseID, true)
		}
	}
}

// eligibleElectives lists the courses a student may choose from: permitted
// for their program, not mandatory for it, prerequisites met, and not already
// held. Order is deterministic (rank ascending, course id ascending).
func (s *courseState) eligibleElectives(student models.Student) []string {
	var ids []string
	for _, courseID := range s.data.sortedCourseIDs() {
		course := s.data.Courses[courseID]
		if !containsString(course.ProgramIDs, student.ProgramID) {
			continue
		}
		if s.data.mandatoryFor(student.ProgramID, courseID) {
			continue
		}
		if s.enrolled[student.ID][courseID] {
			continue
		}
		if !s.data.completedAll(student.ID, course) {
			continue
		}
		ids = append(ids, courseID)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		ri := s.data.courseRank(student.ID, ids[i])
		rj := s.data.courseRank(student.ID, ids[j])
		if ri != rj {
			return ri < rj
		}
		return ids[i] < ids[j]
	})
	return ids
}

type courseVar struct {
	studentID string
	courseID  string
	utility   int
}

func (s *courseState) electivesOptimizing(ctx context.Context) error {
	students := s.data.sortedStudents()

	var vars []courseVar
	studentVars := make(map[string][]int)
	courseVars := make(map[string][]int)
	for _, student := range students {
		for _, courseID := range s.eligibleElectives(student) {
			idx := len(vars)
			vars = append(vars, courseVar{
				studentID: student.ID,
				courseID:  courseID,
				utility:   Utility(s.data.courseRank(student.ID, courseID), s.cfg.UtilityRankCap),
			})
			studentVars[student.ID] = append(studentVars[student.ID], idx)
			courseVars[courseID] = append(courseVars[courseID], idx)
		}
	}

	problem := Problem{Utilities: make([]int, len(vars))}
	for i, v := range vars {
		problem.Utilities[i] = v.utility
	}

	exactIdx := make(map[string]int) // studentID -> index of their equality constraint
	for _, student := range students {
		program := s.data.Programs[student.ProgramID]
		target := program.RequiredElectives
		if target == 0 {
			continue
		}
		if available := len(studentVars[student.ID]); available < target {
			// Not enough eligible electives exist for an exact match; report
			// the shortfall up front and ask only for what is reachable.
			for i := available; i < target; i++ {
				s.issue(student.ID, "", models.ReasonCapacityExceeded, "insufficient eligible elective courses")
			}
			target = available
		}
		if target == 0 {
			continue
		}
		exactIdx[student.ID] = len(problem.Constraints)
		problem.Constraints = append(problem.Constraints, Constraint{
			Kind:  ConstraintExactly,
			Vars:  studentVars[student.ID],
			Bound: target,
		})
	}
	for _, courseID := range s.data.sortedCourseIDs() {
		idxs := courseVars[courseID]
		if len(idxs) == 0 {
			continue
		}
		remaining := s.data.Courses[courseID].Capacity - s.load[courseID]
		if remaining < 0 {
			remaining = 0
		}
		problem.Constraints = append(problem.Constraints, Constraint{
			Kind:  ConstraintAtMost,
			Vars:  idxs,
			Bound: remaining,
		})
	}
	if s.cfg.MaxCreditsPerSemester > 0 {
		for _, student := range students {
			idxs := studentVars[student.ID]
			if len(idxs) == 0 {
				continue
			}
			budget := s.cfg.MaxCreditsPerSemester - s.credits[student.ID]
			if budget < 0 {
				budget = 0
			}
			coeffs := make([]int, len(idxs))
			for i, idx := range idxs {
				coeffs[i] = s.data.Courses[vars[idx].courseID].Credits
			}
			problem.Constraints = append(problem.Constraints, Constraint{
				Kind:   ConstraintAtMost,
				Vars:   idxs,
				Coeffs: coeffs,
				Bound:  budget,
			})
		}
	}

	solution, err := Solve(ctx, problem, s.cfg.SolverBudget)
	switch {
	case err == nil:
		if solution.TimedOut {
			s.issue("", "", models.ReasonSolverTimeout, "course stage used the best solution found within budget")
		}
	case errors.Is(err, ErrInfeasible):
		// Defined relaxation order: give up elective exactness first; the
		// per-student shortfall is reported after the relaxed solve.
		s.issue("", "", models.ReasonSolverInfeasible, "elective exactness relaxed to best effort")
		for _, ci := range exactIdx {
			problem.Constraints[ci].Kind = ConstraintAtMost
		}
		solution, err = Solve(ctx, problem, s.cfg.SolverBudget)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "relaxed course assignment failed")
		}
	case errors.Is(err, ErrBudgetExceeded):
		s.issue("", "", models.ReasonSolverTimeout, "course stage fell back to greedy assignment")
		s.electivesGreedy(students)
		return nil
	default:
		return err
	}

	for i, chosen := range solution.Values {
		if chosen {
			s.enroll(vars[i].studentID, vars[i].courseID, false)
		}
	}
	s.reportElectiveShortfalls(students, nil)
	return nil
}

// electivesGreedy is the deterministic single-pass fallback used when the
// solver exhausts its budget without finding any feasible point.
func (s *courseState) electivesGreedy(students []models.Student) {
	for _, student := range students {
		needed := s.data.Programs[student.ProgramID].RequiredElectives
		for _, courseID := range s.eligibleElectives(student) {
			if s.countElectives(student.ID) >= needed {
				break
			}
			course := s.data.Courses[courseID]
			if s.load[courseID] >= course.Capacity || s.overCreditCap(student.ID, course.Credits) {
				continue
			}
			s.enroll(student.ID, courseID, false)
		}
	}
	s.reportElectiveShortfalls(students, nil)
}

func (s *courseState) electivesDeferred() error {
	students := s.data.sortedStudents()

	prefs := make(map[string][]string, len(students))
	needed := make(map[string]int, len(students))
	queue := make([]string, 0, len(students))
	for _, student := range students {
		required := s.data.Programs[student.ProgramID].RequiredElectives
		if required == 0 {
			continue
		}
		prefs[student.ID] = s.eligibleElectives(student)
		needed[student.ID] = required
		queue = append(queue, student.ID)
	}

	holders := make(map[string][]proposer)
	proposed := make(map[PrefKey]bool)
	creditSkipped := make(map[string]bool)

	// Every pop either consumes a fresh proposal or follows a bump, and bumps
	// are bounded by proposals, so twice the proposal space is a safe ceiling.
	maxIterations := s.cfg.MaxBumpIterations
	if maxIterations <= 0 {
		maxIterations = 2*len(s.data.Students)*len(s.data.Courses) + len(s.data.Students)
	}

	for len(queue) > 0 {
		s.iterations++
		if s.iterations > maxIterations {
			return appErrors.Clone(appErrors.ErrInternal, "deferred acceptance exceeded its iteration bound")
		}
		studentID := queue[0]
		queue = queue[1:]
		if s.countElectives(studentID) >= needed[studentID] {
			continue
		}

		courseID, ok := s.nextProposal(studentID, prefs[studentID], proposed)
		if !ok {
			continue // preferences exhausted; shortfall reported at the end
		}
		proposed[PrefKey{StudentID: studentID, CourseID: courseID}] = true

		course := s.data.Courses[courseID]
		if s.overCreditCap(studentID, course.Credits) {
			creditSkipped[studentID] = true
			queue = append(queue, studentID)
			continue
		}

		candidate := proposer{
			studentID: studentID,
			priority:  Utility(s.data.courseRank(studentID, courseID), s.cfg.UtilityRankCap),
		}
		electiveSeats := course.Capacity - s.mandatoryLoad(courseID)

		if electiveSeats <= 0 {
			queue = append(queue, studentID)
			continue
		}
		if len(holders[courseID]) < electiveSeats {
			holders[courseID] = append(holders[courseID], candidate)
			s.enroll(studentID, courseID, false)
			if s.countElectives(studentID) < needed[studentID] {
				queue = append(queue, studentID)
			}
			continue
		}

		weakest, weakestIdx := weakestHolder(holders[courseID])
		if candidate.outranks(weakest) {
			holders[courseID][weakestIdx] = candidate
			s.withdraw(weakest.studentID, courseID)
			s.enroll(studentID, courseID, false)
			queue = append(queue, weakest.studentID)
			if s.countElectives(studentID) < needed[studentID] {
				queue = append(queue, studentID)
			}
		} else {
			queue = append(queue, studentID)
		}
	}

	s.reportElectiveShortfalls(students, creditSkipped)
	return nil
}

func (s *courseState) nextProposal(studentID string, prefs []string, proposed map[PrefKey]bool) (string, bool) {
	for _, courseID := range prefs {
		if !proposed[PrefKey{StudentID: studentID, CourseID: courseID}] {
			return courseID, true
		}
	}
	return "", false
}

func weakestHolder(holders []proposer) (proposer, int) {
	weakest := holders[0]
	idx := 0
	for i := 1; i < len(holders); i++ {
		if weakest.outranks(holders[i]) {
			weakest = holders[i]
			idx = i
		}
	}
	return weakest, idx
}

// mandatoryLoad counts seats held by mandatory enrollments in a course.
func (s *courseState) mandatoryLoad(courseID string) int {
	count := 0
	for _, e := range s.enrollments {
		if e.CourseID == courseID && e.Mandatory {
			count++
		}
	}
	return count
}

func (s *courseState) reportElectiveShortfalls(students []models.Student, creditSkipped map[string]bool) {
	for _, student := range students {
		required := s.data.Programs[student.ProgramID].RequiredElectives
		have := s.countElectives(student.ID)
		alreadyReported := s.shortfallIssues(student.ID)
		for i := have + alreadyReported; i < required; i++ {
			reason := models.ReasonCapacityExceeded
			detail := "no elective with open capacity remained"
			if creditSkipped[student.ID] {
				reason = models.ReasonCreditLimitExceeded
				detail = "remaining electives exceed the term credit cap"
			}
			s.issue(student.ID, "", reason, detail)
		}
	}
}

func (s *courseState) shortfallIssues(studentID string) int {
	count := 0
	for _, issue := range s.unresolved {
		if issue.StudentID == studentID && issue.CourseID == "" {
			count++
		}
	}
	return count
}

func (s *courseState) countElectives(studentID string) int {
	count := 0
	for _, e := range s.enrollments {
		if e.StudentID == studentID && !e.Mandatory {
			count++
		}
	}
	return count
}

func (s *courseState) overCreditCap(studentID string, credits int) bool {
	limit := s.cfg.MaxCreditsPerSemester
	return limit > 0 && s.credits[studentID]+credits > limit
}

func (s *courseState) enroll(studentID, courseID string, mandatory bool) {
	s.load[courseID]++
	s.credits[studentID] += s.data.Courses[courseID].Credits
	if s.enrolled[studentID] == nil {
		s.enrolled[studentID] = make(map[string]bool)
	}
	s.enrolled[studentID][courseID] = true
	s.enrollments = append(s.enrollments, models.Enrollment{
		StudentID: studentID,
		CourseID:  courseID,
		Mandatory: mandatory,
		Utility:   Utility(s.data.courseRank(studentID, courseID), s.cfg.UtilityRankCap),
	})
}

func (s *courseState) withdraw(studentID, courseID string) {
	for i, e := range s.enrollments {
		if e.StudentID == studentID && e.CourseID == courseID {
			s.enrollments = append(s.enrollments[:i], s.enrollments[i+1:]...)
			break
		}
	}
	s.load[courseID]--
	s.credits[studentID] -= s.data.Courses[courseID].Credits
	delete(s.enrolled[studentID], courseID)
}

func (s *courseState) issue(studentID, courseID string, reason models.ReasonCode, detail string) {
	s.unresolved = append(s.unresolved, models.UnresolvedIssue{
		StudentID: studentID,
		CourseID:  courseID,
		Reason:    reason,
		Detail:    detail,
	})
}

func summarize(strategy string, enrollments []models.Enrollment, studentCount int, elapsed time.Duration) models.StageStats {
	total := 0
	for _, e := range enrollments {
		total += e.Utility
	}
	avg := 0.0
	if studentCount > 0 {
		avg = float64(total) / float64(studentCount)
	}
	return models.StageStats{
		Strategy:       strategy,
		ObjectiveValue: total,
		TotalUtility:   total,
		AverageUtility: avg,
		SolveTimeMs:    elapsed.Milliseconds(),
	}
}
