package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/acadplan/allocation-api/internal/models"

	appErrors "github.com/acadplan/allocation-api/pkg/errors"
)

// SectionResult is the stage-2 output.
type SectionResult struct {
	Assignments []models.SectionAssignment
	Unresolved  []models.UnresolvedIssue
	Stats       models.StageStats
}

// labPair is one (student, lab-bearing course) pair needing exactly one
// section.
type labPair struct {
	studentID string
	courseID  string
}

// sectionCandidate is a section a pair may be placed into, with its validated
// slot and preference utility.
type sectionCandidate struct {
	sectionID string
	slot      models.TimeSlot
	utility   int
	rank      int
}

type sectionState struct {
	data *Dataset
	cfg  Config

	sections      map[string]models.Section
	sectionSlots  map[string]models.TimeSlot
	theorySlots   map[string]models.TimeSlot
	studentTheory map[string][]models.TimeSlot

	pairs      []labPair
	candidates map[labPair][]sectionCandidate

	assigned    map[labPair]string
	assignments []models.SectionAssignment
	unresolved  []models.UnresolvedIssue
	iterations  int
}

// AllocateSections assigns a section to every lab-bearing enrollment, subject
// to section capacity, no lab-vs-lab overlap per student, and no lab-vs-theory
// overlap. Courses without labs pass through with an empty section id.
func AllocateSections(ctx context.Context, data *Dataset, enrollments []models.Enrollment, cfg Config) (*SectionResult, error) {
	cfg = cfg.withDefaults()
	state := &sectionState{
		data:          data,
		cfg:           cfg,
		sections:      make(map[string]models.Section),
		sectionSlots:  make(map[string]models.TimeSlot),
		theorySlots:   make(map[string]models.TimeSlot),
		studentTheory: make(map[string][]models.TimeSlot),
		assigned:      make(map[labPair]string),
	}

	started := time.Now()
	state.parseSlots()
	state.collectPairs(enrollments)
	state.scoreCandidates()

	var err error
	switch cfg.Strategy {
	case StrategyDeferredAcceptance:
		err = state.sectionsDeferred()
	case StrategyOptimizing:
		err = state.sectionsOptimizing(ctx)
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown allocation strategy %q", cfg.Strategy))
	}
	if err != nil {
		return nil, err
	}

	state.finalize(enrollments)

	stats := models.StageStats{
		Strategy:    string(cfg.Strategy),
		SolveTimeMs: time.Since(started).Milliseconds(),
		Iterations:  state.iterations,
		Unresolved:  len(state.unresolved),
	}
	labCount := 0
	for _, a := range state.assignments {
		if a.LabRequired && a.SectionID != "" {
			stats.TotalUtility += a.Utility
			labCount++
		}
	}
	stats.ObjectiveValue = stats.TotalUtility
	if labCount > 0 {
		stats.AverageUtility = float64(stats.TotalUtility) / float64(labCount)
	}
	return &SectionResult{
		Assignments: state.assignments,
		Unresolved:  state.unresolved,
		Stats:       stats,
	}, nil
}

// parseSlots validates every section and theory time up front. A slot that
// fails to parse is excluded from scheduling and reported; it never counts as
// conflict free.
func (s *sectionState) parseSlots() {
	for _, section := range s.data.Sections {
		slot, err := ParseTimeSlot(section.Slot)
		if err != nil {
			s.unresolved = append(s.unresolved, models.UnresolvedIssue{
				CourseID:  section.CourseID,
				SectionID: section.ID,
				Reason:    models.ReasonMalformedTimeSlot,
				Detail:    err.Error(),
			})
			continue
		}
		s.sections[section.ID] = section
		s.sectionSlots[section.ID] = slot
	}
	for _, courseID := range s.data.sortedCourseIDs() {
		course := s.data.Courses[courseID]
		if course.Theory == nil {
			continue
		}
		slot, err := ParseTimeSlot(*course.Theory)
		if err != nil {
			s.unresolved = append(s.unresolved, models.UnresolvedIssue{
				CourseID: courseID,
				Reason:   models.ReasonMalformedTimeSlot,
				Detail:   err.Error(),
			})
			continue
		}
		s.theorySlots[courseID] = slot
	}
}

func (s *sectionState) collectPairs(enrollments []models.Enrollment) {
	for _, e := range enrollments {
		if slot, ok := s.theorySlots[e.CourseID]; ok {
			s.studentTheory[e.StudentID] = append(s.studentTheory[e.StudentID], slot)
		}
		if s.data.Courses[e.CourseID].HasLab {
			s.pairs = append(s.pairs, labPair{studentID: e.StudentID, courseID: e.CourseID})
		}
	}
	sort.Slice(s.pairs, func(i, j int) bool {
		if s.pairs[i].studentID != s.pairs[j].studentID {
			return s.pairs[i].studentID < s.pairs[j].studentID
		}
		return s.pairs[i].courseID < s.pairs[j].courseID
	})
}

// scoreCandidates computes preference-scored section candidates for every
// pair. Scoring is read only, so pairs are fanned out across workers; all
// seat mutation stays on the calling goroutine afterwards.
func (s *sectionState) scoreCandidates() {
	results := make([][]sectionCandidate, len(s.pairs))
	var wg sync.WaitGroup
	workers := s.cfg.ScoreWorkers
	if workers > len(s.pairs) {
		workers = len(s.pairs)
	}
	if workers < 1 {
		workers = 1
	}
	chunk := (len(s.pairs) + workers - 1) / workers
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > len(s.pairs) {
			hi = len(s.pairs)
		}
		if lo >= hi {
			continue
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				results[i] = s.scorePair(s.pairs[i])
			}
		}(lo, hi)
	}
	wg.Wait()

	s.candidates = make(map[labPair][]sectionCandidate, len(s.pairs))
	for i, pair := range s.pairs {
		s.candidates[pair] = results[i]
	}
}

// scorePair lists the sections of the pair's course that survive the
// lab-vs-theory exclusion, ordered by rank then section id.
func (s *sectionState) scorePair(pair labPair) []sectionCandidate {
	var out []sectionCandidate
	for _, section := range s.data.Sections {
		if section.CourseID != pair.courseID {
			continue
		}
		slot, ok := s.sectionSlots[section.ID]
		if !ok {
			continue // malformed slot, already reported
		}
		if s.conflictsTheory(pair.studentID, slot) {
			continue
		}
		rank := s.data.sectionRank(pair.studentID, section.ID)
		out = append(out, sectionCandidate{
			sectionID: section.ID,
			slot:      slot,
			utility:   Utility(rank, s.cfg.UtilityRankCap),
			rank:      rank,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].rank != out[j].rank {
			return out[i].rank < out[j].rank
		}
		return out[i].sectionID < out[j].sectionID
	})
	return out
}

func (s *sectionState) conflictsTheory(studentID string, slot models.TimeSlot) bool {
	for _, theory := range s.studentTheory[studentID] {
		overlap, err := Overlaps(slot, theory)
		if err != nil {
			// Slots are validated before they reach this point.
			continue
		}
		if overlap {
			return true
		}
	}
	return false
}

func (s *sectionState) sectionsDeferred() error {
	queue := make([]labPair, len(s.pairs))
	copy(queue, s.pairs)

	holders := make(map[string][]proposer)
	proposed := make(map[labPair]map[string]bool)

	maxIterations := s.cfg.MaxBumpIterations
	if maxIterations <= 0 {
		// Conflict deferrals can cycle the whole queue between consumed
		// proposals, so the ceiling scales the proposal space by the queue
		// length.
		maxIterations = (len(s.pairs) + 2) * (2*len(s.pairs)*len(s.data.Sections) + len(s.pairs) + 1)
	}

	stalled := 0
	for len(queue) > 0 {
		s.iterations++
		if s.iterations > maxIterations {
			return appErrors.Clone(appErrors.ErrInternal, "section deferred acceptance exceeded its iteration bound")
		}
		pair := queue[0]
		queue = queue[1:]
		if _, done := s.assigned[pair]; done {
			continue
		}

		candidate, ok := s.nextSection(pair, proposed)
		if !ok {
			continue // exhausted; reported in finalize
		}

		if s.conflictsHeld(pair, candidate.slot) {
			// The blocking holding may still be bumped away, so the proposal
			// is deferred rather than consumed. A full queue cycle with no
			// assignment change means the conflict is permanent.
			stalled++
			if stalled > len(queue)+1 {
				if proposed[pair] == nil {
					proposed[pair] = make(map[string]bool)
				}
				proposed[pair][candidate.sectionID] = true
				stalled = 0
			}
			queue = append(queue, pair)
			continue
		}

		if proposed[pair] == nil {
			proposed[pair] = make(map[string]bool)
		}
		proposed[pair][candidate.sectionID] = true
		stalled = 0

		contender := proposer{studentID: pair.studentID, priority: candidate.utility}
		capacity := s.sections[candidate.sectionID].Capacity
		if capacity <= 0 {
			queue = append(queue, pair)
			continue
		}
		if len(holders[candidate.sectionID]) < capacity {
			holders[candidate.sectionID] = append(holders[candidate.sectionID], contender)
			s.assigned[pair] = candidate.sectionID
			continue
		}

		weakest, weakestIdx := weakestHolder(holders[candidate.sectionID])
		if contender.outranks(weakest) {
			holders[candidate.sectionID][weakestIdx] = contender
			s.assigned[pair] = candidate.sectionID
			bumped := s.pairHolding(weakest.studentID, candidate.sectionID)
			delete(s.assigned, bumped)
			queue = append(queue, bumped)
		} else {
			queue = append(queue, pair)
		}
	}
	return nil
}

func (s *sectionState) nextSection(pair labPair, proposed map[labPair]map[string]bool) (sectionCandidate, bool) {
	for _, candidate := range s.candidates[pair] {
		if !proposed[pair][candidate.sectionID] {
			return candidate, true
		}
	}
	return sectionCandidate{}, false
}

// conflictsHeld reports whether a slot overlaps any section the student
// currently holds for another course.
func (s *sectionState) conflictsHeld(pair labPair, slot models.TimeSlot) bool {
	for other, sectionID := range s.assigned {
		if other.studentID != pair.studentID || other.courseID == pair.courseID {
			continue
		}
		overlap, err := Overlaps(slot, s.sectionSlots[sectionID])
		if err != nil {
			continue // validated upstream
		}
		if overlap {
			return true
		}
	}
	return false
}

// pairHolding resolves which (student, course) pair holds a given section.
func (s *sectionState) pairHolding(studentID, sectionID string) labPair {
	for pair, held := range s.assigned {
		if pair.studentID == studentID && held == sectionID {
			return pair
		}
	}
	return labPair{}
}

type sectionVar struct {
	pair      labPair
	candidate sectionCandidate
}

func (s *sectionState) sectionsOptimizing(ctx context.Context) error {
	var vars []sectionVar
	pairVars := make(map[labPair][]int)
	sectionVars := make(map[string][]int)
	for _, pair := range s.pairs {
		for _, candidate := range s.candidates[pair] {
			idx := len(vars)
			vars = append(vars, sectionVar{pair: pair, candidate: candidate})
			pairVars[pair] = append(pairVars[pair], idx)
			sectionVars[candidate.sectionID] = append(sectionVars[candidate.sectionID], idx)
		}
	}

	problem := Problem{Utilities: make([]int, len(vars))}
	for i, v := range vars {
		problem.Utilities[i] = v.candidate.utility
	}

	var exactRows []int
	for _, pair := range s.pairs {
		idxs := pairVars[pair]
		if len(idxs) == 0 {
			continue // reported as no_feasible_section in finalize
		}
		exactRows = append(exactRows, len(problem.Constraints))
		problem.Constraints = append(problem.Constraints, Constraint{
			Kind:  ConstraintExactly,
			Vars:  idxs,
			Bound: 1,
		})
	}

	sectionIDs := make([]string, 0, len(sectionVars))
	for id := range sectionVars {
		sectionIDs = append(sectionIDs, id)
	}
	sort.Strings(sectionIDs)
	for _, sectionID := range sectionIDs {
		problem.Constraints = append(problem.Constraints, Constraint{
			Kind:  ConstraintAtMost,
			Vars:  sectionVars[sectionID],
			Bound: s.sections[sectionID].Capacity,
		})
	}

	// Pairwise exclusion between any two overlapping candidate sections of
	// different courses held by the same student.
	byStudent := make(map[string][]int)
	for i, v := range vars {
		byStudent[v.pair.studentID] = append(byStudent[v.pair.studentID], i)
	}
	studentIDs := make([]string, 0, len(byStudent))
	for id := range byStudent {
		studentIDs = append(studentIDs, id)
	}
	sort.Strings(studentIDs)
	for _, studentID := range studentIDs {
		idxs := byStudent[studentID]
		for a := 0; a < len(idxs); a++ {
			for b := a + 1; b < len(idxs); b++ {
				va, vb := vars[idxs[a]], vars[idxs[b]]
				if va.pair.courseID == vb.pair.courseID {
					continue
				}
				overlap, err := Overlaps(va.candidate.slot, vb.candidate.slot)
				if err != nil {
					return err
				}
				if overlap {
					problem.Constraints = append(problem.Constraints, Constraint{
						Kind:  ConstraintAtMost,
						Vars:  []int{idxs[a], idxs[b]},
						Bound: 1,
					})
				}
			}
		}
	}

	solution, err := Solve(ctx, problem, s.cfg.SolverBudget)
	switch {
	case err == nil:
		if solution.TimedOut {
			s.unresolved = append(s.unresolved, models.UnresolvedIssue{
				Reason: models.ReasonSolverTimeout,
				Detail: "section stage used the best solution found within budget",
			})
		}
	case errors.Is(err, ErrInfeasible):
		s.unresolved = append(s.unresolved, models.UnresolvedIssue{
			Reason: models.ReasonSolverInfeasible,
			Detail: "section exactness relaxed to best effort",
		})
		for _, ci := range exactRows {
			problem.Constraints[ci].Kind = ConstraintAtMost
		}
		solution, err = Solve(ctx, problem, s.cfg.SolverBudget)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "relaxed section assignment failed")
		}
	case errors.Is(err, ErrBudgetExceeded):
		s.unresolved = append(s.unresolved, models.UnresolvedIssue{
			Reason: models.ReasonSolverTimeout,
			Detail: "section stage fell back to deferred acceptance",
		})
		return s.sectionsDeferred()
	default:
		return err
	}

	for i, chosen := range solution.Values {
		if chosen {
			s.assigned[vars[i].pair] = vars[i].candidate.sectionID
		}
	}
	return nil
}

// finalize emits assignments in enrollment order: lab placements, lab pairs
// left unplaced (as no_feasible_section issues), and pass-throughs for
// courses without labs.
func (s *sectionState) finalize(enrollments []models.Enrollment) {
	for _, e := range enrollments {
		if !s.data.Courses[e.CourseID].HasLab {
			s.assignments = append(s.assignments, models.SectionAssignment{
				StudentID:   e.StudentID,
				CourseID:    e.CourseID,
				LabRequired: false,
			})
			continue
		}
		pair := labPair{studentID: e.StudentID, courseID: e.CourseID}
		sectionID, ok := s.assigned[pair]
		if !ok {
			s.unresolved = append(s.unresolved, models.UnresolvedIssue{
				StudentID: e.StudentID,
				CourseID:  e.CourseID,
				Reason:    models.ReasonNoFeasibleSection,
				Detail:    "no conflict-free section with open capacity",
			})
			continue
		}
		s.assignments = append(s.assignments, models.SectionAssignment{
			StudentID:   e.StudentID,
			CourseID:    e.CourseID,
			SectionID:   sectionID,
			LabRequired: true,
			Utility:     Utility(s.data.sectionRank(e.StudentID, sectionID), s.cfg.UtilityRankCap),
		})
	}
}
