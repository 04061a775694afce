package matching

import (
	"fmt"
	"math/rand"

	"github.com/acadplan/allocation-api/internal/models"
)

// FixtureParams sizes a generated dataset. Zero values fall back to a small
// two-program term that exercises every stage.
type FixtureParams struct {
	Seed        int64
	Students    int
	Electives   int
	LabSections int
}

func (p FixtureParams) withDefaults() FixtureParams {
	if p.Students <= 0 {
		p.Students = 24
	}
	if p.Electives <= 0 {
		p.Electives = 6
	}
	if p.LabSections <= 0 {
		p.LabSections = 2
	}
	return p
}

var fixtureDays = []string{"MONDAY", "TUESDAY", "WEDNESDAY", "THURSDAY", "FRIDAY"}

// BuildFixture generates a self-consistent dataset from a seed. The same
// seed always yields the same dataset, so tests and demo runs are
// reproducible end to end.
func BuildFixture(params FixtureParams) *Dataset {
	params = params.withDefaults()
	rng := rand.New(rand.NewSource(params.Seed))

	data := &Dataset{
		TermID:       fmt.Sprintf("term-%d", params.Seed),
		Programs:     make(map[string]models.Program),
		Courses:      make(map[string]models.Course),
		CoursePrefs:  make(map[PrefKey]int),
		SectionPrefs: make(map[SectionPrefKey]int),
		Completed:    make(map[string]map[string]bool),
	}

	programs := []string{"PROG-CS", "PROG-EE"}
	mandatoryByProgram := make(map[string][]string)
	for i, programID := range programs {
		for m := 0; m < 2; m++ {
			courseID := fmt.Sprintf("MAND-%d%d", i, m)
			slot := fixtureSlot(rng)
			data.Courses[courseID] = models.Course{
				ID:         courseID,
				Name:       fmt.Sprintf("Core %d.%d", i, m),
				Credits:    3,
				Capacity:   params.Students,
				ProgramIDs: []string{programID},
				Theory:     &slot,
			}
			mandatoryByProgram[programID] = append(mandatoryByProgram[programID], courseID)
		}
		data.Programs[programID] = models.Program{
			ID:                 programID,
			Name:               programID,
			RequiredElectives:  2,
			MandatoryCourseIDs: mandatoryByProgram[programID],
		}
	}

	var electiveIDs []string
	for e := 0; e < params.Electives; e++ {
		courseID := fmt.Sprintf("ELEC-%02d", e)
		slot := fixtureSlot(rng)
		course := models.Course{
			ID:         courseID,
			Name:       fmt.Sprintf("Elective %d", e),
			Credits:    2 + rng.Intn(2),
			Capacity:   4 + rng.Intn(params.Students/2+1),
			ProgramIDs: programs,
			Theory:     &slot,
			HasLab:     e%2 == 0,
		}
		if e > 1 && rng.Intn(3) == 0 {
			course.Prerequisites = []string{electiveIDs[rng.Intn(len(electiveIDs))]}
		}
		data.Courses[courseID] = course
		electiveIDs = append(electiveIDs, courseID)

		if course.HasLab {
			for sec := 0; sec < params.LabSections; sec++ {
				data.Sections = append(data.Sections, models.Section{
					ID:       fmt.Sprintf("%s-L%d", courseID, sec+1),
					CourseID: courseID,
					Capacity: 3 + rng.Intn(params.Students/3+1),
					Slot:     fixtureSlot(rng),
				})
			}
		}
	}

	for s := 0; s < params.Students; s++ {
		programID := programs[s%len(programs)]
		student := models.Student{
			ID:           fmt.Sprintf("STU-%03d", s+1),
			Name:         fmt.Sprintf("Student %03d", s+1),
			ProgramID:    programID,
			AcademicYear: 1 + rng.Intn(4),
		}
		data.Students = append(data.Students, student)

		// Most students have every prerequisite behind them; a few do not,
		// so prerequisite filtering stays on the hot path.
		if rng.Intn(5) > 0 {
			for _, courseID := range electiveIDs {
				for _, prereq := range data.Courses[courseID].Prerequisites {
					if data.Completed[student.ID] == nil {
						data.Completed[student.ID] = make(map[string]bool)
					}
					data.Completed[student.ID][prereq] = true
				}
			}
		}

		ranked := rng.Perm(len(electiveIDs))
		for rank, idx := range ranked {
			if rank >= 4 {
				break
			}
			courseID := electiveIDs[idx]
			data.CoursePrefs[PrefKey{StudentID: student.ID, CourseID: courseID}] = rank + 1
			for _, section := range data.Sections {
				if section.CourseID == courseID {
					data.SectionPrefs[SectionPrefKey{StudentID: student.ID, SectionID: section.ID}] = 1 + rng.Intn(3)
				}
			}
		}
	}
	return data
}

func fixtureSlot(rng *rand.Rand) models.RawTimeSlot {
	day := fixtureDays[rng.Intn(len(fixtureDays))]
	start := 8 + rng.Intn(8)
	return models.RawTimeSlot{
		Day:   day,
		Start: fmt.Sprintf("%02d:00", start),
		End:   fmt.Sprintf("%02d:00", start+2),
	}
}
