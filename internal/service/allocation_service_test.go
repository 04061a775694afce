package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acadplan/allocation-api/internal/dto"
	"github.com/acadplan/allocation-api/internal/matching"
	"github.com/acadplan/allocation-api/internal/models"
	"github.com/acadplan/allocation-api/pkg/config"
	appErrors "github.com/acadplan/allocation-api/pkg/errors"
	"github.com/acadplan/allocation-api/pkg/jobs"
)

const optimizing = string(matching.StrategyOptimizing)

type stubCatalog struct {
	students     []models.Student
	completions  []models.CompletedCourse
	programs     []models.Program
	courses      []models.Course
	sections     []models.Section
	coursePrefs  []models.CoursePreference
	sectionPrefs []models.SectionPreference
}

func (c *stubCatalog) List(ctx context.Context) ([]models.Student, error) {
	return c.students, nil
}

func (c *stubCatalog) ListCompletions(ctx context.Context) ([]models.CompletedCourse, error) {
	return c.completions, nil
}

func (c *stubCatalog) ListPrograms(ctx context.Context) ([]models.Program, error) {
	return c.programs, nil
}

func (c *stubCatalog) ListByTerm(ctx context.Context, termID string) ([]models.Course, error) {
	return c.courses, nil
}

func (c *stubCatalog) ListSectionsByTerm(ctx context.Context, termID string) ([]models.Section, error) {
	return c.sections, nil
}

func (c *stubCatalog) ListCoursePreferences(ctx context.Context, termID string) ([]models.CoursePreference, error) {
	return c.coursePrefs, nil
}

func (c *stubCatalog) ListSectionPreferences(ctx context.Context, termID string) ([]models.SectionPreference, error) {
	return c.sectionPrefs, nil
}

type programLister struct{ catalog *stubCatalog }

func (p programLister) List(ctx context.Context) ([]models.Program, error) {
	return p.catalog.ListPrograms(ctx)
}

type stubRunRepo struct {
	mu     sync.Mutex
	runs   map[string]*models.AllocationRun
	active bool

	savedStats       types.JSONText
	savedEnrollments []models.Enrollment
	savedAssignments []models.SectionAssignment
	savedIssues      []models.UnresolvedIssue
	savedSuggestions []models.AlternativeSuggestion
	failMessage      string
}

func newStubRunRepo() *stubRunRepo {
	return &stubRunRepo{runs: map[string]*models.AllocationRun{}}
}

func (r *stubRunRepo) CreateRun(ctx context.Context, run *models.AllocationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *run
	r.runs[run.ID] = &copied
	return nil
}

func (r *stubRunRepo) MarkRunning(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[runID].Status = models.RunStatusRunning
	return nil
}

func (r *stubRunRepo) FailRun(ctx context.Context, runID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[runID].Status = models.RunStatusFailed
	r.failMessage = message
	return nil
}

func (r *stubRunRepo) GetRun(ctx context.Context, runID string) (*models.AllocationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, errors.New("no rows")
	}
	copied := *run
	return &copied, nil
}

func (r *stubRunRepo) ListRuns(ctx context.Context, termID string) ([]models.AllocationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.AllocationRun
	for _, run := range r.runs {
		if run.TermID == termID {
			out = append(out, *run)
		}
	}
	return out, nil
}

func (r *stubRunRepo) ActiveRunExists(ctx context.Context, termID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, nil
}

func (r *stubRunRepo) SaveResults(ctx context.Context, runID string, stats types.JSONText, enrollments []models.Enrollment, assignments []models.SectionAssignment, issues []models.UnresolvedIssue, suggestions []models.AlternativeSuggestion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[runID].Status = models.RunStatusCompleted
	r.runs[runID].Stats = stats
	r.savedStats = stats
	r.savedEnrollments = enrollments
	r.savedAssignments = assignments
	r.savedIssues = issues
	r.savedSuggestions = suggestions
	return nil
}

func (r *stubRunRepo) GetEnrollments(ctx context.Context, runID string) ([]models.Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.savedEnrollments, nil
}

func (r *stubRunRepo) GetAssignments(ctx context.Context, runID string) ([]models.SectionAssignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.savedAssignments, nil
}

func (r *stubRunRepo) GetIssues(ctx context.Context, runID string) ([]models.UnresolvedIssue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.savedIssues, nil
}

func (r *stubRunRepo) GetSuggestions(ctx context.Context, runID string) ([]models.AlternativeSuggestion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.savedSuggestions, nil
}

type stubCache struct {
	mu     sync.Mutex
	values map[string]interface{}
	hits   int
	sets   int
}

func newStubCache() *stubCache {
	return &stubCache{values: map[string]interface{}{}}
}

func (c *stubCache) Get(ctx context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.values[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	c.hits++
	if out, ok := dest.(*dto.RunResultsResponse); ok {
		*out = *value.(*dto.RunResultsResponse)
	}
	return nil
}

func (c *stubCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	c.sets++
	return nil
}

func (c *stubCache) DeleteByPattern(ctx context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = map[string]interface{}{}
	return nil
}

type stubMetrics struct {
	mu     sync.Mutex
	runs   map[string]int
	stages int
}

func newStubMetrics() *stubMetrics {
	return &stubMetrics{runs: map[string]int{}}
}

func (m *stubMetrics) ObserveRun(strategy, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[strategy+"/"+status]++
}

func (m *stubMetrics) ObserveStage(stage, strategy string, solveTime time.Duration, totalUtility, unresolved int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages++
}

func (m *stubMetrics) RecordCacheOperation(hit bool) {}

func testCatalog() *stubCatalog {
	return &stubCatalog{
		students: []models.Student{
			{ID: "s1", Name: "Asha", ProgramID: "p1", AcademicYear: 2},
			{ID: "s2", Name: "Bram", ProgramID: "p1", AcademicYear: 2},
		},
		programs: []models.Program{
			{ID: "p1", Name: "Informatics", RequiredElectives: 1, MandatoryCourseIDs: []string{"m1"}},
		},
		courses: []models.Course{
			{ID: "m1", Name: "Calculus", Credits: 3, Capacity: 10, ProgramIDs: []string{"p1"}},
			{ID: "e1", Name: "Robotics", Credits: 3, Capacity: 5, ProgramIDs: []string{"p1"}},
			{ID: "e2", Name: "Statistics", Credits: 3, Capacity: 5, ProgramIDs: []string{"p1"}},
		},
		coursePrefs: []models.CoursePreference{
			{StudentID: "s1", CourseID: "e1", Rank: 1},
			{StudentID: "s2", CourseID: "e2", Rank: 1},
		},
	}
}

func testService(catalog *stubCatalog, runs *stubRunRepo, cache *stubCache, metrics *stubMetrics) *AllocationService {
	cfg := config.AllocationConfig{
		Strategy:         optimizing,
		UtilityRankCap:   10,
		SolverTimeBudget: 5 * time.Second,
		ResultCacheTTL:   time.Minute,
	}
	return NewAllocationService(catalog, programLister{catalog}, catalog, catalog, runs, cache, metrics, cfg, zap.NewNop())
}

func TestStartRunRejectsConcurrentRun(t *testing.T) {
	runs := newStubRunRepo()
	runs.active = true
	svc := testService(testCatalog(), runs, newStubCache(), newStubMetrics())
	svc.Start(context.Background())
	defer svc.Stop()

	_, err := svc.StartRun(context.Background(), dto.StartRunRequest{TermID: "2026-1"})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrRunInProgress.Code, appErr.Code)
}

func TestStartRunRejectsUnknownStrategy(t *testing.T) {
	svc := testService(testCatalog(), newStubRunRepo(), newStubCache(), newStubMetrics())
	svc.Start(context.Background())
	defer svc.Stop()

	_, err := svc.StartRun(context.Background(), dto.StartRunRequest{TermID: "2026-1", Strategy: "magic"})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestStartRunQueuesPendingRun(t *testing.T) {
	runs := newStubRunRepo()
	svc := testService(testCatalog(), runs, newStubCache(), newStubMetrics())
	svc.Start(context.Background())
	defer svc.Stop()

	run, err := svc.StartRun(context.Background(), dto.StartRunRequest{TermID: "2026-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "2026-1", run.TermID)
	assert.Equal(t, optimizing, run.Strategy)

	deadline := time.After(5 * time.Second)
	for {
		stored, err := runs.GetRun(context.Background(), run.ID)
		require.NoError(t, err)
		if stored.Status == models.RunStatusCompleted || stored.Status == models.RunStatusFailed {
			assert.Equal(t, models.RunStatusCompleted, stored.Status)
			return
		}
		select {
		case <-deadline:
			t.Fatalf("run did not finish, status %s", stored.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestProcessRunPersistsResults(t *testing.T) {
	runs := newStubRunRepo()
	metrics := newStubMetrics()
	svc := testService(testCatalog(), runs, newStubCache(), metrics)

	require.NoError(t, runs.CreateRun(context.Background(), &models.AllocationRun{
		ID: "run-1", TermID: "2026-1", Strategy: optimizing, Status: models.RunStatusPending,
	}))

	err := svc.processRun(context.Background(), jobs.Job{
		ID:      "run-1",
		Type:    "allocation_run",
		Payload: runJobPayload{RunID: "run-1", TermID: "2026-1", Strategy: optimizing},
	})
	require.NoError(t, err)

	stored, err := runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, stored.Status)

	// Two mandatory enrollments plus one elective each.
	assert.Len(t, runs.savedEnrollments, 4)
	assert.NotEmpty(t, runs.savedStats)
	assert.Equal(t, 1, metrics.runs[optimizing+"/"+string(models.RunStatusCompleted)])
	assert.Equal(t, 2, metrics.stages)
}

func TestProcessRunFailsOnBrokenCatalog(t *testing.T) {
	catalog := testCatalog()
	catalog.students[0].ProgramID = "ghost"
	runs := newStubRunRepo()
	metrics := newStubMetrics()
	svc := testService(catalog, runs, newStubCache(), metrics)

	require.NoError(t, runs.CreateRun(context.Background(), &models.AllocationRun{
		ID: "run-2", TermID: "2026-1", Strategy: optimizing, Status: models.RunStatusPending,
	}))

	err := svc.processRun(context.Background(), jobs.Job{
		ID:      "run-2",
		Payload: runJobPayload{RunID: "run-2", TermID: "2026-1", Strategy: optimizing},
	})
	require.NoError(t, err)

	stored, err := runs.GetRun(context.Background(), "run-2")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, stored.Status)
	assert.Contains(t, runs.failMessage, "unknown program")
	assert.Equal(t, 1, metrics.runs[optimizing+"/"+string(models.RunStatusFailed)])
}

func TestGetResultsRequiresCompletedRun(t *testing.T) {
	runs := newStubRunRepo()
	require.NoError(t, runs.CreateRun(context.Background(), &models.AllocationRun{
		ID: "run-3", TermID: "2026-1", Status: models.RunStatusRunning,
	}))
	svc := testService(testCatalog(), runs, newStubCache(), newStubMetrics())

	_, err := svc.GetResults(context.Background(), "run-3")
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrRunNotCompleted.Code, appErr.Code)
}

func TestGetResultsCachesPayload(t *testing.T) {
	runs := newStubRunRepo()
	cache := newStubCache()
	svc := testService(testCatalog(), runs, cache, newStubMetrics())

	require.NoError(t, runs.CreateRun(context.Background(), &models.AllocationRun{
		ID: "run-4", TermID: "2026-1", Strategy: optimizing, Status: models.RunStatusPending,
	}))
	require.NoError(t, svc.processRun(context.Background(), jobs.Job{
		ID:      "run-4",
		Payload: runJobPayload{RunID: "run-4", TermID: "2026-1", Strategy: optimizing},
	}))

	first, err := svc.GetResults(context.Background(), "run-4")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.sets)

	second, err := svc.GetResults(context.Background(), "run-4")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)
	assert.Equal(t, first.Enrollments, second.Enrollments)
}

func TestStudentScheduleProjectsOneStudent(t *testing.T) {
	runs := newStubRunRepo()
	svc := testService(testCatalog(), runs, newStubCache(), newStubMetrics())

	require.NoError(t, runs.CreateRun(context.Background(), &models.AllocationRun{
		ID: "run-5", TermID: "2026-1", Strategy: optimizing, Status: models.RunStatusPending,
	}))
	require.NoError(t, svc.processRun(context.Background(), jobs.Job{
		ID:      "run-5",
		Payload: runJobPayload{RunID: "run-5", TermID: "2026-1", Strategy: optimizing},
	}))

	schedule, err := svc.StudentSchedule(context.Background(), "run-5", "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", schedule.StudentID)
	assert.Len(t, schedule.Entries, 2)

	_, err = svc.StudentSchedule(context.Background(), "run-5", "nobody")
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}
