package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"

	"github.com/acadplan/allocation-api/internal/dto"
	"github.com/acadplan/allocation-api/internal/matching"
	"github.com/acadplan/allocation-api/internal/models"
	"github.com/acadplan/allocation-api/internal/repository"
	"github.com/acadplan/allocation-api/pkg/config"
	appErrors "github.com/acadplan/allocation-api/pkg/errors"
	"github.com/acadplan/allocation-api/pkg/jobs"
)

type allocationStudentRepository interface {
	List(ctx context.Context) ([]models.Student, error)
	ListCompletions(ctx context.Context) ([]models.CompletedCourse, error)
}

type allocationProgramRepository interface {
	List(ctx context.Context) ([]models.Program, error)
}

type allocationCourseRepository interface {
	ListByTerm(ctx context.Context, termID string) ([]models.Course, error)
	ListSectionsByTerm(ctx context.Context, termID string) ([]models.Section, error)
}

type allocationPreferenceRepository interface {
	ListCoursePreferences(ctx context.Context, termID string) ([]models.CoursePreference, error)
	ListSectionPreferences(ctx context.Context, termID string) ([]models.SectionPreference, error)
}

type allocationRunRepository interface {
	CreateRun(ctx context.Context, run *models.AllocationRun) error
	MarkRunning(ctx context.Context, runID string) error
	FailRun(ctx context.Context, runID, message string) error
	GetRun(ctx context.Context, runID string) (*models.AllocationRun, error)
	ListRuns(ctx context.Context, termID string) ([]models.AllocationRun, error)
	ActiveRunExists(ctx context.Context, termID string) (bool, error)
	SaveResults(ctx context.Context, runID string, stats types.JSONText, enrollments []models.Enrollment, assignments []models.SectionAssignment, issues []models.UnresolvedIssue, suggestions []models.AlternativeSuggestion) error
	GetEnrollments(ctx context.Context, runID string) ([]models.Enrollment, error)
	GetAssignments(ctx context.Context, runID string) ([]models.SectionAssignment, error)
	GetIssues(ctx context.Context, runID string) ([]models.UnresolvedIssue, error)
	GetSuggestions(ctx context.Context, runID string) ([]models.AlternativeSuggestion, error)
}

type allocationCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

type allocationMetrics interface {
	ObserveRun(strategy, status string)
	ObserveStage(stage, strategy string, solveTime time.Duration, totalUtility, unresolved int)
	RecordCacheOperation(hit bool)
}

// AllocationService owns the allocation run lifecycle: queuing, dataset
// loading, engine execution, verification, and persistence.
type AllocationService struct {
	students allocationStudentRepository
	programs allocationProgramRepository
	courses  allocationCourseRepository
	prefs    allocationPreferenceRepository
	runs     allocationRunRepository
	cache    allocationCache
	metrics  allocationMetrics

	cfg       config.AllocationConfig
	validator *validator.Validate
	logger    *zap.Logger
	queue     *jobs.Queue
}

type runJobPayload struct {
	RunID    string
	TermID   string
	Strategy string
}

// NewAllocationService constructs an AllocationService with its own
// single-worker run queue, so runs over a term execute one at a time.
func NewAllocationService(
	students allocationStudentRepository,
	programs allocationProgramRepository,
	courses allocationCourseRepository,
	prefs allocationPreferenceRepository,
	runs allocationRunRepository,
	cache allocationCache,
	metrics allocationMetrics,
	cfg config.AllocationConfig,
	logger *zap.Logger,
) *AllocationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AllocationService{
		students:  students,
		programs:  programs,
		courses:   courses,
		prefs:     prefs,
		runs:      runs,
		cache:     cache,
		metrics:   metrics,
		cfg:       cfg,
		validator: validator.New(),
		logger:    logger,
	}
	s.queue = jobs.NewQueue("allocation-runs", s.processRun, jobs.QueueConfig{
		Workers:    1,
		MaxRetries: 1,
		Logger:     logger,
	})
	return s
}

// Start launches the background run worker.
func (s *AllocationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the background run worker.
func (s *AllocationService) Stop() {
	s.queue.Stop()
}

// StartRun validates the request, rejects overlapping runs for the term, and
// queues the allocation asynchronously. The returned run is PENDING.
func (s *AllocationService) StartRun(ctx context.Context, req dto.StartRunRequest) (*models.AllocationRun, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid run request")
	}

	active, err := s.runs.ActiveRunExists(ctx, req.TermID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check active runs")
	}
	if active {
		return nil, appErrors.Clone(appErrors.ErrRunInProgress, "")
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = s.cfg.Strategy
	}

	run := &models.AllocationRun{
		ID:        uuid.NewString(),
		TermID:    req.TermID,
		Strategy:  strategy,
		Status:    models.RunStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create run")
	}

	job := jobs.Job{
		ID:      run.ID,
		Type:    "allocation_run",
		Payload: runJobPayload{RunID: run.ID, TermID: run.TermID, Strategy: strategy},
	}
	if err := s.queue.Enqueue(job); err != nil {
		_ = s.runs.FailRun(ctx, run.ID, "failed to enqueue run")
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue run")
	}

	s.invalidateTerm(ctx, run.TermID)
	s.logger.Info("allocation run queued",
		zap.String("run_id", run.ID),
		zap.String("term_id", run.TermID),
		zap.String("strategy", strategy))
	return run, nil
}

// invalidateTerm drops cached listings for a term after its runs change.
func (s *AllocationService) invalidateTerm(ctx context.Context, termID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, repository.TermRunsPattern(termID)); err != nil {
		s.logger.Warn("failed to invalidate term cache", zap.String("term_id", termID), zap.Error(err))
	}
}

// processRun executes one queued allocation end to end. Failures are
// recorded on the run; the job is not retried because the engine is
// deterministic over the same dataset.
func (s *AllocationService) processRun(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(runJobPayload)
	if !ok {
		s.logger.Error("dropping job with unexpected payload", zap.String("job_id", job.ID))
		return nil
	}

	if err := s.runs.MarkRunning(ctx, payload.RunID); err != nil {
		s.logger.Error("failed to mark run running", zap.String("run_id", payload.RunID), zap.Error(err))
		return nil
	}

	data, result, engineCfg, err := s.execute(ctx, payload)
	if err != nil {
		s.failRun(ctx, payload, err.Error())
		return nil
	}

	violations := matching.Verify(data, result, engineCfg)
	if len(violations) > 0 {
		s.failRun(ctx, payload, "result verification failed: "+strings.Join(violations, "; "))
		return nil
	}

	stats := models.RunStats{
		Course:           result.CourseStats,
		Section:          result.SectionStats,
		TotalSolveTimeMs: result.CourseStats.SolveTimeMs + result.SectionStats.SolveTimeMs,
	}
	rawStats, err := json.Marshal(stats)
	if err != nil {
		s.failRun(ctx, payload, "failed to encode run stats")
		return nil
	}

	if err := s.runs.SaveResults(ctx, payload.RunID, types.JSONText(rawStats),
		result.Enrollments, result.Assignments, result.Unresolved, result.Suggestions); err != nil {
		s.failRun(ctx, payload, fmt.Sprintf("failed to persist results: %v", err))
		return nil
	}

	if s.metrics != nil {
		s.metrics.ObserveRun(payload.Strategy, string(models.RunStatusCompleted))
		s.metrics.ObserveStage("course", result.CourseStats.Strategy,
			time.Duration(result.CourseStats.SolveTimeMs)*time.Millisecond,
			result.CourseStats.TotalUtility, result.CourseStats.Unresolved)
		s.metrics.ObserveStage("section", result.SectionStats.Strategy,
			time.Duration(result.SectionStats.SolveTimeMs)*time.Millisecond,
			result.SectionStats.TotalUtility, result.SectionStats.Unresolved)
	}

	s.invalidateTerm(ctx, payload.TermID)
	s.logger.Info("allocation run completed",
		zap.String("run_id", payload.RunID),
		zap.Int("enrollments", len(result.Enrollments)),
		zap.Int("assignments", len(result.Assignments)),
		zap.Int("unresolved", len(result.Unresolved)))
	return nil
}

func (s *AllocationService) failRun(ctx context.Context, payload runJobPayload, message string) {
	s.logger.Error("allocation run failed",
		zap.String("run_id", payload.RunID),
		zap.String("reason", message))
	if err := s.runs.FailRun(ctx, payload.RunID, message); err != nil {
		s.logger.Error("failed to record run failure", zap.String("run_id", payload.RunID), zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.ObserveRun(payload.Strategy, string(models.RunStatusFailed))
	}
	s.invalidateTerm(ctx, payload.TermID)
}

// execute loads the dataset and runs both allocation stages.
func (s *AllocationService) execute(ctx context.Context, payload runJobPayload) (*matching.Dataset, *matching.Result, matching.Config, error) {
	data, err := s.loadDataset(ctx, payload.TermID)
	if err != nil {
		return nil, nil, matching.Config{}, err
	}

	engineCfg := matching.Config{
		Strategy:              matching.Strategy(payload.Strategy),
		UtilityRankCap:        s.cfg.UtilityRankCap,
		MaxBumpIterations:     s.cfg.MaxBumpIterations,
		MaxCreditsPerSemester: s.cfg.MaxCreditsPerSemester,
		SolverBudget:          s.cfg.SolverTimeBudget,
		ScoreWorkers:          s.cfg.ScoreWorkers,
	}
	engine := matching.NewEngine(engineCfg, s.logger)
	result, err := engine.Run(ctx, data)
	if err != nil {
		return nil, nil, engineCfg, err
	}
	return data, result, engineCfg, nil
}

// loadDataset assembles the engine's input from the catalog repositories.
func (s *AllocationService) loadDataset(ctx context.Context, termID string) (*matching.Dataset, error) {
	students, err := s.students.List(ctx)
	if err != nil {
		return nil, err
	}
	completions, err := s.students.ListCompletions(ctx)
	if err != nil {
		return nil, err
	}
	programs, err := s.programs.List(ctx)
	if err != nil {
		return nil, err
	}
	courses, err := s.courses.ListByTerm(ctx, termID)
	if err != nil {
		return nil, err
	}
	sections, err := s.courses.ListSectionsByTerm(ctx, termID)
	if err != nil {
		return nil, err
	}
	coursePrefs, err := s.prefs.ListCoursePreferences(ctx, termID)
	if err != nil {
		return nil, err
	}
	sectionPrefs, err := s.prefs.ListSectionPreferences(ctx, termID)
	if err != nil {
		return nil, err
	}

	data := &matching.Dataset{
		TermID:       termID,
		Students:     students,
		Programs:     make(map[string]models.Program, len(programs)),
		Courses:      make(map[string]models.Course, len(courses)),
		Sections:     sections,
		CoursePrefs:  make(map[matching.PrefKey]int, len(coursePrefs)),
		SectionPrefs: make(map[matching.SectionPrefKey]int, len(sectionPrefs)),
		Completed:    make(map[string]map[string]bool),
	}
	for _, program := range programs {
		data.Programs[program.ID] = program
	}
	for _, course := range courses {
		data.Courses[course.ID] = course
	}
	for _, pref := range coursePrefs {
		data.CoursePrefs[matching.PrefKey{StudentID: pref.StudentID, CourseID: pref.CourseID}] = pref.Rank
	}
	for _, pref := range sectionPrefs {
		data.SectionPrefs[matching.SectionPrefKey{StudentID: pref.StudentID, SectionID: pref.SectionID}] = pref.Rank
	}
	for _, done := range completions {
		if data.Completed[done.StudentID] == nil {
			data.Completed[done.StudentID] = make(map[string]bool)
		}
		data.Completed[done.StudentID][done.CourseID] = true
	}
	return data, nil
}

// GetRun returns a run envelope.
func (s *AllocationService) GetRun(ctx context.Context, runID string) (*models.AllocationRun, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "allocation run not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch run")
	}
	return run, nil
}

// ListRuns returns a term's runs, newest first. Listings are cached briefly
// and invalidated whenever a run is queued or finishes.
func (s *AllocationService) ListRuns(ctx context.Context, termID string) ([]models.AllocationRun, error) {
	cacheKey := repository.TermRunsKey(termID)
	if s.cache != nil {
		var cached []models.AllocationRun
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			if s.metrics != nil {
				s.metrics.RecordCacheOperation(true)
			}
			return cached, nil
		}
		if s.metrics != nil {
			s.metrics.RecordCacheOperation(false)
		}
	}

	runs, err := s.runs.ListRuns(ctx, termID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list runs")
	}
	if s.cache != nil && len(runs) > 0 {
		if err := s.cache.Set(ctx, cacheKey, runs, s.cfg.ResultCacheTTL); err != nil {
			s.logger.Warn("failed to cache run listing", zap.String("term_id", termID), zap.Error(err))
		}
	}
	return runs, nil
}

// GetResults returns the full payload of a completed run, served from cache
// when possible.
func (s *AllocationService) GetResults(ctx context.Context, runID string) (*dto.RunResultsResponse, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != models.RunStatusCompleted {
		return nil, appErrors.Clone(appErrors.ErrRunNotCompleted, "")
	}

	cacheKey := repository.RunResultsKey(runID)
	if s.cache != nil {
		var cached dto.RunResultsResponse
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			if s.metrics != nil {
				s.metrics.RecordCacheOperation(true)
			}
			return &cached, nil
		}
		if s.metrics != nil {
			s.metrics.RecordCacheOperation(false)
		}
	}

	enrollments, err := s.runs.GetEnrollments(ctx, runID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollments")
	}
	assignments, err := s.runs.GetAssignments(ctx, runID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load assignments")
	}
	issues, err := s.runs.GetIssues(ctx, runID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load issues")
	}
	suggestions, err := s.runs.GetSuggestions(ctx, runID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load suggestions")
	}

	resp := &dto.RunResultsResponse{
		Run:         run,
		Enrollments: enrollments,
		Assignments: assignments,
		Unresolved:  issues,
		Suggestions: suggestions,
	}
	if len(run.Stats) > 0 {
		var stats models.RunStats
		if err := json.Unmarshal(run.Stats, &stats); err == nil {
			resp.Stats = &stats
		}
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, resp, s.cfg.ResultCacheTTL); err != nil {
			s.logger.Warn("failed to cache run results", zap.String("run_id", runID), zap.Error(err))
		}
	}
	return resp, nil
}

// StudentSchedule projects one student's allocations out of a completed run.
func (s *AllocationService) StudentSchedule(ctx context.Context, runID, studentID string) (*dto.StudentScheduleResponse, error) {
	results, err := s.GetResults(ctx, runID)
	if err != nil {
		return nil, err
	}

	courses, err := s.courses.ListByTerm(ctx, results.Run.TermID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load courses")
	}
	names := make(map[string]string, len(courses))
	for _, course := range courses {
		names[course.ID] = course.Name
	}

	sections := make(map[string]string)
	for _, a := range results.Assignments {
		if a.StudentID == studentID && a.SectionID != "" {
			sections[a.CourseID] = a.SectionID
		}
	}

	resp := &dto.StudentScheduleResponse{RunID: runID, StudentID: studentID}
	for _, e := range results.Enrollments {
		if e.StudentID != studentID {
			continue
		}
		resp.Entries = append(resp.Entries, dto.StudentScheduleEntry{
			CourseID:   e.CourseID,
			CourseName: names[e.CourseID],
			SectionID:  sections[e.CourseID],
			Mandatory:  e.Mandatory,
		})
	}
	if len(resp.Entries) == 0 {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "student has no allocations in this run")
	}
	return resp, nil
}
