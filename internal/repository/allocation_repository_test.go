package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/require"

	"github.com/acadplan/allocation-api/internal/models"
)

func newAllocationRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestAllocationRepositoryCreateRun(t *testing.T) {
	db, mock, cleanup := newAllocationRepoMock(t)
	defer cleanup()
	repo := NewAllocationRepository(db)

	run := &models.AllocationRun{
		ID:        "run-1",
		TermID:    "term-1",
		Strategy:  "optimizing",
		Status:    models.RunStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO allocation_runs (id, term_id, strategy, status, created_at) VALUES ($1, $2, $3, $4, $5)")).
		WithArgs(run.ID, run.TermID, run.Strategy, run.Status, run.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.CreateRun(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAllocationRepositoryActiveRunExists(t *testing.T) {
	db, mock, cleanup := newAllocationRepoMock(t)
	defer cleanup()
	repo := NewAllocationRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM allocation_runs WHERE term_id = $1 AND status IN ($2, $3) LIMIT 1")).
		WithArgs("term-1", models.RunStatusPending, models.RunStatusRunning).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	exists, err := repo.ActiveRunExists(context.Background(), "term-1")
	require.NoError(t, err)
	require.True(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAllocationRepositorySaveResultsCommitsAtomically(t *testing.T) {
	db, mock, cleanup := newAllocationRepoMock(t)
	defer cleanup()
	repo := NewAllocationRepository(db)

	enrollments := []models.Enrollment{{StudentID: "s1", CourseID: "c1", Mandatory: true, Utility: 7}}
	assignments := []models.SectionAssignment{{StudentID: "s1", CourseID: "c1", SectionID: "c1-a", LabRequired: true, Utility: 9}}
	issues := []models.UnresolvedIssue{{StudentID: "s2", CourseID: "c1", Reason: models.ReasonCapacityExceeded, Detail: "full"}}
	suggestions := []models.AlternativeSuggestion{{StudentID: "s2", RequestedCourseID: "c1", SuggestedCourseID: "c2"}}
	stats := types.JSONText(`{"total_solve_time_ms":12}`)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO enrollments")).
		WithArgs("run-1", "s1", "c1", true, 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO section_assignments")).
		WithArgs("run-1", "s1", "c1", sqlmock.AnyArg(), true, 9).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO unresolved_issues")).
		WithArgs("run-1", "s2", "c1", "", models.ReasonCapacityExceeded, "full").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO alternative_suggestions")).
		WithArgs("run-1", "s2", "c1", "c2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE allocation_runs SET status = $2, stats = $3, finished_at = $4 WHERE id = $1")).
		WithArgs("run-1", models.RunStatusCompleted, stats, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.SaveResults(context.Background(), "run-1", stats, enrollments, assignments, issues, suggestions)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAllocationRepositorySaveResultsRollsBackOnFailure(t *testing.T) {
	db, mock, cleanup := newAllocationRepoMock(t)
	defer cleanup()
	repo := NewAllocationRepository(db)

	enrollments := []models.Enrollment{{StudentID: "s1", CourseID: "c1", Utility: 7}}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO enrollments")).
		WithArgs("run-1", "s1", "c1", false, 7).
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	err := repo.SaveResults(context.Background(), "run-1", types.JSONText(`{}`), enrollments, nil, nil, nil)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
