package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acadplan/allocation-api/internal/dto"
	"github.com/acadplan/allocation-api/internal/models"
	appErrors "github.com/acadplan/allocation-api/pkg/errors"
)

type allocationRunnerMock struct {
	run     *models.AllocationRun
	results *dto.RunResultsResponse
	err     error
}

func (m *allocationRunnerMock) StartRun(ctx context.Context, req dto.StartRunRequest) (*models.AllocationRun, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.run, nil
}

func (m *allocationRunnerMock) GetRun(ctx context.Context, runID string) (*models.AllocationRun, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.run, nil
}

func (m *allocationRunnerMock) ListRuns(ctx context.Context, termID string) ([]models.AllocationRun, error) {
	if m.run == nil {
		return nil, nil
	}
	return []models.AllocationRun{*m.run}, nil
}

func (m *allocationRunnerMock) GetResults(ctx context.Context, runID string) (*dto.RunResultsResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.results, nil
}

func (m *allocationRunnerMock) StudentSchedule(ctx context.Context, runID, studentID string) (*dto.StudentScheduleResponse, error) {
	return &dto.StudentScheduleResponse{RunID: runID, StudentID: studentID}, nil
}

type runExporterMock struct {
	payload []byte
}

func (m *runExporterMock) RenderCSV(ctx context.Context, runID string) ([]byte, error) {
	return m.payload, nil
}

func (m *runExporterMock) RenderPDF(ctx context.Context, runID string) ([]byte, error) {
	return m.payload, nil
}

func (m *runExporterMock) ArchiveCSV(ctx context.Context, runID string) (string, error) {
	return "/exports/run-" + runID + ".csv", nil
}

func TestStartRunRejectsBadPayload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewAllocationHandler(&allocationRunnerMock{}, &runExporterMock{})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/runs", strings.NewReader("{not-json"))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req

	h.StartRun(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartRunReturnsAccepted(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewAllocationHandler(&allocationRunnerMock{
		run: &models.AllocationRun{ID: "run-1", TermID: "2026-1", Status: models.RunStatusPending},
	}, &runExporterMock{})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"term_id":"2026-1"}`))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req

	h.StartRun(c)
	require.Equal(t, http.StatusAccepted, w.Code)

	var envelope struct {
		Data dto.RunResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, "run-1", envelope.Data.Run.ID)
}

func TestStartRunPropagatesConflict(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewAllocationHandler(&allocationRunnerMock{err: appErrors.ErrRunInProgress}, &runExporterMock{})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"term_id":"2026-1"}`))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req

	h.StartRun(c)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestListRunsRequiresTermID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewAllocationHandler(&allocationRunnerMock{}, &runExporterMock{})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/runs", nil)
	c.Request = req

	h.ListRuns(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetResultsNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewAllocationHandler(&allocationRunnerMock{err: appErrors.ErrNotFound}, &runExporterMock{})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/runs/missing/results", nil)
	c.Request = req
	c.Params = gin.Params{{Key: "runID", Value: "missing"}}

	h.GetResults(c)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestExportCSVSetsAttachmentHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewAllocationHandler(&allocationRunnerMock{}, &runExporterMock{payload: []byte("Student,Course\n")})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/runs/run-1/export/csv", nil)
	c.Request = req
	c.Params = gin.Params{{Key: "runID", Value: "run-1"}}

	h.ExportCSV(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "run-run-1.csv")
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
}
