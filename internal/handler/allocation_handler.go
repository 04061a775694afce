package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/acadplan/allocation-api/internal/dto"
	"github.com/acadplan/allocation-api/internal/models"
	appErrors "github.com/acadplan/allocation-api/pkg/errors"
	"github.com/acadplan/allocation-api/pkg/response"
)

// AllocationRunner is the run lifecycle surface the handler depends on.
type AllocationRunner interface {
	StartRun(ctx context.Context, req dto.StartRunRequest) (*models.AllocationRun, error)
	GetRun(ctx context.Context, runID string) (*models.AllocationRun, error)
	ListRuns(ctx context.Context, termID string) ([]models.AllocationRun, error)
	GetResults(ctx context.Context, runID string) (*dto.RunResultsResponse, error)
	StudentSchedule(ctx context.Context, runID, studentID string) (*dto.StudentScheduleResponse, error)
}

// RunExporter renders a completed run as downloadable documents.
type RunExporter interface {
	RenderCSV(ctx context.Context, runID string) ([]byte, error)
	RenderPDF(ctx context.Context, runID string) ([]byte, error)
	ArchiveCSV(ctx context.Context, runID string) (string, error)
}

// AllocationHandler exposes run management and result endpoints.
type AllocationHandler struct {
	allocations AllocationRunner
	exports     RunExporter
}

// NewAllocationHandler creates a new handler.
func NewAllocationHandler(allocations AllocationRunner, exports RunExporter) *AllocationHandler {
	return &AllocationHandler{allocations: allocations, exports: exports}
}

// StartRun queues a new allocation run for a term.
func (h *AllocationHandler) StartRun(c *gin.Context) {
	var req dto.StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid run payload"))
		return
	}

	run, err := h.allocations.StartRun(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Accepted(c, dto.RunResponse{Run: run})
}

// GetRun returns one run's status envelope.
func (h *AllocationHandler) GetRun(c *gin.Context) {
	run, err := h.allocations.GetRun(c.Request.Context(), c.Param("runID"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.RunResponse{Run: run}, nil)
}

// ListRuns returns a term's runs, newest first.
func (h *AllocationHandler) ListRuns(c *gin.Context) {
	termID := c.Query("term_id")
	if termID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "term_id query parameter is required"))
		return
	}

	runs, err := h.allocations.ListRuns(c.Request.Context(), termID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, runs, nil)
}

// GetResults returns the full payload of a completed run.
func (h *AllocationHandler) GetResults(c *gin.Context) {
	results, err := h.allocations.GetResults(c.Request.Context(), c.Param("runID"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, results, nil)
}

// GetStudentSchedule returns one student's allocations from a completed run.
func (h *AllocationHandler) GetStudentSchedule(c *gin.Context) {
	schedule, err := h.allocations.StudentSchedule(c.Request.Context(), c.Param("runID"), c.Param("studentID"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, schedule, nil)
}

// ExportCSV streams a run's results as a CSV attachment.
func (h *AllocationHandler) ExportCSV(c *gin.Context) {
	runID := c.Param("runID")
	payload, err := h.exports.RenderCSV(c.Request.Context(), runID)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="run-`+runID+`.csv"`)
	c.Data(http.StatusOK, "text/csv", payload)
}

// ArchiveExport writes the CSV rendition to server-side storage and returns
// the archived file path.
func (h *AllocationHandler) ArchiveExport(c *gin.Context) {
	path, err := h.exports.ArchiveCSV(c.Request.Context(), c.Param("runID"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"path": path}, nil)
}

// ExportPDF streams a run's results as a PDF attachment.
func (h *AllocationHandler) ExportPDF(c *gin.Context) {
	runID := c.Param("runID")
	payload, err := h.exports.RenderPDF(c.Request.Context(), runID)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="run-`+runID+`.pdf"`)
	c.Data(http.StatusOK, "application/pdf", payload)
}
