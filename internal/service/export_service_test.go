package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acadplan/allocation-api/internal/dto"
	"github.com/acadplan/allocation-api/internal/models"
	"github.com/acadplan/allocation-api/pkg/config"
)

type stubResultsProvider struct {
	results *dto.RunResultsResponse
}

func (p *stubResultsProvider) GetResults(ctx context.Context, runID string) (*dto.RunResultsResponse, error) {
	return p.results, nil
}

func exportFixture() *stubResultsProvider {
	return &stubResultsProvider{results: &dto.RunResultsResponse{
		Run: &models.AllocationRun{ID: "run-1", TermID: "2026-1", Status: models.RunStatusCompleted},
		Enrollments: []models.Enrollment{
			{StudentID: "s1", CourseID: "m1", Mandatory: true},
			{StudentID: "s1", CourseID: "e1"},
		},
		Assignments: []models.SectionAssignment{
			{StudentID: "s1", CourseID: "e1", SectionID: "e1-a"},
		},
	}}
}

func TestRenderCSVIncludesSections(t *testing.T) {
	svc := NewExportService(exportFixture(), config.ExportConfig{}, nil)

	payload, err := svc.RenderCSV(context.Background(), "run-1")
	require.NoError(t, err)

	body := string(payload)
	assert.True(t, strings.HasPrefix(body, "Student,Course,Section,Mandatory"))
	assert.Contains(t, body, "s1,m1,,true")
	assert.Contains(t, body, "s1,e1,e1-a,false")
}

func TestRenderPDFProducesDocument(t *testing.T) {
	svc := NewExportService(exportFixture(), config.ExportConfig{}, nil)

	payload, err := svc.RenderPDF(context.Background(), "run-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(payload), "%PDF"))
}

func TestArchiveCSVWritesFile(t *testing.T) {
	dir := t.TempDir()
	svc := NewExportService(exportFixture(), config.ExportConfig{StorageDir: dir}, nil)

	path, err := svc.ArchiveCSV(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run-run-1.csv"), path)

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(written), "s1,m1")
}
