package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/acadplan/allocation-api/internal/dto"
	"github.com/acadplan/allocation-api/pkg/config"
	"github.com/acadplan/allocation-api/pkg/export"
)

type exportResultsProvider interface {
	GetResults(ctx context.Context, runID string) (*dto.RunResultsResponse, error)
}

// ExportService renders completed run results as downloadable documents.
type ExportService struct {
	results exportResultsProvider
	csv     *export.CSVExporter
	pdf     *export.PDFExporter
	cfg     config.ExportConfig
	logger  *zap.Logger
}

func NewExportService(results exportResultsProvider, cfg config.ExportConfig, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{
		results: results,
		csv:     export.NewCSVExporter(),
		pdf:     export.NewPDFExporter(),
		cfg:     cfg,
		logger:  logger,
	}
}

// RenderCSV flattens a run's enrollments and section assignments into one
// CSV document, one row per enrollment.
func (s *ExportService) RenderCSV(ctx context.Context, runID string) ([]byte, error) {
	data, err := s.buildDataset(ctx, runID)
	if err != nil {
		return nil, err
	}
	return s.csv.Render(*data)
}

// RenderPDF produces the same table as a printable PDF.
func (s *ExportService) RenderPDF(ctx context.Context, runID string) ([]byte, error) {
	data, err := s.buildDataset(ctx, runID)
	if err != nil {
		return nil, err
	}
	return s.pdf.Render(*data, fmt.Sprintf("Allocation Run %s", runID))
}

// ArchiveCSV writes the CSV rendition into the configured storage directory
// and returns the file path.
func (s *ExportService) ArchiveCSV(ctx context.Context, runID string) (string, error) {
	payload, err := s.RenderCSV(ctx, runID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.cfg.StorageDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to prepare export directory: %w", err)
	}
	path := filepath.Join(s.cfg.StorageDir, fmt.Sprintf("run-%s.csv", runID))
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("failed to write export: %w", err)
	}
	s.logger.Info("run export archived", zap.String("run_id", runID), zap.String("path", path))
	return path, nil
}

func (s *ExportService) buildDataset(ctx context.Context, runID string) (*export.Dataset, error) {
	results, err := s.results.GetResults(ctx, runID)
	if err != nil {
		return nil, err
	}

	sections := make(map[string]string, len(results.Assignments))
	for _, a := range results.Assignments {
		if a.SectionID != "" {
			sections[a.StudentID+"/"+a.CourseID] = a.SectionID
		}
	}

	data := &export.Dataset{
		Headers: []string{"Student", "Course", "Section", "Mandatory"},
		Rows:    make([]map[string]string, 0, len(results.Enrollments)),
	}
	for _, e := range results.Enrollments {
		data.Rows = append(data.Rows, map[string]string{
			"Student":   e.StudentID,
			"Course":    e.CourseID,
			"Section":   sections[e.StudentID+"/"+e.CourseID],
			"Mandatory": strconv.FormatBool(e.Mandatory),
		})
	}
	return data, nil
}
