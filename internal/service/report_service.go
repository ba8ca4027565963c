package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/elective-api/internal/dto"
	"github.com/noah-isme/elective-api/internal/models"
	appErrors "github.com/noah-isme/elective-api/pkg/errors"
	"github.com/noah-isme/elective-api/pkg/export"
)

// Column headers of the student section.
const (
	colStudent      = "Student"
	colRegistration = "Registration"
	colMedia        = "Media"
	colStatus       = "Status"
	colCourse       = "Course"
	colRank         = "Rank"
	colPreferences  = "Preferences"
)

type runReader interface {
	GetRun(ctx context.Context, runID string) (*models.AllocationRun, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(report export.Report) ([]byte, error)
}

// RenderedReport is a generated run report ready for download.
type RenderedReport struct {
	Filename    string
	ContentType string
	Body        []byte
}

// ReportService renders allocation run reports.
type ReportService struct {
	runs      runReader
	csv       csvRenderer
	pdf       pdfRenderer
	validator *validator.Validate
	logger    *zap.Logger
}

// NewReportService constructs a ReportService. Nil renderers fall back to the defaults.
func NewReportService(runs runReader, csv csvRenderer, pdf pdfRenderer, validate *validator.Validate, logger *zap.Logger) *ReportService {
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportService{runs: runs, csv: csv, pdf: pdf, validator: validate, logger: logger}
}

// Export renders the run as CSV (students only) or PDF (summary, students and seats).
func (s *ReportService) Export(ctx context.Context, req dto.ExportRunRequest) (*RenderedReport, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "format must be csv or pdf")
	}
	run, err := s.runs.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, err
	}

	students := studentDataset(run)
	var (
		body        []byte
		contentType string
	)
	switch req.Format {
	case dto.ReportFormatCSV:
		body, err = s.csv.Render(students)
		contentType = "text/csv"
	case dto.ReportFormatPDF:
		body, err = s.pdf.Render(export.Report{
			Title:    "Allocation " + displayName(run),
			Summary:  summaryLines(run),
			Sections: []export.Dataset{students, seatDataset(run)},
		})
		contentType = "application/pdf"
	}
	if err != nil {
		s.logger.Error("render run report", zap.String("run_id", run.ID), zap.String("format", string(req.Format)), zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render report")
	}

	return &RenderedReport{
		Filename:    fmt.Sprintf("allocation-%s-%s.%s", run.PackageID, run.ID, req.Format),
		ContentType: contentType,
		Body:        body,
	}, nil
}

func studentDataset(run *models.AllocationRun) export.Dataset {
	data := export.Dataset{
		Title:   "Students",
		Headers: []string{colStudent, colRegistration, colMedia, colStatus, colCourse, colRank, colPreferences},
	}
	for _, a := range run.Allocated {
		data.Rows = append(data.Rows, map[string]string{
			colStudent:      nameOr(a.Name, a.StudentID),
			colRegistration: a.RegistrationNumber,
			colMedia:        a.Media.StringFixed(2),
			colStatus:       string(models.AllocationStatusAllocated),
			colCourse:       nameOr(a.CourseName, a.CourseID),
			colRank:         strconv.Itoa(a.Rank),
		})
	}
	for _, u := range run.Unallocated {
		data.Rows = append(data.Rows, map[string]string{
			colStudent:      nameOr(u.Name, u.StudentID),
			colRegistration: u.RegistrationNumber,
			colMedia:        u.Media.StringFixed(2),
			colStatus:       string(models.AllocationStatusUnallocated),
			colPreferences:  joinIDs(u.Preferences),
		})
	}
	return data
}

func seatDataset(run *models.AllocationRun) export.Dataset {
	data := export.Dataset{
		Title:   "Courses",
		Headers: []string{"Course", "Capacity", "Enrolled", "Remaining"},
	}
	for _, row := range run.Courses {
		capacity, remaining := strconv.Itoa(row.TotalCapacity), strconv.Itoa(row.RemainingCapacity)
		if row.Unlimited {
			capacity, remaining = "unlimited", "-"
		}
		data.Rows = append(data.Rows, map[string]string{
			"Course":    nameOr(row.Name, row.CourseID),
			"Capacity":  capacity,
			"Enrolled":  strconv.Itoa(len(row.Enrolled)),
			"Remaining": remaining,
		})
	}
	return data
}

func summaryLines(run *models.AllocationRun) []string {
	summary := run.Summary()
	lines := []string{
		fmt.Sprintf("Run: %s", run.ID),
		fmt.Sprintf("Academic year: %s", run.AcademicYear),
		fmt.Sprintf("Started: %s", run.StartedAt.Format("2006-01-02 15:04:05")),
		fmt.Sprintf("Allocated: %d / Unallocated: %d / Courses: %d", summary.AllocatedCount, summary.UnallocatedCount, summary.TotalCourses),
	}
	if len(summary.Failures) > 0 {
		lines = append(lines, fmt.Sprintf("Unresolved write failures: %d (students: %s)", len(summary.Failures), joinIDs(summary.FailedStudentIDs)))
	}
	if len(summary.StaleEnrollments) > 0 {
		lines = append(lines, fmt.Sprintf("Students with enrollments from earlier runs: %d", len(summary.StaleEnrollments)))
	}
	return lines
}

func displayName(run *models.AllocationRun) string {
	return nameOr(run.PackageName, run.PackageID)
}

func nameOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

func joinIDs(ids []string) string {
	return strings.Join(ids, ", ")
}
