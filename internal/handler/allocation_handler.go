package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/elective-api/internal/dto"
	"github.com/noah-isme/elective-api/internal/middleware"
	"github.com/noah-isme/elective-api/internal/models"
	"github.com/noah-isme/elective-api/internal/service"
	appErrors "github.com/noah-isme/elective-api/pkg/errors"
	"github.com/noah-isme/elective-api/pkg/response"
)

type allocationService interface {
	Run(ctx context.Context, req dto.RunAllocationRequest) (*models.RunSummary, error)
	LatestSummary(ctx context.Context, packageID string) (*models.RunSummary, bool, error)
	ListRuns(ctx context.Context, packageID string) ([]models.AllocationRun, error)
	GetRun(ctx context.Context, runID string) (*models.AllocationRun, error)
	Reconcile(ctx context.Context, runID string) (int, error)
}

type reportExporter interface {
	Export(ctx context.Context, req dto.ExportRunRequest) (*service.RenderedReport, error)
}

// AllocationHandler exposes allocation runs over HTTP.
type AllocationHandler struct {
	allocations allocationService
	reports     reportExporter
}

// NewAllocationHandler constructs the handler.
func NewAllocationHandler(allocations allocationService, reports reportExporter) *AllocationHandler {
	return &AllocationHandler{allocations: allocations, reports: reports}
}

// Run godoc
// @Summary Run allocation for a package
// @Description Allocates every student with preferences for the package and persists the results. Write failures are listed in the summary and queued for reconciliation.
// @Tags Allocation
// @Produce json
// @Param id path string true "Package ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /packages/{id}/allocation [post]
func (h *AllocationHandler) Run(c *gin.Context) {
	req := dto.RunAllocationRequest{PackageID: strings.TrimSpace(c.Param("id")), TriggeredBy: actorID(c)}
	summary, err := h.allocations.Run(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary)
}

// Latest godoc
// @Summary Latest allocation summary of a package
// @Tags Allocation
// @Produce json
// @Param id path string true "Package ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /packages/{id}/allocation/latest [get]
func (h *AllocationHandler) Latest(c *gin.Context) {
	start := time.Now()
	summary, cacheHit, err := h.allocations.LatestSummary(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cacheHit)
	meta := middleware.ExtractMeta(c)
	meta["processing_time_ms"] = time.Since(start).Milliseconds()
	response.JSON(c, http.StatusOK, summary, meta)
}

// ListRuns godoc
// @Summary List allocation runs of a package
// @Tags Allocation
// @Produce json
// @Param id path string true "Package ID"
// @Success 200 {object} response.Envelope
// @Router /packages/{id}/allocation/runs [get]
func (h *AllocationHandler) ListRuns(c *gin.Context) {
	runs, err := h.allocations.ListRuns(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, runs, map[string]interface{}{"total": len(runs)})
}

// GetRun godoc
// @Summary Get an allocation run report
// @Tags Allocation
// @Produce json
// @Param runId path string true "Run ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /allocation/runs/{runId} [get]
func (h *AllocationHandler) GetRun(c *gin.Context) {
	run, err := h.allocations.GetRun(c.Request.Context(), c.Param("runId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, run)
}

// Report godoc
// @Summary Download an allocation run report
// @Tags Allocation
// @Produce text/csv,application/pdf
// @Param runId path string true "Run ID"
// @Param format query string true "csv or pdf"
// @Success 200 {file} file
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /allocation/runs/{runId}/report [get]
func (h *AllocationHandler) Report(c *gin.Context) {
	if h.reports == nil {
		response.Error(c, appErrors.ErrInternal)
		return
	}
	var req dto.ExportRunRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid query"))
		return
	}
	req.RunID = c.Param("runId")
	report, err := h.reports.Export(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, report.Filename, report.ContentType, report.Body)
}

// Reconcile godoc
// @Summary Queue unresolved write failures of a run again
// @Tags Allocation
// @Produce json
// @Param runId path string true "Run ID"
// @Success 202 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /allocation/runs/{runId}/reconcile [post]
func (h *AllocationHandler) Reconcile(c *gin.Context) {
	runID := c.Param("runId")
	queued, err := h.allocations.Reconcile(c.Request.Context(), runID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, dto.ReconcileResponse{RunID: runID, Queued: queued})
}
