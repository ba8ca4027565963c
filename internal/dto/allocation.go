package dto

// RunAllocationRequest triggers an allocation run for one package.
type RunAllocationRequest struct {
	PackageID   string `json:"packageId" validate:"required"`
	TriggeredBy string `json:"triggeredBy"`
}

// ReportFormat selects the run report encoding.
type ReportFormat string

const (
	ReportFormatCSV ReportFormat = "csv"
	ReportFormatPDF ReportFormat = "pdf"
)

// ExportRunRequest captures GET /allocation/runs/:runId/report.
type ExportRunRequest struct {
	RunID  string       `validate:"required"`
	Format ReportFormat `form:"format" validate:"required,oneof=csv pdf"`
}

// ReconcileResponse reports how many failed writes were queued again.
type ReconcileResponse struct {
	RunID  string `json:"runId"`
	Queued int    `json:"queued"`
}
