package export

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jung-kurt/gofpdf"
)

const pageWidth = 277.0

// PDFExporter renders reports into landscape A4 tables.
type PDFExporter struct{}

// NewPDFExporter constructs a PDF exporter.
func NewPDFExporter() *PDFExporter {
	return &PDFExporter{}
}

// Render creates a PDF with the title, summary lines and one table per section.
func (e *PDFExporter) Render(report Report) ([]byte, error) {
	if len(report.Sections) == 0 {
		return nil, fmt.Errorf("pdf requires at least one section")
	}
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetMargins(10, 15, 10)
	pdf.SetAutoPageBreak(true, 15)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	if report.Title != "" {
		pdf.SetFont("Arial", "B", 14)
		pdf.CellFormat(0, 10, tr(strings.ToUpper(report.Title)), "", 1, "C", false, 0, "")
		pdf.Ln(2)
	}
	if len(report.Summary) > 0 {
		pdf.SetFont("Arial", "", 10)
		for _, line := range report.Summary {
			pdf.CellFormat(0, 6, tr(line), "", 1, "", false, 0, "")
		}
		pdf.Ln(4)
	}

	for _, section := range report.Sections {
		if len(section.Headers) == 0 {
			return nil, fmt.Errorf("section %q has no headers", section.Title)
		}
		if section.Title != "" {
			pdf.SetFont("Arial", "B", 11)
			pdf.CellFormat(0, 8, tr(section.Title), "", 1, "", false, 0, "")
		}
		colWidth := pageWidth / float64(len(section.Headers))
		pdf.SetFont("Arial", "B", 9)
		for _, header := range section.Headers {
			pdf.CellFormat(colWidth, 7, tr(header), "1", 0, "C", false, 0, "")
		}
		pdf.Ln(-1)

		pdf.SetFont("Arial", "", 8)
		for _, row := range section.Rows {
			for _, header := range section.Headers {
				pdf.CellFormat(colWidth, 6, tr(row[header]), "1", 0, "", false, 0, "")
			}
			pdf.Ln(-1)
		}
		pdf.Ln(4)
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
