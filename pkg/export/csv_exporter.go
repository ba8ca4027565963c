package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
)

// Dataset is one tabular section of a report.
type Dataset struct {
	Title   string
	Headers []string
	Rows    []map[string]string
}

// Report groups summary lines and datasets rendered in order.
type Report struct {
	Title    string
	Summary  []string
	Sections []Dataset
}

// utf8BOM lets spreadsheet tools detect UTF-8 so diacritics in names survive.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSVOption customises a CSVExporter.
type CSVOption func(*CSVExporter)

// WithUTF8BOM prefixes the output with a UTF-8 byte order mark.
func WithUTF8BOM() CSVOption {
	return func(e *CSVExporter) { e.bom = true }
}

// WithSeparator replaces the comma, e.g. with ';' for locales using decimal commas.
func WithSeparator(sep rune) CSVOption {
	return func(e *CSVExporter) { e.separator = sep }
}

// CSVExporter renders one dataset as CSV.
type CSVExporter struct {
	bom       bool
	separator rune
}

// NewCSVExporter builds a CSV exporter.
func NewCSVExporter(opts ...CSVOption) *CSVExporter {
	e := &CSVExporter{separator: ','}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Render produces CSV bytes for the dataset; the header row comes first.
func (e *CSVExporter) Render(data Dataset) ([]byte, error) {
	if len(data.Headers) == 0 {
		return nil, fmt.Errorf("csv requires at least one header")
	}
	buf := &bytes.Buffer{}
	if e.bom {
		buf.Write(utf8BOM)
	}
	writer := csv.NewWriter(buf)
	writer.Comma = e.separator
	if err := writer.Write(data.Headers); err != nil {
		return nil, fmt.Errorf("write csv headers: %w", err)
	}
	record := make([]string, len(data.Headers))
	for _, row := range data.Rows {
		for i, header := range data.Headers {
			record[i] = row[header]
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}
