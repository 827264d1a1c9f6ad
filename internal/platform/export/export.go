// Package export renders a report for download.
package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
)

var ErrUnsupportedFormat = errors.New("unsupported export format")

type Format string

const (
	FormatPDF  Format = "pdf"
	FormatJSON Format = "json"
)

// ParseFormat accepts pdf or json, case-insensitively; empty means pdf.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatPDF:
		return FormatPDF, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// Finding is one detected finding printed in the PDF findings table.
type Finding struct {
	Name        string
	Probability float64
}

// Document is the renderer's view of a report. Record is what the JSON format
// serializes; the remaining fields lay out the PDF.
type Document struct {
	ReportID    string
	PatientID   string
	PatientName string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	FinalReport string
	Findings    []Finding
	Record      any
}

// Rendered is an export ready to be written to the response.
type Rendered struct {
	Body        []byte
	ContentType string
	Filename    string
}

type Renderer struct {
	now func() time.Time
}

func NewRenderer() *Renderer {
	return &Renderer{now: time.Now}
}

func (r *Renderer) Render(doc Document, format Format) (Rendered, error) {
	switch format {
	case FormatPDF:
		body, err := r.renderPDF(doc)
		if err != nil {
			return Rendered{}, err
		}
		return Rendered{Body: body, ContentType: "application/pdf", Filename: "report_" + doc.ReportID + ".pdf"}, nil
	case FormatJSON:
		rec := doc.Record
		if rec == nil {
			rec = doc
		}
		body, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return Rendered{}, fmt.Errorf("marshal report: %w", err)
		}
		return Rendered{Body: body, ContentType: "application/json", Filename: "report_" + doc.ReportID + ".json"}, nil
	}
	return Rendered{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

func (r *Renderer) renderPDF(doc Document) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "Letter", "")
	pdf.SetTitle("X-Ray Analysis Report", true)
	pdf.SetCreator("radportal", true)
	pdf.SetCreationDate(r.now())
	pdf.SetMargins(18, 18, 18)
	pdf.SetAutoPageBreak(true, 18)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, "X-Ray Analysis Report", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	pdf.SetFont("Helvetica", "", 10)
	meta := [][2]string{
		{"Report ID", doc.ReportID},
		{"Patient ID", doc.PatientID},
	}
	if doc.PatientName != "" {
		meta = append(meta, [2]string{"Patient", doc.PatientName})
	}
	meta = append(meta,
		[2]string{"Status", doc.Status},
		[2]string{"Created", formatTime(doc.CreatedAt)},
		[2]string{"Updated", formatTime(doc.UpdatedAt)},
	)
	for _, kv := range meta {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(30, 6, kv[0]+":", "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.CellFormat(0, 6, tr(kv[1]), "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "", 11)
	for _, line := range strings.Split(doc.FinalReport, "\n") {
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			pdf.Ln(4)
			continue
		}
		style := ""
		if strings.HasPrefix(line, "#") || (strings.HasPrefix(line, "**") && strings.HasSuffix(line, "**")) {
			style = "B"
			line = strings.Trim(line, "#* ")
		}
		pdf.SetFont("Helvetica", style, 11)
		pdf.MultiCell(0, 6, tr(line), "", "L", false)
	}

	if len(doc.Findings) > 0 {
		pdf.Ln(6)
		pdf.SetFont("Helvetica", "B", 11)
		pdf.CellFormat(0, 7, "Detected findings (AI screening)", "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "B", 10)
		pdf.SetFillColor(230, 230, 230)
		pdf.CellFormat(90, 7, "Finding", "1", 0, "L", true, 0, "")
		pdf.CellFormat(40, 7, "Probability", "1", 1, "R", true, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		for _, f := range doc.Findings {
			pdf.CellFormat(90, 6, tr(strings.ReplaceAll(f.Name, "_", " ")), "1", 0, "L", false, 0, "")
			pdf.CellFormat(40, 6, fmt.Sprintf("%.1f%%", f.Probability*100), "1", 1, "R", false, 0, "")
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04 MST")
}
