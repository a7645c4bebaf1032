package export

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/medsummary/internal/entity"
	"github.com/joseph-ayodele/medsummary/internal/repository"
)

// DefaultLimit caps how many visits one export reads.
const DefaultLimit = 1000

// Service produces XLSX workbooks from stored visits.
type Service struct {
	visits repository.VisitRepository
	logger *slog.Logger
}

func NewService(visits repository.VisitRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{visits: visits, logger: logger}
}

// Window filters visits by creation date, inclusive on both ends.
// If only From is set the window runs to today; neither set means all visits.
type Window struct {
	From *time.Time
	To   *time.Time
}

func (w Window) normalize(now time.Time) (from, to *time.Time) {
	day := func(t time.Time) *time.Time {
		d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return &d
	}
	if w.From != nil {
		from = day(*w.From)
	}
	if w.To != nil {
		to = day(*w.To)
	}
	if from != nil && to == nil {
		to = day(now.UTC())
	}
	return from, to
}

func (w Window) contains(created time.Time, from, to *time.Time) bool {
	c := created.UTC()
	if from != nil && c.Before(*from) {
		return false
	}
	if to != nil && !c.Before(to.AddDate(0, 0, 1)) {
		return false
	}
	return true
}

var headers = []string{
	"Visit ID",
	"Created",
	"Status",
	"Document",
	"Patient",
	"Diagnosis",
	"Key Findings",
	"Summary",
	"OCR Confidence",
	"Last Error",
}

// ExportVisitsXLSX returns the newest visits (up to limit) inside w as workbook bytes.
func (s *Service) ExportVisitsXLSX(ctx context.Context, w Window, limit int) ([]byte, error) {
	start := time.Now()
	if limit <= 0 {
		limit = DefaultLimit
	}
	visits, err := s.visits.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("query visits: %w", err)
	}
	from, to := w.normalize(start)

	f := excelize.NewFile()
	defer func() {
		if cerr := f.Close(); cerr != nil {
			s.logger.Warn("export.xlsx.close_failed", "error", cerr)
		}
	}()

	const sheet = "Visits"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	if style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		_ = f.SetRowStyle(sheet, 1, 1, style)
	}

	row := 2
	for _, v := range visits {
		if !w.contains(v.CreatedAt, from, to) {
			continue
		}
		write := func(col int, val any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, val)
		}
		write(1, v.ID)
		write(2, v.CreatedAt.UTC().Format("2006-01-02 15:04"))
		write(3, string(v.State))
		write(4, v.Document.Filename)
		write(5, patientLabel(v.Patient))
		if v.ExtractedData != nil && v.ExtractedData.Diagnosis != nil {
			write(6, *v.ExtractedData.Diagnosis)
		}
		if v.KeyFindings != nil {
			write(7, *v.KeyFindings)
		}
		if v.Summary != nil {
			write(8, truncate(*v.Summary, 500))
		}
		if v.OCRConfidence != nil {
			write(9, *v.OCRConfidence)
		}
		if v.LastError != nil {
			write(10, fmt.Sprintf("%s: %s", v.LastError.Stage, truncate(v.LastError.Message, 200)))
		}
		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 20) // id
	_ = f.SetColWidth(sheet, "B", "C", 16) // created, status
	_ = f.SetColWidth(sheet, "D", "E", 24) // document, patient
	_ = f.SetColWidth(sheet, "F", "F", 28) // diagnosis
	_ = f.SetColWidth(sheet, "G", "H", 60) // findings, summary
	_ = f.SetColWidth(sheet, "I", "I", 14)
	_ = f.SetColWidth(sheet, "J", "J", 48)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"rows", row-2,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func patientLabel(p *entity.PatientMeta) string {
	if p.IsZero() {
		return ""
	}
	var parts []string
	if p.Name != nil {
		parts = append(parts, *p.Name)
	}
	if p.Age != nil {
		parts = append(parts, fmt.Sprintf("%dy", *p.Age))
	}
	if p.Gender != nil {
		parts = append(parts, *p.Gender)
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
