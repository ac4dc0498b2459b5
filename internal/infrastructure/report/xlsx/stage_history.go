// Package xlsx renders the stage history of a document as a spreadsheet
// for audits.
package xlsx

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

const (
	historySheet = "Stage history"
	ContentType  = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var historyHeader = []any{"Attempt", "Stage", "Started at", "Completed at", "Duration (s)", "Outcome", "Error detail"}

// WriteStageHistory writes one row per attempt, oldest first, below a short
// document header.
func WriteStageHistory(w io.Writer, doc *domain.Document, attempts []domain.StageAttempt) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", historySheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	rows := [][]any{
		{"Document", doc.ID},
		{"Title", doc.Title},
		{"Status", string(doc.Status)},
		{},
		historyHeader,
	}
	for _, a := range attempts {
		completed := ""
		duration := ""
		if a.CompletedAt != nil {
			completed = a.CompletedAt.UTC().Format(time.RFC3339)
			duration = fmt.Sprintf("%.0f", a.CompletedAt.Sub(a.StartedAt).Seconds())
		}
		rows = append(rows, []any{
			a.ID,
			string(a.Stage),
			a.StartedAt.UTC().Format(time.RFC3339),
			completed,
			duration,
			string(a.Outcome),
			a.ErrorDetail,
		})
	}

	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(historySheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	if err := f.SetCellStyle(historySheet, "A5", "G5", headerStyle); err != nil {
		return fmt.Errorf("style header: %w", err)
	}
	if err := f.SetColWidth(historySheet, "C", "D", 22); err != nil {
		return fmt.Errorf("set column width: %w", err)
	}
	if err := f.SetColWidth(historySheet, "G", "G", 60); err != nil {
		return fmt.Errorf("set column width: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
