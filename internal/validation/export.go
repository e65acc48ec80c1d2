package validation

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"dealcheck/internal/models"
)

const exportSheet = "Validation"

var exportHeader = []string{"Document", "Key", "Expected", "Found", "Status"}

// ExportRows flattens a run to one row per (document, key). A document that
// could not be read yields a single error row.
func ExportRows(run *models.ValidationRun) [][]string {
	rows := [][]string{exportHeader}
	for _, doc := range run.Results {
		if doc.Status == models.ResultError {
			rows = append(rows, []string{doc.DocumentName, "", "", doc.Error, models.ResultError})
			continue
		}
		for _, m := range doc.Matches {
			rows = append(rows, []string{doc.DocumentName, m.Key, m.Expected, strings.Join(m.Found, " | "), m.Status})
		}
	}
	return rows
}

func WriteCSV(w io.Writer, run *models.ValidationRun) error {
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(ExportRows(run)); err != nil {
		return fmt.Errorf("write csv export: %w", err)
	}
	return nil
}

func WriteXLSX(w io.Writer, run *models.ValidationRun) error {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return fmt.Errorf("name export sheet: %w", err)
	}
	for i, row := range ExportRows(run) {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		values := make([]any, len(row))
		for j, v := range row {
			values[j] = v
		}
		if err := f.SetSheetRow(exportSheet, cell, &values); err != nil {
			return fmt.Errorf("write export row %d: %w", i+1, err)
		}
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx export: %w", err)
	}
	return nil
}
