// Package export renders history pages as spreadsheets.
package export

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"regexp"

	"github.com/xuri/excelize/v2"

	"github.com/vgold/heatwatch/services/console/internal/telemetry"
)

const sheetName = "History Log"

// ErrNoHistory is returned for an empty history page.
var ErrNoHistory = errors.New("no history to export")

// HistoryHeader is the column order of the export.
var HistoryHeader = []string{"Timestamp", "Feed Temp (°C)", "Return Temp (°C)", "Delta T (°C)", "Pressure"}

var columnWidths = []float64{20, 15, 15, 12, 12}

var unsafeName = regexp.MustCompile(`[^\p{L}\p{N}._-]+`)

// FileName is "<name>_History_Page_<page>.xlsx" with the name made safe for
// a Content-Disposition header.
func FileName(sensorName string, page int) string {
	name := unsafeName.ReplaceAllString(sensorName, "_")
	if name == "" {
		name = "sensor"
	}
	return fmt.Sprintf("%s_History_Page_%d.xlsx", name, page)
}

// HistoryXLSX renders samples, most recent first, as an XLSX workbook.
// Samples without a timestamp are labelled "Record N".
func HistoryXLSX(samples []telemetry.Sample) ([]byte, error) {
	if len(samples) == 0 {
		return nil, ErrNoHistory
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	for col, header := range HistoryHeader {
		if err := setCell(f, col+1, 1, header); err != nil {
			return nil, err
		}
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := f.SetCellStyle(sheetName, cell, cell, headerStyle); err != nil {
			return nil, fmt.Errorf("set header style: %w", err)
		}
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			return nil, fmt.Errorf("column name: %w", err)
		}
		if err := f.SetColWidth(sheetName, name, name, columnWidths[col]); err != nil {
			return nil, fmt.Errorf("set column width: %w", err)
		}
	}

	for i, s := range samples {
		row := i + 2
		ts := fmt.Sprintf("Record %d", i+1)
		if !s.Time.IsZero() {
			ts = s.Time.Format("2006-01-02 15:04:05")
		}
		values := []any{ts, s.TOut, s.TIn, round1(s.Delta()), s.Pressure}
		for col, v := range values {
			if err := setCell(f, col+1, row, v); err != nil {
				return nil, err
			}
		}
	}

	if err := f.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("freeze header: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func setCell(f *excelize.File, col, row int, value any) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return fmt.Errorf("cell name: %w", err)
	}
	if err := f.SetCellValue(sheetName, cell, value); err != nil {
		return fmt.Errorf("set cell %s: %w", cell, err)
	}
	return nil
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
