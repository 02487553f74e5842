package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	alerts "spikealerts/internal/alerts/domain"
	reports "spikealerts/internal/reports/domain"
)

// BuildAlertsCSV renders archived alerts as CSV.
func BuildAlertsCSV(archived []alerts.ArchivedAlert) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"alert_index", "start_time", "duration_minutes", "max_reading", "sensor_indices"}); err != nil {
		return nil, err
	}
	for _, alert := range archived {
		record := []string{
			strconv.FormatInt(alert.AlertIndex, 10),
			alert.StartTime.Format(time.RFC3339),
			strconv.FormatInt(int64(alert.Duration/time.Minute), 10),
			strconv.FormatFloat(alert.MaxReading, 'f', 1, 64),
			joinIndices(alert.SensorIndices),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildAlertsXLSX renders archived alerts as a spreadsheet.
func BuildAlertsXLSX(archived []alerts.ArchivedAlert) ([]byte, error) {
	f := excelize.NewFile()
	sheet := "alerts"
	f.SetSheetName("Sheet1", sheet)

	_ = f.SetCellValue(sheet, "A1", "Alert Index")
	_ = f.SetCellValue(sheet, "B1", "Start Time")
	_ = f.SetCellValue(sheet, "C1", "Duration (min)")
	_ = f.SetCellValue(sheet, "D1", "Max Reading (ug/m3)")
	_ = f.SetCellValue(sheet, "E1", "Sensors")
	for i, alert := range archived {
		row := i + 2
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", row), alert.AlertIndex)
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", row), alert.StartTime.Format(time.RFC3339))
		_ = f.SetCellValue(sheet, fmt.Sprintf("C%d", row), int64(alert.Duration/time.Minute))
		_ = f.SetCellValue(sheet, fmt.Sprintf("D%d", row), alert.MaxReading)
		_ = f.SetCellValue(sheet, fmt.Sprintf("E%d", row), joinIndices(alert.SensorIndices))
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildAlertsPDF renders archived alerts as a table.
func BuildAlertsPDF(archived []alerts.ArchivedAlert, from, to time.Time) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Archived Spike Alerts")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Window: %s to %s", from.Format("2006-01-02"), to.Format("2006-01-02")))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Alerts: %d", len(archived)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(25, 6, "Alert", "1", 0, "C", false, 0, "")
	pdf.CellFormat(50, 6, "Start", "1", 0, "C", false, 0, "")
	pdf.CellFormat(35, 6, "Duration (min)", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Max (ug/m3)", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Sensors", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, alert := range archived {
		pdf.CellFormat(25, 6, strconv.FormatInt(alert.AlertIndex, 10), "1", 0, "R", false, 0, "")
		pdf.CellFormat(50, 6, alert.StartTime.Format("2006-01-02 15:04"), "1", 0, "C", false, 0, "")
		pdf.CellFormat(35, 6, strconv.FormatInt(int64(alert.Duration/time.Minute), 10), "1", 0, "R", false, 0, "")
		pdf.CellFormat(40, 6, fmt.Sprintf("%.1f", alert.MaxReading), "1", 0, "R", false, 0, "")
		pdf.CellFormat(40, 6, joinIndices(alert.SensorIndices), "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildReportsCSV renders end-of-alert reports as CSV.
func BuildReportsCSV(list []reports.Report) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"report_id", "start_time", "duration_minutes", "max_reading", "alert_indices", "created_at"}); err != nil {
		return nil, err
	}
	for _, report := range list {
		record := []string{
			report.ReportID,
			report.StartTime.Format(time.RFC3339),
			strconv.FormatInt(int64(report.Duration/time.Minute), 10),
			strconv.FormatFloat(report.MaxReading, 'f', 1, 64),
			joinIndices(report.AlertIndices),
			report.CreatedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func joinIndices(indices []int64) string {
	parts := make([]string, len(indices))
	for i, index := range indices {
		parts[i] = strconv.FormatInt(index, 10)
	}
	return strings.Join(parts, " ")
}
